package perfcounters

import "testing"

func TestRunningUnderRRReflectsEnvVar(t *testing.T) {
	t.Setenv(nestedReplayEnvVar, "")
	if runningUnderRR() {
		t.Fatal("expected false with no nested-replay env var set")
	}
	t.Setenv(nestedReplayEnvVar, "1")
	if !runningUnderRR() {
		t.Fatal("expected true once the nested-replay env var is set")
	}
}

func TestQuirksShortCircuitUnderNestedReplay(t *testing.T) {
	t.Setenv(nestedReplayEnvVar, "1")
	q := NewQuirks(nil)

	if q.HasIOCPeriodBug() {
		t.Fatal("expected no IOC_PERIOD bug under nested replay")
	}
	if q.HasKVMInTXCPBug() {
		t.Fatal("expected no KVM IN_TXCP bug under nested replay")
	}
	if q.AlwaysRecreate() {
		t.Fatal("expected AlwaysRecreate false when both probes short-circuit")
	}
}

func TestQuirksProbesAreMemoized(t *testing.T) {
	t.Setenv(nestedReplayEnvVar, "1")
	q := NewQuirks(nil)

	first := q.HasIOCPeriodBug()
	t.Setenv(nestedReplayEnvVar, "")
	second := q.HasIOCPeriodBug()
	if first != second {
		t.Fatal("expected HasIOCPeriodBug to memoize its result via sync.Once, ignoring the later env change")
	}
}

func TestRunUnpredictableBranchesDoesNotExit(t *testing.T) {
	// A smoke test that the branch loop terminates and never hits its
	// dead os.Exit escape hatch for a small n.
	runUnpredictableBranches(500)
}
