package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Checksum != string(ChecksumOff) {
		t.Fatalf("expected default checksum %q, got %q", ChecksumOff, c.Checksum)
	}
	if c.DbgPort != 0 {
		t.Fatalf("expected default dbgport 0, got %d", c.DbgPort)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rrcore.yml")
	contents := "forced_uarch: haswell\nautopilot: true\ndbgport: 9999\nchecksum: all\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.ForcedUarch != "haswell" {
		t.Fatalf("expected forced_uarch haswell, got %q", c.ForcedUarch)
	}
	if !c.Autopilot {
		t.Fatal("expected autopilot true")
	}
	if c.DbgPort != 9999 {
		t.Fatalf("expected dbgport 9999, got %d", c.DbgPort)
	}
	if c.Checksum != "all" {
		t.Fatalf("expected checksum all, got %q", c.Checksum)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rrcore.yml")
	if err := os.WriteFile(path, []byte("forced_uarch: haswell\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RR_FORCED_UARCH", "skylake")
	t.Setenv("RR_DBGPORT", "4242")
	t.Setenv("RR_AUTOPILOT", "yes")

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.ForcedUarch != "skylake" {
		t.Fatalf("expected env override skylake, got %q", c.ForcedUarch)
	}
	if c.DbgPort != 4242 {
		t.Fatalf("expected env override dbgport 4242, got %d", c.DbgPort)
	}
	if !c.Autopilot {
		t.Fatal("expected RR_AUTOPILOT=yes to parse true")
	}
}

func TestParseBool(t *testing.T) {
	cases := []struct {
		in  string
		def bool
		out bool
	}{
		{"true", false, true},
		{"0", true, false},
		{"on", false, true},
		{"garbage", true, true},
		{"garbage", false, false},
	}
	for _, c := range cases {
		if got := parseBool(c.in, c.def); got != c.out {
			t.Errorf("parseBool(%q, %v) = %v, want %v", c.in, c.def, got, c.out)
		}
	}
}
