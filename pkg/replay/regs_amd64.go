package replay

// GPRegs is the general-purpose register file ptrace(GETREGS) returns
// on Linux/amd64: the same field layout as unix.PtraceRegs, stripped
// of the DWARF register-number plumbing this package has no use for.
type GPRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	OrigRax  uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	FsBase   uint64
	GsBase   uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// NamedRegister is one (name, value) pair, projected from GPRegs for
// the GET_REG/GET_REGS debugger request.
type NamedRegister struct {
	Name    string
	Value   uint64
	Defined bool
}

// Slice returns the registers as a list of (name, value) pairs, in
// platform register order.
func (r *GPRegs) Slice() []NamedRegister {
	return []NamedRegister{
		{"rip", r.Rip, true},
		{"rsp", r.Rsp, true},
		{"rax", r.Rax, true},
		{"rbx", r.Rbx, true},
		{"rcx", r.Rcx, true},
		{"rdx", r.Rdx, true},
		{"rdi", r.Rdi, true},
		{"rsi", r.Rsi, true},
		{"rbp", r.Rbp, true},
		{"r8", r.R8, true},
		{"r9", r.R9, true},
		{"r10", r.R10, true},
		{"r11", r.R11, true},
		{"r12", r.R12, true},
		{"r13", r.R13, true},
		{"r14", r.R14, true},
		{"r15", r.R15, true},
		{"orig_rax", r.OrigRax, true},
		{"cs", r.Cs, true},
		{"eflags", r.Eflags, true},
		{"ss", r.Ss, true},
		{"fs_base", r.FsBase, true},
		{"gs_base", r.GsBase, true},
		{"ds", r.Ds, true},
		{"es", r.Es, true},
		{"fs", r.Fs, true},
		{"gs", r.Gs, true},
	}
}

// Get looks up a single register by name, returning Defined=false for
// any name this file does not project (e.g. floating-point/XMM
// registers, which this core never inspects).
func (r *GPRegs) Get(name string) NamedRegister {
	for _, reg := range r.Slice() {
		if reg.Name == name {
			return reg
		}
	}
	return NamedRegister{Name: name, Defined: false}
}

// Equal compares two register files for the replay validator. Only the
// fields the scheduler validates against the recorded trace are
// compared: rip and the general-purpose integer registers, not
// segment selectors, which the kernel is free to reassign across runs.
func (r *GPRegs) Equal(other *GPRegs) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Rax == other.Rax && r.Rbx == other.Rbx && r.Rcx == other.Rcx &&
		r.Rdx == other.Rdx && r.Rsi == other.Rsi && r.Rdi == other.Rdi &&
		r.Rbp == other.Rbp && r.Rsp == other.Rsp &&
		r.R8 == other.R8 && r.R9 == other.R9 && r.R10 == other.R10 &&
		r.R11 == other.R11 && r.R12 == other.R12 && r.R13 == other.R13 &&
		r.R14 == other.R14 && r.R15 == other.R15 &&
		r.Rip == other.Rip && r.OrigRax == other.OrigRax
}
