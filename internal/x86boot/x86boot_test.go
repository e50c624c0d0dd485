package x86boot

import "testing"

func TestDefaultIsLongModeWithIdentityCR3(t *testing.T) {
	const pml4GPA = 0xdeadb000

	s := Default(pml4GPA)

	if s.CR3 != pml4GPA {
		t.Fatalf("CR3 = 0x%x, want 0x%x", s.CR3, pml4GPA)
	}
	if s.CR0&cr0PG == 0 || s.CR0&cr0PE == 0 {
		t.Fatalf("CR0 = 0x%x, want PG and PE set", s.CR0)
	}
	if s.CR4&cr4PAE == 0 {
		t.Fatalf("CR4 = 0x%x, want PAE set", s.CR4)
	}
	if s.EFER&eferLME == 0 || s.EFER&eferLMA == 0 {
		t.Fatalf("EFER = 0x%x, want LME and LMA set", s.EFER)
	}
	if s.GDT.Limit != 0 || s.IDT.Limit != 0 {
		t.Fatalf("GDT/IDT limits = %d/%d, want both zero", s.GDT.Limit, s.IDT.Limit)
	}
	if !s.CS.L {
		t.Fatalf("CS.L not set; code segment must be a 64-bit segment")
	}
	if s.Rip != 0 || s.Rsp != 0 {
		t.Fatalf("Rip/Rsp = %d/%d, want both zero", s.Rip, s.Rsp)
	}
}

func TestWithCallerRegsMergesAndForcesEntryPoint(t *testing.T) {
	base := Default(0x1000)
	base.Rip = 0x1234 // simulate a prior call having moved RIP
	base.Rsp = 0x5678

	regs := CallerRegs{Rax: 1, Rbx: 2, Rcx: 3, Rdx: 4, Rsi: 5, Rdi: 6, Rbp: 7, R8: 8, R15: 15}

	merged := WithCallerRegs(base, regs)

	if merged.Rax != 1 || merged.R15 != 15 {
		t.Fatalf("caller registers not merged: %+v", merged)
	}
	if merged.Rip != 0 || merged.Rsp != 0 {
		t.Fatalf("Rip/Rsp = %d/%d, want both forced to 0", merged.Rip, merged.Rsp)
	}
	if merged.RFlags != 0x2 {
		t.Fatalf("RFlags = 0x%x, want 0x2", merged.RFlags)
	}
	// Fields WithCallerRegs doesn't touch must survive the merge.
	if merged.CR3 != base.CR3 {
		t.Fatalf("CR3 = 0x%x, want unchanged 0x%x", merged.CR3, base.CR3)
	}
}

func TestCallerRegsRoundTrip(t *testing.T) {
	regs := CallerRegs{Rax: 11, Rbx: 22, R12: 33}
	s := WithCallerRegs(Default(0), regs)

	got := s.CallerRegs()
	if got != regs {
		t.Fatalf("CallerRegs() = %+v, want %+v", got, regs)
	}
}

func TestMergeStoreFlagsORsFlagsButOverwritesFields(t *testing.T) {
	dst := Segment{Present: true, Base: 1, Selector: 0x08}
	observed := Segment{Present: false, L: true, Base: 2, Selector: 0x10}

	MergeStoreFlags(&dst, observed)

	if !dst.Present {
		t.Fatalf("Present was cleared; MergeStoreFlags must OR flag bits, not overwrite")
	}
	if !dst.L {
		t.Fatalf("L was not merged in from observed")
	}
	if dst.Base != 2 || dst.Selector != 0x10 {
		t.Fatalf("Base/Selector = %d/0x%x, want the observed values 2/0x10", dst.Base, dst.Selector)
	}
}
