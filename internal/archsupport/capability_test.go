package archsupport

import (
	"debug/elf"
	"testing"
)

func TestForSelectsKnownMachines(t *testing.T) {
	cases := []struct {
		machine elf.Machine
		name    string
	}{
		{elf.EM_X86_64, "x86_64"},
		{elf.EM_AARCH64, "aarch64"},
		{elf.EM_PPC64, "ppc64"},
		{elf.EM_MIPS, "generic"},
	}
	for _, c := range cases {
		if got := For(c.machine).Name(); got != c.name {
			t.Errorf("For(%v).Name() = %q, want %q", c.machine, got, c.name)
		}
	}
}

func TestX86_64IsPCRelative(t *testing.T) {
	cap := For(elf.EM_X86_64)
	if !cap.IsPCRelative(uint32(elf.R_X86_64_PLT32)) {
		t.Error("R_X86_64_PLT32 should be PC-relative")
	}
	if cap.IsPCRelative(uint32(elf.R_X86_64_64)) {
		t.Error("R_X86_64_64 is an absolute relocation, not PC-relative")
	}
}

func TestPPC64AllowsLocalEntry(t *testing.T) {
	if !For(elf.EM_PPC64).AllowsPPC64LocalEntry() {
		t.Error("ppc64 must allow a non-zero bundled-symbol value (ELFv2 local entry point)")
	}
	if For(elf.EM_X86_64).AllowsPPC64LocalEntry() {
		t.Error("x86-64 must never allow a non-zero bundled-symbol value")
	}
}

func TestAArch64MappingSymbols(t *testing.T) {
	cap := For(elf.EM_AARCH64)
	for _, name := range []string{"$x", "$d", "$a", "$x.1"} {
		if !cap.IsMappingSymbol(name) {
			t.Errorf("%q should be recognized as an AArch64 mapping symbol", name)
		}
	}
	if cap.IsMappingSymbol("my_func") {
		t.Error("ordinary symbol name misclassified as a mapping symbol")
	}
}

func TestGenericCapabilityDisablesCorrection(t *testing.T) {
	cap := For(elf.EM_MIPS)
	if cap.IsPCRelative(0) {
		t.Error("generic capability must never report a PC-relative relocation")
	}
	if got := cap.InstructionCorrection([]byte{1, 2, 3, 4}, 0); got != 0 {
		t.Errorf("generic capability InstructionCorrection = %d, want 0", got)
	}
}
