// Package archsupport implements the "relocation-type dispatch as a
// capability object" re-architecture hint from spec.md §9: every piece of
// per-architecture logic (PC-relative detection, instruction-length
// correction, PPC64 ABIv2 local-entry exception, ARM/AArch64 mapping-symbol
// exemption) lives behind the Capability interface, selected once when an
// ELF graph is loaded.
package archsupport

import (
	"debug/elf"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Capability is the per-architecture behavior seam. All methods are pure
// functions of their arguments; no Capability implementation holds state.
type Capability interface {
	// Name identifies the architecture in diagnostics and in the
	// .upatch.arch metadata section.
	Name() string

	// WordSize is the width, in bytes, of the relocation field used by
	// the architecture's "natural" PC-relative call/jump displacement.
	WordSize() int

	// IsPCRelative reports whether relType is a PC-relative relocation.
	IsPCRelative(relType uint32) bool

	// InstructionCorrection returns the number of bytes by which the
	// naive "addend + WordSize" target-offset estimate must be adjusted
	// downward to land on the start of the next instruction, by decoding
	// the instruction that starts at insnBytes[0]. Returns 0 if insnBytes
	// can't be decoded or the
	// architecture doesn't need per-instruction correction (e.g. AArch64,
	// whose instructions are fixed 4-byte width).
	InstructionCorrection(insnBytes []byte, relType uint32) int64

	// AllowsPPC64LocalEntry reports whether a bundled symbol may
	// legitimately have a non-zero st_value (the PPC64 ELFv2 ABI's local
	// entry point offset). False for every architecture except ppc64.
	AllowsPPC64LocalEntry() bool

	// IsMappingSymbol reports whether name is an ARM/AArch64 mapping
	// symbol ($a, $d, $x, ...), which must never be treated as a
	// legitimate relocation target even when its zero-length value range
	// degenerately contains the target offset.
	IsMappingSymbol(name string) bool
}

// For selects the Capability implementation for an ELF e_machine value.
// Unsupported machines fall back to genericCapability, which disables the
// PC-relative handling altogether (it reports no relocation type as
// PC-relative, so target offsets are the bare addend) but otherwise
// behaves like x86-64's word size.
func For(machine elf.Machine) Capability {
	switch machine {
	case elf.EM_X86_64:
		return x86_64Capability{}
	case elf.EM_AARCH64:
		return aarch64Capability{}
	case elf.EM_PPC64:
		return ppc64Capability{}
	default:
		return genericCapability{}
	}
}

// --- x86-64 ---------------------------------------------------------------

type x86_64Capability struct{}

func (x86_64Capability) Name() string     { return "x86_64" }
func (x86_64Capability) WordSize() int    { return 4 }
func (x86_64Capability) AllowsPPC64LocalEntry() bool { return false }
func (x86_64Capability) IsMappingSymbol(string) bool { return false }

func (x86_64Capability) IsPCRelative(relType uint32) bool {
	switch elf.R_X86_64(relType) {
	case elf.R_X86_64_PC8, elf.R_X86_64_PC16, elf.R_X86_64_PC32, elf.R_X86_64_PC64,
		elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL, elf.R_X86_64_REX_GOTPCRELX,
		elf.R_X86_64_GOTPCRELX:
		return true
	default:
		return false
	}
}

// InstructionCorrection decodes the x86-64 instruction that starts at
// insnBytes[0] (rewriter.TargetOffset passes the owning section's bytes
// from one byte before the relocation offset through at most 8 bytes past
// it) and returns Len-WordSize when the decoded instruction is longer than
// the bare 4-byte displacement field, and 0 otherwise.
func (c x86_64Capability) InstructionCorrection(insnBytes []byte, relType uint32) int64 {
	if !c.IsPCRelative(relType) || len(insnBytes) == 0 {
		return 0
	}
	inst, err := x86asm.Decode(insnBytes, 64)
	if err != nil || inst.Len == 0 {
		return 0
	}
	extra := inst.Len - c.WordSize()
	if extra < 0 {
		extra = 0
	}
	return int64(extra)
}

// --- AArch64 ----------------------------------------------------------------

type aarch64Capability struct{}

func (aarch64Capability) Name() string     { return "aarch64" }
func (aarch64Capability) WordSize() int    { return 4 }
func (aarch64Capability) AllowsPPC64LocalEntry() bool { return false }

func (aarch64Capability) IsPCRelative(relType uint32) bool {
	switch elf.R_AARCH64(relType) {
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26, elf.R_AARCH64_CONDBR19,
		elf.R_AARCH64_ADR_PREL_LO21, elf.R_AARCH64_ADR_PREL_PG_HI21,
		elf.R_AARCH64_ADR_PREL_PG_HI21_NC, elf.R_AARCH64_PREL64,
		elf.R_AARCH64_PREL32, elf.R_AARCH64_PREL16:
		return true
	default:
		return false
	}
}

// InstructionCorrection is always 0: every AArch64 instruction is a fixed
// 4-byte word, so there is never an "extra tail" beyond the field itself.
func (aarch64Capability) InstructionCorrection(insnBytes []byte, relType uint32) int64 {
	return 0
}

func (aarch64Capability) IsMappingSymbol(name string) bool {
	return name == "$a" || name == "$d" || name == "$x" ||
		strings.HasPrefix(name, "$a.") || strings.HasPrefix(name, "$d.") || strings.HasPrefix(name, "$x.")
}

// --- PPC64 (ELFv2 ABI) ------------------------------------------------------

type ppc64Capability struct{}

func (ppc64Capability) Name() string      { return "ppc64" }
func (ppc64Capability) WordSize() int     { return 4 }
func (ppc64Capability) AllowsPPC64LocalEntry() bool { return true }
func (ppc64Capability) IsMappingSymbol(string) bool { return false }

func (ppc64Capability) IsPCRelative(relType uint32) bool {
	switch elf.R_PPC64(relType) {
	case elf.R_PPC64_REL24, elf.R_PPC64_REL32, elf.R_PPC64_REL64, elf.R_PPC64_REL16,
		elf.R_PPC64_REL14, elf.R_PPC64_REL16_LO, elf.R_PPC64_REL16_HI, elf.R_PPC64_REL16_HA:
		return true
	default:
		return false
	}
}

// InstructionCorrection is always 0: PPC64, like AArch64, only has
// fixed-width 4-byte instructions, so the naive field-width estimate never
// needs a tail correction.
func (ppc64Capability) InstructionCorrection(insnBytes []byte, relType uint32) int64 {
	return 0
}

// --- generic fallback --------------------------------------------------------

type genericCapability struct{}

func (genericCapability) Name() string                                       { return "generic" }
func (genericCapability) WordSize() int                                      { return 4 }
func (genericCapability) IsPCRelative(uint32) bool                           { return false }
func (genericCapability) InstructionCorrection([]byte, uint32) int64         { return 0 }
func (genericCapability) AllowsPPC64LocalEntry() bool                        { return false }
func (genericCapability) IsMappingSymbol(string) bool                        { return false }
