// Package rewriter implements component D: it replaces section-symbol
// relocations with symbol-based equivalents, so the differ can compare
// relocations across O and P without tripping over compiler-chosen section
// names.
package rewriter

import (
	"debug/elf"
	"fmt"
	"strings"

	"upatch-build/internal/elfmodel"
	"upatch-build/internal/ulog"
)

// TargetOffset computes the byte offset within the referenced section that
// a relocation actually points at, per spec.md §4.D: the addend for
// non-PC-relative types, or addend+wordsize corrected for the actual
// instruction length for PC-relative types.
func TargetOffset(g *elfmodel.Graph, relasec *elfmodel.Section, rel *elfmodel.Relocation) int64 {
	if !g.Arch.IsPCRelative(rel.Type) {
		return rel.Addend
	}

	base := rel.Addend + int64(g.Arch.WordSize())

	var insn []byte
	if relasec.BaseSection != elfmodel.None {
		owner := g.Sections[relasec.BaseSection]
		if rel.Offset >= 1 && len(owner.Data) > 0 {
			lo := rel.Offset - 1
			hi := rel.Offset + 8
			if hi > uint64(len(owner.Data)) {
				hi = uint64(len(owner.Data))
			}
			if lo < hi {
				insn = owner.Data[lo:hi]
			}
		}
	}

	return base - g.Arch.InstructionCorrection(insn, rel.Type)
}

func isAbsoluteWordType(relType uint32) bool {
	switch elf.R_X86_64(relType) {
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		return true
	}
	return elf.R_AARCH64(relType) == elf.R_AARCH64_ABS64
}

// Rewrite implements replace_section_syms: every relocation whose referent
// is a raw STT_SECTION symbol is rewritten to point at the bundled symbol
// (or, failing that, the OBJECT/FUNC symbol whose value range covers the
// relocation's target offset) that actually owns the referenced bytes.
func Rewrite(g *elfmodel.Graph) error {
	for _, relasec := range g.Sections {
		if relasec.Kind != elfmodel.KindRela || relasec.IsDebugSection() {
			continue
		}

		for _, relIdx := range relasec.Relas {
			rel := g.Relocations[relIdx]
			sym := g.Symbols[rel.Symbol]
			if sym.Type != elf.STT_SECTION || sym.Section == elfmodel.None {
				continue
			}
			refSection := g.Sections[sym.Section]

			if refSection.SectionSymbol != elfmodel.None {
				owner := g.Symbols[refSection.SectionSymbol]
				if owner.Value != 0 && !g.Arch.AllowsPPC64LocalEntry() {
					return fmt.Errorf("symbol offset is not zero for %s", ulog.Demangle(owner.Name))
				}
				if rel.Addend != 0 {
					return fmt.Errorf("%s: bundled section symbol reference to %s has non-zero addend %d",
						relasec.Name, refSection.Name, rel.Addend)
				}
				rel.Symbol = owner.Index
				continue
			}

			if err := rewriteAgainstMembers(g, relasec, refSection, rel); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteAgainstMembers is the fallback path used when refSection has no
// single bundled owner symbol (e.g. .rodata, .data holding several
// distinct objects): it scans refSection's OBJECT/FUNC symbols for the one
// whose value range covers the relocation's target offset.
func rewriteAgainstMembers(g *elfmodel.Graph, relasec, refSection *elfmodel.Section, rel *elfmodel.Relocation) error {
	targetOff := TargetOffset(g, relasec, rel)

	relasecIsText := relasec.BaseSection != elfmodel.None && g.Sections[relasec.BaseSection].IsTextSection()

	for _, sym := range g.Symbols {
		if sym.Type == elf.STT_SECTION || sym.Section != refSection.Index {
			continue
		}
		start := int64(sym.Value)
		end := int64(sym.Value + sym.Size)

		if relasecIsText && !refSection.IsTextSection() && isAbsoluteWordType(rel.Type) &&
			rel.Addend == int64(refSection.Size) && end == int64(refSection.Size) {
			return fmt.Errorf("%s: relocation refers to end of data section %s", relasec.Name, refSection.Name)
		}

		if targetOff == start && targetOff == end {
			if g.Arch.IsMappingSymbol(sym.Name) {
				continue
			}
			// Zero-length symbol whose value happens to equal the
			// target offset: treat it as a valid (degenerate) match,
			// same as the original tool's "empty symbol" case.
		} else if targetOff < start || targetOff >= end {
			continue
		}

		rel.Symbol = sym.Index
		rel.Addend -= start
		return nil
	}

	if allowedUnresolvedReference(refSection) {
		return nil
	}

	return fmt.Errorf("%s+0x%x: can't find replacement symbol for %s+%d reference",
		relasec.Name, rel.Offset, refSection.Name, rel.Addend)
}

// allowedUnresolvedReference implements spec.md §4.D's exemption: a
// relocation into .rodata, .data, or a string-literal section may be left
// pointing at the raw section symbol if no covering member symbol exists.
func allowedUnresolvedReference(sec *elfmodel.Section) bool {
	if sec.IsStringLiteralSection() {
		return true
	}
	return strings.HasPrefix(sec.Name, ".rodata") || strings.HasPrefix(sec.Name, ".data")
}
