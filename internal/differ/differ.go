// Package differ implements component F: classifying every correlated
// section and symbol pair as SAME or CHANGED (P-only entries are already
// NEW, from the correlator), and marking discard sections ignored.
package differ

import (
	"bytes"

	"upatch-build/internal/elfmodel"
)

// Diff classifies every section and symbol pair correlate.Correlate paired
// between o and p, and marks .discard*/.rela.discard* sections ignored.
//
// Section content diffing needs to know whether a relocation's referent
// symbol is itself unchanged, but symbol status in turn depends on its
// owning section's status: a tentative symbol pass (type/binding/size
// only) breaks the cycle before section bodies are compared, and a final
// pass then escalates SAME symbols whose section turned out CHANGED.
func Diff(o, p *elfmodel.Graph) {
	markIgnoredSections(p)
	markIgnoredSections(o)

	for _, ps := range p.Symbols[1:] {
		if ps.Correlate == elfmodel.None {
			continue // already NEW
		}
		diffSymbolShape(o.Symbols[ps.Correlate], ps)
	}

	for _, ps := range p.Sections {
		if ps.Correlate == elfmodel.None {
			continue // already NEW
		}
		diffSection(o, p, o.Sections[ps.Correlate], ps)
	}

	for _, ps := range p.Symbols[1:] {
		if ps.Correlate == elfmodel.None {
			continue
		}
		escalateSymbolForSection(o, o.Symbols[ps.Correlate], ps)
	}
}

func markIgnoredSections(g *elfmodel.Graph) {
	for _, sec := range g.Sections {
		if hasPrefix(sec.Name, ".discard") || hasPrefix(sec.Name, ".rela.discard") {
			sec.Ignored = true
		}
	}
}

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }

func diffSection(o, p *elfmodel.Graph, os, ps *elfmodel.Section) {
	oRelas, pRelas := len(os.Relas), len(ps.Relas)
	if os.RelaSection != elfmodel.None {
		oRelas = len(o.Sections[os.RelaSection].Relas)
	}
	if ps.RelaSection != elfmodel.None {
		pRelas = len(p.Sections[ps.RelaSection].Relas)
	}
	if os.Size != ps.Size || os.Flags != ps.Flags || oRelas != pRelas {
		os.Status, ps.Status = elfmodel.StatusChanged, elfmodel.StatusChanged
		return
	}

	if os.Kind == elfmodel.KindRela {
		if relasDiffer(o, p, os, ps) {
			os.Status, ps.Status = elfmodel.StatusChanged, elfmodel.StatusChanged
		} else {
			os.Status, ps.Status = elfmodel.StatusSame, elfmodel.StatusSame
		}
		return
	}

	if os.Kind == elfmodel.KindProgbits || os.Kind == elfmodel.KindNobits {
		if bytesDifferIgnoringRelaTargets(o, p, os, ps) {
			os.Status, ps.Status = elfmodel.StatusChanged, elfmodel.StatusChanged
		} else {
			os.Status, ps.Status = elfmodel.StatusSame, elfmodel.StatusSame
		}
		return
	}

	// Symtab/strtab/group/note/other: byte-identical is the only signal
	// available.
	if !bytes.Equal(os.Data, ps.Data) {
		os.Status, ps.Status = elfmodel.StatusChanged, elfmodel.StatusChanged
	} else {
		os.Status, ps.Status = elfmodel.StatusSame, elfmodel.StatusSame
	}
}

// relasDiffer compares two correlated rela sections rela-by-rela on
// (offset, type, addend, referent-correlated-twin): a relocation whose
// referent symbol in O correlates to the referent symbol in P at the same
// (offset, type, addend) counts as unchanged, even though the raw symbol
// index differs between the two objects.
func relasDiffer(o, p *elfmodel.Graph, os, ps *elfmodel.Section) bool {
	if len(os.Relas) != len(ps.Relas) {
		return true
	}
	for i, oRelIdx := range os.Relas {
		oRel := o.Relocations[oRelIdx]
		pRel := p.Relocations[ps.Relas[i]]

		if oRel.Offset != pRel.Offset || oRel.Type != pRel.Type || oRel.Addend != pRel.Addend {
			return true
		}
		oSym := o.Symbols[oRel.Symbol]
		if oSym.Correlate != pRel.Symbol {
			return true
		}
	}
	return false
}

// bytesDifferIgnoringRelaTargets compares os/ps's raw bytes, but treats a
// byte range covered by a relocation whose referent is itself SAME as
// insignificant: the bytes there encode a relocatable reference (typically
// a placeholder addend), not code/data content, so a pure re-linking delta
// there isn't a real change.
func bytesDifferIgnoringRelaTargets(o, p *elfmodel.Graph, os, ps *elfmodel.Section) bool {
	if os.Size != ps.Size {
		return true
	}
	if os.Kind == elfmodel.KindNobits {
		return false // no data to compare, and size already matched above
	}
	if len(os.Data) != len(ps.Data) {
		return true
	}
	if bytes.Equal(os.Data, ps.Data) {
		return false
	}

	mask := make([]bool, len(os.Data))
	relaWidth := int(o.Arch.WordSize())
	if p.Arch.WordSize() > relaWidth {
		relaWidth = p.Arch.WordSize()
	}

	if os.RelaSection != elfmodel.None {
		relasec := o.Sections[os.RelaSection]
		for _, ri := range relasec.Relas {
			rel := o.Relocations[ri]
			sym := o.Symbols[rel.Symbol]
			if sym.Status != elfmodel.StatusSame {
				continue
			}
			off := int(rel.Offset)
			for k := off; k < off+relaWidth && k < len(mask); k++ {
				mask[k] = true
			}
		}
	}

	for i := range os.Data {
		if mask[i] {
			continue
		}
		if os.Data[i] != ps.Data[i] {
			return true
		}
	}
	return false
}

// diffSymbolShape sets a tentative status from (type, binding, size) alone,
// before section content has been compared.
func diffSymbolShape(os, ps *elfmodel.Symbol) {
	if os.Type != ps.Type || os.Bind != ps.Bind || os.Size != ps.Size ||
		(os.Section == elfmodel.None) != (ps.Section == elfmodel.None) {
		os.Status, ps.Status = elfmodel.StatusChanged, elfmodel.StatusChanged
	} else {
		os.Status, ps.Status = elfmodel.StatusSame, elfmodel.StatusSame
	}
}

// escalateSymbolForSection implements the second half of spec.md §4.F's
// symbol rule: a shape-SAME symbol still becomes CHANGED if its owning
// section turned out CHANGED.
func escalateSymbolForSection(o *elfmodel.Graph, os, ps *elfmodel.Symbol) {
	if os.Status != elfmodel.StatusSame || os.Section == elfmodel.None {
		return
	}
	if o.Sections[os.Section].Status == elfmodel.StatusChanged {
		os.Status, ps.Status = elfmodel.StatusChanged, elfmodel.StatusChanged
	}
}
