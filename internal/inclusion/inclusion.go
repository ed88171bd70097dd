// Package inclusion implements component G: the seed set, the closure
// rule that pulls in whatever a seed transitively references, and the
// post-closure validation pass that turns an unsupported delta into a
// build failure rather than a silently broken patch.
package inclusion

import (
	"debug/elf"
	"fmt"
	"strings"

	"upatch-build/internal/elfmodel"
)

// Close seeds inclusion from p (post-differ) and follows the closure rule
// to a fixed point, then validates the result. Callers that need to run
// component H (ehframe.IncludeDebugSections) between the seed and the
// validation pass — matching create-diff-object.c's main(), which seeds
// inclusion, then includes debug sections, then calls
// verify_patchability — should call Seed and Validate directly instead.
func Close(g *elfmodel.Graph) error {
	Seed(g)
	return Validate(g)
}

// Seed marks the initial inclusion set from p (post-differ) and follows
// the closure rule to a fixed point: every CHANGED function, CHANGED
// exception-table section, and NEW global symbol, plus whatever each pulls
// in transitively through its relocations.
func Seed(g *elfmodel.Graph) {
	for _, sec := range g.Sections {
		switch sec.Name {
		case ".shstrtab", ".strtab", ".symtab", ".rodata":
			includeSection(g, sec)
		default:
			if sec.IsStringLiteralSection() {
				includeSection(g, sec)
			}
		}
	}
	for _, sym := range g.Symbols {
		if sym.Section != elfmodel.None && g.Sections[sym.Section].IsStringLiteralSection() {
			sym.Included = true
		}
	}

	g.Symbols[0].Included = true // the NULL symbol

	for _, sym := range g.Symbols[1:] {
		switch {
		case sym.Status == elfmodel.StatusChanged && sym.Type == elf.STT_FUNC:
			includeSymbol(g, sym)

		case sym.Status == elfmodel.StatusChanged && sym.Type == elf.STT_SECTION &&
			sym.Section != elfmodel.None && elfmodel.IsExceptSection(g.Sections[sym.Section].Name):
			includeSymbol(g, sym)

		case sym.Bind == elf.STB_GLOBAL && sym.Section != elfmodel.None && sym.Status == elfmodel.StatusNew:
			includeSymbol(g, sym)
		}

		if sym.Type == elf.STT_FILE {
			sym.Included = true
		}
	}
}

// includeSymbol implements include_symbol: the symbol is always marked
// included (it may be needed by a rela even without its own section), its
// owning section follows if the symbol is itself a SECTION symbol or has
// actually changed, and a SAME LOCAL FUNC symbol pulled in only to satisfy
// a reference gets the placeholder treatment instead.
func includeSymbol(g *elfmodel.Graph, sym *elfmodel.Symbol) {
	if sym.Included {
		return
	}
	sym.Included = true

	if sym.Section == elfmodel.None {
		return
	}
	sec := g.Sections[sym.Section]

	switch {
	case sym.Type == elf.STT_SECTION || sym.Status != elfmodel.StatusSame:
		includeSection(g, sec)

	case sym.Status == elfmodel.StatusSame && sym.Bind == elf.STB_LOCAL && sym.Type == elf.STT_FUNC:
		sym.Other |= elfmodel.SymOtherPlaceholder
		sec.Included = true
		sec.Data = nil
		sec.Size = 0
		if sec.SectionSymbol != elfmodel.None {
			g.Symbols[sec.SectionSymbol].Included = true
		}
	}
}

// includeSection implements include_section: the section, its bundled
// section symbol (if any), and its rela section follow, and every symbol
// referenced from that rela section is pulled in transitively.
func includeSection(g *elfmodel.Graph, sec *elfmodel.Section) {
	if sec.Included {
		return
	}
	sec.Included = true
	if sec.SectionSymbol != elfmodel.None {
		g.Symbols[sec.SectionSymbol].Included = true
	}

	if sec.RelaSection == elfmodel.None {
		return
	}
	relasec := g.Sections[sec.RelaSection]
	relasec.Included = true
	for _, ri := range relasec.Relas {
		rel := g.Relocations[ri]
		includeSymbol(g, g.Symbols[rel.Symbol])
	}
}

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }

func whitelistedDataSection(name string) bool {
	return name == ".data.unlikely" || name == ".data.once"
}

// Validate implements verify_patchability's four checks, accumulating
// every failure rather than stopping at the first.
func Validate(g *elfmodel.Graph) error {
	var errs []string

	for _, sec := range g.Sections {
		if sec.Status == elfmodel.StatusChanged && !sec.Included {
			errs = append(errs, fmt.Sprintf("changed section %s not selected for inclusion", sec.Name))
		}
		if sec.Status != elfmodel.StatusSame && sec.Grouped {
			errs = append(errs, fmt.Sprintf("changed section %s is part of a section group", sec.Name))
		}
		if sec.Type == elf.SHT_GROUP && sec.Status == elfmodel.StatusNew {
			errs = append(errs, fmt.Sprintf("new/changed group section %s is not supported", sec.Name))
		}
		if sec.Included && sec.Status != elfmodel.StatusNew &&
			(hasPrefix(sec.Name, ".data") || hasPrefix(sec.Name, ".bss")) &&
			!whitelistedDataSection(sec.Name) {
			errs = append(errs, fmt.Sprintf("data section %s selected for inclusion", sec.Name))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d unsupported section change(s): %s", len(errs), strings.Join(errs, "; "))
}
