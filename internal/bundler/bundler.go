// Package bundler implements component C: it attaches each "bundled"
// symbol (one placed in its own dedicated section by -ffunction-sections /
// -fdata-sections) to its owning section, and cross-references .cold/.part
// subfunctions with their parents.
package bundler

import (
	"debug/elf"
	"fmt"
	"strings"

	"upatch-build/internal/elfmodel"
)

var funcPrefixes = []string{".text.unlikely.", ".text.hot.", ".text."}
var objectPrefixes = []string{".data.rel.ro.", ".data.rel.", ".data.", ".rodata.", ".bss."}

func matchPrefix(name string, prefixes []string) (suffix string, ok bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return name[len(p):], true
		}
	}
	return "", false
}

// isBundleable implements spec.md §4.C's table plus the .cold special case.
func isBundleable(g *elfmodel.Graph, sym *elfmodel.Symbol) bool {
	if sym.Section == elfmodel.None {
		return false
	}
	sec := g.Sections[sym.Section]

	var suffix string
	var ok bool
	switch sym.Type {
	case elf.STT_FUNC:
		suffix, ok = matchPrefix(sec.Name, funcPrefixes)
	case elf.STT_OBJECT:
		suffix, ok = matchPrefix(sec.Name, objectPrefixes)
	default:
		return false
	}
	if !ok {
		return false
	}
	if suffix == sym.Name {
		return true
	}

	const coldPrefix = ".text.unlikely."
	if sym.Type == elf.STT_FUNC && strings.HasPrefix(sec.Name, coldPrefix) &&
		strings.Contains(sym.Name, ".cold") &&
		strings.HasPrefix(sec.Name[len(coldPrefix):], sym.Name) {
		return true
	}
	return false
}

// SectionSuffix strips the -ffunction-sections/-fdata-sections prefix from
// a section name (e.g. ".bss.counter.1" -> "counter.1"), returning the full
// name unchanged if no known prefix applies. Used by correlate's
// static-local disambiguation to compare sections "structurally".
func SectionSuffix(name string) string {
	if suffix, ok := matchPrefix(name, funcPrefixes); ok {
		return suffix
	}
	if suffix, ok := matchPrefix(name, objectPrefixes); ok {
		return suffix
	}
	return name
}

// Bundle implements bundle_symbols: for every bundled symbol (including the
// exception-handling section-symbol special case), set
// section.SectionSymbol to that symbol's index.
func Bundle(g *elfmodel.Graph) error {
	for _, sym := range g.Symbols {
		if sym.Section == elfmodel.None {
			continue
		}
		sec := g.Sections[sym.Section]

		switch {
		case isBundleable(g, sym):
			if sym.Value != 0 && !g.Arch.AllowsPPC64LocalEntry() {
				return fmt.Errorf("symbol %s at offset %d within section %s, expected 0", sym.Name, sym.Value, sec.Name)
			}
			sec.SectionSymbol = sym.Index

		case sym.Type == elf.STT_SECTION && elfmodel.IsExceptSection(sec.Name):
			sec.SectionSymbol = sym.Index
		}
	}
	return nil
}

// DetectChildFunctions implements detect_child_functions, cross-referencing
// .cold/.part subfunctions with their parents. Per spec.md §9's Open
// Question ("the second strstr call is almost certainly a typo for
// '.part'"), both markers are checked explicitly rather than only ".cold"
// twice.
func DetectChildFunctions(g *elfmodel.Graph) {
	for _, sym := range g.Symbols {
		if sym.Type != elf.STT_FUNC {
			continue
		}

		marker := ""
		if idx := strings.Index(sym.Name, ".cold"); idx >= 0 {
			marker = sym.Name[:idx]
		} else if idx := strings.Index(sym.Name, ".part"); idx >= 0 {
			marker = sym.Name[:idx]
		} else {
			continue
		}

		parent := g.SymbolByName(marker)
		if parent == nil {
			continue
		}
		sym.Parent = parent.Index
		parent.Children = append(parent.Children, sym.Index)
	}
}
