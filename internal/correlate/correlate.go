// Package correlate implements component E: pairing O's and P's sections
// and symbols so the differ has something to compare. Pairing happens in
// two phases (sections by name, then symbols within paired sections by
// name and by type/binding), followed by the running-binary STT_FILE
// disambiguation pass and a static-local cross-matching pass, grounded on
// create-diff-object.c's find_file_symbol/locals_match/find_local_syms.
package correlate

import (
	"debug/elf"
	"fmt"
	"strings"

	"upatch-build/internal/bundler"
	"upatch-build/internal/elfmodel"
	"upatch-build/internal/runningelf"
	"upatch-build/internal/ulog"
)

// Correlate pairs o and p's sections and symbols in place, then
// disambiguates O's local symbols against relf's per-file blocks.
func Correlate(o, p *elfmodel.Graph, relf *runningelf.Index) error {
	correlateSections(o, p)
	correlateSymbols(o, p)
	if err := findFileSymbols(o, relf); err != nil {
		return err
	}
	propagateLookupRunningFileSym(o, p)
	correlateStaticLocals(o, p)
	return nil
}

// propagateLookupRunningFileSym copies each O local's resolved running-file
// block onto its correlated P twin. Component I's external-resolution pass
// (spec.md §4.I item 8) only ever looks at p, so a LOCAL static whose
// address can only be told apart by STT_FILE block (find_file_symbol's
// whole purpose) needs the match recorded on the symbol synth actually
// reads.
func propagateLookupRunningFileSym(o, p *elfmodel.Graph) {
	for _, os := range o.Symbols[1:] {
		if os.LookupRunningFileSym == elfmodel.None || os.Correlate == elfmodel.None {
			continue
		}
		p.Symbols[os.Correlate].LookupRunningFileSym = os.LookupRunningFileSym
	}
}

// correlateSections implements phase 1: sections are paired by exact name
// equality; any P section left unpaired is new to the patch.
func correlateSections(o, p *elfmodel.Graph) {
	used := make(map[int]bool, len(o.Sections))
	for _, ps := range p.Sections {
		os := o.SectionByName(ps.Name)
		if os == nil || used[os.Index] {
			ps.Status = elfmodel.StatusNew
			continue
		}
		used[os.Index] = true
		os.Correlate = ps.Index
		ps.Correlate = os.Index
	}
}

// scopeOf returns the pairing scope for a symbol: the P-side index of its
// owning section's twin, or None for symbols with no owning section
// (undefined externals, absolute symbols, STT_FILE entries).
func scopeOf(g *elfmodel.Graph, sym *elfmodel.Symbol, ownScope func(secIdx int) int) int {
	if sym.Section == elfmodel.None {
		return elfmodel.None
	}
	return ownScope(sym.Section)
}

// correlateSymbols implements phase 2: within each section-pairing scope,
// symbols are paired first by exact name, then by (type, binding) for
// whatever remains unmatched by name. Symbols with no owning section get
// None as their scope key (see scopeOf), so undefined externals and
// STT_FILE entries are pooled together globally.
func correlateSymbols(o, p *elfmodel.Graph) {
	o.Symbols[0].Correlate = 0
	p.Symbols[0].Correlate = 0

	type key struct{ scope int }
	oGroups := map[key][]*elfmodel.Symbol{}
	pGroups := map[key][]*elfmodel.Symbol{}

	for _, s := range o.Symbols[1:] {
		scope := scopeOf(o, s, func(secIdx int) int { return o.Sections[secIdx].Correlate })
		oGroups[key{scope}] = append(oGroups[key{scope}], s)
	}
	for _, s := range p.Symbols[1:] {
		scope := scopeOf(p, s, func(secIdx int) int { return secIdx })
		pGroups[key{scope}] = append(pGroups[key{scope}], s)
	}

	for k, osyms := range oGroups {
		psyms := pGroups[k]
		if psyms == nil {
			continue
		}
		pairByName(osyms, psyms)
		pairByTypeBind(osyms, psyms)
	}

	for _, s := range p.Symbols[1:] {
		if s.Correlate == elfmodel.None {
			s.Status = elfmodel.StatusNew
		}
	}
}

func pairByName(osyms, psyms []*elfmodel.Symbol) {
	for _, ps := range psyms {
		if ps.Correlate != elfmodel.None {
			continue
		}
		for _, os := range osyms {
			if os.Correlate != elfmodel.None || os.Name == "" || os.Name != ps.Name {
				continue
			}
			os.Correlate = ps.Index
			ps.Correlate = os.Index
			break
		}
	}
}

func pairByTypeBind(osyms, psyms []*elfmodel.Symbol) {
	for _, ps := range psyms {
		if ps.Correlate != elfmodel.None {
			continue
		}
		for _, os := range osyms {
			if os.Correlate != elfmodel.None {
				continue
			}
			if os.Type == ps.Type && os.Bind == ps.Bind {
				os.Correlate = ps.Index
				ps.Correlate = os.Index
				break
			}
		}
	}
}

// findFileSymbols implements find_file_symbol: for every STT_FILE symbol in
// O, find the single running-binary block whose LOCAL FUNC/OBJECT members
// match O's corresponding block exactly, and record it on every member so
// later external-resolution lookups (component I) know which block of R to
// search.
func findFileSymbols(o *elfmodel.Graph, relf *runningelf.Index) error {
	for _, sym := range o.Symbols {
		if sym.Type != elf.STT_FILE {
			continue
		}
		if err := findLocalSyms(o, sym, relf); err != nil {
			return err
		}
	}
	return nil
}

// oBlockMembers returns the symbols following fileSym in O's symtab order,
// up to the next STT_FILE symbol. Compilers emit one contiguous run of
// local symbols per STT_FILE marker, so symtab order doubles as the block
// boundary the same way it does in the running binary's table.
func oBlockMembers(o *elfmodel.Graph, fileSym *elfmodel.Symbol) []*elfmodel.Symbol {
	var out []*elfmodel.Symbol
	started := false
	for _, s := range o.Symbols {
		if s == fileSym {
			started = true
			continue
		}
		if !started {
			continue
		}
		if s.Type == elf.STT_FILE {
			break
		}
		out = append(out, s)
	}
	return out
}

func findLocalSyms(o *elfmodel.Graph, fileSym *elfmodel.Symbol, relf *runningelf.Index) error {
	members := oBlockMembers(o, fileSym)
	var oLocals []*elfmodel.Symbol
	for _, s := range members {
		if s.Bind != elf.STB_LOCAL {
			continue
		}
		if s.Type != elf.STT_FUNC && s.Type != elf.STT_OBJECT {
			continue
		}
		oLocals = append(oLocals, s)
	}
	if len(oLocals) == 0 {
		return nil
	}

	match := -1
	for bi, block := range relf.Blocks {
		if !localsMatch(relf, block, oLocals) {
			continue
		}
		if match != -1 {
			return fmt.Errorf("found duplicate matches for %s's local symbols in the running binary", ulog.Demangle(fileSym.Name))
		}
		match = bi
	}
	if match == -1 {
		return fmt.Errorf("couldn't find %s's local symbols in the running binary", ulog.Demangle(fileSym.Name))
	}

	for _, s := range oLocals {
		s.LookupRunningFileSym = match
	}
	return nil
}

// localsMatch is a two-way containment check between O's local symbols for
// one translation unit and one running-binary block's local members,
// mirroring the original tool's set comparison rather than an order- or
// count-sensitive one.
func localsMatch(relf *runningelf.Index, block runningelf.Block, oLocals []*elfmodel.Symbol) bool {
	running := relf.LocalMembers(block)

	has := func(name string, typ elf.SymType) bool {
		for _, r := range running {
			if r.Name == name && r.Type == typ {
				return true
			}
		}
		return false
	}
	for _, s := range oLocals {
		if !has(s.Name, s.Type) {
			return false
		}
	}

	hasO := func(name string, typ elf.SymType) bool {
		for _, s := range oLocals {
			if s.Name == name && s.Type == typ {
				return true
			}
		}
		return false
	}
	for _, r := range running {
		if !hasO(r.Name, r.Type) {
			return false
		}
	}
	return true
}

// baseBeforeFirstDot strips a compiler-generated disambiguation suffix
// (e.g. "counter.1" -> "counter"), preserving a leading '.' for section
// names so ".bss" isn't mistaken for an empty string.
func baseBeforeFirstDot(name string) string {
	rest := name
	prefix := ""
	if strings.HasPrefix(rest, ".") {
		prefix, rest = ".", rest[1:]
	}
	if idx := strings.IndexByte(rest, '.'); idx >= 0 {
		rest = rest[:idx]
	}
	return prefix + rest
}

// correlateStaticLocals cross-matches local OBJECT/FUNC symbols phase 2
// left unpaired (typically because the compiler appended a fresh
// disambiguation suffix to a static local between O and P, e.g.
// "counter.1" -> "counter.2"), by comparing the name and owning bundled
// section's name up to their first '.'.
func correlateStaticLocals(o, p *elfmodel.Graph) {
	unpaired := func(s *elfmodel.Symbol) bool {
		return s.Correlate == elfmodel.None && s.Bind == elf.STB_LOCAL &&
			(s.Type == elf.STT_FUNC || s.Type == elf.STT_OBJECT) && s.Section != elfmodel.None
	}

	for _, os := range o.Symbols[1:] {
		if !unpaired(os) {
			continue
		}
		oBase := baseBeforeFirstDot(os.Name)
		oSecBase := baseBeforeFirstDot(bundler.SectionSuffix(o.Sections[os.Section].Name))

		for _, ps := range p.Symbols[1:] {
			if !unpaired(ps) || ps.Type != os.Type {
				continue
			}
			if baseBeforeFirstDot(ps.Name) != oBase {
				continue
			}
			pSecBase := baseBeforeFirstDot(bundler.SectionSuffix(p.Sections[ps.Section].Name))
			if pSecBase != oSecBase {
				continue
			}
			os.Correlate = ps.Index
			ps.Correlate = os.Index
			ps.Status = elfmodel.StatusUnknown
			break
		}
	}
}
