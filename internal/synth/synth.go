// Package synth implements component I: migrating everything the
// inclusion engine selected into a fresh object graph, attaching
// patch-metadata sections the runtime loader consumes, partially
// resolving remaining externals against the running binary, and building
// the final .shstrtab/.strtab/.symtab that make the result a well-formed
// ELF object.
package synth

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"upatch-build/internal/elfmodel"
	"upatch-build/internal/runningelf"
	"upatch-build/internal/ulog"
)

// ErrNoChanges is returned when p carries no CHANGED function and no NEW
// global symbol: there is nothing to patch, and the build should exit
// successfully without writing an output file.
var ErrNoChanges = errors.New("no changed functions or new globals; nothing to patch")

// upatchInfoMagic tags .upatch.info so a runtime loader can sanity-check
// the section before trusting its layout.
const upatchInfoMagic = 0x55504331 // "UPC1"

const upatchInfoVersion = 1

// FuncFlagHasParent marks a func record whose function is itself a
// .cold/.part child of another function.
const FuncFlagHasParent = uint32(1) << 0

// FuncRecord is one entry of .upatch.funcs: everything the runtime loader
// needs to redirect one changed function.
type FuncRecord struct {
	NewSymIndex uint32 // index into U's .symtab naming the new function
	OldAddr     uint64 // address of the original function in R
	Size        uint64
	Flags       uint32
}

// ExternRecord partially resolves one of U's remaining undefined symbols
// against R, without touching its st_shndx (spec.md §4.I item 8).
type ExternRecord struct {
	SymIndex    uint32
	RuntimeAddr uint64
}

// Synthesize builds U from p (already correlated, diffed and closed by
// correlate/differ/inclusion) and relf (R's flat symbol index).
func Synthesize(p *elfmodel.Graph, relf *runningelf.Index) (*elfmodel.Graph, error) {
	if !hasChanges(p) {
		return nil, ErrNoChanges
	}

	u := &elfmodel.Graph{Header: p.Header, Arch: p.Arch}

	secMap := migrateSections(p, u)
	referenced := referencedSymbols(p)
	symMap := migrateSymbols(p, u, secMap, referenced)
	fixupSectionSymbols(p, u, secMap, symMap)

	if err := migrateRelocations(p, u, secMap, symMap); err != nil {
		return nil, err
	}

	funcRecords, err := buildFuncRecords(p, relf, symMap)
	if err != nil {
		return nil, err
	}
	externRecords := resolveExternals(u, relf)

	appendMetadataSections(u, funcRecords, externRecords)
	finalizeStringAndSymtab(u)

	if err := verifyClosureSoundness(u); err != nil {
		return nil, err
	}
	return u, nil
}

func hasChanges(p *elfmodel.Graph) bool {
	for _, sym := range p.Symbols[1:] {
		if sym.Status == elfmodel.StatusChanged && sym.Type == elf.STT_FUNC {
			return true
		}
		if sym.Status == elfmodel.StatusNew && sym.Bind == elf.STB_GLOBAL && sym.Section != elfmodel.None {
			return true
		}
	}
	return false
}

func byteOrder(g *elfmodel.Graph) binary.ByteOrder {
	if g.Header.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// migrateSections copies every included, non-ignored section from p into
// u (always keeping the reserved NULL section first), and returns the
// p-index -> u-index map used to remap every other cross-reference.
func migrateSections(p, u *elfmodel.Graph) map[int]int {
	secMap := map[int]int{}

	nullCopy := *p.Sections[0]
	nullCopy.Index = 0
	nullCopy.RelaSection, nullCopy.BaseSection, nullCopy.SectionSymbol = elfmodel.None, elfmodel.None, elfmodel.None
	nullCopy.Relas = nil
	u.Sections = append(u.Sections, &nullCopy)
	secMap[0] = 0

	for _, sec := range p.Sections[1:] {
		if !sec.Included || sec.Ignored {
			continue
		}
		// .symtab/.strtab/.shstrtab are seeded into the inclusion set so
		// their string-pool data stays reachable, but the output always
		// gets freshly built versions of these three (finalizeStringAndSymtab);
		// migrating the old copies too would leave duplicate-named sections
		// describing stale symbol indices in u.
		if sec.Kind == elfmodel.KindSymtab || sec.Kind == elfmodel.KindStrtab {
			continue
		}
		cp := *sec
		cp.Index = len(u.Sections)
		cp.RelaSection, cp.BaseSection, cp.SectionSymbol = elfmodel.None, elfmodel.None, elfmodel.None
		cp.Relas = nil
		u.Sections = append(u.Sections, &cp)
		secMap[sec.Index] = cp.Index
	}

	for _, sec := range p.Sections {
		newIdx, ok := secMap[sec.Index]
		if !ok {
			continue
		}
		cp := u.Sections[newIdx]
		if sec.RelaSection != elfmodel.None {
			if ni, ok := secMap[sec.RelaSection]; ok {
				cp.RelaSection = ni
			}
		}
		if sec.BaseSection != elfmodel.None {
			if ni, ok := secMap[sec.BaseSection]; ok {
				cp.BaseSection = ni
			}
		}
	}
	return secMap
}

func referencedSymbols(p *elfmodel.Graph) map[int]bool {
	ref := map[int]bool{}
	for _, sec := range p.Sections {
		if !sec.Included || sec.Kind != elfmodel.KindRela {
			continue
		}
		for _, ri := range sec.Relas {
			ref[p.Relocations[ri].Symbol] = true
		}
	}
	return ref
}

// keepSymbol implements spec.md §4.I item 6: an included STT_NOTYPE
// symbol with no surviving reference, or an included section symbol whose
// section didn't migrate (or which nothing references), is dropped.
func keepSymbol(p *elfmodel.Graph, sym *elfmodel.Symbol, referenced map[int]bool) bool {
	if !sym.Included {
		return false
	}
	switch sym.Strip {
	case elfmodel.StripAlways:
		return false
	case elfmodel.StripKeep:
		return true
	}
	if sym.Type == elf.STT_FILE {
		return true
	}
	if sym.Type == elf.STT_NOTYPE && !referenced[sym.Index] {
		return false
	}
	if sym.Type == elf.STT_SECTION {
		if sym.Section == elfmodel.None || !p.Sections[sym.Section].Included {
			return false
		}
		if !referenced[sym.Index] {
			return false
		}
	}
	return true
}

// orderClass implements spec.md §4.I item 5's linker-compliant order:
// undefined first, then LOCAL (section symbols, then FILE, then others),
// then GLOBAL/WEAK.
func orderClass(section int, sym *elfmodel.Symbol) int {
	switch {
	case section == elfmodel.None && sym.Type != elf.STT_FILE:
		return 0
	case sym.Bind == elf.STB_LOCAL && sym.Type == elf.STT_SECTION:
		return 1
	case sym.Bind == elf.STB_LOCAL && sym.Type == elf.STT_FILE:
		return 2
	case sym.Bind == elf.STB_LOCAL:
		return 3
	default:
		return 4
	}
}

type pendingSymbol struct {
	src     *elfmodel.Symbol
	section int
	value   uint64
}

// migrateSymbols copies every kept symbol from p into u, in final order,
// and returns the p-index -> u-index map. A symbol whose section didn't
// migrate becomes undefined in U: it is still needed by a rela, but its
// definition now lives only in R (spec.md §4.G's "used by relas ... to
// link to the real symbol externally").
func migrateSymbols(p, u *elfmodel.Graph, secMap map[int]int, referenced map[int]bool) map[int]int {
	symMap := map[int]int{}

	nullCopy := *p.Symbols[0]
	nullCopy.Index = 0
	nullCopy.Parent, nullCopy.Correlate, nullCopy.LookupRunningFileSym = elfmodel.None, elfmodel.None, elfmodel.None
	nullCopy.Children = nil
	u.Symbols = append(u.Symbols, &nullCopy)
	symMap[0] = 0

	var kept []pendingSymbol
	for _, sym := range p.Symbols[1:] {
		if !keepSymbol(p, sym, referenced) {
			continue
		}
		section, value := elfmodel.None, sym.Value
		if sym.Section != elfmodel.None {
			if ns, ok := secMap[sym.Section]; ok {
				section = ns
			} else {
				value = 0
			}
		}
		kept = append(kept, pendingSymbol{src: sym, section: section, value: value})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return orderClass(kept[i].section, kept[i].src) < orderClass(kept[j].section, kept[j].src)
	})

	for _, kp := range kept {
		cp := &elfmodel.Symbol{
			Index:                len(u.Symbols),
			Name:                 kp.src.Name,
			Value:                kp.value,
			Size:                 kp.src.Size,
			Bind:                 kp.src.Bind,
			Type:                 kp.src.Type,
			Other:                kp.src.Other,
			Section:              kp.section,
			Status:               kp.src.Status,
			LookupRunningFileSym: kp.src.LookupRunningFileSym,
			Parent:               elfmodel.None,
			Correlate:            elfmodel.None,
		}
		u.Symbols = append(u.Symbols, cp)
		symMap[kp.src.Index] = cp.Index
	}
	return symMap
}

func fixupSectionSymbols(p, u *elfmodel.Graph, secMap, symMap map[int]int) {
	for _, sec := range p.Sections {
		newIdx, ok := secMap[sec.Index]
		if !ok || sec.SectionSymbol == elfmodel.None {
			continue
		}
		if ns, ok := symMap[sec.SectionSymbol]; ok {
			u.Sections[newIdx].SectionSymbol = ns
		}
	}
}

func migrateRelocations(p, u *elfmodel.Graph, secMap, symMap map[int]int) error {
	for _, sec := range p.Sections {
		newIdx, ok := secMap[sec.Index]
		if !ok || sec.Kind != elfmodel.KindRela {
			continue
		}
		usec := u.Sections[newIdx]
		for _, ri := range sec.Relas {
			rel := p.Relocations[ri]
			newSym, ok := symMap[rel.Symbol]
			if !ok {
				return fmt.Errorf("%s+0x%x: referent symbol %s was stripped from the output",
					sec.Name, rel.Offset, ulog.Demangle(p.Symbols[rel.Symbol].Name))
			}
			cp := &elfmodel.Relocation{Owner: newIdx, Offset: rel.Offset, Addend: rel.Addend, Symbol: newSym, Type: rel.Type}
			u.Relocations = append(u.Relocations, cp)
			usec.Relas = append(usec.Relas, len(u.Relocations)-1)
		}
	}
	return nil
}

func lookupLocal(relf *runningelf.Index, blockIdx int, name string, typ elf.SymType) (uint64, bool) {
	if blockIdx < 0 || blockIdx >= len(relf.Blocks) {
		return 0, false
	}
	block := relf.Blocks[blockIdx]
	for _, s := range relf.Symbols[block.Start:block.End] {
		if s.Name == name && s.Type == typ {
			return s.Value, true
		}
	}
	return 0, false
}

func lookupGlobal(relf *runningelf.Index, name string, typ elf.SymType) (uint64, bool) {
	for _, s := range relf.Symbols {
		if s.Name == name && s.Type == typ && s.Bind != elf.STB_LOCAL {
			return s.Value, true
		}
	}
	return 0, false
}

func resolveRunningAddr(sym *elfmodel.Symbol, relf *runningelf.Index) (uint64, bool) {
	if sym.Bind == elf.STB_LOCAL {
		return lookupLocal(relf, sym.LookupRunningFileSym, sym.Name, sym.Type)
	}
	return lookupGlobal(relf, sym.Name, sym.Type)
}

// buildFuncRecords produces one FuncRecord per CHANGED function, looking
// up its previous definition in R via its running-file-block for LOCAL
// symbols or by a global name scan otherwise (spec.md §4.I item 2).
func buildFuncRecords(p *elfmodel.Graph, relf *runningelf.Index, symMap map[int]int) ([]FuncRecord, error) {
	var out []FuncRecord
	for _, sym := range p.Symbols[1:] {
		if sym.Status != elfmodel.StatusChanged || sym.Type != elf.STT_FUNC {
			continue
		}
		newIdx, ok := symMap[sym.Index]
		if !ok {
			return nil, fmt.Errorf("changed function %s was unexpectedly stripped from the output", ulog.Demangle(sym.Name))
		}
		addr, found := resolveRunningAddr(sym, relf)
		if !found {
			return nil, fmt.Errorf("changed function %s has no matching definition in the running binary", ulog.Demangle(sym.Name))
		}
		var flags uint32
		if sym.Parent != elfmodel.None {
			flags |= FuncFlagHasParent
		}
		out = append(out, FuncRecord{NewSymIndex: uint32(newIdx), OldAddr: addr, Size: sym.Size, Flags: flags})
	}
	return out, nil
}

// resolveExternals implements spec.md §4.I item 8: every symbol still
// undefined in u after migration is looked up in R; a hit is recorded on
// the symbol (for the closure-soundness check) and returned as a record
// for .upatch.info, without touching st_shndx.
func resolveExternals(u *elfmodel.Graph, relf *runningelf.Index) []ExternRecord {
	var out []ExternRecord
	for _, sym := range u.Symbols[1:] {
		if sym.Section != elfmodel.None || sym.Name == "" {
			continue
		}
		addr, found := resolveRunningAddr(sym, relf)
		if !found {
			continue
		}
		sym.ResolvedExternal = true
		sym.ResolvedRuntimeAddr = addr
		out = append(out, ExternRecord{SymIndex: uint32(sym.Index), RuntimeAddr: addr})
	}
	return out
}

func appendSection(u *elfmodel.Graph, name string, data []byte) {
	u.Sections = append(u.Sections, &elfmodel.Section{
		Index:         len(u.Sections),
		Name:          name,
		Type:          elf.SHT_PROGBITS,
		Flags:         elf.SHF_ALLOC,
		Size:          uint64(len(data)),
		Data:          data,
		Addralign:     8,
		Kind:          elfmodel.KindProgbits,
		RelaSection:   elfmodel.None,
		BaseSection:   elfmodel.None,
		SectionSymbol: elfmodel.None,
		Included:      true,
		Correlate:     elfmodel.None,
	})
}

// appendMetadataSections implements spec.md §4.I items 1-3: the patch
// metadata sections the runtime loader reads, carrying the function
// table, the resolved-external table and its own format version, and an
// architecture stamp.
func appendMetadataSections(u *elfmodel.Graph, funcs []FuncRecord, externs []ExternRecord) {
	bo := byteOrder(u)

	var funcBuf bytes.Buffer
	for _, r := range funcs {
		binary.Write(&funcBuf, bo, r.NewSymIndex)
		binary.Write(&funcBuf, bo, uint32(0)) // pad OldAddr to an 8-byte boundary
		binary.Write(&funcBuf, bo, r.OldAddr)
		binary.Write(&funcBuf, bo, r.Size)
		binary.Write(&funcBuf, bo, r.Flags)
		binary.Write(&funcBuf, bo, uint32(0))
	}
	appendSection(u, ".upatch.funcs", funcBuf.Bytes())

	var infoBuf bytes.Buffer
	binary.Write(&infoBuf, bo, uint32(upatchInfoMagic))
	binary.Write(&infoBuf, bo, uint32(upatchInfoVersion))
	binary.Write(&infoBuf, bo, uint32(len(funcs)))
	binary.Write(&infoBuf, bo, uint32(len(externs)))
	for _, e := range externs {
		binary.Write(&infoBuf, bo, e.SymIndex)
		binary.Write(&infoBuf, bo, uint32(0))
		binary.Write(&infoBuf, bo, e.RuntimeAddr)
	}
	appendSection(u, ".upatch.info", infoBuf.Bytes())

	var archBuf bytes.Buffer
	name := u.Arch.Name()
	archBuf.WriteByte(byte(len(name)))
	archBuf.WriteString(name)
	binary.Write(&archBuf, bo, uint32(u.Arch.WordSize()))
	binary.Write(&archBuf, bo, uint32(upatchInfoVersion))
	appendSection(u, ".upatch.arch", archBuf.Bytes())
}

// finalizeStringAndSymtab implements spec.md §4.I items 4 and 9: builds
// .strtab and .symtab from u's final symbol order, then .shstrtab last so
// it can name every section including itself.
func finalizeStringAndSymtab(u *elfmodel.Graph) {
	bo := byteOrder(u)
	is64 := u.Header.Class == elf.ELFCLASS64

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	nameOff := make([]uint32, len(u.Symbols))
	for i, sym := range u.Symbols {
		if i == 0 || sym.Name == "" {
			continue
		}
		nameOff[i] = uint32(strtab.Len())
		strtab.WriteString(sym.Name)
		strtab.WriteByte(0)
	}
	strtabIdx := len(u.Sections)
	u.Sections = append(u.Sections, &elfmodel.Section{
		Index: strtabIdx, Name: ".strtab", Type: elf.SHT_STRTAB,
		Data: strtab.Bytes(), Size: uint64(strtab.Len()), Addralign: 1,
		Kind: elfmodel.KindStrtab, RelaSection: elfmodel.None, BaseSection: elfmodel.None,
		SectionSymbol: elfmodel.None, Included: true, Correlate: elfmodel.None,
	})

	var symtab bytes.Buffer
	firstGlobal := len(u.Symbols)
	for i, sym := range u.Symbols {
		if i != 0 && sym.Bind != elf.STB_LOCAL && firstGlobal == len(u.Symbols) {
			firstGlobal = i
		}
		shndx := uint16(elf.SHN_UNDEF)
		if sym.Section != elfmodel.None {
			shndx = uint16(sym.Section)
		}
		info := byte(sym.Bind)<<4 | byte(sym.Type)&0xf
		if is64 {
			binary.Write(&symtab, bo, nameOff[i])
			symtab.WriteByte(info)
			symtab.WriteByte(sym.Other)
			binary.Write(&symtab, bo, shndx)
			binary.Write(&symtab, bo, sym.Value)
			binary.Write(&symtab, bo, sym.Size)
		} else {
			binary.Write(&symtab, bo, nameOff[i])
			binary.Write(&symtab, bo, uint32(sym.Value))
			binary.Write(&symtab, bo, uint32(sym.Size))
			symtab.WriteByte(info)
			symtab.WriteByte(sym.Other)
			binary.Write(&symtab, bo, shndx)
		}
	}
	entsize := uint64(24)
	if !is64 {
		entsize = 16
	}
	symtabIdx := len(u.Sections)
	u.Sections = append(u.Sections, &elfmodel.Section{
		Index: symtabIdx, Name: ".symtab", Type: elf.SHT_SYMTAB,
		Data: symtab.Bytes(), Size: uint64(symtab.Len()), Entsize: entsize, Addralign: 8,
		Link: uint32(strtabIdx), Info: uint32(firstGlobal),
		Kind: elfmodel.KindSymtab, RelaSection: elfmodel.None, BaseSection: elfmodel.None,
		SectionSymbol: elfmodel.None, Included: true, Correlate: elfmodel.None,
	})

	for _, sec := range u.Sections {
		if sec.Kind == elfmodel.KindRela {
			sec.Link = uint32(symtabIdx)
		}
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	for _, sec := range u.Sections {
		sec.NameOffset = uint32(shstrtab.Len())
		shstrtab.WriteString(sec.Name)
		shstrtab.WriteByte(0)
	}
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	u.Sections = append(u.Sections, &elfmodel.Section{
		Index: len(u.Sections), Name: ".shstrtab", NameOffset: shstrtabNameOff,
		Type: elf.SHT_STRTAB, Data: shstrtab.Bytes(), Size: uint64(shstrtab.Len()), Addralign: 1,
		Kind: elfmodel.KindStrtab, RelaSection: elfmodel.None, BaseSection: elfmodel.None,
		SectionSymbol: elfmodel.None, Included: true, Correlate: elfmodel.None,
	})
}

// verifyClosureSoundness implements the closure-soundness invariant: every
// relocation's referent is either defined in U or a resolved external
// with a non-null runtime address.
func verifyClosureSoundness(u *elfmodel.Graph) error {
	for _, rel := range u.Relocations {
		sym := u.Symbols[rel.Symbol]
		if sym.Section != elfmodel.None {
			continue
		}
		if sym.ResolvedExternal && sym.ResolvedRuntimeAddr != 0 {
			continue
		}
		return fmt.Errorf("relocation at offset 0x%x references unresolvable external symbol %s", rel.Offset, ulog.Demangle(sym.Name))
	}
	return nil
}
