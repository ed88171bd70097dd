package elfmodel

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"upatch-build/internal/archsupport"
)

// ELF file-header sizes in bytes, matching elfwriter's layout.
const (
	ehdrSize64 = 64
	ehdrSize32 = 52
)

// Load parses a relocatable ELF object at path into a fresh Graph
// (component A). It rejects any file that carries program headers, since
// only ET_REL inputs are legal for O and P (spec.md §4.A); the running
// binary R is opened separately by LoadRunning, which allows executables,
// and indexed by runningelf.Build.
func Load(path string) (*Graph, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if len(f.Progs) != 0 {
		return nil, fmt.Errorf("%s contains a program header (%d entries); only relocatable objects are supported", path, len(f.Progs))
	}

	raw, err := readRawHeaderFields(path, f.Class, f.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("read raw header of %s: %w", path, err)
	}

	g := &Graph{
		Header:    f.FileHeader,
		Arch:      archsupport.For(f.Machine),
		RawHeader: raw,
	}

	if err := g.loadSections(f); err != nil {
		return nil, err
	}
	if err := g.loadSymbols(f); err != nil {
		return nil, err
	}
	if err := g.loadRelocations(f); err != nil {
		return nil, err
	}
	g.linkRelaSections()

	return g, nil
}

// LoadRunning parses R with no program-header restriction (spec.md §6:
// "Running binary may be any ELF (relocatable or executable)"). Only the
// header and section list are needed by the caller (runningelf builds its
// own flat symbol index from the same *elf.File), so LoadRunning returns
// the raw *elf.File rather than a Graph.
func LoadRunning(path string) (*elf.File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func classify(sh *elf.Section) SectionKind {
	switch sh.Type {
	case elf.SHT_NOBITS:
		return KindNobits
	case elf.SHT_RELA, elf.SHT_REL:
		return KindRela
	case elf.SHT_SYMTAB, elf.SHT_DYNSYM:
		return KindSymtab
	case elf.SHT_STRTAB:
		return KindStrtab
	case elf.SHT_GROUP:
		return KindGroup
	case elf.SHT_NOTE:
		return KindNote
	case elf.SHT_PROGBITS:
		return KindProgbits
	default:
		return KindOther
	}
}

func (g *Graph) loadSections(f *elf.File) error {
	for i, sh := range f.Sections {
		var data []byte
		if sh.Type != elf.SHT_NOBITS && sh.Type != elf.SHT_NULL {
			d, err := sh.Data()
			if err != nil {
				return fmt.Errorf("read section %s: %w", sh.Name, err)
			}
			data = d
		}

		g.Sections = append(g.Sections, &Section{
			Index:         i,
			OrigIndex:     i,
			Name:          sh.Name,
			Type:          sh.Type,
			Flags:         sh.Flags,
			Size:          sh.Size,
			Entsize:       sh.Entsize,
			Link:          sh.Link,
			Info:          sh.Info,
			Addralign:     sh.Addralign,
			Data:          data,
			Kind:          classify(sh),
			RelaSection:   None,
			BaseSection:   None,
			SectionSymbol: None,
			Correlate:     None,
		})
	}
	return nil
}

func (g *Graph) loadSymbols(f *elf.File) error {
	// Index 0 is always the reserved NULL symbol; debug/elf's Symbols()
	// omits it, so it is reinstated here to keep symtab index equal to
	// arena index throughout (spec.md §8's minimality law names the NULL
	// symbol as the one entry always kept).
	g.Symbols = append(g.Symbols, &Symbol{
		Index:                0,
		Section:              None,
		Correlate:            None,
		Parent:                None,
		LookupRunningFileSym: None,
	})

	syms, err := f.Symbols()
	if err != nil && len(f.Sections) > 0 {
		// A relocatable object with no symbol table at all is unusual
		// but not invalid (e.g. an empty translation unit); treat it as
		// zero symbols rather than a fatal error.
		syms = nil
	}

	for i, s := range syms {
		sec := None
		if s.Section < elf.SectionIndex(len(f.Sections)) && s.Section != elf.SHN_UNDEF {
			sec = int(s.Section)
		}
		g.Symbols = append(g.Symbols, &Symbol{
			Index:                i + 1,
			Name:                 s.Name,
			Value:                s.Value,
			Size:                 s.Size,
			Bind:                 elf.ST_BIND(s.Info),
			Type:                 elf.ST_TYPE(s.Info),
			Other:                s.Other,
			Section:              sec,
			Correlate:            None,
			Parent:               None,
			LookupRunningFileSym: None,
		})
	}
	return nil
}

func (g *Graph) loadRelocations(f *elf.File) error {
	for _, sec := range g.Sections {
		if sec.Kind != KindRela || sec.Type != elf.SHT_RELA {
			continue
		}
		entries, err := decodeRelas(f, sec.Data)
		if err != nil {
			return fmt.Errorf("decode relocations in %s: %w", sec.Name, err)
		}
		for _, e := range entries {
			if int(e.symIndex) >= len(g.Symbols) {
				return fmt.Errorf("relocation in %s references out-of-range symbol %d", sec.Name, e.symIndex)
			}
			rel := &Relocation{
				Owner:  sec.Index,
				Offset: e.offset,
				Addend: e.addend,
				Symbol: int(e.symIndex),
				Type:   e.relType,
			}
			g.Relocations = append(g.Relocations, rel)
			sec.Relas = append(sec.Relas, len(g.Relocations)-1)
		}
	}
	return nil
}

// linkRelaSections wires each rela section to the base section it
// relocates (sh_info) and vice versa, satisfying the global invariant that
// every rela-section has exactly one base section.
func (g *Graph) linkRelaSections() {
	for _, sec := range g.Sections {
		if sec.Kind != KindRela {
			continue
		}
		base := g.SectionByOrigIndex(int(sec.Info))
		if base == nil {
			continue
		}
		sec.BaseSection = base.Index
		base.RelaSection = sec.Index
	}
}

type relaEntry struct {
	offset   uint64
	addend   int64
	symIndex uint32
	relType  uint32
}

func decodeRelas(f *elf.File, data []byte) ([]relaEntry, error) {
	var out []relaEntry
	bo := f.ByteOrder
	if f.Class == elf.ELFCLASS64 {
		const entsize = 24
		for off := 0; off+entsize <= len(data); off += entsize {
			offset := bo.Uint64(data[off : off+8])
			info := bo.Uint64(data[off+8 : off+16])
			addend := int64(bo.Uint64(data[off+16 : off+24]))
			out = append(out, relaEntry{
				offset:   offset,
				addend:   addend,
				symIndex: elf.R_SYM64(info),
				relType:  elf.R_TYPE64(info),
			})
		}
	} else {
		const entsize = 12
		for off := 0; off+entsize <= len(data); off += entsize {
			offset := uint64(bo.Uint32(data[off : off+4]))
			info := bo.Uint32(data[off+4 : off+8])
			addend := int64(int32(bo.Uint32(data[off+8 : off+12])))
			out = append(out, relaEntry{
				offset:   offset,
				addend:   addend,
				symIndex: elf.R_SYM32(info),
				relType:  elf.R_TYPE32(info),
			})
		}
	}
	return out, nil
}

// CompareHeaders implements spec.md §4.A's header-equality check between O
// and P. Any mismatch aborts the build.
func CompareHeaders(o, p *Graph) error {
	oh, ph := o.Header, p.Header
	or, pr := o.RawHeader, p.RawHeader
	switch {
	case oh.Class != ph.Class,
		oh.Data != ph.Data,
		oh.Version != ph.Version,
		oh.OSABI != ph.OSABI,
		oh.ABIVersion != ph.ABIVersion,
		oh.Type != ph.Type,
		oh.Machine != ph.Machine,
		oh.Entry != ph.Entry,
		or.Phoff != pr.Phoff,
		or.Flags != pr.Flags,
		or.Ehsize != pr.Ehsize,
		or.Phentsize != pr.Phentsize,
		or.Shentsize != pr.Shentsize:
		return fmt.Errorf("header mismatch between source and patched objects")
	}
	return nil
}

// readRawHeaderFields reads e_phoff, e_flags, e_ehsize, e_phentsize and
// e_shentsize directly from the file, since debug/elf.FileHeader does not
// surface them but compare_elf_headers compares all of them.
func readRawHeaderFields(path string, class elf.Class, bo binary.ByteOrder) (RawHeaderFields, error) {
	f, err := os.Open(path)
	if err != nil {
		return RawHeaderFields{}, err
	}
	defer f.Close()

	size := ehdrSize32
	if class == elf.ELFCLASS64 {
		size = ehdrSize64
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return RawHeaderFields{}, fmt.Errorf("read ELF header: %w", err)
	}

	var raw RawHeaderFields
	if class == elf.ELFCLASS64 {
		raw.Phoff = bo.Uint64(buf[32:40])
		raw.Flags = bo.Uint32(buf[48:52])
		raw.Ehsize = bo.Uint16(buf[52:54])
		raw.Phentsize = bo.Uint16(buf[54:56])
		raw.Shentsize = bo.Uint16(buf[58:60])
	} else {
		raw.Phoff = uint64(bo.Uint32(buf[28:32]))
		raw.Flags = bo.Uint32(buf[36:40])
		raw.Ehsize = bo.Uint16(buf[40:42])
		raw.Phentsize = bo.Uint16(buf[42:44])
		raw.Shentsize = bo.Uint16(buf[46:48])
	}
	return raw, nil
}
