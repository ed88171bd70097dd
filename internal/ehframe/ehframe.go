// Package ehframe implements component H: pulling all .debug_* sections
// in wholesale, pruning their relocations against symbols that didn't make
// the cut, and rebuilding .eh_frame's FDE list to match.
package ehframe

import (
	"debug/elf"
	"encoding/binary"

	"upatch-build/internal/elfmodel"
)

func byteOrder(g *elfmodel.Graph) binary.ByteOrder {
	if g.Header.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// IncludeDebugSections implements include_debug_sections: every debug
// section is unconditionally included, its rela entries are pruned of
// references to un-included symbols, and .eh_frame (if present) is
// rebuilt to drop FDEs for functions that were left out.
func IncludeDebugSections(g *elfmodel.Graph) {
	var ehSec *elfmodel.Section
	for _, sec := range g.Sections {
		if !sec.IsDebugSection() && !sec.IsEHFrame() && sec.Name != ".rela.eh_frame" {
			continue
		}
		sec.Included = true
		if sec.Kind != elfmodel.KindRela {
			if sec.SectionSymbol != elfmodel.None {
				g.Symbols[sec.SectionSymbol].Included = true
			}
			if sec.IsEHFrame() {
				ehSec = sec
			}
		}
	}

	for _, sec := range g.Sections {
		if sec.Kind != elfmodel.KindRela {
			continue
		}
		if !sec.IsDebugSection() && sec.Name != ".rela.eh_frame" {
			continue
		}
		pruneUnincludedRelas(g, sec)
	}

	if ehSec != nil {
		Rebuild(g, ehSec)
	}
}

func pruneUnincludedRelas(g *elfmodel.Graph, relasec *elfmodel.Section) {
	kept := relasec.Relas[:0]
	for _, ri := range relasec.Relas {
		rel := g.Relocations[ri]
		sym := g.Symbols[rel.Symbol]
		if sym.Section != elfmodel.None && !g.Sections[sym.Section].Included {
			continue
		}
		kept = append(kept, ri)
	}
	relasec.Relas = kept
}

type ehRecord struct {
	start, end int // half-open span in the original .eh_frame bytes
	isCIE      bool
	cieStart   int // for an FDE, the original start offset of its CIE
}

// Rebuild implements upatch_rebuild_eh_frame: it walks ehSec's CIE/FDE
// records, drops any FDE whose covered function symbol was not included,
// and fixes up the surviving FDEs' CIE back-pointers and relocation
// offsets to account for the removed bytes.
func Rebuild(g *elfmodel.Graph, ehSec *elfmodel.Section) {
	data := ehSec.Data
	bo := byteOrder(g)

	var records []ehRecord
	for off := 0; off+4 <= len(data); {
		length := int(bo.Uint32(data[off : off+4]))
		if length == 0 {
			break // zero-length terminator record
		}
		recEnd := off + 4 + length
		if recEnd > len(data) || off+8 > len(data) {
			break
		}
		idField := int(bo.Uint32(data[off+4 : off+8]))
		rec := ehRecord{start: off, end: recEnd}
		if idField == 0 {
			rec.isCIE = true
		} else {
			rec.cieStart = off + 4 - idField
		}
		records = append(records, rec)
		off = recEnd
	}

	var relasec *elfmodel.Section
	if ehSec.RelaSection != elfmodel.None {
		relasec = g.Sections[ehSec.RelaSection]
	}

	fdeCovered := func(rec ehRecord) bool {
		if relasec == nil {
			return true
		}
		pcBeginOff := rec.start + 8 // past length(4) + CIE-pointer(4)
		for _, ri := range relasec.Relas {
			rel := g.Relocations[ri]
			if int(rel.Offset) != pcBeginOff {
				continue
			}
			return g.Symbols[rel.Symbol].Included
		}
		return true // no relocation on pc_begin; nothing to judge it against
	}

	removedRela := map[int]bool{}
	oldToNew := map[int]int{}
	var out []byte

	for _, rec := range records {
		if !rec.isCIE && !fdeCovered(rec) {
			if relasec != nil {
				for _, ri := range relasec.Relas {
					if off := int(g.Relocations[ri].Offset); off >= rec.start && off < rec.end {
						removedRela[ri] = true
					}
				}
			}
			continue
		}
		oldToNew[rec.start] = len(out)
		out = append(out, data[rec.start:rec.end]...)
	}
	out = append(out, 0, 0, 0, 0) // terminator

	for _, rec := range records {
		if rec.isCIE {
			continue
		}
		newStart, kept := oldToNew[rec.start]
		if !kept {
			continue
		}
		cieNewStart, ok := oldToNew[rec.cieStart]
		if !ok {
			continue
		}
		bo.PutUint32(out[newStart+4:newStart+8], uint32(newStart+4-cieNewStart))
	}

	if relasec != nil {
		kept := relasec.Relas[:0]
		for _, ri := range relasec.Relas {
			if removedRela[ri] {
				continue
			}
			rel := g.Relocations[ri]
			for _, rec := range records {
				off := int(rel.Offset)
				if off < rec.start || off >= rec.end {
					continue
				}
				if newStart, ok := oldToNew[rec.start]; ok {
					rel.Offset -= uint64(rec.start - newStart)
				}
				break
			}
			kept = append(kept, ri)
		}
		relasec.Relas = kept
	}

	ehSec.Data = out
	ehSec.Size = uint64(len(out))
}
