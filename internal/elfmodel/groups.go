package elfmodel

import "encoding/binary"

// MarkGroupedSections implements the C tool's mark_grouped_sections, an
// operation spec.md leaves implicit but which its own inclusion-closure
// validation ("any CHANGED or NEW section carries SHT_GROUP semantics")
// depends on: every SHT_GROUP section lists the sections it bundles as a
// series of native-endian uint32 section indices following a leading flag
// word (GRP_COMDAT, ...). Each listed section is flagged Grouped so
// inclusion.Close's validation pass has real data to act on.
func (g *Graph) MarkGroupedSections(bo binaryByteOrder) {
	for _, group := range g.Sections {
		if group.Kind != KindGroup || len(group.Data) < 4 {
			continue
		}
		for off := 4; off+4 <= len(group.Data); off += 4 {
			idx := int(bo.Uint32(group.Data[off : off+4]))
			sec := g.SectionByOrigIndex(idx)
			if sec == nil {
				continue
			}
			sec.Grouped = true
		}
	}
}

// binaryByteOrder is the minimal slice of encoding/binary.ByteOrder this
// package needs, so callers can pass f.ByteOrder from debug/elf directly.
type binaryByteOrder interface {
	Uint32([]byte) uint32
}

var _ binaryByteOrder = binary.LittleEndian
