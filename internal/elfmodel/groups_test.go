package elfmodel

import (
	"encoding/binary"
	"testing"
)

func TestMarkGroupedSectionsFlagsListedMembers(t *testing.T) {
	g := &Graph{}
	member := &Section{Index: 0, OrigIndex: 1, Name: ".text.foo"}
	other := &Section{Index: 1, OrigIndex: 2, Name: ".text.bar"}

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[4:8], uint32(member.OrigIndex))
	group := &Section{Index: 2, OrigIndex: 3, Name: ".group", Kind: KindGroup, Data: data}

	g.Sections = []*Section{member, other, group}

	g.MarkGroupedSections(binary.LittleEndian)

	if !member.Grouped {
		t.Error("section listed in the group's member list should be flagged Grouped")
	}
	if other.Grouped {
		t.Error("section not listed in the group should not be flagged Grouped")
	}
}
