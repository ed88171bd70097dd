package ehframe

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"upatch-build/internal/elfmodel"
)

func newGraph() *elfmodel.Graph {
	return &elfmodel.Graph{Header: elf.FileHeader{Data: elf.ELFDATA2LSB}}
}

func addSection(g *elfmodel.Graph, name string, data []byte) *elfmodel.Section {
	sec := &elfmodel.Section{
		Index: len(g.Sections), Name: name, Data: data, Size: uint64(len(data)),
		SectionSymbol: elfmodel.None, RelaSection: elfmodel.None, BaseSection: elfmodel.None, Correlate: elfmodel.None,
	}
	g.Sections = append(g.Sections, sec)
	return sec
}

func addSymbol(g *elfmodel.Graph, name string, sec int, included bool) *elfmodel.Symbol {
	sym := &elfmodel.Symbol{Index: len(g.Symbols), Name: name, Section: sec, Included: included, Parent: elfmodel.None, Correlate: elfmodel.None}
	g.Symbols = append(g.Symbols, sym)
	return sym
}

// buildEhFrame constructs a minimal .eh_frame buffer with one CIE and two
// FDEs, each with a relocation against pc_begin at record offset 8.
func buildEhFrame(t *testing.T) (data []byte, cieStart int, fdeStarts []int) {
	t.Helper()
	bo := binary.LittleEndian
	var buf []byte

	cieStart = len(buf)
	cieBody := []byte{0, 0, 0, 0, 1, 'z', 'R', 0, 1, 0x7c, 0x08, 1, 0x1b, 0, 0, 0} // arbitrary augmentation bytes, padded
	length := uint32(4 + len(cieBody))                                            // id field + body
	lenBuf := make([]byte, 4)
	bo.PutUint32(lenBuf, length)
	buf = append(buf, lenBuf...)
	idBuf := make([]byte, 4)
	bo.PutUint32(idBuf, 0) // CIE id field is 0
	buf = append(buf, idBuf...)
	buf = append(buf, cieBody...)

	makeFDE := func(cieStart int) int {
		start := len(buf)
		body := make([]byte, 8) // pc_begin(4) + range(4), content doesn't matter for this test
		length := uint32(4 + len(body))
		lenBuf := make([]byte, 4)
		bo.PutUint32(lenBuf, length)
		buf = append(buf, lenBuf...)
		cieField := make([]byte, 4)
		bo.PutUint32(cieField, uint32(start+4-cieStart))
		buf = append(buf, cieField...)
		buf = append(buf, body...)
		return start
	}

	fdeStarts = append(fdeStarts, makeFDE(cieStart))
	fdeStarts = append(fdeStarts, makeFDE(cieStart))
	buf = append(buf, 0, 0, 0, 0) // terminator
	return buf, cieStart, fdeStarts
}

func TestRebuildDropsUncoveredFDE(t *testing.T) {
	g := newGraph()
	data, _, fdeStarts := buildEhFrame(t)

	keptFunc := addSymbol(g, "kept_func", elfmodel.None, true)
	droppedFunc := addSymbol(g, "dropped_func", elfmodel.None, false)

	ehSec := addSection(g, ".eh_frame", data)
	relaSec := addSection(g, ".rela.eh_frame", nil)
	relaSec.Kind = elfmodel.KindRela
	ehSec.RelaSection = relaSec.Index

	rel0 := &elfmodel.Relocation{Owner: relaSec.Index, Offset: uint64(fdeStarts[0] + 8), Symbol: keptFunc.Index}
	rel1 := &elfmodel.Relocation{Owner: relaSec.Index, Offset: uint64(fdeStarts[1] + 8), Symbol: droppedFunc.Index}
	g.Relocations = append(g.Relocations, rel0, rel1)
	relaSec.Relas = []int{0, 1}

	Rebuild(g, ehSec)

	if len(ehSec.Data) >= len(data) {
		t.Errorf("Rebuild did not shrink .eh_frame: got %d bytes, original %d", len(ehSec.Data), len(data))
	}
	if len(relaSec.Relas) != 1 {
		t.Errorf("expected exactly one surviving relocation, got %d", len(relaSec.Relas))
	}
	if g.Relocations[relaSec.Relas[0]].Symbol != keptFunc.Index {
		t.Errorf("surviving relocation should reference the kept function")
	}
}

func TestIncludeDebugSectionsMarksDebugIncluded(t *testing.T) {
	g := newGraph()
	sec := addSection(g, ".debug_info", []byte{1, 2, 3})

	IncludeDebugSections(g)

	if !sec.Included {
		t.Error(".debug_info must be unconditionally included")
	}
}

func TestPruneUnincludedRelasDropsReferencesToExcludedSections(t *testing.T) {
	g := newGraph()
	excludedSec := addSection(g, ".debug_str", nil)
	excludedSec.Included = false
	sym := addSymbol(g, "str_ref", excludedSec.Index, false)

	relaSec := addSection(g, ".rela.debug_info", nil)
	relaSec.Kind = elfmodel.KindRela
	rel := &elfmodel.Relocation{Owner: relaSec.Index, Symbol: sym.Index}
	g.Relocations = append(g.Relocations, rel)
	relaSec.Relas = []int{0}

	pruneUnincludedRelas(g, relaSec)

	if len(relaSec.Relas) != 0 {
		t.Error("relocation referencing an excluded section's symbol should be pruned")
	}
}
