package differ

import (
	"debug/elf"
	"testing"

	"upatch-build/internal/archsupport"
	"upatch-build/internal/elfmodel"
)

func newGraph() *elfmodel.Graph {
	g := &elfmodel.Graph{Arch: archsupport.For(elf.EM_X86_64)}
	g.Symbols = append(g.Symbols, &elfmodel.Symbol{Index: 0, Section: elfmodel.None, Parent: elfmodel.None, Correlate: elfmodel.None})
	return g
}

func addSection(g *elfmodel.Graph, name string, data []byte, kind elfmodel.SectionKind) *elfmodel.Section {
	sec := &elfmodel.Section{
		Index: len(g.Sections), Name: name, Data: data, Size: uint64(len(data)), Kind: kind,
		SectionSymbol: elfmodel.None, RelaSection: elfmodel.None, BaseSection: elfmodel.None, Correlate: elfmodel.None,
	}
	g.Sections = append(g.Sections, sec)
	return sec
}

func addSymbol(g *elfmodel.Graph, name string, typ elf.SymType, bind elf.SymBind, sec int, size uint64) *elfmodel.Symbol {
	sym := &elfmodel.Symbol{Index: len(g.Symbols), Name: name, Type: typ, Bind: bind, Section: sec, Size: size, Parent: elfmodel.None, Correlate: elfmodel.None}
	g.Symbols = append(g.Symbols, sym)
	return sym
}

func TestDiffSectionByteEqualIsSame(t *testing.T) {
	o, p := newGraph(), newGraph()
	data := []byte{1, 2, 3, 4}
	oSec := addSection(o, ".rodata.msg", data, elfmodel.KindProgbits)
	pSec := addSection(p, ".rodata.msg", append([]byte(nil), data...), elfmodel.KindProgbits)
	oSec.Correlate, pSec.Correlate = pSec.Index, oSec.Index

	Diff(o, p)

	if oSec.Status != elfmodel.StatusSame || pSec.Status != elfmodel.StatusSame {
		t.Errorf("identical section bytes should diff as SAME, got o=%v p=%v", oSec.Status, pSec.Status)
	}
}

func TestDiffSectionByteDifferIsChanged(t *testing.T) {
	o, p := newGraph(), newGraph()
	oSec := addSection(o, ".rodata.msg", []byte{1, 2, 3, 4}, elfmodel.KindProgbits)
	pSec := addSection(p, ".rodata.msg", []byte{1, 2, 9, 4}, elfmodel.KindProgbits)
	oSec.Correlate, pSec.Correlate = pSec.Index, oSec.Index

	Diff(o, p)

	if oSec.Status != elfmodel.StatusChanged || pSec.Status != elfmodel.StatusChanged {
		t.Errorf("differing section bytes should diff as CHANGED, got o=%v p=%v", oSec.Status, pSec.Status)
	}
}

func TestDiffSymbolEscalatesWhenSectionChanged(t *testing.T) {
	o, p := newGraph(), newGraph()
	oSec := addSection(o, ".text.foo", []byte{0x90, 0x90}, elfmodel.KindProgbits)
	pSec := addSection(p, ".text.foo", []byte{0x90, 0xcc}, elfmodel.KindProgbits)
	oSec.Correlate, pSec.Correlate = pSec.Index, oSec.Index

	oSym := addSymbol(o, "foo", elf.STT_FUNC, elf.STB_GLOBAL, oSec.Index, 2)
	pSym := addSymbol(p, "foo", elf.STT_FUNC, elf.STB_GLOBAL, pSec.Index, 2)
	oSym.Correlate, pSym.Correlate = pSym.Index, oSym.Index

	Diff(o, p)

	if pSym.Status != elfmodel.StatusChanged {
		t.Errorf("symbol owned by a CHANGED section must escalate to CHANGED, got %v", pSym.Status)
	}
}

func TestDiffSymbolShapeMismatchIsChanged(t *testing.T) {
	o, p := newGraph(), newGraph()
	oSym := addSymbol(o, "foo", elf.STT_FUNC, elf.STB_GLOBAL, elfmodel.None, 4)
	pSym := addSymbol(p, "foo", elf.STT_FUNC, elf.STB_GLOBAL, elfmodel.None, 8)
	oSym.Correlate, pSym.Correlate = pSym.Index, oSym.Index

	Diff(o, p)

	if pSym.Status != elfmodel.StatusChanged {
		t.Errorf("a symbol whose size changed must diff as CHANGED, got %v", pSym.Status)
	}
}

func TestDiffMarksDiscardSectionsIgnored(t *testing.T) {
	o, p := newGraph(), newGraph()
	pSec := addSection(p, ".discard.foo", nil, elfmodel.KindProgbits)

	Diff(o, p)

	if !pSec.Ignored {
		t.Error(".discard.* section should be marked Ignored")
	}
}

func TestRelasDifferTreatsCorrelatedReferentsAsSame(t *testing.T) {
	o, p := newGraph(), newGraph()
	oTarget := addSection(o, ".text.bar", []byte{0x90}, elfmodel.KindProgbits)
	pTarget := addSection(p, ".text.bar", []byte{0x90}, elfmodel.KindProgbits)
	oTarget.Correlate, pTarget.Correlate = pTarget.Index, oTarget.Index

	oBarSym := addSymbol(o, "bar", elf.STT_FUNC, elf.STB_GLOBAL, oTarget.Index, 1)
	pBarSym := addSymbol(p, "bar", elf.STT_FUNC, elf.STB_GLOBAL, pTarget.Index, 1)
	oBarSym.Correlate, pBarSym.Correlate = pBarSym.Index, oBarSym.Index

	oCaller := addSection(o, ".text.caller", []byte{0xe8, 0, 0, 0, 0}, elfmodel.KindProgbits)
	pCaller := addSection(p, ".text.caller", []byte{0xe8, 0, 0, 0, 0}, elfmodel.KindProgbits)
	oCaller.Correlate, pCaller.Correlate = pCaller.Index, oCaller.Index

	oRela := addSection(o, ".rela.text.caller", nil, elfmodel.KindRela)
	pRela := addSection(p, ".rela.text.caller", nil, elfmodel.KindRela)
	oRela.Correlate, pRela.Correlate = pRela.Index, oRela.Index
	oRela.BaseSection, pRela.BaseSection = oCaller.Index, pCaller.Index

	oRel := &elfmodel.Relocation{Owner: oRela.Index, Offset: 1, Addend: 0, Symbol: oBarSym.Index, Type: uint32(elf.R_X86_64_PLT32)}
	pRel := &elfmodel.Relocation{Owner: pRela.Index, Offset: 1, Addend: 0, Symbol: pBarSym.Index, Type: uint32(elf.R_X86_64_PLT32)}
	o.Relocations = append(o.Relocations, oRel)
	p.Relocations = append(p.Relocations, pRel)
	oRela.Relas, pRela.Relas = []int{0}, []int{0}

	Diff(o, p)

	if oRela.Status != elfmodel.StatusSame || pRela.Status != elfmodel.StatusSame {
		t.Errorf("rela sections with correlated, unchanged referents should diff as SAME, got o=%v p=%v", oRela.Status, pRela.Status)
	}
}
