package inclusion

import (
	"debug/elf"
	"strings"
	"testing"

	"upatch-build/internal/elfmodel"
)

func newGraph() *elfmodel.Graph {
	g := &elfmodel.Graph{}
	g.Symbols = append(g.Symbols, &elfmodel.Symbol{Index: 0, Section: elfmodel.None, Parent: elfmodel.None, Correlate: elfmodel.None})
	return g
}

func addSection(g *elfmodel.Graph, name string, typ elf.SectionType) *elfmodel.Section {
	sec := &elfmodel.Section{Index: len(g.Sections), Name: name, Type: typ, SectionSymbol: elfmodel.None, RelaSection: elfmodel.None, BaseSection: elfmodel.None, Correlate: elfmodel.None}
	g.Sections = append(g.Sections, sec)
	return sec
}

func addSymbol(g *elfmodel.Graph, name string, typ elf.SymType, bind elf.SymBind, sec int, status elfmodel.Status) *elfmodel.Symbol {
	sym := &elfmodel.Symbol{Index: len(g.Symbols), Name: name, Type: typ, Bind: bind, Section: sec, Status: status, Parent: elfmodel.None, Correlate: elfmodel.None}
	g.Symbols = append(g.Symbols, sym)
	return sym
}

func TestCloseIncludesChangedFunctionAndItsReferences(t *testing.T) {
	g := newGraph()
	textSec := addSection(g, ".text.foo", elf.SHT_PROGBITS)
	calleeSec := addSection(g, ".text.bar", elf.SHT_PROGBITS)
	relaSec := addSection(g, ".rela.text.foo", elf.SHT_RELA)
	textSec.RelaSection = relaSec.Index

	fooSym := addSymbol(g, "foo", elf.STT_FUNC, elf.STB_GLOBAL, textSec.Index, elfmodel.StatusChanged)
	// bar also changed, so the reference to it must pull its whole section in.
	barSym := addSymbol(g, "bar", elf.STT_FUNC, elf.STB_GLOBAL, calleeSec.Index, elfmodel.StatusChanged)
	calleeSec.SectionSymbol = barSym.Index

	rel := &elfmodel.Relocation{Owner: relaSec.Index, Symbol: barSym.Index}
	g.Relocations = append(g.Relocations, rel)
	relaSec.Relas = []int{0}

	if err := Close(g); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fooSym.Included || !textSec.Included {
		t.Error("CHANGED function and its section must be included")
	}
	if !barSym.Included || !calleeSec.Included {
		t.Error("a CHANGED symbol referenced transitively by an included rela must pull in its own section")
	}
}

func TestClosePlaceholdersSameLocalFunction(t *testing.T) {
	g := newGraph()
	textSec := addSection(g, ".text.foo", elf.SHT_PROGBITS)
	calleeSec := addSection(g, ".text.helper", elf.SHT_PROGBITS)
	relaSec := addSection(g, ".rela.text.foo", elf.SHT_RELA)
	textSec.RelaSection = relaSec.Index
	calleeSec.Data = []byte{0x90, 0x90}
	calleeSec.Size = 2

	addSymbol(g, "foo", elf.STT_FUNC, elf.STB_GLOBAL, textSec.Index, elfmodel.StatusChanged)
	helper := addSymbol(g, "helper", elf.STT_FUNC, elf.STB_LOCAL, calleeSec.Index, elfmodel.StatusSame)

	rel := &elfmodel.Relocation{Owner: relaSec.Index, Symbol: helper.Index}
	g.Relocations = append(g.Relocations, rel)
	relaSec.Relas = []int{0}

	if err := Close(g); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !helper.Included {
		t.Error("referenced SAME local function must still be included")
	}
	if helper.Other&elfmodel.SymOtherPlaceholder == 0 {
		t.Error("SAME local FUNC pulled in transitively must get the placeholder bit")
	}
	if calleeSec.Data != nil || calleeSec.Size != 0 {
		t.Error("placeholder section must have its payload zeroed")
	}
}

func TestValidateRejectsUnincludedChangedSection(t *testing.T) {
	g := newGraph()
	sec := addSection(g, ".text.orphan", elf.SHT_PROGBITS)
	sec.Status = elfmodel.StatusChanged

	err := Close(g)
	if err == nil || !strings.Contains(err.Error(), "not selected for inclusion") {
		t.Fatalf("Close error = %v, want an inclusion-validation failure", err)
	}
}

func TestValidateRejectsIncludedDataSection(t *testing.T) {
	g := newGraph()
	sec := addSection(g, ".data.counters", elf.SHT_PROGBITS)
	sec.Status = elfmodel.StatusChanged
	sec.Included = true

	err := Close(g)
	if err == nil || !strings.Contains(err.Error(), "selected for inclusion") {
		t.Fatalf("Close error = %v, want a data-section-inclusion failure", err)
	}
}

func TestValidateAllowsWhitelistedDataSection(t *testing.T) {
	g := newGraph()
	sec := addSection(g, ".data.unlikely", elf.SHT_PROGBITS)
	sec.Status = elfmodel.StatusChanged
	sec.Included = true

	if err := Close(g); err != nil {
		t.Errorf("Close rejected whitelisted data section: %v", err)
	}
}
