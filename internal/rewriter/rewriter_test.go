package rewriter

import (
	"debug/elf"
	"testing"

	"upatch-build/internal/archsupport"
	"upatch-build/internal/elfmodel"
)

func newTestGraph() *elfmodel.Graph {
	g := &elfmodel.Graph{Arch: archsupport.For(elf.EM_X86_64)}
	g.Symbols = append(g.Symbols, &elfmodel.Symbol{Index: 0, Section: elfmodel.None, Parent: elfmodel.None, Correlate: elfmodel.None})
	return g
}

func addSection(g *elfmodel.Graph, name string, data []byte) *elfmodel.Section {
	sec := &elfmodel.Section{
		Index: len(g.Sections), Name: name, Data: data, Size: uint64(len(data)),
		SectionSymbol: elfmodel.None, RelaSection: elfmodel.None, BaseSection: elfmodel.None,
		Kind: elfmodel.KindProgbits,
	}
	g.Sections = append(g.Sections, sec)
	return sec
}

func addSymbol(g *elfmodel.Graph, name string, typ elf.SymType, sec int, value, size uint64) *elfmodel.Symbol {
	sym := &elfmodel.Symbol{Index: len(g.Symbols), Name: name, Type: typ, Section: sec, Value: value, Size: size, Parent: elfmodel.None, Correlate: elfmodel.None}
	g.Symbols = append(g.Symbols, sym)
	return sym
}

// Rewrite should redirect a relocation against a bundled section's raw
// STT_SECTION symbol onto the section's single bundled owner symbol.
func TestRewriteBundledSectionSymbol(t *testing.T) {
	g := newTestGraph()
	textSec := addSection(g, ".text.caller", make([]byte, 16))
	targetSec := addSection(g, ".text.callee", make([]byte, 8))
	calleeSym := addSymbol(g, "callee", elf.STT_FUNC, targetSec.Index, 0, 8)
	targetSec.SectionSymbol = calleeSym.Index

	secSym := addSymbol(g, "", elf.STT_SECTION, targetSec.Index, 0, 0)

	relaSec := addSection(g, ".rela.text.caller", nil)
	relaSec.Kind = elfmodel.KindRela
	relaSec.BaseSection = textSec.Index
	rel := &elfmodel.Relocation{Owner: relaSec.Index, Offset: 4, Addend: 0, Symbol: secSym.Index, Type: uint32(elf.R_X86_64_PLT32)}
	g.Relocations = append(g.Relocations, rel)
	relaSec.Relas = []int{0}

	if err := Rewrite(g); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if rel.Symbol != calleeSym.Index {
		t.Errorf("rel.Symbol = %d, want %d (bundled owner)", rel.Symbol, calleeSym.Index)
	}
}

// Rewrite should find the covering OBJECT symbol by value range when the
// target section has no single bundled owner (e.g. .data with several
// distinct objects).
func TestRewriteAgainstMembers(t *testing.T) {
	g := newTestGraph()
	textSec := addSection(g, ".text.caller", make([]byte, 16))
	dataSec := addSection(g, ".data", make([]byte, 32))
	obj := addSymbol(g, "counter", elf.STT_OBJECT, dataSec.Index, 8, 4)

	secSym := addSymbol(g, "", elf.STT_SECTION, dataSec.Index, 0, 0)

	relaSec := addSection(g, ".rela.text.caller", nil)
	relaSec.Kind = elfmodel.KindRela
	relaSec.BaseSection = textSec.Index
	rel := &elfmodel.Relocation{Owner: relaSec.Index, Offset: 4, Addend: 8, Symbol: secSym.Index, Type: uint32(elf.R_X86_64_32)}
	g.Relocations = append(g.Relocations, rel)
	relaSec.Relas = []int{0}

	if err := Rewrite(g); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if rel.Symbol != obj.Index {
		t.Errorf("rel.Symbol = %d, want %d (covering member)", rel.Symbol, obj.Index)
	}
	if rel.Addend != 0 {
		t.Errorf("rel.Addend = %d, want 0 (rebased against the member's own start)", rel.Addend)
	}
}

// Rewrite must refuse a bundled section-symbol relocation carrying a
// non-zero addend: that addend would be meaningless once redirected onto
// the owner symbol with its own implicit zero base.
func TestRewriteRejectsNonZeroAddendOnBundledSymbol(t *testing.T) {
	g := newTestGraph()
	textSec := addSection(g, ".text.caller", make([]byte, 16))
	targetSec := addSection(g, ".text.callee", make([]byte, 8))
	calleeSym := addSymbol(g, "callee", elf.STT_FUNC, targetSec.Index, 0, 8)
	targetSec.SectionSymbol = calleeSym.Index

	secSym := addSymbol(g, "", elf.STT_SECTION, targetSec.Index, 0, 0)

	relaSec := addSection(g, ".rela.text.caller", nil)
	relaSec.Kind = elfmodel.KindRela
	relaSec.BaseSection = textSec.Index
	rel := &elfmodel.Relocation{Owner: relaSec.Index, Offset: 4, Addend: 4, Symbol: secSym.Index, Type: uint32(elf.R_X86_64_PLT32)}
	g.Relocations = append(g.Relocations, rel)
	relaSec.Relas = []int{0}

	if err := Rewrite(g); err == nil {
		t.Error("expected an error for a non-zero addend against a bundled section symbol")
	}
}
