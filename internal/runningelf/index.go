// Package runningelf implements component B: reading the running binary's
// symbol table into a flat, ordered index partitioned into per-translation-
// unit blocks by STT_FILE boundaries.
package runningelf

import "debug/elf"

// ObjectSymbol is one retained entry from the running ELF's symbol table.
type ObjectSymbol struct {
	Name  string
	Type  elf.SymType
	Bind  elf.SymBind
	Value uint64
}

// Block is the span of ObjectSymbol entries following one STT_FILE symbol,
// up to (but excluding) the next STT_FILE symbol or the end of the table.
type Block struct {
	FileName   string
	FileValue  uint64
	Start, End int // half-open range into Index.Symbols
}

// Index is the flat, ordered sequence of R's symbols described in
// spec.md §4.B, logically partitioned into Blocks by STT_FILE symbols.
type Index struct {
	Symbols []ObjectSymbol
	Blocks  []Block
}

// Build reads f's symbol table into an Index. Only FUNC/OBJECT/SECTION
// entries with LOCAL or GLOBAL binding are retained, plus every STT_FILE
// entry (which never carries matchable value/size but delimits blocks).
func Build(f *elf.File) (*Index, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}

	idx := &Index{}
	for _, s := range syms {
		typ := elf.ST_TYPE(s.Info)
		bind := elf.ST_BIND(s.Info)

		if typ == elf.STT_FILE {
			idx.Symbols = append(idx.Symbols, ObjectSymbol{Name: s.Name, Type: typ, Bind: bind, Value: s.Value})
			continue
		}

		if bind != elf.STB_LOCAL && bind != elf.STB_GLOBAL {
			continue
		}
		switch typ {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_SECTION:
			idx.Symbols = append(idx.Symbols, ObjectSymbol{Name: s.Name, Type: typ, Bind: bind, Value: s.Value})
		}
	}

	idx.buildBlocks()
	return idx, nil
}

func (idx *Index) buildBlocks() {
	var cur *Block
	for i, s := range idx.Symbols {
		if s.Type == elf.STT_FILE {
			if cur != nil {
				cur.End = i
			}
			idx.Blocks = append(idx.Blocks, Block{FileName: s.Name, FileValue: s.Value, Start: i + 1})
			cur = &idx.Blocks[len(idx.Blocks)-1]
			continue
		}
	}
	if cur != nil {
		cur.End = len(idx.Symbols)
	}
}

// LocalMembers returns the LOCAL FUNC/OBJECT members of block b.
func (idx *Index) LocalMembers(b Block) []ObjectSymbol {
	var out []ObjectSymbol
	for _, s := range idx.Symbols[b.Start:b.End] {
		if s.Bind != elf.STB_LOCAL {
			continue
		}
		if s.Type != elf.STT_FUNC && s.Type != elf.STT_OBJECT {
			continue
		}
		out = append(out, s)
	}
	return out
}
