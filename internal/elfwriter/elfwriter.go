// Package elfwriter serializes a fully finalized object graph as a
// relocatable ELF file. debug/elf can only read ELF, so this package
// supplies the missing write path, grounded on the same field-by-field
// header layout the reference ELF writers in the wider ecosystem use.
package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"upatch-build/internal/elfmodel"
)

const (
	ehdrSize64 = 64
	ehdrSize32 = 52
	shdrSize64 = 64
	shdrSize32 = 40
)

// Write serializes g as an ET_REL ELF file to w. g must already be
// finalized: every section's Data populated (including .shstrtab,
// .strtab and .symtab) and NameOffset resolved against .shstrtab. No
// program headers are emitted, matching every input and output object in
// this pipeline being relocatable.
func Write(g *elfmodel.Graph, w io.WriteSeeker) error {
	is64 := g.Header.Class == elf.ELFCLASS64
	bo := byteOrder(g)

	ehdrSize, shdrSize := ehdrSize32, shdrSize32
	if is64 {
		ehdrSize, shdrSize = ehdrSize64, shdrSize64
	}

	offsets := make([]uint64, len(g.Sections))
	pos := uint64(ehdrSize)
	for i, sec := range g.Sections {
		if sec.Type == elf.SHT_NULL || sec.Type == elf.SHT_NOBITS || len(sec.Data) == 0 {
			continue
		}
		if sec.Addralign > 1 {
			pos = alignUp(pos, sec.Addralign)
		}
		offsets[i] = pos
		pos += uint64(len(sec.Data))
	}
	shoff := alignUp(pos, 8)

	shstrndx := 0
	if shstrtab := g.SectionByName(".shstrtab"); shstrtab != nil {
		shstrndx = shstrtab.Index
	}

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeFileHeader(w, bo, g, is64, shoff, uint16(shdrSize), uint16(len(g.Sections)), uint16(shstrndx)); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}

	for i, sec := range g.Sections {
		if offsets[i] == 0 || sec.Type == elf.SHT_NOBITS || len(sec.Data) == 0 {
			continue
		}
		if _, err := w.Seek(int64(offsets[i]), io.SeekStart); err != nil {
			return err
		}
		if _, err := w.Write(sec.Data); err != nil {
			return fmt.Errorf("write section %s: %w", sec.Name, err)
		}
	}

	if _, err := w.Seek(int64(shoff), io.SeekStart); err != nil {
		return err
	}
	for i, sec := range g.Sections {
		if err := writeSectionHeader(w, bo, is64, sec, offsets[i]); err != nil {
			return fmt.Errorf("write section header %d (%s): %w", i, sec.Name, err)
		}
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func byteOrder(g *elfmodel.Graph) binary.ByteOrder {
	if g.Header.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func writeFileHeader(w io.Writer, bo binary.ByteOrder, g *elfmodel.Graph, is64 bool, shoff uint64, shentsize, shnum, shstrndx uint16) error {
	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[elf.EI_CLASS] = byte(g.Header.Class)
	ident[elf.EI_DATA] = byte(g.Header.Data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(g.Header.OSABI)
	ident[elf.EI_ABIVERSION] = byte(g.Header.ABIVersion)

	if err := writeAll(w, bo, ident, uint16(g.Header.Type), uint16(g.Header.Machine), uint32(elf.EV_CURRENT)); err != nil {
		return err
	}

	if is64 {
		return writeAll(w, bo,
			uint64(g.Header.Entry), // e_entry (0 for a relocatable object)
			uint64(0),              // e_phoff
			shoff,                  // e_shoff
			uint32(0),              // e_flags
			uint16(ehdrSize64),
			uint16(0), // e_phentsize
			uint16(0), // e_phnum
			shentsize,
			shnum,
			shstrndx,
		)
	}
	return writeAll(w, bo,
		uint32(g.Header.Entry),
		uint32(0),
		uint32(shoff),
		uint32(0),
		uint16(ehdrSize32),
		uint16(0),
		uint16(0),
		shentsize,
		shnum,
		shstrndx,
	)
}

func writeSectionHeader(w io.Writer, bo binary.ByteOrder, is64 bool, sec *elfmodel.Section, offset uint64) error {
	if is64 {
		return writeAll(w, bo,
			sec.NameOffset,
			uint32(sec.Type),
			uint64(sec.Flags),
			uint64(0), // sh_addr: unset for a relocatable object
			offset,
			sec.Size,
			sec.Link,
			sec.Info,
			sec.Addralign,
			sec.Entsize,
		)
	}
	return writeAll(w, bo,
		sec.NameOffset,
		uint32(sec.Type),
		uint32(sec.Flags),
		uint32(0),
		uint32(offset),
		uint32(sec.Size),
		sec.Link,
		sec.Info,
		uint32(sec.Addralign),
		uint32(sec.Entsize),
	)
}

func writeAll(w io.Writer, bo binary.ByteOrder, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Write(w, bo, f); err != nil {
			return err
		}
	}
	return nil
}
