// Package test holds shared helpers for building synthetic debug
// artifacts in tests.
package test

import (
	"bytes"
	"encoding/binary"
)

// ELFSym describes one function symbol of a synthetic ELF image.
type ELFSym struct {
	Name  string
	Value uint64
	Size  uint64
}

// BuildELF assembles a minimal ELF64 x86-64 image whose symbol table holds
// the given function symbols. The image carries just enough structure for
// debug/elf to parse it and enumerate the symbols.
func BuildELF(syms []ELFSym) []byte {
	le := binary.LittleEndian

	// String table: leading NUL, then the symbol names.
	strtab := []byte{0}
	nameOffsets := make([]uint32, len(syms))
	for i, sym := range syms {
		nameOffsets[i] = uint32(len(strtab))
		strtab = append(strtab, sym.Name...)
		strtab = append(strtab, 0)
	}

	// Symbol table: null entry plus one STB_GLOBAL/STT_FUNC entry per
	// symbol. Sym64 is 24 bytes.
	symtab := make([]byte, 24*(len(syms)+1))
	for i, sym := range syms {
		entry := symtab[24*(i+1):]
		le.PutUint32(entry[0:], nameOffsets[i])
		entry[4] = 0x12 // STB_GLOBAL << 4 | STT_FUNC
		entry[5] = 0    // STV_DEFAULT
		le.PutUint16(entry[6:], 1)
		le.PutUint64(entry[8:], sym.Value)
		le.PutUint64(entry[16:], sym.Size)
	}

	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")
	const (
		nameSymtab   = 1
		nameStrtab   = 9
		nameShstrtab = 17
	)

	const ehSize = 64
	symtabOff := uint64(ehSize)
	strtabOff := symtabOff + uint64(len(symtab))
	shstrtabOff := strtabOff + uint64(len(strtab))
	shOff := shstrtabOff + uint64(len(shstrtab))

	var buf bytes.Buffer

	// ELF header.
	eh := make([]byte, ehSize)
	copy(eh, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(eh[16:], 2)  // ET_EXEC
	le.PutUint16(eh[18:], 62) // EM_X86_64
	le.PutUint32(eh[20:], 1)  // EV_CURRENT
	le.PutUint64(eh[40:], shOff)
	le.PutUint16(eh[52:], ehSize)
	le.PutUint16(eh[58:], 64) // e_shentsize
	le.PutUint16(eh[60:], 4)  // e_shnum
	le.PutUint16(eh[62:], 3)  // e_shstrndx
	buf.Write(eh)

	buf.Write(symtab)
	buf.Write(strtab)
	buf.Write(shstrtab)

	writeSection := func(name uint32, typ uint32, off, size uint64, link uint32, entsize uint64) {
		sh := make([]byte, 64)
		le.PutUint32(sh[0:], name)
		le.PutUint32(sh[4:], typ)
		le.PutUint64(sh[24:], off)
		le.PutUint64(sh[32:], size)
		le.PutUint32(sh[40:], link)
		le.PutUint64(sh[48:], 1) // sh_addralign
		le.PutUint64(sh[56:], entsize)
		buf.Write(sh)
	}

	buf.Write(make([]byte, 64)) // null section
	writeSection(nameSymtab, 2 /* SHT_SYMTAB */, symtabOff, uint64(len(symtab)), 2, 24)
	writeSection(nameStrtab, 3 /* SHT_STRTAB */, strtabOff, uint64(len(strtab)), 0, 0)
	writeSection(nameShstrtab, 3 /* SHT_STRTAB */, shstrtabOff, uint64(len(shstrtab)), 0, 0)

	return buf.Bytes()
}
