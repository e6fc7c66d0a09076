package elfobj

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/xyproto/objcarve/artifact"
	"github.com/xyproto/objcarve/decl"
	"github.com/xyproto/objcarve/target"
)

// decodedELF is a minimal hand-rolled reader for the fixed shape this
// back-end emits, used only to assert on the bytes Write produced.
type decodedELF struct {
	machine uint16
	shnum   uint16
	shstrndx uint16
	sections []decodedSection
}

type decodedSection struct {
	name      string
	shType    uint32
	link      uint32
	info      uint32
	offset    uint64
	size      uint64
	data      []byte
}

func decodeELF(t *testing.T, buf []byte) decodedELF {
	t.Helper()
	if !bytes.Equal(buf[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		t.Fatalf("bad ELF magic: %x", buf[0:4])
	}
	if buf[4] != elfClass64 {
		t.Fatalf("EI_CLASS = %d, want 64-bit", buf[4])
	}
	machine := binary.LittleEndian.Uint16(buf[18:20])
	shoff := binary.LittleEndian.Uint64(buf[40:48])
	shnum := binary.LittleEndian.Uint16(buf[60:62])
	shstrndx := binary.LittleEndian.Uint16(buf[62:64])

	var secs []decodedSection
	for i := 0; i < int(shnum); i++ {
		base := int(shoff) + i*shdrSize
		hdr := buf[base : base+shdrSize]
		nameOff := binary.LittleEndian.Uint32(hdr[0:4])
		shType := binary.LittleEndian.Uint32(hdr[4:8])
		offset := binary.LittleEndian.Uint64(hdr[24:32])
		size := binary.LittleEndian.Uint64(hdr[32:40])
		link := binary.LittleEndian.Uint32(hdr[40:44])
		info := binary.LittleEndian.Uint32(hdr[44:48])
		secs = append(secs, decodedSection{shType: shType, offset: offset, size: size, link: link, info: info, data: buf[offset : offset+size], name: cstr(nameFromStrtab(buf, shoff, shnum, shstrndx, nameOff))})
	}
	return decodedELF{machine: machine, shnum: shnum, shstrndx: shstrndx, sections: secs}
}

func nameFromStrtab(buf []byte, shoff uint64, shnum, shstrndx uint16, nameOff uint32) []byte {
	base := int(shoff) + int(shstrndx)*shdrSize
	hdr := buf[base : base+shdrSize]
	offset := binary.LittleEndian.Uint64(hdr[24:32])
	size := binary.LittleEndian.Uint64(hdr[32:40])
	table := buf[offset : offset+size]
	end := nameOff
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return table[nameOff:end]
}

func cstr(b []byte) string { return string(b) }

func buildDeadbeefMain(t *testing.T) *artifact.Artifact {
	t.Helper()
	tgt := target.New(target.ArchX86_64, target.FormatELF)
	a := artifact.New(tgt, "a.out")

	must(t, a.Declare("deadbeef", decl.NewFunction()))
	must(t, a.Declare("main", decl.NewFunction().Global()))
	must(t, a.Declare("str.1", decl.NewCString()))
	must(t, a.Import("DEADBEEF", decl.DataImport))
	must(t, a.Import("printf", decl.FunctionImport))

	deadbeefBytes := make([]byte, 14)
	deadbeefBytes[0] = 0x48 // mov opcode prefix, placeholder
	must(t, a.Define("deadbeef", deadbeefBytes))

	mainBytes := make([]byte, 34)
	mainBytes[10] = 0xe8 // call deadbeef
	mainBytes[19] = 0x8d // lea str.1
	mainBytes[29] = 0xe8 // call printf
	must(t, a.Define("main", mainBytes))

	must(t, a.Define("str.1", []byte("deadbeef: %x\n\x00")))

	must(t, a.LinkWith(artifact.Link{From: "main", To: "str.1", At: 19, Flavor: artifact.RelocPCRelativeData}))
	must(t, a.LinkWith(artifact.Link{From: "main", To: "printf", At: 29, Flavor: artifact.RelocPLTCall}))
	must(t, a.LinkWith(artifact.Link{From: "main", To: "deadbeef", At: 10, Flavor: artifact.RelocPCRelativeBranch}))
	must(t, a.Link("deadbeef", "DEADBEEF", 7))

	return a
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestELFSectionsAndSymbolsForDeadbeefMain(t *testing.T) {
	a := buildDeadbeefMain(t)
	var buf bytes.Buffer
	if _, err := a.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := decodeELF(t, buf.Bytes())
	if out.machine != 0x3e {
		t.Errorf("e_machine = 0x%x, want 0x3e (EM_X86_64)", out.machine)
	}
	if out.shnum != 9 {
		t.Errorf("shnum = %d, want 9", out.shnum)
	}

	want := map[string]bool{
		".text.deadbeef": false, ".text.main": false, ".data.str.1": false,
		".rela.main": false, ".rela.deadbeef": false, ".note.GNU-stack": false,
	}
	for _, s := range out.sections {
		if _, ok := want[s.name]; ok {
			want[s.name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected section %q not found", name)
		}
	}

	// .symtab is section index 2; its size / symSize is the symbol count.
	symtab := out.sections[2]
	numSyms := len(symtab.data) / symSize
	if numSyms != 10 {
		t.Errorf("symbol count = %d, want 10", numSyms)
	}

	globalCount := 0
	for i := 0; i < numSyms; i++ {
		info := symtab.data[i*symSize+4]
		bind := info >> 4
		if bind == stbGlobal || bind == stbWeak {
			globalCount++
		}
	}
	if globalCount != 3 { // main (defined) + DEADBEEF + printf (undefined)
		t.Errorf("global symbol count = %d, want 3", globalCount)
	}
}

func TestELFRelaEntriesForMain(t *testing.T) {
	a := buildDeadbeefMain(t)
	var buf bytes.Buffer
	if _, err := a.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := decodeELF(t, buf.Bytes())

	var relaMain decodedSection
	found := false
	for _, s := range out.sections {
		if s.name == ".rela.main" {
			relaMain = s
			found = true
		}
	}
	if !found {
		t.Fatal(".rela.main section not found")
	}

	numRelocs := len(relaMain.data) / relaSize
	if numRelocs != 3 {
		t.Fatalf(".rela.main entry count = %d, want 3", numRelocs)
	}

	wantTypes := []uint32{rX8664PC32, rX8664PLT32, rX8664PLT32}
	for i, want := range wantTypes {
		base := i * relaSize
		info := binary.LittleEndian.Uint64(relaMain.data[base+8 : base+16])
		rtype := uint32(info & 0xffffffff)
		if rtype != want {
			t.Errorf("rela[%d].r_type = %d, want %d", i, rtype, want)
		}
		addend := int64(binary.LittleEndian.Uint64(relaMain.data[base+16 : base+24]))
		if addend != -4 {
			t.Errorf("rela[%d].r_addend = %d, want -4", i, addend)
		}
	}
}

func TestIncompatibleRedeclarationRejected(t *testing.T) {
	tgt := target.New(target.ArchX86_64, target.FormatELF)
	a := artifact.New(tgt, "a.out")
	must(t, a.Declare("x", decl.NewFunction()))
	err := a.Declare("x", decl.NewData())
	if err == nil {
		t.Fatal("expected IncompatibleDeclarationError, got nil")
	}
	var incompat *artifact.IncompatibleDeclarationError
	if !errors.As(err, &incompat) {
		t.Fatalf("error = %v, want *IncompatibleDeclarationError", err)
	}
}

func TestRedeclarationUpgradeFromImportToFunction(t *testing.T) {
	tgt := target.New(target.ArchX86_64, target.FormatELF)
	a := artifact.New(tgt, "a.out")
	must(t, a.Import("f", decl.FunctionImport))
	must(t, a.Declare("f", decl.NewFunction().Global()))
	must(t, a.Define("f", []byte{0xC3}))

	var buf bytes.Buffer
	if _, err := a.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := decodeELF(t, buf.Bytes())
	symtab := out.sections[2]
	names := out.sections[symtab.link].data
	numSyms := len(symtab.data) / symSize
	foundDefined := false
	for i := 0; i < numSyms; i++ {
		nameOff := binary.LittleEndian.Uint32(symtab.data[i*symSize : i*symSize+4])
		end := nameOff
		for end < uint32(len(names)) && names[end] != 0 {
			end++
		}
		shndx := binary.LittleEndian.Uint16(symtab.data[i*symSize+6 : i*symSize+8])
		if string(names[nameOff:end]) == "f" && shndx != shnUndef && shndx != shnAbs {
			foundDefined = true
		}
	}
	if !foundDefined {
		t.Error("expected \"f\" to appear as a defined symbol, found none")
	}
}

func TestRelocationOutOfRangeRejected(t *testing.T) {
	tgt := target.New(target.ArchX86_64, target.FormatELF)
	a := artifact.New(tgt, "a.out")
	must(t, a.Import("printf", decl.FunctionImport))
	must(t, a.Declare("f", decl.NewFunction()))
	must(t, a.Define("f", []byte{0x90, 0x90}))
	must(t, a.LinkWith(artifact.Link{From: "f", To: "printf", At: 0, Flavor: artifact.RelocPLTCall}))

	var buf bytes.Buffer
	_, err := a.Write(&buf)
	if err == nil {
		t.Fatal("expected RelocationOutOfRangeError, got nil")
	}
	var rangeErr *artifact.RelocationOutOfRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("error = %v, want *RelocationOutOfRangeError", err)
	}
}

func TestEmptyArtifactSectionCount(t *testing.T) {
	tgt := target.New(target.ArchX86_64, target.FormatELF)
	a := artifact.New(tgt, "empty.o")
	var buf bytes.Buffer
	if _, err := a.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := decodeELF(t, buf.Bytes())
	if out.shnum != 4 { // null, strtab, symtab, note.GNU-stack
		t.Errorf("shnum = %d, want 4", out.shnum)
	}
}

func TestWriteDeterminism(t *testing.T) {
	a := buildDeadbeefMain(t)
	var buf1, buf2 bytes.Buffer
	if _, err := a.Write(&buf1); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if _, err := a.Write(&buf2); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if !bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Error("two writes of the same artifact produced different bytes")
	}
}
