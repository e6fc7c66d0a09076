package elfobj

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/xyproto/objcarve/artifact"
	"github.com/xyproto/objcarve/decl"
	"github.com/xyproto/objcarve/internal/strtab"
	"github.com/xyproto/objcarve/target"
)

func init() {
	artifact.RegisterBackend(target.FormatELF, Backend{})
}

// Backend implements artifact.Backend for ELF64 ET_REL output.
type Backend struct{}

// section is one SHT_PROGBITS or SHT_RELA section in the layout, tracked
// through the two-pass emit (headers are finalized only once every
// section's size and string-table offset are known).
type section struct {
	name      string
	shType    uint32
	flags     uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
	data      []byte
}

// Write serializes the Artifact as an ET_REL file.
func (Backend) Write(a *artifact.Artifact, w io.Writer) (int64, error) {
	tgt := a.Target()
	machine := tgt.ELFMachine()
	if machine == 0 {
		return 0, &artifact.UnsupportedTargetError{Target: tgt}
	}

	localDefs := localDefinitions(a)

	strtabBuf := strtab.New()
	strtabBuf.Intern(".strtab")
	strtabBuf.Intern(".symtab")
	strtabBuf.Intern(".note.GNU-stack")

	// Section-name interning for every PROGBITS section, up front, so
	// later passes can reference offsets freely.
	progbitsNames := make([]string, len(localDefs))
	for i, ld := range localDefs {
		name := sectionNameFor(ld)
		progbitsNames[i] = name
		strtabBuf.Intern(name)
	}

	// Build PROGBITS sections.
	progbits := make([]section, len(localDefs))
	sectionIndexOf := make(map[string]int, len(localDefs)) // decl name -> section index in final file
	for i, ld := range localDefs {
		def, _ := a.Definition(ld.Name)
		progbits[i] = progbitsSection(tgt, progbitsNames[i], ld.Decl, def.Bytes)
		sectionIndexOf[ld.Name] = 3 + i // 0:null 1:strtab 2:symtab
	}

	// Build the symbol table: undef, FILE, SECTION*, LOCAL defined
	// non-global, GLOBAL defined then GLOBAL undefined (imports).
	type symEnt struct {
		name    string
		info    byte
		other   byte
		shndx   uint16
		value   uint64
		size    uint64
		defName string // original decl name, for symtab-index lookup; "" for synthetic entries
	}

	var syms []symEnt
	syms = append(syms, symEnt{}) // index 0: undefined

	syms = append(syms, symEnt{
		name:  a.Name(),
		info:  stInfo(stbLocal, sttFile),
		shndx: shnAbs,
	})
	strtabBuf.Intern(a.Name())

	for i, ld := range localDefs {
		syms = append(syms, symEnt{
			name:  progbitsNames[i],
			info:  stInfo(stbLocal, sttSection),
			shndx: uint16(3 + i),
		})
	}

	symtabIndexOf := make(map[string]int)

	for _, ld := range localDefs {
		if ld.Decl.IsGlobal() {
			continue
		}
		def, _ := a.Definition(ld.Name)
		symtabIndexOf[ld.Name] = len(syms)
		syms = append(syms, symEnt{
			name:    ld.Name,
			info:    stInfo(stbLocal, sttForKind(ld.Decl.Kind())),
			shndx:   uint16(sectionIndexOf[ld.Name]),
			size:    uint64(len(def.Bytes)),
			defName: ld.Name,
		})
		strtabBuf.Intern(ld.Name)
	}

	numLocal := len(syms)

	for _, ld := range localDefs {
		if !ld.Decl.IsGlobal() {
			continue
		}
		def, _ := a.Definition(ld.Name)
		symtabIndexOf[ld.Name] = len(syms)
		syms = append(syms, symEnt{
			name:    ld.Name,
			info:    stInfo(bindFor(ld.Decl), sttForKind(ld.Decl.Kind())),
			shndx:   uint16(sectionIndexOf[ld.Name]),
			size:    uint64(len(def.Bytes)),
			defName: ld.Name,
		})
		strtabBuf.Intern(ld.Name)
	}
	for _, name := range a.Imports() {
		d, _ := a.Decl(name)
		symtabIndexOf[name] = len(syms)
		syms = append(syms, symEnt{
			name:  name,
			info:  stInfo(bindFor(d), sttForKind(d.Kind())),
			shndx: shnUndef,
		})
		strtabBuf.Intern(name)
	}

	// Build relocations per locally-defined symbol with outgoing links.
	linksByFrom := make(map[string][]artifact.Link)
	for _, l := range a.Links() {
		linksByFrom[l.From] = append(linksByFrom[l.From], l)
	}

	var relaSections []section
	for i, ld := range localDefs {
		links := linksByFrom[ld.Name]
		if len(links) == 0 {
			continue
		}
		def, _ := a.Definition(ld.Name)
		relaName := ".rela." + ld.Name
		strtabBuf.Intern(relaName)

		var buf bytes.Buffer
		for _, l := range links {
			toDecl, _ := a.Decl(l.To)
			flavor := l.Flavor
			if flavor == artifact.RelocDefault {
				var ok bool
				flavor, ok = artifact.DefaultFlavor(ld.Decl.Kind(), toDecl.Kind())
				if !ok {
					return 0, &artifact.UnsupportedRelocationError{
						FromKind: ld.Decl.Kind(), ToKind: toDecl.Kind(), Flavor: flavor, Target: tgt,
					}
				}
			}
			enc, ok := resolveReloc(tgt.Arch(), flavor, tgt.PointerWidth())
			if !ok {
				return 0, &artifact.UnsupportedRelocationError{
					FromKind: ld.Decl.Kind(), ToKind: toDecl.Kind(), Flavor: flavor, Target: tgt,
				}
			}
			if l.At+uint64(enc.width) > uint64(len(def.Bytes)) {
				return 0, &artifact.RelocationOutOfRangeError{From: l.From, At: l.At, Width: enc.width}
			}
			symIdx, ok := symtabIndexOf[l.To]
			if !ok {
				return 0, &artifact.UndeclaredSymbolError{Name: l.To}
			}
			rInfo := uint64(symIdx)<<32 | uint64(enc.rtype)
			binary.Write(&buf, binary.LittleEndian, l.At)
			binary.Write(&buf, binary.LittleEndian, rInfo)
			binary.Write(&buf, binary.LittleEndian, enc.addend)
		}
		relaSections = append(relaSections, section{
			name:      relaName,
			shType:    shtRela,
			link:      2, // .symtab at index 2
			info:      uint32(3 + i),
			addralign: 8,
			entsize:   relaSize,
			data:      buf.Bytes(),
		})
	}

	// Serialize the symbol table now that every name is interned.
	var symtabBuf bytes.Buffer
	for _, s := range syms {
		nameOff := uint32(0)
		if s.name != "" {
			nameOff = strtabBuf.Intern(s.name)
		}
		binary.Write(&symtabBuf, binary.LittleEndian, nameOff)
		symtabBuf.WriteByte(s.info)
		symtabBuf.WriteByte(s.other)
		binary.Write(&symtabBuf, binary.LittleEndian, s.shndx)
		binary.Write(&symtabBuf, binary.LittleEndian, s.value)
		binary.Write(&symtabBuf, binary.LittleEndian, s.size)
	}

	sections := []section{
		{name: "", shType: shtNull},
		{name: ".strtab", shType: shtStrtab, addralign: 1}, // data filled below, after all interning
		{name: ".symtab", shType: shtSymtab, link: 1, info: uint32(numLocal), addralign: 8, entsize: symSize, data: symtabBuf.Bytes()},
	}
	sections = append(sections, progbits...)
	sections = append(sections, relaSections...)
	sections = append(sections, section{name: ".note.GNU-stack", shType: shtNote, addralign: 1})

	// .strtab's own bytes are only final once every name has been interned
	// above (including symbol and rela-section names).
	sections[1].data = strtabBuf.Bytes()

	return writeELF(w, tgt, machine, sections, strtabBuf)
}

type localDecl struct {
	Name string
	Decl decl.Decl
}

// localDefinitions returns, in declaration order, every declared name whose
// kind is locally-definable (validated by Artifact.Write to have a
// Definition before the back-end ever runs).
func localDefinitions(a *artifact.Artifact) []localDecl {
	var out []localDecl
	for _, nd := range a.OrderedDeclarations() {
		if nd.Decl.Kind().IsLocallyDefinable() {
			out = append(out, localDecl{Name: nd.Name, Decl: nd.Decl})
		}
	}
	return out
}

func sectionNameFor(ld localDecl) string {
	switch ld.Decl.Kind() {
	case decl.Function:
		return ".text." + ld.Name
	case decl.Data, decl.CString:
		return ".data." + ld.Name
	case decl.DebugSection:
		return ".debug_" + ld.Name
	case decl.Section:
		return ld.Name
	default:
		return ld.Name
	}
}

func progbitsSection(tgt target.Target, name string, d decl.Decl, data []byte) section {
	s := section{name: name, shType: shtProgbits, data: data}
	switch d.Kind() {
	case decl.Function:
		s.flags = shfAlloc | shfExecinstr
		s.addralign = orDefault(d.Alignment(), tgt.DefaultFunctionAlignment())
	case decl.Data:
		s.flags = shfAlloc
		if d.IsWritable() {
			s.flags |= shfWrite
		}
		s.addralign = orDefault(d.Alignment(), tgt.DefaultDataAlignment())
	case decl.CString:
		s.flags = shfAlloc | shfMerge | shfStrings
		s.entsize = 1
		s.addralign = orDefault(d.Alignment(), 1)
	case decl.Section:
		switch d.SectionKind() {
		case decl.SectionText:
			s.flags = shfAlloc | shfExecinstr
			s.addralign = orDefault(d.Alignment(), tgt.DefaultFunctionAlignment())
		case decl.SectionDebug:
			s.addralign = orDefault(d.Alignment(), 1)
		default: // SectionData
			s.flags = shfAlloc
			if d.IsWritable() {
				s.flags |= shfWrite
			}
			s.addralign = orDefault(d.Alignment(), tgt.DefaultDataAlignment())
		}
	case decl.DebugSection:
		s.addralign = orDefault(d.Alignment(), 1)
	}
	if s.addralign == 0 {
		s.addralign = 1
	}
	return s
}

func orDefault(v, def uint64) uint64 {
	if v != 0 {
		return v
	}
	return def
}

func sttForKind(k decl.Kind) byte {
	switch k {
	case decl.Function, decl.FunctionImport:
		return sttFunc
	case decl.Data, decl.CString, decl.DataImport:
		return sttObject
	default:
		return sttNotype
	}
}

func bindFor(d decl.Decl) byte {
	if d.IsWeak() {
		return stbWeak
	}
	return stbGlobal
}

// align pads buf with zero bytes so its length is a multiple of a (a must
// be a power of two, or 0/1 for "no alignment required").
func align(buf *bytes.Buffer, a uint64) {
	if a <= 1 {
		return
	}
	rem := uint64(buf.Len()) % a
	if rem == 0 {
		return
	}
	buf.Write(make([]byte, a-rem))
}

func writeELF(w io.Writer, tgt target.Target, machine uint16, sections []section, names *strtab.Table) (int64, error) {
	var out bytes.Buffer

	// Reserve space for the ELF header; patched in place at the end.
	out.Write(make([]byte, ehdrSize))

	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		if s.shType == shtNull {
			offsets[i] = 0
			continue
		}
		align(&out, s.addralign)
		offsets[i] = uint64(out.Len())
		out.Write(s.data)
	}

	align(&out, 8)
	shoff := uint64(out.Len())
	for i, s := range sections {
		var nameOff uint32
		if s.shType != shtNull {
			nameOff = names.Intern(s.name)
		}
		writeU32(&out, nameOff)
		writeU32(&out, s.shType)
		writeU64(&out, s.flags)
		writeU64(&out, 0) // sh_addr: unlinked ET_REL has no load address
		writeU64(&out, offsets[i])
		writeU64(&out, uint64(len(s.data)))
		writeU32(&out, s.link)
		writeU32(&out, s.info)
		writeU64(&out, s.addralign)
		writeU64(&out, s.entsize)
	}

	header := buildELFHeader(tgt, machine, shoff, uint16(len(sections)))
	copy(out.Bytes()[0:ehdrSize], header)

	n, err := w.Write(out.Bytes())
	if err != nil {
		return int64(n), &artifact.IOError{Cause: err}
	}
	return int64(n), nil
}

func buildELFHeader(tgt target.Target, machine uint16, shoff uint64, shnum uint16) []byte {
	var h bytes.Buffer
	h.Write([]byte{0x7f, 'E', 'L', 'F'})
	h.WriteByte(elfClass64)
	h.WriteByte(elfData2LSB)
	h.WriteByte(elfVersion)
	h.WriteByte(0) // ELFOSABI_NONE
	h.Write(make([]byte, 8))
	writeU16(&h, etRel)
	writeU16(&h, machine)
	writeU32(&h, uint32(elfVersion))
	writeU64(&h, 0) // e_entry: none for ET_REL
	writeU64(&h, 0) // e_phoff: no program headers
	writeU64(&h, shoff)
	writeU32(&h, 0) // e_flags
	writeU16(&h, ehdrSize)
	writeU16(&h, 0) // e_phentsize
	writeU16(&h, 0) // e_phnum
	writeU16(&h, shdrSize)
	writeU16(&h, shnum)
	writeU16(&h, 1) // e_shstrndx: .strtab at index 1
	return h.Bytes()
}

func writeU16(buf *bytes.Buffer, v uint16) { binary.Write(buf, binary.LittleEndian, v) }
func writeU32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.LittleEndian, v) }
func writeU64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.LittleEndian, v) }
