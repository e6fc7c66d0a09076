package machobj

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/blacktop/go-macho/types"
	"github.com/xyproto/objcarve/artifact"
	"github.com/xyproto/objcarve/decl"
	"github.com/xyproto/objcarve/internal/strtab"
	"github.com/xyproto/objcarve/target"
)

func init() {
	artifact.RegisterBackend(target.FormatMachO, Backend{})
}

// Backend implements artifact.Backend for Mach-O 64 MH_OBJECT output.
type Backend struct{}

// secGroup is one section_64 in the segment: every locally-defined symbol
// mapping to the same (segname, sectname) pair is concatenated into it as a
// subsection, per MH_SUBSECTIONS_VIA_SYMBOLS.
type secGroup struct {
	seg, name string
	flags     uint32
	align     uint64
	data      []byte
	addr      uint64 // assigned once every group's size is known
	fileoff   uint64
	relocs    []relocEnt
}

type relocEnt struct {
	address uint32
	resolved
	extern    bool
	symIdx    uint32 // meaningful when extern
	scattered uint32 // target group's addr; meaningful when !extern
}

type placement struct {
	group  int
	offset uint64
}

// Write serializes the Artifact as an MH_OBJECT file.
func (Backend) Write(a *artifact.Artifact, w io.Writer) (int64, error) {
	tgt := a.Target()
	cputype, cpusubtype, ok := tgt.MachOCPU()
	if !ok {
		return 0, &artifact.UnsupportedTargetError{Target: tgt}
	}

	localDefs := localDefinitions(a)

	var groups []*secGroup
	groupIndex := map[string]int{}
	place := map[string]placement{}

	groupFor := func(seg, name string, flags uint32, align uint64) int {
		key := seg + "\x00" + name
		if i, ok := groupIndex[key]; ok {
			return i
		}
		groups = append(groups, &secGroup{seg: seg, name: name, flags: flags, align: align})
		i := len(groups) - 1
		groupIndex[key] = i
		return i
	}

	for _, ld := range localDefs {
		def, _ := a.Definition(ld.Name)
		seg, name, flags, align := sectionFor(tgt, ld.Decl)
		gi := groupFor(seg, name, flags, align)
		g := groups[gi]
		padTo(g, align)
		off := uint64(len(g.data))
		g.data = append(g.data, def.Bytes...)
		place[ld.Name] = placement{group: gi, offset: off}
	}

	// Assign section addresses: contiguous, in group-emission order,
	// honoring each group's own alignment (mirrors a linker laying out an
	// MH_OBJECT's single unnamed segment starting at address 0).
	var addr uint64
	for _, g := range groups {
		if g.align > 1 && addr%g.align != 0 {
			addr += g.align - addr%g.align
		}
		g.addr = addr
		addr += uint64(len(g.data))
	}

	// Resolve every link into a relocation attached to the group containing
	// its "from" symbol.
	for _, l := range a.Links() {
		fromDecl, _ := a.Decl(l.From)
		toDecl, _ := a.Decl(l.To)
		flavor := l.Flavor
		if flavor == artifact.RelocDefault {
			var ok bool
			flavor, ok = artifact.DefaultFlavor(fromDecl.Kind(), toDecl.Kind())
			if !ok {
				return 0, &artifact.UnsupportedRelocationError{FromKind: fromDecl.Kind(), ToKind: toDecl.Kind(), Flavor: flavor, Target: tgt}
			}
		}
		enc, ok := resolveReloc(tgt.Arch(), flavor, tgt.PointerWidth())
		if !ok {
			return 0, &artifact.UnsupportedRelocationError{FromKind: fromDecl.Kind(), ToKind: toDecl.Kind(), Flavor: flavor, Target: tgt}
		}
		fromDef, _ := a.Definition(l.From)
		if l.At+uint64(enc.width) > uint64(len(fromDef.Bytes)) {
			return 0, &artifact.RelocationOutOfRangeError{From: l.From, At: l.At, Width: enc.width}
		}
		fromPlace := place[l.From]
		reAddress := fromPlace.offset + l.At

		r := relocEnt{address: uint32(reAddress), resolved: enc}
		if toDecl.Kind().IsImport() {
			r.extern = true
		} else {
			r.scattered = uint32(groups[place[l.To].group].addr)
		}
		g := groups[fromPlace.group]
		g.relocs = append(g.relocs, r)
	}

	// Build the symbol table: locals, then defined externals, then
	// undefined externals (imports), the order LC_DYSYMTAB expects.
	type symEnt struct {
		name   string
		typ    byte
		sect   uint16 // 1-based section index, 0 for undefined
		value  uint64
	}
	symIdxOf := map[string]uint32{}
	var locals, definedExt, undefExt []symEnt

	for _, ld := range localDefs {
		if ld.Decl.IsGlobal() {
			continue
		}
		p := place[ld.Name]
		locals = append(locals, symEnt{name: ld.Name, typ: nSect, sect: uint16(p.group + 1), value: groups[p.group].addr + p.offset})
	}
	for _, ld := range localDefs {
		if !ld.Decl.IsGlobal() {
			continue
		}
		p := place[ld.Name]
		definedExt = append(definedExt, symEnt{name: ld.Name, typ: nSect | nExt, sect: uint16(p.group + 1), value: groups[p.group].addr + p.offset})
	}
	for _, name := range a.Imports() {
		undefExt = append(undefExt, symEnt{name: name, typ: nUndf | nExt})
	}

	strings_ := strtab.New()
	var nlist bytes.Buffer
	idx := uint32(0)
	writeSym := func(s symEnt) {
		symIdxOf[s.name] = idx
		idx++
		nameOff := strings_.Intern(s.name)
		binary.Write(&nlist, binary.LittleEndian, nameOff)
		nlist.WriteByte(s.typ)
		nlist.WriteByte(byte(s.sect))
		binary.Write(&nlist, binary.LittleEndian, uint16(0)) // n_desc
		binary.Write(&nlist, binary.LittleEndian, s.value)
	}
	for _, s := range locals {
		writeSym(s)
	}
	nlocal := idx
	for _, s := range definedExt {
		writeSym(s)
	}
	nextdef := idx - nlocal
	for _, s := range undefExt {
		writeSym(s)
	}
	nundef := idx - nlocal - nextdef

	// Now that every import has a symtab index, stamp extern relocations
	// with it: a second pass over links in the same order they were
	// appended to each group's relocs, so the relocation-building loop
	// above stays a straight translation of the spec's per-link rule.
	relocCursor := make([]int, len(groups))
	for _, l := range a.Links() {
		fromPlace := place[l.From]
		g := groups[fromPlace.group]
		i := relocCursor[fromPlace.group]
		relocCursor[fromPlace.group]++
		if g.relocs[i].extern {
			g.relocs[i].symIdx = symIdxOf[l.To]
		}
	}

	return writeMachO(w, tgt, cputype, cpusubtype, groups, nlist.Bytes(), strings_, nlocal, nextdef, nundef)
}

type localDecl struct {
	Name string
	Decl decl.Decl
}

func localDefinitions(a *artifact.Artifact) []localDecl {
	var out []localDecl
	for _, nd := range a.OrderedDeclarations() {
		if nd.Decl.Kind().IsLocallyDefinable() {
			out = append(out, localDecl{Name: nd.Name, Decl: nd.Decl})
		}
	}
	return out
}

// sectionFor maps a locally-defined Decl to its Mach-O (segname, sectname,
// flags, alignment).
func sectionFor(tgt target.Target, d decl.Decl) (seg, name string, flags uint32, align uint64) {
	switch d.Kind() {
	case decl.Function:
		return "__TEXT", "__text", sAttrPureInstructions | sAttrSomeInstructions, orDefault(d.Alignment(), tgt.DefaultFunctionAlignment())
	case decl.CString:
		return "__TEXT", "__cstring", sCstringLiterals, orDefault(d.Alignment(), 1)
	case decl.Data:
		if d.IsWritable() {
			return "__DATA", "__data", sRegular, orDefault(d.Alignment(), tgt.DefaultDataAlignment())
		}
		return "__DATA", "__const", sRegular, orDefault(d.Alignment(), tgt.DefaultDataAlignment())
	case decl.DebugSection:
		return "__DWARF", "__" + d.SectionKind().String(), sAttrDebug, orDefault(d.Alignment(), 1)
	case decl.Section:
		switch d.SectionKind() {
		case decl.SectionText:
			return "__TEXT", "__text", sAttrPureInstructions | sAttrSomeInstructions, orDefault(d.Alignment(), tgt.DefaultFunctionAlignment())
		case decl.SectionDebug:
			return "__DWARF", "__debug", sAttrDebug, orDefault(d.Alignment(), 1)
		default:
			return "__DATA", "__data", sRegular, orDefault(d.Alignment(), tgt.DefaultDataAlignment())
		}
	default:
		return "__DATA", "__data", sRegular, tgt.DefaultDataAlignment()
	}
}

func orDefault(v, def uint64) uint64 {
	if v != 0 {
		return v
	}
	return def
}

func padTo(g *secGroup, align uint64) {
	if align <= 1 {
		return
	}
	rem := uint64(len(g.data)) % align
	if rem == 0 {
		return
	}
	g.data = append(g.data, make([]byte, align-rem)...)
}

func writeMachO(w io.Writer, tgt target.Target, cputype, cpusubtype uint32, groups []*secGroup, nlist []byte, strings_ *strtab.Table, nlocal, nextdef, nundef uint32) (int64, error) {
	const (
		fileHeaderSz = 32
		segCmdSz     = 72
		symtabCmdSz  = 24
		dysymCmdSz   = 80
		buildVerSz   = 24
	)

	segLen := segCmdSz + len(groups)*section64Sz
	sizeofcmds := segLen + symtabCmdSz + dysymCmdSz + buildVerSz
	ncmds := 4

	// Section file offsets follow the load commands directly.
	cursor := uint64(fileHeaderSz + sizeofcmds)
	for _, g := range groups {
		if g.align > 1 && cursor%g.align != 0 {
			cursor += g.align - cursor%g.align
		}
		g.fileoff = cursor
		cursor += uint64(len(g.data))
	}

	// Relocations follow every section's bytes, grouped per section in
	// section order.
	relocOffsets := make([]uint64, len(groups))
	var relocBuf bytes.Buffer
	for i, g := range groups {
		relocOffsets[i] = cursor + uint64(relocBuf.Len())
		for _, r := range g.relocs {
			writeRelocEntry(&relocBuf, r)
		}
	}
	cursor += uint64(relocBuf.Len())

	symoff := cursor
	cursor += uint64(len(nlist))
	stroff := cursor
	strBytes := strings_.Bytes()
	cursor += uint64(len(strBytes))

	var out bytes.Buffer

	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPU(cputype),
		SubCPU:       types.CPUSubtype(cpusubtype),
		Type:         types.MH_OBJECT,
		NCommands:    uint32(ncmds),
		SizeCommands: uint32(sizeofcmds),
		Flags:        mhSubsectionsViaSymbols,
	}
	hdrBytes := make([]byte, fileHeaderSz)
	hdr.Put(hdrBytes, binary.LittleEndian)
	out.Write(hdrBytes)

	var segFilesz uint64
	if len(groups) > 0 {
		last := groups[len(groups)-1]
		segFilesz = last.fileoff - uint64(fileHeaderSz+sizeofcmds) + uint64(len(last.data))
	}

	seg := types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     uint32(segLen),
		Name:    pad16(""),
		Addr:    0,
		Memsz:   segFilesz,
		Offset:  uint64(fileHeaderSz + sizeofcmds),
		Filesz:  segFilesz,
		Maxprot: types.VmProtection(vmProtAll),
		Prot:    types.VmProtection(vmProtAll),
		Nsect:   uint32(len(groups)),
	}
	binary.Write(&out, binary.LittleEndian, seg)

	for i, g := range groups {
		s := section64{
			Sectname: pad16(g.name),
			Segname:  pad16(g.seg),
			Addr:     g.addr,
			Size:     uint64(len(g.data)),
			Offset:   uint32(g.fileoff),
			Align:    log2(g.align),
			Reloff:   uint32(relocOffsets[i]),
			Nreloc:   uint32(len(g.relocs)),
			Flags:    g.flags,
		}
		binary.Write(&out, binary.LittleEndian, s)
	}

	symtabCmd := types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     symtabCmdSz,
		Symoff:  uint32(symoff),
		Nsyms:   nlocal + nextdef + nundef,
		Stroff:  uint32(stroff),
		Strsize: uint32(len(strBytes)),
	}
	binary.Write(&out, binary.LittleEndian, symtabCmd)

	dysym := types.DysymtabCmd{
		LoadCmd:    types.LC_DYSYMTAB,
		Len:        dysymCmdSz,
		Ilocalsym:  0,
		Nlocalsym:  nlocal,
		Iextdefsym: nlocal,
		Nextdefsym: nextdef,
		Iundefsym:  nlocal + nextdef,
		Nundefsym:  nundef,
	}
	binary.Write(&out, binary.LittleEndian, dysym)

	buildVer := types.BuildVersionCmd{
		LoadCmd:  types.LC_BUILD_VERSION,
		Len:      buildVerSz,
		Platform: platformMacOS,
		Minos:    types.Version(0x000b0000), // 11.0.0
		Sdk:      types.Version(0x000b0000),
		NumTools: 0,
	}
	binary.Write(&out, binary.LittleEndian, buildVer)

	for _, g := range groups {
		for uint64(out.Len()) < g.fileoff {
			out.WriteByte(0)
		}
		out.Write(g.data)
	}
	out.Write(relocBuf.Bytes())
	out.Write(nlist)
	out.Write(strBytes)

	n, err := w.Write(out.Bytes())
	if err != nil {
		return int64(n), &artifact.IOError{Cause: err}
	}
	return int64(n), nil
}

const mhSubsectionsViaSymbols = 0x2000

func writeRelocEntry(buf *bytes.Buffer, r relocEnt) {
	if r.extern {
		binary.Write(buf, binary.LittleEndian, int32(r.address))
		var w1 uint32
		w1 = r.symIdx & 0xffffff
		if r.pcrel {
			w1 |= 1 << 24
		}
		w1 |= uint32(r.length&0x3) << 25
		w1 |= 1 << 27 // r_extern
		w1 |= (r.rtype & 0xf) << 28
		binary.Write(buf, binary.LittleEndian, w1)
		return
	}
	var w0 uint32
	w0 = r.address & 0xffffff
	w0 |= (r.rtype & 0xf) << 24
	w0 |= uint32(r.length&0x3) << 28
	if r.pcrel {
		w0 |= 1 << 30
	}
	w0 |= 1 << 31 // r_scattered
	binary.Write(buf, binary.LittleEndian, w0)
	binary.Write(buf, binary.LittleEndian, int32(r.scattered))
}

// log2 returns the power-of-two exponent of a (section_64.align is stored
// as log2 of the byte alignment); a of 0 or 1 is "no alignment required".
func log2(a uint64) uint32 {
	if a <= 1 {
		return 0
	}
	var n uint32
	for a > 1 {
		a >>= 1
		n++
	}
	return n
}
