// Package elfobj is the ELF64 back-end: it serializes a finalized
// artifact.Artifact into a bit-exact ET_REL object file, independent of the
// Mach-O back-end (backend/machobj). It registers itself against
// target.FormatELF in an init() func; importing this package for its side
// effect is what makes an artifact.Artifact bound to an ELF target
// writable.
package elfobj

const (
	elfClass64  = 2
	elfData2LSB = 1
	elfVersion  = 1

	etRel = 1 // ET_REL

	shtNull     = 0
	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
	shtNote     = 7

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
	shfMerge     = 0x10
	shfStrings   = 0x20

	shnUndef = 0
	shnAbs   = 0xfff1

	stbLocal  = 0
	stbGlobal = 1
	stbWeak   = 2

	sttNotype  = 0
	sttObject  = 1
	sttFunc    = 2
	sttSection = 3
	sttFile    = 4

	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relaSize = 24
)

func stInfo(bind, typ byte) byte {
	return bind<<4 | (typ & 0xf)
}
