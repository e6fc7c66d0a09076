// Package machobj is the Mach-O 64 back-end: it serializes a finalized
// artifact.Artifact into an MH_OBJECT file, independent of the ELF64
// back-end (backend/elfobj). It registers itself against target.FormatMachO
// in an init() func, the same registration-by-import pattern
// backend/elfobj uses.
//
// The header and load-command structs it emits, and their magic, CPU,
// file-type and load-command constants, come from
// github.com/blacktop/go-macho/types: types.FileHeader, types.Magic,
// types.CPU, types.CPUSubtype, types.HeaderFileType, types.LoadCmd,
// types.Segment64, types.SymtabCmd, types.DysymtabCmd and
// types.BuildVersionCmd are used directly as the on-disk struct layouts
// rather than re-declared here. The section flags, vm_prot bits, nlist
// type bits, header flags and relocation types are plain constants
// declared in this package. section_64, nlist_64 and relocation_info
// have no equivalent exported fixed-layout struct in that package (it
// decodes them into a richer, higher-level Section/Symbol representation
// instead), so those three wire shapes are hand-rolled in this file.
package machobj

import "github.com/blacktop/go-macho/types"

const (
	// section_64 flags (mach-o/loader.h).
	sRegular              = 0x0
	sCstringLiterals      = 0x2
	sAttrPureInstructions = 0x80000000
	sAttrSomeInstructions = 0x00000400
	sAttrDebug            = 0x02000000

	// vm_prot_t bits.
	vmProtRead    = 0x1
	vmProtWrite   = 0x2
	vmProtExecute = 0x4
	vmProtAll     = vmProtRead | vmProtWrite | vmProtExecute

	nlistSize   = 16
	section64Sz = 80
	relocInfoSz = 8

	// nlist_64 n_type bits (mach-o/nlist.h).
	nUndf  = 0x0
	nAbs   = 0x2
	nSect  = 0xe
	nType  = 0x0e
	nExt   = 0x1

	platformMacOS = types.Platform(1) // PLATFORM_MACOS
)

// pad16 truncates or zero-pads s to exactly 16 bytes, the fixed width of a
// Mach-O segname/sectname field.
func pad16(s string) [16]byte {
	var out [16]byte
	copy(out[:], s)
	return out
}

// section64 is the on-disk section_64 layout (mach-o/loader.h). Not
// exported by github.com/blacktop/go-macho/types as a writable fixed-layout
// struct (see the package doc comment above), so it is declared here.
type section64 struct {
	Sectname  [16]byte
	Segname   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}
