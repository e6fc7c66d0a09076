package elfobj

import (
	"github.com/xyproto/objcarve/artifact"
	"github.com/xyproto/objcarve/target"
)

// x86_64 relocation types (ELF spec, AMD64 psABI).
const (
	rX8664PC32     = 2
	rX8664PLT32    = 4
	rX8664GOTPCREL = 9
	rX8664_64      = 1
)

// AArch64 relocation types (ELF for the ARM 64-bit Architecture). This
// back-end resolves each Link to exactly one relocation record, so it uses
// the single-instruction forms; real AArch64 codegen for page-relative
// addressing is normally a paired ADRP+ADD/LDR sequence encoded as two
// relocations, which is out of scope for a caller that hands over one Link
// per reference.
const (
	rAArch64Abs64       = 257
	rAArch64Call26      = 283
	rAArch64AdrPrelLo21 = 274
	rAArch64AdrGotPage  = 311
)

// resolved is the concrete encoding a flavor maps to on a given
// architecture: the ELF r_type, the byte width of the patched field (used
// for range-checking), and the addend.
type resolved struct {
	rtype  uint32
	width  int
	addend int64
}

// resolveReloc maps (architecture, flavor) to a concrete ELF64 relocation
// encoding. ok is false when the back-end has no encoding for this pairing
// (artifact.UnsupportedRelocationError).
func resolveReloc(arch target.Arch, flavor artifact.RelocFlavor, ptrWidth int) (resolved, bool) {
	switch arch {
	case target.ArchX86_64:
		switch flavor {
		case artifact.RelocPCRelativeBranch, artifact.RelocPLTCall:
			// Both direct local calls and calls through the PLT are
			// encoded as R_X86_64_PLT32; the linker resolves to a direct
			// branch when the target turns out to be local.
			return resolved{rtype: rX8664PLT32, width: 4, addend: -4}, true
		case artifact.RelocPCRelativeData:
			return resolved{rtype: rX8664PC32, width: 4, addend: -4}, true
		case artifact.RelocGOTLoad:
			return resolved{rtype: rX8664GOTPCREL, width: 4, addend: -4}, true
		case artifact.RelocAbsolute:
			return resolved{rtype: rX8664_64, width: ptrWidth, addend: 0}, true
		}
	case target.ArchARM64:
		switch flavor {
		case artifact.RelocPCRelativeBranch, artifact.RelocPLTCall:
			return resolved{rtype: rAArch64Call26, width: 4, addend: 0}, true
		case artifact.RelocPCRelativeData:
			return resolved{rtype: rAArch64AdrPrelLo21, width: 4, addend: 0}, true
		case artifact.RelocGOTLoad:
			return resolved{rtype: rAArch64AdrGotPage, width: 4, addend: 0}, true
		case artifact.RelocAbsolute:
			return resolved{rtype: rAArch64Abs64, width: ptrWidth, addend: 0}, true
		}
	}
	return resolved{}, false
}
