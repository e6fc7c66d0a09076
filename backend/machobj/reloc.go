package machobj

import (
	"github.com/xyproto/objcarve/artifact"
	"github.com/xyproto/objcarve/target"
)

// x86_64 Mach-O relocation types (mach-o/x86_64/reloc.h).
const (
	x8664RelocUnsigned = 0
	x8664RelocSigned   = 1
	x8664RelocBranch   = 2
	x8664RelocGOTLoad  = 3
	x8664RelocGOT      = 4
)

// ARM64 Mach-O relocation types (mach-o/arm64/reloc.h).
const (
	arm64RelocUnsigned     = 0
	arm64RelocBranch26     = 2
	arm64RelocPage21       = 3
	arm64RelocGOTLoadPage21 = 5
)

// resolved is the concrete Mach-O encoding a flavor maps to: the r_type, the
// r_length code (0=1 byte, 1=2, 2=4, 3=8), the byte width of the patched
// field (used for range-checking), and whether the field is PC-relative.
type resolved struct {
	rtype  uint32
	length uint8
	width  int
	pcrel  bool
}

// resolveReloc maps (architecture, flavor) to a concrete Mach-O relocation
// encoding. ok is false when this back-end has no encoding for the pairing
// (artifact.UnsupportedRelocationError).
func resolveReloc(arch target.Arch, flavor artifact.RelocFlavor, ptrWidth int) (resolved, bool) {
	switch arch {
	case target.ArchX86_64:
		switch flavor {
		case artifact.RelocPCRelativeBranch, artifact.RelocPLTCall:
			return resolved{rtype: x8664RelocBranch, length: 2, width: 4, pcrel: true}, true
		case artifact.RelocPCRelativeData:
			return resolved{rtype: x8664RelocSigned, length: 2, width: 4, pcrel: true}, true
		case artifact.RelocGOTLoad:
			return resolved{rtype: x8664RelocGOTLoad, length: 2, width: 4, pcrel: true}, true
		case artifact.RelocAbsolute:
			return resolved{rtype: x8664RelocUnsigned, length: 3, width: ptrWidth, pcrel: false}, true
		}
	case target.ArchARM64:
		switch flavor {
		case artifact.RelocPCRelativeBranch, artifact.RelocPLTCall:
			return resolved{rtype: arm64RelocBranch26, length: 2, width: 4, pcrel: true}, true
		case artifact.RelocPCRelativeData:
			return resolved{rtype: arm64RelocPage21, length: 2, width: 4, pcrel: true}, true
		case artifact.RelocGOTLoad:
			return resolved{rtype: arm64RelocGOTLoadPage21, length: 2, width: 4, pcrel: true}, true
		case artifact.RelocAbsolute:
			return resolved{rtype: arm64RelocUnsigned, length: 3, width: ptrWidth, pcrel: false}, true
		}
	}
	return resolved{}, false
}
