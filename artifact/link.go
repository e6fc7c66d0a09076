package artifact

import "github.com/xyproto/objcarve/decl"

// RelocFlavor is the abstract, format-agnostic shape of a relocation: what
// kind of reference this is, independent of the concrete encoding a
// back-end ultimately chooses for it. Flavors are resolved to concrete
// relocation types at emit time, never at link time, so a Link stays
// format-agnostic until Write.
type RelocFlavor int

const (
	// RelocDefault means "derive the flavor from the (from-kind, to-kind)
	// pair at emit time".
	RelocDefault RelocFlavor = iota
	// RelocPCRelativeBranch is a local call/branch (Function -> Function).
	RelocPCRelativeBranch
	// RelocPLTCall is a call through the procedure-linkage table
	// (Function -> FunctionImport).
	RelocPLTCall
	// RelocPCRelativeData is a PC-relative load of local data/cstring
	// bytes (Function -> Data/CString).
	RelocPCRelativeData
	// RelocGOTLoad loads an imported data symbol's address through the
	// global-offset table (Function -> DataImport).
	RelocGOTLoad
	// RelocAbsolute is an absolute, pointer-width reference (Data -> Data
	// or Function).
	RelocAbsolute
)

func (f RelocFlavor) String() string {
	switch f {
	case RelocDefault:
		return "default"
	case RelocPCRelativeBranch:
		return "pc-relative-branch"
	case RelocPLTCall:
		return "plt-call"
	case RelocPCRelativeData:
		return "pc-relative-data"
	case RelocGOTLoad:
		return "got-load"
	case RelocAbsolute:
		return "absolute"
	default:
		return "unknown"
	}
}

// Link expresses: "at byte offset At within the definition named From,
// there is a reference to symbol To." Flavor is RelocDefault unless the
// caller used LinkWith to override it. Links are append-only; there is no
// operation to revise or remove one.
type Link struct {
	From   string
	To     string
	At     uint64
	Flavor RelocFlavor
}

// DefaultFlavor resolves the default relocation flavor for a reference from
// a symbol of kind fromKind to a symbol of kind toKind. It returns false if
// the pairing has no sensible default (the caller must have supplied an
// explicit flavor via LinkWith).
func DefaultFlavor(fromKind, toKind decl.Kind) (RelocFlavor, bool) {
	switch {
	case fromKind == decl.Function && toKind == decl.Function:
		return RelocPCRelativeBranch, true
	case fromKind == decl.Function && toKind == decl.FunctionImport:
		return RelocPLTCall, true
	case fromKind == decl.Function && (toKind == decl.Data || toKind == decl.CString):
		return RelocPCRelativeData, true
	case fromKind == decl.Function && toKind == decl.DataImport:
		return RelocGOTLoad, true
	case fromKind == decl.Data && (toKind == decl.Data || toKind == decl.Function):
		return RelocAbsolute, true
	default:
		return RelocDefault, false
	}
}
