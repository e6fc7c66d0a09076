// Package decl implements the declaration taxonomy: the symbol kinds an
// Artifact can hold (functions, data, imports, sections, debug blobs), the
// attribute flags each kind carries, and the merge/upgrade rules that
// govern redeclaring the same symbol name.
package decl

import "errors"

// Kind tags the variant a Decl represents.
type Kind int

const (
	Function Kind = iota
	Data
	CString
	Section
	FunctionImport
	DataImport
	DebugSection
)

func (k Kind) String() string {
	switch k {
	case Function:
		return "Function"
	case Data:
		return "Data"
	case CString:
		return "CString"
	case Section:
		return "Section"
	case FunctionImport:
		return "FunctionImport"
	case DataImport:
		return "DataImport"
	case DebugSection:
		return "DebugSection"
	default:
		return "unknown"
	}
}

// category groups kinds that interchange under the merge rules in §4.2.
type category int

const (
	catFunction category = iota
	catData
	catSection
	catDebug
)

func (k Kind) category() category {
	switch k {
	case Function, FunctionImport:
		return catFunction
	case Data, CString, DataImport:
		return catData
	case Section:
		return catSection
	case DebugSection:
		return catDebug
	default:
		return catFunction
	}
}

// IsImport reports whether the kind is externally defined (never has a
// Definition in the Artifact).
func (k Kind) IsImport() bool {
	return k == FunctionImport || k == DataImport
}

// IsFunctionLike reports whether the kind is a function or function import.
func (k Kind) IsFunctionLike() bool {
	return k == Function || k == FunctionImport
}

// IsDataLike reports whether the kind is data, cstring, or data import.
func (k Kind) IsDataLike() bool {
	return k == Data || k == CString || k == DataImport
}

// IsLocallyDefinable reports whether a Definition may exist for this kind.
func (k Kind) IsLocallyDefinable() bool {
	return !k.IsImport()
}

// SectionKind distinguishes the raw user-section variants of a Section
// Decl.
type SectionKind int

const (
	SectionData SectionKind = iota
	SectionText
	SectionDebug
)

func (sk SectionKind) String() string {
	switch sk {
	case SectionData:
		return "Data"
	case SectionText:
		return "Text"
	case SectionDebug:
		return "Debug"
	default:
		return "unknown"
	}
}

// Visibility is local or global symbol binding scope.
type Visibility int

const (
	Local Visibility = iota
	Global
)

func (v Visibility) String() string {
	if v == Global {
		return "global"
	}
	return "local"
}

// Strength is the weak/strong binding strength, meaningful for globally
// visible defined symbols.
type Strength int

const (
	Strong Strength = iota
	Weak
)

func (s Strength) String() string {
	if s == Weak {
		return "weak"
	}
	return "strong"
}

// Decl is a tagged, immutable description of an intended symbol. Values are
// built through the per-kind constructors below and the fluent attribute
// methods (Global, LocalVisibility, Writable, Weak, AlignedTo); each method returns a
// new Decl rather than mutating the receiver.
type Decl struct {
	kind        Kind
	visibility  Visibility
	strength    Strength
	writable    bool
	alignment   uint64 // 0 means "unset, use target default"
	sectionKind SectionKind
}

// NewFunction declares executable code to be defined locally. Defaults to
// local visibility, strong binding, not writable.
func NewFunction() Decl { return Decl{kind: Function} }

// NewData declares mutable or read-only data to be defined locally.
func NewData() Decl { return Decl{kind: Data} }

// NewCString declares a NUL-terminated, merge-eligible string constant.
func NewCString() Decl { return Decl{kind: CString} }

// NewSection declares a raw user section of the given kind.
func NewSection(kind SectionKind) Decl { return Decl{kind: Section, sectionKind: kind} }

// NewFunctionImport declares an externally defined function to link
// against.
func NewFunctionImport() Decl { return Decl{kind: FunctionImport} }

// NewDataImport declares externally defined data to link against.
func NewDataImport() Decl { return Decl{kind: DataImport} }

// NewDebugSection declares an opaque debug-info blob, supplied verbatim by
// the caller.
func NewDebugSection() Decl { return Decl{kind: DebugSection} }

// Global marks the declaration globally visible.
func (d Decl) Global() Decl { d.visibility = Global; return d }

// LocalVisibility marks the declaration locally visible (the default).
func (d Decl) LocalVisibility() Decl { d.visibility = Local; return d }

// Writable marks a Data/Function declaration as residing in writable
// memory. Meaningless (ignored by back-ends) for kinds that are never
// writable.
func (d Decl) Writable() Decl { d.writable = true; return d }

// Weak marks the declaration as a weak symbol.
func (d Decl) Weak() Decl { d.strength = Weak; return d }

// AlignedTo sets an explicit alignment, which must be a positive power of
// two; back-ends that read an unset (zero) alignment fall back to the
// target's per-kind default.
func (d Decl) AlignedTo(n uint64) Decl { d.alignment = n; return d }

// Kind returns the declaration's variant tag.
func (d Decl) Kind() Kind { return d.kind }

// SectionKind returns the raw-section kind; only meaningful when Kind() ==
// Section.
func (d Decl) SectionKind() SectionKind { return d.sectionKind }

// Visibility returns the declaration's visibility.
func (d Decl) Visibility() Visibility { return d.visibility }

// IsGlobal reports whether the declaration is globally visible.
func (d Decl) IsGlobal() bool { return d.visibility == Global }

// Strength returns the declaration's binding strength.
func (d Decl) Strength() Strength { return d.strength }

// IsWeak reports whether the declaration is weakly bound.
func (d Decl) IsWeak() bool { return d.strength == Weak }

// IsWritable reports whether the declaration is marked writable.
func (d Decl) IsWritable() bool { return d.writable }

// Alignment returns the explicit alignment, or 0 if unset.
func (d Decl) Alignment() uint64 { return d.alignment }

// Equal reports whether two Decls are identical in every attribute (used by
// the "identical redeclaration" merge case and by tests).
func (d Decl) Equal(other Decl) bool {
	return d == other
}

// ErrIncompatible is returned by Merge when two declarations for the same
// name cannot be reconciled. Callers (the artifact package) report it as
// an IncompatibleDeclarationError carrying the symbol name and both
// declarations; that error does not wrap ErrIncompatible.
var ErrIncompatible = errors.New("incompatible declaration")

// Merge reconciles a redeclaration of the same symbol name: newD is the
// incoming Decl, oldD is already on file. It returns the Decl to keep and,
// on failure, ErrIncompatible. Merge never mutates its arguments.
//
// Rules:
//   - identical declarations merge to themselves;
//   - Local -> Global is an upgrade;
//   - an import upgrades to a locally-defined kind of the same category
//     (FunctionImport -> Function; DataImport -> Data or CString);
//   - Strong <-> Weak merges to Strong (strong wins);
//   - a kind-category change, or an attribute conflict (alignment,
//     writability) where both sides specify a value, is rejected.
func Merge(oldD, newD Decl) (Decl, error) {
	if oldD.Equal(newD) {
		return oldD, nil
	}

	if oldD.kind.category() != newD.kind.category() {
		return Decl{}, ErrIncompatible
	}

	kind, err := mergeKind(oldD.kind, newD.kind)
	if err != nil {
		return Decl{}, err
	}

	if oldD.alignment != 0 && newD.alignment != 0 && oldD.alignment != newD.alignment {
		return Decl{}, ErrIncompatible
	}
	alignment := oldD.alignment
	if alignment == 0 {
		alignment = newD.alignment
	}

	// Writability only conflicts when both sides are locally-definable
	// kinds; an import carries no writability opinion of its own.
	if oldD.writable != newD.writable && !oldD.kind.IsImport() && !newD.kind.IsImport() {
		return Decl{}, ErrIncompatible
	}
	writable := oldD.writable || newD.writable

	visibility := oldD.visibility
	if newD.visibility == Global {
		visibility = Global
	}

	strength := Strong
	if oldD.strength == Weak && newD.strength == Weak {
		strength = Weak
	}

	sectionKind := oldD.sectionKind
	if kind == Section && oldD.sectionKind != newD.sectionKind {
		return Decl{}, ErrIncompatible
	}

	return Decl{
		kind:        kind,
		visibility:  visibility,
		strength:    strength,
		writable:    writable,
		alignment:   alignment,
		sectionKind: sectionKind,
	}, nil
}

// mergeKind resolves the resulting Kind for two declarations already known
// to share a category.
func mergeKind(oldKind, newKind Kind) (Kind, error) {
	if oldKind == newKind {
		return oldKind, nil
	}
	// Import -> locally-defined upgrade.
	if oldKind.IsImport() && !newKind.IsImport() {
		return upgradeFromImport(oldKind, newKind)
	}
	if newKind.IsImport() && !oldKind.IsImport() {
		return upgradeFromImport(newKind, oldKind)
	}
	return Kind(0), ErrIncompatible
}

// upgradeFromImport checks that defined is a valid local upgrade of
// importKind (e.g. FunctionImport -> Function, DataImport -> Data/CString)
// and returns the resulting (defined) kind.
func upgradeFromImport(importKind, defined Kind) (Kind, error) {
	switch importKind {
	case FunctionImport:
		if defined == Function {
			return defined, nil
		}
	case DataImport:
		if defined == Data || defined == CString {
			return defined, nil
		}
	}
	return Kind(0), ErrIncompatible
}
