package artifact

import (
	"fmt"

	"github.com/xyproto/objcarve/decl"
	"github.com/xyproto/objcarve/target"
)

// IncompatibleDeclarationError reports a redeclaration that could not be
// reconciled under the decl package's merge rules.
type IncompatibleDeclarationError struct {
	Name string
	Old  decl.Decl
	New  decl.Decl
}

func (e *IncompatibleDeclarationError) Error() string {
	return fmt.Sprintf("incompatible declaration for %q: %s cannot merge with %s", e.Name, e.Old.Kind(), e.New.Kind())
}

// UndeclaredSymbolError reports a link or define referencing a name that
// was never declared.
type UndeclaredSymbolError struct {
	Name string
}

func (e *UndeclaredSymbolError) Error() string {
	return fmt.Sprintf("undeclared symbol: %q", e.Name)
}

// RedefinitionError reports a second define() call for the same name.
type RedefinitionError struct {
	Name string
}

func (e *RedefinitionError) Error() string {
	return fmt.Sprintf("symbol %q already defined", e.Name)
}

// MissingDefinitionError reports, at write time, a locally-declared
// non-import symbol with no Definition.
type MissingDefinitionError struct {
	Name string
}

func (e *MissingDefinitionError) Error() string {
	return fmt.Sprintf("symbol %q is declared but never defined", e.Name)
}

// RelocationOutOfRangeError reports a Link whose offset, plus the width of
// the chosen relocation, exceeds the length of the "from" symbol's bytes.
type RelocationOutOfRangeError struct {
	From  string
	At    uint64
	Width int
}

func (e *RelocationOutOfRangeError) Error() string {
	return fmt.Sprintf("relocation in %q at offset %d (width %d) exceeds symbol length", e.From, e.At, e.Width)
}

// UnsupportedRelocationError reports that a back-end cannot encode the
// (from-kind, to-kind, flavor) triple for the target architecture.
type UnsupportedRelocationError struct {
	FromKind decl.Kind
	ToKind   decl.Kind
	Flavor   RelocFlavor
	Target   target.Target
}

func (e *UnsupportedRelocationError) Error() string {
	return fmt.Sprintf("unsupported relocation %s -> %s (flavor %s) on %s", e.FromKind, e.ToKind, e.Flavor, e.Target)
}

// UnsupportedTargetError reports that no back-end is registered for the
// target's format, or the back-end cannot encode the target's architecture.
type UnsupportedTargetError struct {
	Target target.Target
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("unsupported target: %s", e.Target)
}

// IOError wraps a failure from the write sink.
type IOError struct {
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("write sink failed: %v", e.Cause)
}

func (e *IOError) Unwrap() error {
	return e.Cause
}
