// Package artifact implements the format-neutral in-memory object: the
// declaration table, definition table, import list and append-only link
// list a caller builds up before calling Write, plus the two-phase
// declare/define discipline and merge-on-redeclare behavior spec'd in
// §4.2-§4.3. Back-ends (backend/elfobj, backend/machobj) register
// themselves against a target.Format and are invoked by Write; Artifact
// itself performs no I/O.
package artifact

import (
	"fmt"
	"io"
	"os"

	"github.com/xyproto/objcarve/decl"
	"github.com/xyproto/objcarve/target"
)

// Verbose gates diagnostic tracing to stderr during declare/define/link and
// write. Library operations never log unconditionally, only when a caller
// opts in.
var Verbose bool

func trace(format string, args ...any) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "objcarve: "+format+"\n", args...)
	}
}

// Definition pairs a declared name's byte payload with the declaration it
// was defined under. Only locally-defined kinds (Function, Data, CString,
// Section, DebugSection) ever have one; imports never do.
type Definition struct {
	Name  string
	Bytes []byte
	Decl  decl.Decl
}

// Backend serializes a finalized Artifact to a sink. ELF64 and Mach-O 64
// are independent implementations of this contract, selected by the
// Artifact's target format; there is no shared "generic object"
// intermediate.
type Backend interface {
	Write(a *Artifact, w io.Writer) (int64, error)
}

var backends = map[target.Format]Backend{}

// RegisterBackend installs a Backend for the given object format. Back-end
// packages call this from an init() func, the same registration-by-import
// pattern the standard library uses for image and database/sql drivers:
// importing backend/elfobj for its side effect is what makes FormatELF
// targets writable.
func RegisterBackend(format target.Format, b Backend) {
	backends[format] = b
}

// Artifact is the format-neutral in-memory object a caller builds up
// through Declare/Define/Link/Import before linking. It grows
// monotonically and is consumed exactly once by Write, which does not
// mutate it; multiple writes to different sinks are permitted and produce
// identical bytes.
type Artifact struct {
	target target.Target
	name   string

	order []string           // declaration insertion order, never reordered by merge
	decls map[string]decl.Decl
	defs  map[string]Definition

	imports []string // import names, in declaration order
	links   []Link
}

// New creates an empty Artifact bound to the given target. name is used as
// the FILE symbol in ELF output and has no effect on Mach-O output.
func New(tgt target.Target, name string) *Artifact {
	return &Artifact{
		target: tgt,
		name:   name,
		decls:  make(map[string]decl.Decl),
		defs:   make(map[string]Definition),
	}
}

// Target returns the Artifact's bound target.
func (a *Artifact) Target() target.Target { return a.target }

// Name returns the artifact name supplied at construction.
func (a *Artifact) Name() string { return a.name }

// Declare inserts a new declaration, or merges it with an existing one for
// the same name per the decl package's merge rules. The first insertion of
// a name establishes its position in declaration order; a later merge never
// changes that position.
func (a *Artifact) Declare(name string, d decl.Decl) error {
	existing, ok := a.decls[name]
	if !ok {
		a.decls[name] = d
		a.order = append(a.order, name)
		if d.Kind().IsImport() {
			a.imports = append(a.imports, name)
		}
		trace("declare %q: %s", name, d.Kind())
		return nil
	}

	merged, err := decl.Merge(existing, d)
	if err != nil {
		return &IncompatibleDeclarationError{Name: name, Old: existing, New: d}
	}
	wasImport := existing.Kind().IsImport()
	a.decls[name] = merged
	if wasImport && !merged.Kind().IsImport() {
		a.removeImport(name)
	}
	trace("merge declare %q: %s + %s -> %s", name, existing.Kind(), d.Kind(), merged.Kind())
	return nil
}

func (a *Artifact) removeImport(name string) {
	for i, n := range a.imports {
		if n == name {
			a.imports = append(a.imports[:i], a.imports[i+1:]...)
			return
		}
	}
}

// NamedDecl pairs a declaration with the name it was declared under, used
// by the bulk Declarations form.
type NamedDecl struct {
	Name string
	Decl decl.Decl
}

// Declarations applies a sequence of declarations in order, stopping at the
// first incompatible entry. Entries applied before the failure remain in
// effect; callers should treat each declare call as committing
// individually.
func (a *Artifact) Declarations(entries []NamedDecl) error {
	for _, e := range entries {
		if err := a.Declare(e.Name, e.Decl); err != nil {
			return err
		}
	}
	return nil
}

// Import is shorthand for Declare with a FunctionImport or DataImport Decl.
// kind must be decl.FunctionImport or decl.DataImport.
func (a *Artifact) Import(name string, kind decl.Kind) error {
	var d decl.Decl
	switch kind {
	case decl.FunctionImport:
		d = decl.NewFunctionImport()
	case decl.DataImport:
		d = decl.NewDataImport()
	default:
		return fmt.Errorf("objcarve: Import: kind must be FunctionImport or DataImport, got %s", kind)
	}
	return a.Declare(name, d)
}

// Define associates bytes with an already-declared, locally-definable name.
func (a *Artifact) Define(name string, bytes []byte) error {
	d, ok := a.decls[name]
	if !ok {
		return &UndeclaredSymbolError{Name: name}
	}
	if d.Kind().IsImport() {
		return fmt.Errorf("objcarve: Define: %q is an import and cannot be defined", name)
	}
	if _, defined := a.defs[name]; defined {
		return &RedefinitionError{Name: name}
	}
	owned := make([]byte, len(bytes))
	copy(owned, bytes)
	a.defs[name] = Definition{Name: name, Bytes: owned, Decl: d}
	trace("define %q: %d bytes", name, len(owned))
	return nil
}

// Link appends a link record using the default relocation flavor, resolved
// from the declared kinds of from and to at emit time. Performs no
// validation beyond requiring both names to be declared; range checking
// against from's byte length happens at write time.
func (a *Artifact) Link(from, to string, at uint64) error {
	return a.LinkWith(Link{From: from, To: to, At: at, Flavor: RelocDefault})
}

// LinkWith appends a link record with an explicit relocation flavor,
// overriding the default chosen from the declaration pair.
func (a *Artifact) LinkWith(l Link) error {
	if _, ok := a.decls[l.From]; !ok {
		return &UndeclaredSymbolError{Name: l.From}
	}
	if _, ok := a.decls[l.To]; !ok {
		return &UndeclaredSymbolError{Name: l.To}
	}
	a.links = append(a.links, l)
	trace("link %q -> %q @%d (%s)", l.From, l.To, l.At, l.Flavor)
	return nil
}

// OrderedDeclarations returns the declaration table in insertion order.
// Read-only; mutating the returned slice has no effect on the Artifact.
func (a *Artifact) OrderedDeclarations() []NamedDecl {
	out := make([]NamedDecl, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, NamedDecl{Name: name, Decl: a.decls[name]})
	}
	return out
}

// Decl looks up a single declaration by name.
func (a *Artifact) Decl(name string) (decl.Decl, bool) {
	d, ok := a.decls[name]
	return d, ok
}

// Definition looks up a single definition by name.
func (a *Artifact) Definition(name string) (Definition, bool) {
	d, ok := a.defs[name]
	return d, ok
}

// Definitions returns every Definition recorded so far, in declaration
// order. Read-only; mutating the returned slice has no effect on the
// Artifact.
func (a *Artifact) Definitions() []Definition {
	out := make([]Definition, 0, len(a.defs))
	for _, name := range a.order {
		if d, ok := a.defs[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// IsDefined reports whether name has an associated Definition.
func (a *Artifact) IsDefined(name string) bool {
	_, ok := a.defs[name]
	return ok
}

// Imports returns import names in declaration order.
func (a *Artifact) Imports() []string {
	out := make([]string, len(a.imports))
	copy(out, a.imports)
	return out
}

// Links returns the append-only link list in append order.
func (a *Artifact) Links() []Link {
	out := make([]Link, len(a.links))
	copy(out, a.links)
	return out
}

// validate checks the format-neutral invariants every back-end would
// otherwise have to duplicate: every link resolves, and every
// locally-definable declared name has a definition by write time.
// Range-checking a link's offset against its relocation's width is
// architecture- and flavor-specific, so back-ends perform that check
// themselves.
func (a *Artifact) validate() error {
	for _, name := range a.order {
		d := a.decls[name]
		if d.Kind().IsLocallyDefinable() {
			if _, ok := a.defs[name]; !ok {
				return &MissingDefinitionError{Name: name}
			}
		}
	}
	for _, l := range a.links {
		if _, ok := a.decls[l.From]; !ok {
			return &UndeclaredSymbolError{Name: l.From}
		}
		if _, ok := a.decls[l.To]; !ok {
			return &UndeclaredSymbolError{Name: l.To}
		}
	}
	return nil
}

// Write dispatches to the back-end registered for the Artifact's target
// format and returns the number of bytes written. It does not mutate the
// Artifact; two calls to Write against different sinks produce identical
// bytes.
func (a *Artifact) Write(sink io.Writer) (int64, error) {
	if err := a.validate(); err != nil {
		return 0, err
	}
	b, ok := backends[a.target.Format()]
	if !ok {
		return 0, &UnsupportedTargetError{Target: a.target}
	}
	trace("write: target=%s decls=%d defs=%d links=%d", a.target, len(a.decls), len(a.defs), len(a.links))
	n, err := b.Write(a, sink)
	if err != nil {
		return n, err
	}
	return n, nil
}
