package artifact

import (
	"errors"
	"testing"

	"github.com/xyproto/objcarve/decl"
	"github.com/xyproto/objcarve/target"
)

func newTestArtifact() *Artifact {
	return New(target.New(target.ArchX86_64, target.FormatELF), "a.out")
}

func TestDeclareThenDefine(t *testing.T) {
	a := newTestArtifact()
	if err := a.Declare("f", decl.NewFunction()); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := a.Define("f", []byte{0x90}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	def, ok := a.Definition("f")
	if !ok || len(def.Bytes) != 1 {
		t.Fatalf("Definition(%q) = %+v, %v", "f", def, ok)
	}
}

func TestDefineUndeclaredFails(t *testing.T) {
	a := newTestArtifact()
	err := a.Define("ghost", []byte{0})
	var undeclared *UndeclaredSymbolError
	if !errors.As(err, &undeclared) {
		t.Fatalf("Define undeclared: err = %v, want UndeclaredSymbolError", err)
	}
}

func TestDefineImportFails(t *testing.T) {
	a := newTestArtifact()
	if err := a.Import("printf", decl.FunctionImport); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := a.Define("printf", []byte{0}); err == nil {
		t.Fatal("Define on an import should fail")
	}
}

func TestRedefinitionFails(t *testing.T) {
	a := newTestArtifact()
	if err := a.Declare("f", decl.NewFunction()); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := a.Define("f", []byte{0x90}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	err := a.Define("f", []byte{0x90})
	var redef *RedefinitionError
	if !errors.As(err, &redef) {
		t.Fatalf("second Define: err = %v, want RedefinitionError", err)
	}
}

func TestIdempotentIdenticalDeclare(t *testing.T) {
	a := newTestArtifact()
	d := decl.NewFunction().Global()
	if err := a.Declare("f", d); err != nil {
		t.Fatalf("Declare 1: %v", err)
	}
	if err := a.Declare("f", d); err != nil {
		t.Fatalf("Declare 2 (identical): %v", err)
	}
	if len(a.order) != 1 {
		t.Errorf("declaration order has %d entries after identical redeclare, want 1", len(a.order))
	}
}

func TestDeclareOrderPreservedAcrossMerge(t *testing.T) {
	a := newTestArtifact()
	must(t, a.Declare("z", decl.NewFunction()))
	must(t, a.Declare("a", decl.NewFunction()))
	must(t, a.Declare("z", decl.NewFunction().Global())) // merge, should not move "z"

	got := a.OrderedDeclarations()
	if len(got) != 2 || got[0].Name != "z" || got[1].Name != "a" {
		t.Errorf("OrderedDeclarations() = %v, want [z a]", got)
	}
}

func TestDefinitionsReturnsAllInDeclarationOrder(t *testing.T) {
	a := newTestArtifact()
	must(t, a.Declare("z", decl.NewFunction()))
	must(t, a.Declare("a", decl.NewFunction()))
	must(t, a.Import("ghost", decl.FunctionImport)) // never defined, must be excluded
	must(t, a.Define("z", []byte{0x90}))
	must(t, a.Define("a", []byte{0xC3}))

	defs := a.Definitions()
	if len(defs) != 2 || defs[0].Name != "z" || defs[1].Name != "a" {
		t.Errorf("Definitions() = %v, want [z a]", defs)
	}
}

func TestLinkRequiresDeclaredNames(t *testing.T) {
	a := newTestArtifact()
	must(t, a.Declare("f", decl.NewFunction()))
	err := a.Link("f", "ghost", 0)
	var undeclared *UndeclaredSymbolError
	if !errors.As(err, &undeclared) {
		t.Fatalf("Link to undeclared: err = %v, want UndeclaredSymbolError", err)
	}
}

func TestWriteUnsupportedTargetWithNoBackendRegistered(t *testing.T) {
	a := New(target.New(target.ArchX86_64, target.FormatPE), "a.out")
	must(t, a.Declare("f", decl.NewFunction()))
	must(t, a.Define("f", []byte{0x90}))
	_, err := a.Write(new(discardWriter))
	var unsupported *UnsupportedTargetError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Write with no PE backend registered: err = %v, want UnsupportedTargetError", err)
	}
}

func TestWriteMissingDefinition(t *testing.T) {
	a := newTestArtifact()
	must(t, a.Declare("f", decl.NewFunction()))
	_, err := a.Write(new(discardWriter))
	var missing *MissingDefinitionError
	if !errors.As(err, &missing) {
		t.Fatalf("Write with missing definition: err = %v, want MissingDefinitionError", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
