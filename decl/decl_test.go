package decl

import (
	"errors"
	"testing"
)

func TestMergeIdentical(t *testing.T) {
	d := NewFunction().Global()
	merged, err := Merge(d, d)
	if err != nil {
		t.Fatalf("Merge identical: %v", err)
	}
	if !merged.Equal(d) {
		t.Errorf("Merge identical = %+v, want %+v", merged, d)
	}
}

func TestMergeLocalToGlobalUpgrade(t *testing.T) {
	oldD := NewFunction()
	newD := NewFunction().Global()
	merged, err := Merge(oldD, newD)
	if err != nil {
		t.Fatalf("Merge local->global: %v", err)
	}
	if !merged.IsGlobal() {
		t.Error("Merge local->global did not adopt global visibility")
	}
}

func TestMergeImportToFunctionUpgrade(t *testing.T) {
	oldD := NewFunctionImport()
	newD := NewFunction().Global()
	merged, err := Merge(oldD, newD)
	if err != nil {
		t.Fatalf("Merge import->function: %v", err)
	}
	if merged.Kind() != Function {
		t.Errorf("Merge import->function kind = %v, want Function", merged.Kind())
	}
	if !merged.IsGlobal() {
		t.Error("Merge import->function lost global visibility")
	}
}

func TestMergeDataImportToCString(t *testing.T) {
	merged, err := Merge(NewDataImport(), NewCString())
	if err != nil {
		t.Fatalf("Merge DataImport->CString: %v", err)
	}
	if merged.Kind() != CString {
		t.Errorf("kind = %v, want CString", merged.Kind())
	}
}

func TestMergeWeakStrongAdoptsStrong(t *testing.T) {
	merged, err := Merge(NewData().Weak(), NewData())
	if err != nil {
		t.Fatalf("Merge weak/strong: %v", err)
	}
	if merged.IsWeak() {
		t.Error("Merge weak/strong kept weak, want strong to win")
	}
}

func TestMergeKindCategoryChangeRejected(t *testing.T) {
	_, err := Merge(NewFunction(), NewData())
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Merge Function/Data: err = %v, want ErrIncompatible", err)
	}
}

func TestMergeAlignmentConflictRejected(t *testing.T) {
	_, err := Merge(NewData().AlignedTo(8), NewData().AlignedTo(16))
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Merge conflicting alignment: err = %v, want ErrIncompatible", err)
	}
}

func TestMergeWritabilityConflictRejected(t *testing.T) {
	_, err := Merge(NewData().Writable(), NewData())
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Merge conflicting writability: err = %v, want ErrIncompatible", err)
	}
}

func TestMergeFunctionImportToDataRejected(t *testing.T) {
	_, err := Merge(NewFunctionImport(), NewData())
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Merge FunctionImport->Data: err = %v, want ErrIncompatible", err)
	}
}

func TestKindQueries(t *testing.T) {
	if !Function.IsFunctionLike() || !FunctionImport.IsFunctionLike() {
		t.Error("IsFunctionLike false for Function/FunctionImport")
	}
	if !Data.IsDataLike() || !CString.IsDataLike() || !DataImport.IsDataLike() {
		t.Error("IsDataLike false for Data/CString/DataImport")
	}
	if !FunctionImport.IsImport() || !DataImport.IsImport() {
		t.Error("IsImport false for an import kind")
	}
	if Function.IsImport() {
		t.Error("IsImport true for Function")
	}
	if Function.IsLocallyDefinable() == false {
		t.Error("Function should be locally definable")
	}
	if FunctionImport.IsLocallyDefinable() {
		t.Error("FunctionImport should not be locally definable")
	}
}
