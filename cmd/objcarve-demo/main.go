// Command objcarve-demo exercises the objcarve library end to end: it
// builds the deadbeef/main example artifact from the README, emits it in
// either ELF64 or Mach-O 64 form, and writes the result to disk. It carries
// no logic the library itself needs — it exists only as a runnable
// consumer.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/objcarve/artifact"
	_ "github.com/xyproto/objcarve/backend/elfobj"
	_ "github.com/xyproto/objcarve/backend/machobj"
	"github.com/xyproto/objcarve/decl"
	"github.com/xyproto/objcarve/target"
)

func main() {
	var (
		targetFlag = flag.String("target", "amd64-elf", "target triple (arch-format, e.g. amd64-elf, arm64-macho)")
		outputFlag = flag.String("o", "a.out.o", "output object file path")
		verbose    = flag.Bool("v", false, "verbose mode (trace artifact construction)")
		check      = flag.Bool("check", false, "write the artifact twice and verify byte-for-byte determinism")
	)
	flag.Parse()

	if err := run(*targetFlag, *outputFlag, *verbose, *check); err != nil {
		fmt.Fprintln(os.Stderr, "objcarve-demo:", err)
		os.Exit(1)
	}
}

func run(targetTriple, outputPath string, verbose, check bool) error {
	artifact.Verbose = verbose

	tgt, err := parseTriple(targetTriple)
	if err != nil {
		return err
	}

	a, err := buildExample(tgt)
	if err != nil {
		return fmt.Errorf("building example artifact: %w", err)
	}

	if check {
		same, err := writeMultiEqual(a)
		if err != nil {
			return fmt.Errorf("determinism check: %w", err)
		}
		if !same {
			return fmt.Errorf("determinism check failed: two writes of the same artifact produced different bytes")
		}
		fmt.Println("determinism check passed")
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := a.Write(f)
	if err != nil {
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}
	fmt.Printf("wrote %s (%d bytes, %s)\n", outputPath, n, tgt)
	return nil
}

// parseTriple splits "arch-format" (e.g. "amd64-elf", "arm64-macho") into a
// target.Target.
func parseTriple(triple string) (target.Target, error) {
	for i := len(triple) - 1; i > 0; i-- {
		if triple[i] == '-' {
			archPart, formatPart := triple[:i], triple[i+1:]
			arch, err := target.ParseArch(archPart)
			if err != nil {
				continue
			}
			format, err := target.ParseFormat(formatPart)
			if err != nil {
				continue
			}
			return target.New(arch, format), nil
		}
	}
	return target.Target{}, fmt.Errorf("invalid target triple %q (want arch-format, e.g. amd64-elf)", triple)
}

// buildExample constructs the README's deadbeef/main/str.1 artifact: a
// local function that loads an imported global through the GOT and passes
// it to an imported printf, called from a global main.
func buildExample(tgt target.Target) (*artifact.Artifact, error) {
	a := artifact.New(tgt, "a.out")

	decls := []struct {
		name string
		d    decl.Decl
	}{
		{"deadbeef", decl.NewFunction()},
		{"main", decl.NewFunction().Global()},
		{"str.1", decl.NewCString()},
	}
	for _, e := range decls {
		if err := a.Declare(e.name, e.d); err != nil {
			return nil, err
		}
	}
	if err := a.Import("DEADBEEF", decl.DataImport); err != nil {
		return nil, err
	}
	if err := a.Import("printf", decl.FunctionImport); err != nil {
		return nil, err
	}

	if err := a.Define("deadbeef", make([]byte, 14)); err != nil {
		return nil, err
	}
	if err := a.Define("main", make([]byte, 34)); err != nil {
		return nil, err
	}
	if err := a.Define("str.1", []byte("deadbeef: %x\n\x00")); err != nil {
		return nil, err
	}

	links := []artifact.Link{
		{From: "main", To: "str.1", At: 19, Flavor: artifact.RelocPCRelativeData},
		{From: "main", To: "printf", At: 29, Flavor: artifact.RelocPLTCall},
		{From: "main", To: "deadbeef", At: 10, Flavor: artifact.RelocPCRelativeBranch},
		{From: "deadbeef", To: "DEADBEEF", At: 7, Flavor: artifact.RelocGOTLoad},
	}
	for _, l := range links {
		if err := a.LinkWith(l); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// writeMultiEqual writes a to two independent buffers and reports whether
// the results are byte-identical, operationalizing the write-determinism
// invariant as a runnable check.
func writeMultiEqual(a *artifact.Artifact) (bool, error) {
	var buf1, buf2 bytes.Buffer
	if _, err := a.Write(&buf1); err != nil {
		return false, err
	}
	if _, err := a.Write(&buf2); err != nil {
		return false, err
	}
	return bytes.Equal(buf1.Bytes(), buf2.Bytes()), nil
}
