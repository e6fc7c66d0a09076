// Package strtab implements the NUL-terminated, offset-addressed string
// table shared by the ELF64 and Mach-O 64 back-ends. Every table begins
// with a single NUL byte at offset 0, and each unique string is interned
// exactly once.
package strtab

// Table accumulates strings and hands back stable byte offsets. The zero
// value is not usable; construct with New.
type Table struct {
	buf     []byte
	offsets map[string]uint32
}

// New returns an empty Table already primed with the leading NUL byte every
// ELF/Mach-O string table requires at offset 0.
func New() *Table {
	return &Table{
		buf:     []byte{0},
		offsets: make(map[string]uint32),
	}
}

// Intern records s if it hasn't been seen before and returns its offset
// into Bytes(). The empty string always maps to offset 0.
func (t *Table) Intern(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, []byte(s)...)
	t.buf = append(t.buf, 0)
	t.offsets[s] = off
	return off
}

// Bytes returns the accumulated table contents: a leading NUL, then each
// interned string NUL-terminated in first-interned order.
func (t *Table) Bytes() []byte {
	return t.buf
}

// Len returns len(Bytes()).
func (t *Table) Len() int {
	return len(t.buf)
}
