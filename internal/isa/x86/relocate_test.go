package x86_test

import (
	"bytes"
	"testing"

	"github.com/codeforge/rehook/internal/isa/x86"
	"github.com/codeforge/rehook/internal/regs"
)

// A short jmp whose target no longer fits in a
// rel8 field after relocation widens to a rel32 jmp.
func TestRelocate_ShortJmpWidensToRel32(t *testing.T) {
	code := []byte{0xEB, 0x02} // jmp +2
	out, kinds, err := x86.Relocate(code, 4096, uint64(len(code)), 0, nil, false)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	want := []byte{0xE9, 0xFF, 0x0F, 0x00, 0x00}
	if !bytes.Equal(out, want) {
		t.Fatalf("Relocate = % x, want % x", out, want)
	}
	if len(kinds) != 1 || kinds[0] != x86.RelocJmpRel32 {
		t.Fatalf("kinds = %v, want [RelocJmpRel32]", kinds)
	}
}

// An x64 jmp whose relocated target exceeds the
// rel32 encoding's +-2GiB reach falls back to an absolute mov+jmp via a
// caller-supplied scratch register.
func TestRelocate_X64JmpBeyond2GiBUsesAbsolute(t *testing.T) {
	code := []byte{0xEB, 0x02} // jmp +2
	scratch := regs.RAX
	out, kinds, err := x86.Relocate(code, 0x80000000, uint64(len(code)), 0, &scratch, true)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	want := []byte{0x48, 0xB8, 0x04, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xE0}
	if !bytes.Equal(out, want) {
		t.Fatalf("Relocate = % x, want % x", out, want)
	}
	if len(kinds) != 1 || kinds[0] != x86.RelocToAbsoluteJmp {
		t.Fatalf("kinds = %v, want [RelocToAbsoluteJmp]", kinds)
	}
}

// Without a scratch register, the same far x64 jmp must surface
// NoScratchRegisterError rather than silently truncate the displacement.
func TestRelocate_X64JmpBeyond2GiBWithoutScratchFails(t *testing.T) {
	code := []byte{0xEB, 0x02}
	_, _, err := x86.Relocate(code, 0x80000000, uint64(len(code)), 0, nil, true)
	if err == nil {
		t.Fatalf("expected NoScratchRegisterError, got nil")
	}
}

// A near jmp that still fits in rel32 after relocation keeps the same
// RelocJmpRel32 path regardless of architecture width.
func TestRelocate_NearJmpStaysRel32(t *testing.T) {
	code := []byte{0xE9, 0x10, 0x00, 0x00, 0x00} // jmp +16 (rel32)
	out, kinds, err := x86.Relocate(code, 0, uint64(len(code)), 100, nil, true)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if len(out) != 5 || out[0] != 0xE9 {
		t.Fatalf("Relocate = % x, want a 5-byte rel32 jmp", out)
	}
	if len(kinds) != 1 || kinds[0] != x86.RelocJmpRel32 {
		t.Fatalf("kinds = %v, want [RelocJmpRel32]", kinds)
	}
}
