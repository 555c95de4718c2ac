package arm64_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/codeforge/rehook/internal/isa/arm64"
	"github.com/codeforge/rehook/internal/regs"
)

func word32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// A B whose target stays within direct range relocates to an adjusted B.
func TestRelocateB_WithinRange(t *testing.T) {
	code := word32(0x14000400) // b +0x1000
	out, kinds, err := arm64.Relocate(code, 8192, uint64(len(code)), 4096, nil)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	want := word32(0x14000800) // b +0x2000
	if !bytes.Equal(out, want) {
		t.Fatalf("Relocate = % x, want % x", out, want)
	}
	if len(kinds) != 1 || kinds[0] != arm64.RelocB {
		t.Fatalf("kinds = %v, want [RelocB]", kinds)
	}
}

// An in-range branch encodes a direct
// B; beyond +-128MiB with no scratch surfaces NoScratchRegisterError rather
// than silently emitting a worse branch.
func TestEncodeBranch_InRangeAndNeedsScratch(t *testing.T) {
	out, err := arm64.EncodeBranch(0, 4, false, nil)
	if err != nil {
		t.Fatalf("EncodeBranch: %v", err)
	}
	want := word32(0x14000001)
	if !bytes.Equal(out, want) {
		t.Fatalf("EncodeBranch(+4) = % x, want % x", out, want)
	}

	if _, err := arm64.EncodeBranch(0, 1<<28, false, nil); err == nil {
		t.Fatalf("EncodeBranch beyond +-128MiB with no scratch should fail")
	}

	scratch := regs.X17
	out, err = arm64.EncodeBranch(0, 1<<28, false, &scratch)
	if err != nil {
		t.Fatalf("EncodeBranch beyond +-128MiB with scratch supplied: %v", err)
	}
	if len(out) < 8 {
		t.Fatalf("expected an ADRP-based sequence, got % x", out)
	}
}

// Far out-of-range B/BL relocation (well beyond the +-4GiB ADRP-reachable
// window) must fall back to the absolute MOVZ/MOVK+BR tier.
func TestRelocateB_FarOutOfRange(t *testing.T) {
	code := word32(0x94000000) // bl +0
	scratch := regs.X17
	out, kinds, err := arm64.Relocate(code, 0, uint64(len(code)), 1<<34, &scratch)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != arm64.RelocMovImmediate {
		t.Fatalf("kinds = %v, want [RelocMovImmediate]", kinds)
	}
	if len(out) < 8 {
		t.Fatalf("expected at least a MOVZ+BR sequence, got % x", out)
	}
}

func TestRelocateCopiesNonPCRelative(t *testing.T) {
	// ADD x0, x1, #1 (not one of the PC-relative catalog members) must be
	// copied byte for byte.
	code := word32(0x91000420) // add x0, x1, #1
	out, kinds, err := arm64.Relocate(code, 1000, uint64(len(code)), 2000, nil)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if !bytes.Equal(out, code) {
		t.Fatalf("unrelated instruction must be copied unchanged: got % x, want % x", out, code)
	}
	if kinds[0] != arm64.RelocCopy {
		t.Fatalf("kinds[0] = %v, want RelocCopy", kinds[0])
	}
}

func TestRelocateBCondWithoutScratchFails(t *testing.T) {
	// b.eq a target nowhere near the instruction's new address, with no
	// scratch register supplied: must surface NoScratchRegisterError rather
	// than silently emitting a bad branch.
	code := word32(0x54000000) // b.eq +0
	_, _, err := arm64.Relocate(code, 0, uint64(len(code)), 1<<34, nil)
	if err == nil {
		t.Fatalf("expected NoScratchRegisterError, got nil")
	}
}
