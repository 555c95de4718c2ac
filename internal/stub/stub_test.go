package stub_test

import (
	"bytes"
	"testing"

	"github.com/codeforge/rehook/internal/platform"
	"github.com/codeforge/rehook/internal/stub"
)

func noopJump(addr, target uintptr) ([]byte, error) {
	return []byte{0xEB, 0x00}, nil
}

// Bodies small enough to fit one atomic word use the swap-only layout: both
// bodies live at the same address and Toggle rewrites it in place.
func TestBuild_SwapOnlySmallBodies(t *testing.T) {
	f := platform.NewBufferFactory()
	enabled := []byte{0xCC}
	disabled := []byte{0x90}

	st, err := stub.Build(f, 0, ^uintptr(0), enabled, disabled, false, noopJump)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if st.IsEnabled() {
		t.Fatalf("a freshly built stub must start disabled")
	}
	if got := platform.ReadAt(st.Entry, 1); got[0] != disabled[0] {
		t.Fatalf("entry = %#x, want disabled body %#x", got[0], disabled[0])
	}

	if err := st.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !st.IsEnabled() {
		t.Fatalf("Toggle must flip IsEnabled")
	}
	if got := platform.ReadAt(st.Entry, 1); got[0] != enabled[0] {
		t.Fatalf("entry after enable = %#x, want %#x", got[0], enabled[0])
	}

	if err := st.Toggle(); err != nil {
		t.Fatalf("Toggle (disable): %v", err)
	}
	if got := platform.ReadAt(st.Entry, 1); got[0] != disabled[0] {
		t.Fatalf("entry after disable = %#x, want %#x", got[0], disabled[0])
	}
}

// Bodies too large for a single atomic word fall back to the three-region
// layout: toggling must leave the entry region reading as the new body in
// full, not a redirect jump plus stale tail.
func TestBuild_ThreeRegionLargeBodies(t *testing.T) {
	f := platform.NewBufferFactory()
	enabled := bytes.Repeat([]byte{0xCC}, 24)
	disabled := bytes.Repeat([]byte{0x90}, 24)

	st, err := stub.Build(f, 0, ^uintptr(0), enabled, disabled, false, noopJump)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := st.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !st.IsEnabled() {
		t.Fatalf("Toggle must flip IsEnabled")
	}
	got := platform.ReadAt(st.Entry, len(enabled))
	if !bytes.Equal(got, enabled) {
		t.Fatalf("entry after enable = % x, want % x", got, enabled)
	}

	if err := st.Toggle(); err != nil {
		t.Fatalf("Toggle (disable): %v", err)
	}
	got = platform.ReadAt(st.Entry, len(disabled))
	if !bytes.Equal(got, disabled) {
		t.Fatalf("entry after disable = % x, want % x", got, disabled)
	}
}

// FromBuffer must pick the same layout rule as Build given an
// already-acquired buffer.
func TestFromBuffer_ChoosesSwapOnlyWhenAligned(t *testing.T) {
	f := platform.NewBufferFactory()
	buf, err := f.GetAnyBuffer(64, 8)
	if err != nil {
		t.Fatalf("GetAnyBuffer: %v", err)
	}
	st, err := stub.FromBuffer(buf, []byte{0xCC}, []byte{0x90}, false, noopJump)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}
	if st.IsEnabled() {
		t.Fatalf("a freshly built stub must start disabled")
	}
}
