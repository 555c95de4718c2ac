//go:build amd64

package installer_test

import (
	"testing"
	"unsafe"

	"github.com/codeforge/rehook/internal/installer"
	"github.com/codeforge/rehook/internal/platform"
	"github.com/codeforge/rehook/internal/regs"
)

// fakeFunction returns an executable page filled with single-byte NOPs,
// standing in for "a live function's machine code" without depending on any
// real Go symbol's layout.
func fakeFunction(t *testing.T) uintptr {
	t.Helper()
	mem, err := platform.MmapExecutable(4096)
	if err != nil {
		t.Fatalf("MmapExecutable: %v", err)
	}
	for i := range mem {
		mem[i] = 0x90
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

// End-to-end: installing an assembly hook over a NOP-sled "function" leaves
// the call transparent until Enable, and Enable/Disable toggle the live
// branch target without touching anything outside the stolen region.
func TestInstallAssembly_EnableDisableRoundtrip(t *testing.T) {
	hookAddr := fakeFunction(t)
	scratch := regs.RAX

	h, err := installer.InstallAssembly(installer.X64, hookAddr, []byte{0x90}, 0, installer.Replace, &scratch)
	if err != nil {
		t.Fatalf("InstallAssembly: %v", err)
	}
	if h.HookAddress() != hookAddr {
		t.Fatalf("HookAddress() = %#x, want %#x", h.HookAddress(), hookAddr)
	}
	if h.IsEnabled() {
		t.Fatalf("a freshly installed hook must start disabled")
	}

	after := platform.ReadAt(hookAddr, 1)[0]
	if after == 0x90 {
		t.Fatalf("installing a hook must overwrite the hook-site bytes with a branch")
	}

	if err := h.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !h.IsEnabled() {
		t.Fatalf("Enable must flip IsEnabled")
	}

	if err := h.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if h.IsEnabled() {
		t.Fatalf("Disable must flip IsEnabled back")
	}
}

// A stolen-instruction budget narrower than the actual relocation run must
// surface TooManyBytesError instead of silently truncating the steal.
func TestInstallAssembly_TooManyBytesError(t *testing.T) {
	hookAddr := fakeFunction(t)
	scratch := regs.RAX

	_, err := installer.InstallAssembly(installer.X64, hookAddr, []byte{0x90}, 1, installer.Replace, &scratch)
	if err == nil {
		t.Fatalf("expected TooManyBytesError for a 1-byte budget")
	}
	if _, ok := err.(*installer.TooManyBytesError); !ok {
		t.Fatalf("err = %T(%v), want *installer.TooManyBytesError", err, err)
	}
}

// InstallBridged's fast path: same calling convention on both sides emits a
// single redirect branch with no wrapper body.
func TestInstallBridged_SameConventionFastPath(t *testing.T) {
	hookAddr := fakeFunction(t)
	scratch := regs.RAX
	conv := regs.SystemVAMD64

	h, err := installer.InstallBridged(installer.X64, hookAddr, conv, conv, nil, uint64(hookAddr)+4096, nil, &scratch,
		0, 8, 8, true)
	if err != nil {
		t.Fatalf("InstallBridged: %v", err)
	}
	if h.IsEnabled() {
		t.Fatalf("a freshly installed hook must start disabled")
	}
	if err := h.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
}
