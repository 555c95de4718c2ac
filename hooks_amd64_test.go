//go:build amd64

package rehook_test

import (
	"testing"
	"unsafe"

	"github.com/codeforge/rehook"
	"github.com/codeforge/rehook/internal/platform"
	"github.com/codeforge/rehook/internal/regs"
)

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

func TestInstallAssemblyHook_Roundtrip(t *testing.T) {
	scratch := regs.RAX
	hookAddr := fakeFunction(t)

	h, err := rehook.InstallAssemblyHook(rehook.ArchX64, hookAddr, []byte{0x90}, 0, rehook.Replace, &scratch)
	if err != nil {
		t.Fatalf("InstallAssemblyHook: %v", err)
	}
	if h.HookAddress() != hookAddr {
		t.Fatalf("HookAddress() = %#x, want %#x", h.HookAddress(), hookAddr)
	}
	if h.IsEnabled() {
		t.Fatalf("a freshly installed hook must start disabled")
	}
	if err := h.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !h.IsEnabled() {
		t.Fatalf("Enable must flip IsEnabled")
	}
}

func TestInstallAssemblyHook_TooManyBytes(t *testing.T) {
	scratch := regs.RAX
	hookAddr := fakeFunction(t)

	_, err := rehook.InstallAssemblyHook(rehook.ArchX64, hookAddr, []byte{0x90}, 1, rehook.Replace, &scratch)
	if err == nil {
		t.Fatalf("expected TooManyBytesError")
	}
	if _, ok := err.(*rehook.TooManyBytesError); !ok {
		t.Fatalf("err = %T, want *rehook.TooManyBytesError", err)
	}
}

func TestInstallBranchHook_SameConventionFastPath(t *testing.T) {
	scratch := regs.RAX
	hookAddr := fakeFunction(t)

	h, err := rehook.InstallBranchHook(rehook.ArchX64, hookAddr, hookAddr+4096, &scratch)
	if err != nil {
		t.Fatalf("InstallBranchHook: %v", err)
	}
	if h.IsEnabled() {
		t.Fatalf("a freshly installed hook must start disabled")
	}
}

func TestInstallFunctionHook_BridgesConventions(t *testing.T) {
	scratch := regs.RAX
	hookAddr := fakeFunction(t)

	h, err := rehook.InstallFunctionHook(rehook.ArchX64, hookAddr, hookAddr+4096,
		rehook.ConventionByPreset(rehook.SystemVAMD64), rehook.ConventionByPreset(rehook.MicrosoftX64),
		[]rehook.ParamType{rehook.I64, rehook.I64}, nil, &scratch)
	if err != nil {
		t.Fatalf("InstallFunctionHook: %v", err)
	}
	if h.IsEnabled() {
		t.Fatalf("a freshly installed hook must start disabled")
	}
	if err := h.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := h.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
}
