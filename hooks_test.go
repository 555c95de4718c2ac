package rehook_test

import (
	"testing"

	"github.com/codeforge/rehook"
)

func TestConventionByPreset(t *testing.T) {
	conv := rehook.ConventionByPreset(rehook.SystemVAMD64)
	if conv.Name != "systemv-amd64" {
		t.Fatalf("ConventionByPreset(SystemVAMD64).Name = %q", conv.Name)
	}
}

func TestDefaultConventionMatchesDefaultArch(t *testing.T) {
	arch := rehook.Default()
	conv := rehook.DefaultConvention()
	switch arch {
	case rehook.ArchARM64:
		if conv.Name != "aapcs64" && conv.Name != "microsoft-arm64" {
			t.Fatalf("ARM64 default convention = %q", conv.Name)
		}
	case rehook.ArchX64:
		if conv.Name != "systemv-amd64" && conv.Name != "microsoft-x64" {
			t.Fatalf("X64 default convention = %q", conv.Name)
		}
	case rehook.ArchX86:
		if conv.Name != "cdecl" {
			t.Fatalf("X86 default convention = %q", conv.Name)
		}
	}
}

func TestPointerWidth(t *testing.T) {
	p4 := rehook.Pointer(4)
	p8 := rehook.Pointer(8)
	if p4.Width != 4 || p8.Width != 8 {
		t.Fatalf("Pointer widths = %d, %d", p4.Width, p8.Width)
	}
}
