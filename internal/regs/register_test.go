package regs_test

import (
	"testing"

	"github.com/codeforge/rehook/internal/regs"
)

func TestSetWithoutUnion(t *testing.T) {
	all := regs.Set{regs.RAX, regs.RBX, regs.RCX, regs.RDX}
	saved := regs.Set{regs.RBX, regs.RDX}

	got := all.Without(saved)
	want := regs.Set{regs.RAX, regs.RCX}
	if len(got) != len(want) {
		t.Fatalf("Without: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Without[%d]: got %v, want %v", i, got[i], want[i])
		}
	}

	union := saved.Union(regs.Set{regs.RDX, regs.RSI})
	if !union.Contains(regs.RBX) || !union.Contains(regs.RDX) || !union.Contains(regs.RSI) {
		t.Fatalf("Union missing expected members: %v", union)
	}
	if len(union) != 3 {
		t.Fatalf("Union should dedupe RDX, got %d members: %v", len(union), union)
	}
}

func TestConventionCallerSaved(t *testing.T) {
	conv := regs.SystemVAMD64
	cs := conv.CallerSaved()

	for _, r := range conv.CalleeSaved {
		if cs.Contains(r) {
			t.Fatalf("CallerSaved must not contain callee-saved register %v", r)
		}
	}
	if !cs.Contains(regs.RAX) {
		t.Fatalf("RAX should be caller-saved under SystemVAMD64, got %v", cs)
	}
}

func TestAAPCS64AlwaysSavedLinkRegister(t *testing.T) {
	conv := regs.AAPCS64
	if !conv.AlwaysSaved.Contains(regs.X30) {
		t.Fatalf("AAPCS64 must always-save the link register X30")
	}
	// X30 is also nominally callee-saved by the ABI; CallerSaved must
	// exclude it via the always-saved union, not just callee-saved.
	if conv.CallerSaved().Contains(regs.X30) {
		t.Fatalf("X30 must not appear in CallerSaved")
	}
}

func TestByPresetAndDefault(t *testing.T) {
	if regs.ByPreset(regs.PresetSystemVAMD64).Name != "systemv-amd64" {
		t.Fatalf("ByPreset(SystemVAMD64) returned wrong convention")
	}
	d := regs.Default()
	if d.Name == "" {
		t.Fatalf("Default() returned an unnamed convention")
	}
}

func TestNativePointerWidth(t *testing.T) {
	p4 := regs.NativePointer(4)
	p8 := regs.NativePointer(8)
	if p4.Width != 4 || p4.Kind != regs.KindInt {
		t.Fatalf("NativePointer(4) = %+v", p4)
	}
	if p8.Width != 8 {
		t.Fatalf("NativePointer(8) = %+v", p8)
	}
}
