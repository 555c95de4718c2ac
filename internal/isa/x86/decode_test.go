package x86_test

import (
	"testing"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/isa/x86"
)

func TestDisassembleLengthStopsAtWholeInstructions(t *testing.T) {
	// push rbp; mov rbp,rsp; nop; ret
	code := []byte{0x55, 0x48, 0x89, 0xE5, 0x90, 0xC3}
	gotLen, gotCount, err := x86.DisassembleLength(code, true, 5)
	if err != nil {
		t.Fatalf("DisassembleLength: %v", err)
	}
	if gotLen != 5 || gotCount != 3 {
		t.Fatalf("DisassembleLength = (%d, %d), want (5, 3)", gotLen, gotCount)
	}
}

func TestDisassembleLengthFailsPastBuffer(t *testing.T) {
	if _, _, err := x86.DisassembleLength([]byte{0x55}, true, 5); err == nil {
		t.Fatalf("expected a disassembly failure when the window is too short")
	}
}

func TestClassifyControlFlowKinds(t *testing.T) {
	for _, tc := range []struct {
		name string
		code []byte
		want isa.ControlFlowKind
	}{
		{"jmp rel8", []byte{0xEB, 0x02}, isa.CFUnconditionalBranch},
		{"jmp rel32", []byte{0xE9, 0x00, 0x01, 0x00, 0x00}, isa.CFUnconditionalBranch},
		{"call rel32", []byte{0xE8, 0x00, 0x01, 0x00, 0x00}, isa.CFCall},
		{"jnz rel8", []byte{0x75, 0x02}, isa.CFConditionalBranch},
		{"loop", []byte{0xE2, 0xFE}, isa.CFConditionalBranch},
		{"jcxz", []byte{0xE3, 0x02}, isa.CFConditionalBranch},
		{"push rax", []byte{0x50}, isa.CFNext},
	} {
		c, err := x86.Classify(tc.code, true)
		if err != nil {
			t.Fatalf("%s: Classify: %v", tc.name, err)
		}
		if c.Kind != tc.want {
			t.Fatalf("%s: Kind = %v, want %v", tc.name, c.Kind, tc.want)
		}
		if c.Length != len(tc.code) {
			t.Fatalf("%s: Length = %d, want %d", tc.name, c.Length, len(tc.code))
		}
	}
}

func TestDecodeRipRelativeOperand(t *testing.T) {
	// mov rax, [rip+0x10]: 48 8B 05 10 00 00 00
	code := []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}
	d, err := x86.DecodeAt(code, true)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if !d.RipRelative {
		t.Fatalf("mov rax,[rip+disp32] must be flagged RIP-relative")
	}
	if d.Length != 7 {
		t.Fatalf("Length = %d, want 7", d.Length)
	}
	if d.Disp != 0x10 {
		t.Fatalf("Disp = %#x, want 0x10", d.Disp)
	}
	if d.RipDispOffset != 3 {
		t.Fatalf("RipDispOffset = %d, want 3", d.RipDispOffset)
	}
}

func TestDecodeMovImm64UsesRexWidth(t *testing.T) {
	// mov rax, imm64: 48 B8 + 8 bytes
	code := []byte{0x48, 0xB8, 1, 2, 3, 4, 5, 6, 7, 8}
	d, err := x86.DecodeAt(code, true)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if d.Length != 10 {
		t.Fatalf("Length = %d, want 10", d.Length)
	}
}
