package arm64_test

import (
	"testing"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/isa/arm64"
)

func TestDisassembleLengthRoundsUpToWords(t *testing.T) {
	for _, tc := range []struct {
		min, wantLen, wantCount int
	}{
		{1, 4, 1},
		{4, 4, 1},
		{5, 8, 2},
		{12, 12, 3},
	} {
		gotLen, gotCount := arm64.DisassembleLength(0, tc.min)
		if gotLen != tc.wantLen || gotCount != tc.wantCount {
			t.Fatalf("DisassembleLength(min=%d) = (%d, %d), want (%d, %d)",
				tc.min, gotLen, gotCount, tc.wantLen, tc.wantCount)
		}
	}
}

func TestClassifyControlFlowKinds(t *testing.T) {
	for _, tc := range []struct {
		name string
		word uint32
		want isa.ControlFlowKind
	}{
		{"b", 0x14000001, isa.CFUnconditionalBranch},
		{"bl", 0x94000001, isa.CFCall},
		{"b.eq", 0x54000040, isa.CFConditionalBranch},
		{"cbz x0", 0xB4000040, isa.CFConditionalBranch},
		{"tbz x0 bit0", 0x36000040, isa.CFConditionalBranch},
		{"add x0,x1,#1", 0x91000420, isa.CFNext},
	} {
		c, err := arm64.Classify(word32(tc.word))
		if err != nil {
			t.Fatalf("%s: Classify: %v", tc.name, err)
		}
		if c.Kind != tc.want {
			t.Fatalf("%s: Kind = %v, want %v", tc.name, c.Kind, tc.want)
		}
		if c.Length != 4 || len(c.Bytes) != 4 {
			t.Fatalf("%s: Length/Bytes = %d/%d, want 4/4", tc.name, c.Length, len(c.Bytes))
		}
	}
}

func TestDecodeBCondExtractsConditionAndOffset(t *testing.T) {
	// b.ne +0x40 (imm19 = 0x10, cond = 1)
	d, err := arm64.Decode(word32(0x54000201))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d.Kind != arm64.DecodedBCond {
		t.Fatalf("Kind = %v, want DecodedBCond", d.Kind)
	}
	if d.Cond != arm64.CondNE {
		t.Fatalf("Cond = %v, want CondNE", d.Cond)
	}
	if d.Offset != 0x40 {
		t.Fatalf("Offset = %#x, want 0x40", d.Offset)
	}
}

func TestDecodeRejectsShortInput(t *testing.T) {
	if _, err := arm64.Decode([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("Decode of a truncated word must fail")
	}
}
