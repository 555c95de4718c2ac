package opstream_test

import (
	"testing"

	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/regs"
)

func TestCompactRemovesNone(t *testing.T) {
	s := opstream.Stream{
		opstream.Push(regs.RAX),
		opstream.None(),
		opstream.Pop(regs.RBX),
		opstream.None(),
	}
	got := s.Compact()
	if len(got) != 2 {
		t.Fatalf("Compact: got %d ops, want 2: %v", len(got), got)
	}
	if got[0].Kind != opstream.KindPush || got[1].Kind != opstream.KindPop {
		t.Fatalf("Compact reordered or mistyped ops: %v", got)
	}
}

func TestOpConstructorsRoundtripFields(t *testing.T) {
	mov := opstream.Mov(regs.RAX, regs.RBX)
	if mov.Kind != opstream.KindMov || mov.Reg != regs.RAX || mov.Reg2 != regs.RBX {
		t.Fatalf("Mov: %+v", mov)
	}

	ps := opstream.PushStack(16, 8)
	if ps.Kind != opstream.KindPushStack || ps.Offset != 16 || ps.Size != 8 {
		t.Fatalf("PushStack: %+v", ps)
	}

	ret := opstream.Return(8)
	if ret.Kind != opstream.KindReturn || ret.Cleanup != 8 {
		t.Fatalf("Return: %+v", ret)
	}

	mp := opstream.MultiPush([]regs.Register{regs.RAX, regs.RBX})
	if mp.Kind != opstream.KindMultiPush || len(mp.Regs) != 2 {
		t.Fatalf("MultiPush: %+v", mp)
	}
}

func TestIsDeleted(t *testing.T) {
	if !opstream.None().IsDeleted() {
		t.Fatalf("None() must report IsDeleted")
	}
	if opstream.Push(regs.RAX).IsDeleted() {
		t.Fatalf("Push must not report IsDeleted")
	}
}

func TestKindString(t *testing.T) {
	if opstream.KindMov.String() != "Mov" {
		t.Fatalf("KindMov.String() = %q", opstream.KindMov.String())
	}
	if opstream.Kind(255).String() == "" {
		t.Fatalf("out-of-range Kind.String() must not be empty")
	}
}
