package optimize_test

import (
	"testing"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/optimize"
	"github.com/codeforge/rehook/internal/regs"
)

// Pass (a): an adjacent Push/Pop pair of matching register class collapses
// into a single Mov.
func TestRun_EliminatesPushPopPair(t *testing.T) {
	s := opstream.Stream{
		opstream.Push(regs.RAX),
		opstream.Pop(regs.RBX),
	}
	out := optimize.Run(s, optimize.Options{})
	if len(out) != 1 || out[0].Kind != opstream.KindMov || out[0].Reg != regs.RAX || out[0].Reg2 != regs.RBX {
		t.Fatalf("Run = %v, want [Mov(RAX,RBX)]", out)
	}
}

// Pass (b): a 2-cycle Mov(a,b); Mov(b,a) breaks via XChg when the
// architecture has a native exchange instruction.
func TestRun_BreaksTwoCycleWithXChg(t *testing.T) {
	s := opstream.Stream{
		opstream.Mov(regs.RAX, regs.RBX),
		opstream.Mov(regs.RBX, regs.RAX),
	}
	out := optimize.Run(s, optimize.Options{HasNativeExchange: true})
	if len(out) != 1 || out[0].Kind != opstream.KindXChg {
		t.Fatalf("Run = %v, want a single XChg", out)
	}
}

// Without native exchange and no scratch register, the same 2-cycle must
// break via a push/pop pair instead of being silently dropped or miscompiled.
func TestRun_BreaksTwoCycleWithPushPopFallback(t *testing.T) {
	s := opstream.Stream{
		opstream.Mov(regs.RAX, regs.RBX),
		opstream.Mov(regs.RBX, regs.RAX),
	}
	out := optimize.Run(s, optimize.Options{HasNativeExchange: false})
	if len(out) != 3 {
		t.Fatalf("Run = %v, want a 3-op push/mov/pop fallback", out)
	}
	if out[0].Kind != opstream.KindPush || out[2].Kind != opstream.KindPop {
		t.Fatalf("Run = %v, want Push ... Pop", out)
	}
}

// Pass (c): pushing an oversized (vector) register on an architecture
// without a native vector push decomposes into a store plus stack bump.
func TestRun_DecomposesOversizedPush(t *testing.T) {
	s := opstream.Stream{opstream.Push(regs.YMM0)}
	out := optimize.Run(s, optimize.Options{})
	if len(out) != 2 || out[0].Kind != opstream.KindMovToStack || out[1].Kind != opstream.KindStackAlloc {
		t.Fatalf("Run = %v, want [MovToStack, StackAlloc]", out)
	}
}

// Pass (d): consecutive pushes fuse into a MultiPush only when the target
// declares CanMultiPush.
func TestRun_FusesPushesOnlyWithCapability(t *testing.T) {
	s := opstream.Stream{opstream.Push(regs.RAX), opstream.Push(regs.RBX)}

	without := optimize.Run(s, optimize.Options{})
	if len(without) != 2 {
		t.Fatalf("without CanMultiPush, Run = %v, want 2 separate pushes", without)
	}

	with := optimize.Run(s, optimize.Options{Capabilities: isa.CanMultiPush})
	if len(with) != 1 || with[0].Kind != opstream.KindMultiPush || len(with[0].Regs) != 2 {
		t.Fatalf("with CanMultiPush, Run = %v, want one MultiPush of 2 regs", with)
	}
}

// Pass (e): a trailing StackAlloc(-n); Return(0) fuses into Return(n) only
// when the architecture can encode an immediate return cleanup.
func TestRun_FusesReturnCleanup(t *testing.T) {
	s := opstream.Stream{opstream.StackAlloc(-8), opstream.Return(0)}

	without := optimize.Run(s, optimize.Options{})
	if len(without) != 2 {
		t.Fatalf("without CanEncodeReturnImmediate, Run = %v, want unfused", without)
	}

	with := optimize.Run(s, optimize.Options{Capabilities: isa.CanEncodeReturnImmediate})
	if len(with) != 1 || with[0].Kind != opstream.KindReturn || with[0].Cleanup != 8 {
		t.Fatalf("with CanEncodeReturnImmediate, Run = %v, want [Return(8)]", with)
	}
}
