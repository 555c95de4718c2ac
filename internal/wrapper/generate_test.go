package wrapper_test

import (
	"testing"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/regs"
	"github.com/codeforge/rehook/internal/wrapper"
)

func countKind(s opstream.Stream, k opstream.Kind) int {
	n := 0
	for _, op := range s {
		if op.Kind == k {
			n++
		}
	}
	return n
}

// When caller and callee share a
// convention entirely in registers, the generated stream still pushes each
// argument into place and pops it back out for the call, but needs no
// callee-saved preservation beyond what the convention already demands.
func TestGenerate_SameConventionSystemV(t *testing.T) {
	conv := regs.SystemVAMD64
	s, err := wrapper.Generate(conv, conv, []regs.ParamType{regs.I64, regs.I64}, 0x1000, wrapper.Options{
		Capabilities:         isa.CanRelativeJumpToAnyAddress,
		StandardRegisterSize: 8,
		StackEntryAlignment:  8,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if countKind(s, opstream.KindPush) != 2 {
		t.Fatalf("expected 2 pushes (one per register param), got %d: %v", countKind(s, opstream.KindPush), s)
	}
	if countKind(s, opstream.KindPop) != 2 {
		t.Fatalf("expected 2 pops, got %d: %v", countKind(s, opstream.KindPop), s)
	}
	if countKind(s, opstream.KindCallRel) != 1 {
		t.Fatalf("expected exactly one CallRel, got %d: %v", countKind(s, opstream.KindCallRel), s)
	}
	last := s[len(s)-1]
	if last.Kind != opstream.KindReturn || last.Cleanup != 0 {
		t.Fatalf("last op = %+v, want Return{Cleanup:0} since SystemVAMD64 is caller-cleanup", last)
	}
}

// Stdcall's callee-cleanup convention must fold each stack parameter's width
// into the trailing Return's cleanup count.
func TestGenerate_StdcallCalleeCleansUpStack(t *testing.T) {
	conv := regs.Stdcall
	s, err := wrapper.Generate(conv, conv, []regs.ParamType{regs.I32, regs.I32}, 0x2000, wrapper.Options{
		Capabilities:         isa.CanRelativeJumpToAnyAddress,
		StandardRegisterSize: 4,
		StackEntryAlignment:  4,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	last := s[len(s)-1]
	if last.Kind != opstream.KindReturn || last.Cleanup != 8 {
		t.Fatalf("last op = %+v, want Return{Cleanup:8} (2 x 4-byte stack params)", last)
	}
}

// Bridging a thiscall caller onto a cdecl callee with two int params: the
// wrapper re-pushes the stack-resident right param, pushes the ecx-held
// left param, calls, removes the callee's 8-byte argument area itself
// (cdecl leaves that to its caller), and returns popping the 4 stack bytes
// the thiscall caller expects its callee to clean.
func TestGenerate_ThiscallToCdecl(t *testing.T) {
	s, err := wrapper.Generate(regs.Thiscall, regs.Cdecl, []regs.ParamType{regs.I32, regs.I32}, 0x5000, wrapper.Options{
		Capabilities:         isa.CanRelativeJumpToAnyAddress,
		StandardRegisterSize: 4,
		StackEntryAlignment:  4,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if countKind(s, opstream.KindPushStack) != 1 {
		t.Fatalf("expected 1 PushStack (the stack-resident right param), got: %v", s)
	}
	if countKind(s, opstream.KindPush) != 1 {
		t.Fatalf("expected 1 Push (the ecx-held left param), got: %v", s)
	}
	restored := false
	for _, op := range s {
		if op.Kind == opstream.KindStackAlloc && op.Delta == 8 {
			restored = true
		}
	}
	if !restored {
		t.Fatalf("expected a StackAlloc(+8) removing the cdecl callee's argument area: %v", s)
	}
	last := s[len(s)-1]
	if last.Kind != opstream.KindReturn || last.Cleanup != 4 {
		t.Fatalf("last op = %+v, want Return{Cleanup:4} on the thiscall caller's behalf", last)
	}
}

// An injected parameter needs a scratch register to materialize its
// constant; omitting one must surface NoScratchRegisterError rather than
// silently dropping the injected value.
func TestGenerate_InjectedParameterRequiresScratch(t *testing.T) {
	conv := regs.SystemVAMD64
	injected := uint64(0xCAFE)
	_, err := wrapper.Generate(conv, conv, nil, 0x3000, wrapper.Options{
		Capabilities:         isa.CanRelativeJumpToAnyAddress,
		StandardRegisterSize: 8,
		StackEntryAlignment:  8,
		InjectedParameter:    &injected,
	})
	if err == nil {
		t.Fatalf("expected NoScratchRegisterError, got nil")
	}
}

// Crossing from MicrosoftX64 (caller) to SystemVAMD64 (callee) must preserve
// the Windows convention's extra callee-saved registers (RSI/RDI): the
// wrapper's own caller counts on them surviving, but a SystemV callee is
// free to clobber them.
func TestGenerate_CrossConventionPreservesExtraCalleeSaved(t *testing.T) {
	s, err := wrapper.Generate(regs.MicrosoftX64, regs.SystemVAMD64, []regs.ParamType{regs.I64}, 0x4000, wrapper.Options{
		Capabilities:         isa.CanRelativeJumpToAnyAddress,
		StandardRegisterSize: 8,
		StackEntryAlignment:  8,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	foundRSI, foundRDI := false, false
	for _, op := range s {
		if op.Kind == opstream.KindPush {
			if op.Reg == regs.RSI {
				foundRSI = true
			}
			if op.Reg == regs.RDI {
				foundRDI = true
			}
		}
	}
	if !foundRSI || !foundRDI {
		t.Fatalf("expected RSI and RDI to be preserved across the convention boundary: %v", s)
	}
}
