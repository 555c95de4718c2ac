// Package wrapper implements the calling-convention bridge generator: given
// the convention a caller will use to invoke a wrapper and the convention the
// real target function expects, it produces an operation stream (see
// internal/opstream) that internal/optimize can tighten and internal/isa can
// lower to machine bytes.
package wrapper

import (
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/regs"
)

// Options carries the knobs the generator needs beyond the two conventions
// and the parameter list.
type Options struct {
	// InjectedParameter, if non-nil, is pushed onto the argument stream ahead
	// of the callee's own parameters, used to hand a hook its own handle or
	// a user-supplied context value.
	InjectedParameter *uint64

	Capabilities         isa.Capability
	StandardRegisterSize int
	StackEntryAlignment  int

	// Scratch is used for CallAbs/JumpAbs materialization when no relative
	// call reaches the target and for absolute-fallback Mov/XChg breaking
	// cycles the optimizer can't resolve any other way.
	Scratch *regs.Register
}

type classifiedParam struct {
	Type    regs.ParamType
	Reg     regs.Register
	OnStack bool
}

func classify(conv regs.Convention, params []regs.ParamType) []classifiedParam {
	var intN, floatN, vecN int
	out := make([]classifiedParam, len(params))
	for i, pt := range params {
		cp := classifiedParam{Type: pt}
		switch pt.Kind {
		case regs.KindInt:
			if intN < len(conv.IntParams) {
				cp.Reg = conv.IntParams[intN]
				intN++
			} else {
				cp.OnStack = true
			}
		case regs.KindFloat:
			if floatN < len(conv.FloatParams) {
				cp.Reg = conv.FloatParams[floatN]
				floatN++
			} else {
				cp.OnStack = true
			}
		case regs.KindVector:
			if vecN < len(conv.VectorParams) {
				cp.Reg = conv.VectorParams[vecN]
				vecN++
			} else {
				cp.OnStack = true
			}
		}
		out[i] = cp
	}
	return out
}

func sortBySizeAsc(s regs.Set) regs.Set {
	out := append(regs.Set{}, s...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Size > out[j].Size; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Generate builds the operation stream a wrapper body must execute to call
// target (expecting calleeConv) on behalf of a caller that invokes the
// wrapper using callerConv: save what the caller's convention obliges us to
// save, restage every argument where the callee expects it, align the
// stack, call, move the return value, and unwind.
func Generate(callerConv, calleeConv regs.Convention, params []regs.ParamType, target uint64, opts Options) (opstream.Stream, error) {
	var s opstream.Stream

	// Step 1. sp tracks the distance from the live stack pointer back to the
	// caller's first stack-resident argument; every push below moves it.
	sp := opts.StackEntryAlignment + callerConv.ReservedStackSpace
	slot := func(r regs.Register) int {
		if int(r.Size) > opts.StandardRegisterSize {
			return int(r.Size)
		}
		return opts.StandardRegisterSize
	}

	// Step 2.
	for _, r := range callerConv.AlwaysSaved {
		s = append(s, opstream.Push(r))
		sp += slot(r)
	}

	// Step 3.
	toPreserve := sortBySizeAsc(callerConv.CalleeSaved.Without(calleeConv.CalleeSaved))
	for _, r := range toPreserve {
		s = append(s, opstream.Push(r))
		sp += slot(r)
	}
	if len(toPreserve) > 0 {
		last := toPreserve[len(toPreserve)-1]
		if int(last.Size) > opts.StandardRegisterSize {
			pad := int(last.Size) - opts.StandardRegisterSize
			s = append(s, opstream.StackAlloc(-pad))
			sp += pad
		}
	}

	// Step 4.
	placeholderIdx := len(s)
	s = append(s, opstream.StackAlloc(0))

	// Step 5.
	callerParams := classify(callerConv, params)
	order := make([]int, len(params))
	for i := range order {
		order[i] = i
	}
	if callerConv.StackOrder == regs.RightToLeft {
		for l, r := 0, len(order)-1; l < r; l, r = l+1, r-1 {
			order[l], order[r] = order[r], order[l]
		}
	}

	// consumed counts original-argument bytes already re-pushed: each
	// PushStack moves SP down by the argument's width while the next
	// original argument sits one width higher, so the source offset advances
	// by twice the width overall.
	consumed := 0
	for _, i := range order {
		cp := callerParams[i]
		if cp.OnStack {
			w := int(cp.Type.Width)
			s = append(s, opstream.PushStack(sp+consumed, w))
			sp += w
			consumed += w
		} else {
			s = append(s, opstream.Push(cp.Reg))
			sp += slot(cp.Reg)
		}
	}

	// Step 6.
	if opts.InjectedParameter != nil {
		scratch, err := requireScratch(opts.Scratch, "injected parameter")
		if err != nil {
			return nil, err
		}
		s = append(s, opstream.PushConst(*opts.InjectedParameter, scratch))
		sp += opts.StandardRegisterSize
	}

	// Step 7. An injected value is the callee's first parameter, ahead of
	// the caller's own.
	calleeTypes := params
	if opts.InjectedParameter != nil {
		calleeTypes = append([]regs.ParamType{regs.NativePointer(opts.StandardRegisterSize)}, params...)
	}
	calleeParams := classify(calleeConv, calleeTypes)
	for i := 0; i < len(calleeParams); i++ {
		cp := calleeParams[i]
		if !cp.OnStack {
			s = append(s, opstream.Pop(cp.Reg))
			sp -= slot(cp.Reg)
		}
	}

	// Step 8. The wrapper's depth below the caller's (aligned) call site must
	// be a multiple of the callee's required alignment at the call; pad with
	// whatever is missing.
	misalign := 0
	if align := calleeConv.StackAlignBytes; align > 0 && sp%align != 0 {
		misalign = align - sp%align
	}
	if misalign != 0 {
		s[placeholderIdx] = opstream.StackAlloc(-misalign)
		sp += misalign
		// The padding executes before every PushStack (the placeholder sits
		// ahead of them), so each source offset shifts by the same amount.
		for k := placeholderIdx + 1; k < len(s); k++ {
			if s[k].Kind == opstream.KindPushStack {
				s[k].Offset += misalign
			}
		}
	} else {
		s[placeholderIdx] = opstream.None()
	}

	// Step 9.
	if calleeConv.ReservedStackSpace > 0 {
		s = append(s, opstream.StackAlloc(-calleeConv.ReservedStackSpace))
	}

	// Step 10. The call scratch comes from the caller-saved set minus every
	// register staging an argument (on either side of the bridge) and the
	// stack pointer itself.
	if opts.Capabilities.Has(isa.CanRelativeJumpToAnyAddress) {
		s = append(s, opstream.CallRel(target))
	} else {
		scratchSet := callerConv.CallerSaved()
		for _, cp := range callerParams {
			if !cp.OnStack {
				scratchSet = scratchSet.Without(regs.Set{cp.Reg})
			}
		}
		for _, cp := range calleeParams {
			if !cp.OnStack {
				scratchSet = scratchSet.Without(regs.Set{cp.Reg})
			}
		}
		var callScratch *regs.Register
		for i := range scratchSet {
			if !scratchSet[i].SP {
				callScratch = &scratchSet[i]
				break
			}
		}
		if callScratch == nil {
			return nil, &isa.NoScratchRegisterError{Context: "call to target"}
		}
		s = append(s, opstream.CallAbs(target, *callScratch))
	}

	// Step 11.
	if calleeConv.ReturnReg != callerConv.ReturnReg {
		s = append(s, opstream.Mov(calleeConv.ReturnReg, callerConv.ReturnReg))
	}

	// Step 12. The callee already popped its own stack arguments when its
	// convention is callee-cleanup; otherwise the wrapper, as the immediate
	// caller, removes them along with the alignment padding and reserved
	// space.
	restore := calleeConv.ReservedStackSpace
	if misalign != 0 {
		restore += misalign
	}
	if calleeConv.Cleanup == regs.CleanupCaller {
		for _, cp := range calleeParams {
			if cp.OnStack {
				restore += int(cp.Type.Width)
			}
		}
	}
	if restore != 0 {
		s = append(s, opstream.StackAlloc(restore))
	}

	// Step 13.
	for i := len(toPreserve) - 1; i >= 0; i-- {
		s = append(s, opstream.Pop(toPreserve[i]))
	}
	for i := len(callerConv.AlwaysSaved) - 1; i >= 0; i-- {
		s = append(s, opstream.Pop(callerConv.AlwaysSaved[i]))
	}

	// Step 14.
	cleanup := 0
	if callerConv.Cleanup == regs.CleanupCallee {
		for _, cp := range callerParams {
			if cp.OnStack {
				cleanup += int(cp.Type.Width)
			}
		}
	}
	s = append(s, opstream.Return(cleanup))

	return s, nil
}

func requireScratch(scratch *regs.Register, context string) (regs.Register, error) {
	if scratch == nil {
		return regs.Register{}, &isa.NoScratchRegisterError{Context: context}
	}
	return *scratch, nil
}
