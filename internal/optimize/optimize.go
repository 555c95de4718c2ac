// Package optimize implements the wrapper generator's optional tightening
// passes over an internal/opstream.Stream: push/pop elimination, move-graph
// reordering, push/pop decomposition, multi-push fusion and return fusion.
package optimize

import (
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/regs"
)

// Options selects which passes run and what the target architecture can do.
type Options struct {
	Capabilities isa.Capability
	// HasNativeExchange is true on architectures with a direct
	// register-exchange instruction (x86/x64 XCHG); AArch64 has none.
	HasNativeExchange bool
	// Scratch is used by move-graph cycle-breaking when XChg isn't available.
	Scratch *regs.Register
}

// Run applies every enabled pass in order and compacts the result.
func Run(s opstream.Stream, opts Options) opstream.Stream {
	s = eliminatePushPop(s)
	s = reorderMoveGraph(s, opts)
	s = decomposeOversizedPush(s, opts)
	if opts.Capabilities.Has(isa.CanMultiPush) {
		s = fusePushes(s)
	}
	if opts.Capabilities.Has(isa.CanEncodeReturnImmediate) {
		s = fuseReturn(s)
	}
	return s.Compact()
}

// eliminatePushPop implements pass (a): a Push(r_a) whose slot is consumed
// by a Pop(r_b) at the same effective stack depth becomes Mov(r_a, r_b) when
// the register classes match; a PushStack(off) consumed the same way becomes
// MovFromStack(off, r_b). Slot accounting walks the stream keeping a LIFO of
// still-open push slots; any operation that moves the stack pointer some
// other way (StackAlloc, a call, a multi-transfer, Return) invalidates the
// open slots, since a pop past it no longer lands where its push left off.
func eliminatePushPop(s opstream.Stream) opstream.Stream {
	out := make(opstream.Stream, len(s))
	copy(out, s)

	var open []int // indices of unmatched Push/PushStack/PushConst ops
	for i := 0; i < len(out); i++ {
		switch out[i].Kind {
		case opstream.KindPush, opstream.KindPushStack, opstream.KindPushConst:
			open = append(open, i)

		case opstream.KindPop:
			if len(open) == 0 {
				continue
			}
			j := open[len(open)-1]
			open = open[:len(open)-1]
			switch out[j].Kind {
			case opstream.KindPush:
				if out[j].Reg == out[i].Reg {
					out[j] = opstream.None()
					out[i] = opstream.None()
				} else if out[j].Reg.Class == out[i].Reg.Class {
					out[j] = opstream.Mov(out[j].Reg, out[i].Reg)
					out[i] = opstream.None()
				}
			case opstream.KindPushStack:
				out[j] = opstream.MovFromStack(out[j].Offset, out[i].Reg)
				out[i] = opstream.None()
			}
			// PushConst slots are consumed but have no fused form.

		case opstream.KindMov, opstream.KindXChg, opstream.KindMovToStack,
			opstream.KindMovFromStack, opstream.KindNone:
			// Stack-pointer neutral; open slots stay valid.

		default:
			open = open[:0]
		}
	}

	// Eliminated pushes no longer move the stack pointer, so every fused
	// MovFromStack downstream of one reads from a shallower stack than its
	// offset was computed against. Walk once more, tracking the net
	// displacement that disappeared, and pull each fused offset back by it.
	shift := 0
	for k := range out {
		if s[k].Kind == opstream.KindPushStack && out[k].Kind == opstream.KindMovFromStack {
			out[k].Offset -= shift
		}
		switch s[k].Kind {
		case opstream.KindPush:
			if out[k].Kind != opstream.KindPush {
				shift += int(s[k].Reg.Size)
			}
		case opstream.KindPushStack:
			if out[k].Kind != opstream.KindPushStack {
				shift += s[k].Size
			}
		case opstream.KindPop:
			if out[k].Kind != opstream.KindPop {
				shift -= int(s[k].Reg.Size)
			}
		}
	}
	return out
}

// reorderMoveGraph implements pass (b). Runs of consecutive Mov operations
// are treated as a directed graph (edge source -> target) and re-emitted in
// reverse post-order depth-first traversal so no Mov overwrites a register
// another pending Mov still needs to read. A 2-cycle (Mov(a,b); Mov(b,a)) is
// broken with XChg when available, else routed through scratch, else through
// a push/pop pair.
func reorderMoveGraph(s opstream.Stream, opts Options) opstream.Stream {
	out := make(opstream.Stream, 0, len(s))
	i := 0
	for i < len(s) {
		if s[i].IsDeleted() {
			i++
			continue
		}
		if s[i].Kind != opstream.KindMov {
			out = append(out, s[i])
			i++
			continue
		}
		start := i
		for i < len(s) && (s[i].Kind == opstream.KindMov || s[i].IsDeleted()) {
			i++
		}
		run := s[start:i]
		out = append(out, reorderMovRun(run, opts)...)
	}
	return out
}

func reorderMovRun(run opstream.Stream, opts Options) opstream.Stream {
	var moves []opstream.Op
	for _, op := range run {
		if op.Kind == opstream.KindMov {
			moves = append(moves, op)
		}
	}
	if len(moves) == 0 {
		return nil
	}

	// Detect and break 2-cycles first: Mov(a,b) paired with Mov(b,a).
	used := make([]bool, len(moves))
	var result opstream.Stream
	for i := range moves {
		if used[i] {
			continue
		}
		for j := i + 1; j < len(moves); j++ {
			if used[j] {
				continue
			}
			a, b := moves[i], moves[j]
			if a.Reg == b.Reg2 && a.Reg2 == b.Reg {
				used[i], used[j] = true, true
				result = append(result, breakCycle(a.Reg, a.Reg2, opts)...)
				break
			}
		}
	}

	// Remaining moves: a move may only run once every move that still reads
	// its destination register has run. Depth-first over those "reads what I
	// write" edges, emitting readers first; hitting a move already on the
	// traversal stack means a cycle longer than two, broken by saving the
	// about-to-be-clobbered register through scratch (or a push/pop pair)
	// and retargeting the blocked reader at the saved copy.
	var remaining []opstream.Op
	for i, m := range moves {
		if !used[i] {
			remaining = append(remaining, m)
		}
	}
	visited := make([]bool, len(remaining))
	onStack := make([]bool, len(remaining))
	var order opstream.Stream
	var emit func(k int)
	emit = func(k int) {
		onStack[k] = true
		for d := range remaining {
			if d == k || remaining[d].Reg != remaining[k].Reg2 {
				continue
			}
			if onStack[d] {
				if opts.Scratch != nil {
					sc := *opts.Scratch
					order = append(order, opstream.Mov(remaining[k].Reg2, sc))
					remaining[d].Reg = sc
				} else {
					order = append(order, opstream.Push(remaining[k].Reg2))
					remaining[d] = opstream.Pop(remaining[d].Reg2)
				}
				continue
			}
			if visited[d] {
				continue
			}
			visited[d] = true
			emit(d)
		}
		onStack[k] = false
		order = append(order, remaining[k])
	}
	for k := range remaining {
		if !visited[k] {
			visited[k] = true
			emit(k)
		}
	}
	result = append(result, order...)
	return result
}

func breakCycle(a, b regs.Register, opts Options) opstream.Stream {
	if opts.HasNativeExchange {
		return opstream.Stream{opstream.XChg(a, b)}
	}
	if opts.Scratch != nil {
		s := *opts.Scratch
		return opstream.Stream{
			opstream.Mov(a, s),
			opstream.Mov(b, a),
			opstream.Mov(s, b),
		}
	}
	return opstream.Stream{
		opstream.Push(a),
		opstream.Mov(b, a),
		opstream.Pop(b),
	}
}

// decomposeOversizedPush implements pass (c): architectures without a native
// push of oversized (vector-class) registers get Push(reg_big) rewritten
// into MovToStack(-size, reg_big); StackAlloc(-size), and the matching
// Pop(reg_big) into MovFromStack(0, reg_big); StackAlloc(+size), with
// contiguous StackAlloc runs merged afterward.
func decomposeOversizedPush(s opstream.Stream, opts Options) opstream.Stream {
	out := make(opstream.Stream, 0, len(s))
	for _, op := range s {
		if op.IsDeleted() {
			continue
		}
		if op.Kind == opstream.KindPush && isOversized(op.Reg) {
			size := int(op.Reg.Size)
			out = append(out, opstream.MovToStack(-size, op.Reg), opstream.StackAlloc(-size))
			continue
		}
		if op.Kind == opstream.KindPop && isOversized(op.Reg) {
			size := int(op.Reg.Size)
			out = append(out, opstream.MovFromStack(0, op.Reg), opstream.StackAlloc(size))
			continue
		}
		out = append(out, op)
	}
	return mergeStackAllocRuns(out)
}

func isOversized(r regs.Register) bool {
	switch r.Class {
	case regs.GP128, regs.Vector128, regs.Vector256, regs.Vector512:
		return true
	default:
		return false
	}
}

func mergeStackAllocRuns(s opstream.Stream) opstream.Stream {
	out := make(opstream.Stream, 0, len(s))
	i := 0
	for i < len(s) {
		if s[i].Kind != opstream.KindStackAlloc {
			out = append(out, s[i])
			i++
			continue
		}
		sum := 0
		j := i
		for j < len(s) && s[j].Kind == opstream.KindStackAlloc {
			sum += s[j].Delta
			j++
		}
		if sum != 0 {
			out = append(out, opstream.StackAlloc(sum))
		}
		i = j
	}
	return out
}

// fusePushes implements pass (d): consecutive Push operations fold into a
// single MultiPush when the target can encode a paired store (AArch64 STP).
func fusePushes(s opstream.Stream) opstream.Stream {
	out := make(opstream.Stream, 0, len(s))
	i := 0
	for i < len(s) {
		if s[i].Kind != opstream.KindPush {
			out = append(out, s[i])
			i++
			continue
		}
		var group []regs.Register
		j := i
		for j < len(s) && s[j].Kind == opstream.KindPush {
			group = append(group, s[j].Reg)
			j++
		}
		if len(group) >= 2 {
			out = append(out, opstream.MultiPush(group))
		} else {
			out = append(out, opstream.Push(group[0]))
		}
		i = j
	}
	return out
}

// fuseReturn implements pass (e): a trailing StackAlloc(-n); Return(0) pair
// becomes Return(n) when the architecture's return instruction accepts an
// immediate cleanup operand.
func fuseReturn(s opstream.Stream) opstream.Stream {
	if len(s) < 2 {
		return s
	}
	last := len(s) - 1
	if s[last].Kind != opstream.KindReturn || s[last].Cleanup != 0 {
		return s
	}
	prev := last - 1
	if s[prev].Kind != opstream.KindStackAlloc || s[prev].Delta >= 0 {
		return s
	}
	out := append(opstream.Stream{}, s[:prev]...)
	out = append(out, opstream.Return(-s[prev].Delta))
	return out
}
