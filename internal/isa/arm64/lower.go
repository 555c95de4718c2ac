package arm64

import (
	"fmt"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/regs"
)

// Lower assembles an operation stream into AArch64 machine bytes, this
// architecture's end of the wrapper-generation pipeline. AArch64 has no
// PUSH/POP: single-register Push/Pop lower to pre/post-indexed STR/LDR
// against SP, and fused MultiPush/MultiPop lower pairs of general-purpose
// registers to STP/LDP with singles for FP registers and odd leftovers.
func Lower(s opstream.Stream, startAddr uint64) ([]byte, error) {
	cur := &isa.Cursor{PC: startAddr}
	for _, op := range s.Compact() {
		if err := lowerOne(cur, op); err != nil {
			return nil, fmt.Errorf("arm64: lower %s: %w", op.Kind, err)
		}
	}
	return cur.Buf, nil
}

func isFPClass(r regs.Register) bool {
	switch r.Class {
	case regs.Float, regs.Vector64, regs.Vector128:
		return true
	default:
		return false
	}
}

func pushOne(cur *isa.Cursor, r regs.Register) error {
	if isFPClass(r) {
		size := uint8(r.Size)
		return STRPreIndexFP(cur, r, size, -int(size))
	}
	return STRPreIndex(cur, r, -8)
}

func popOne(cur *isa.Cursor, r regs.Register) error {
	if isFPClass(r) {
		size := uint8(r.Size)
		return LDRPostIndexFP(cur, r, size, int(size))
	}
	return LDRPostIndex(cur, r, 8)
}

// transferGroup is one step of a fused multi-transfer: either a register
// pair serviced by STP/LDP or a single leftover register.
type transferGroup struct {
	a, b   regs.Register
	paired bool
}

// pairTransfers greedily pairs adjacent 64-bit general-purpose registers so
// a fused multi-push becomes STP pair stores; FP/vector registers and an
// odd trailing register fall back to single transfers.
func pairTransfers(rs []regs.Register) []transferGroup {
	var out []transferGroup
	for i := 0; i < len(rs); {
		if i+1 < len(rs) && !isFPClass(rs[i]) && !isFPClass(rs[i+1]) &&
			rs[i].Size == 8 && rs[i+1].Size == 8 {
			out = append(out, transferGroup{a: rs[i], b: rs[i+1], paired: true})
			i += 2
			continue
		}
		out = append(out, transferGroup{a: rs[i]})
		i++
	}
	return out
}

func lowerOne(cur *isa.Cursor, op opstream.Op) error {
	switch op.Kind {
	case opstream.KindNone:
		return nil
	case opstream.KindPush:
		return pushOne(cur, op.Reg)
	case opstream.KindPop:
		return popOne(cur, op.Reg)
	case opstream.KindPushStack:
		// PushStack carries no register of its own; materialize through
		// X16, the architecture's reserved IP0 veneer scratch, since this op
		// only ever originates from the wrapper generator's own
		// stack-argument staging, never from user-supplied scratch
		// selection.
		tmp := regs.X16
		if op.Offset%8 == 0 && op.Size == 8 {
			if err := LDRUnsignedOffset(cur, tmp, regs.SP, 8, uint32(op.Offset)/8); err != nil {
				return err
			}
		} else if err := LDUR(cur, tmp, op.Offset); err != nil {
			return err
		}
		return STRPreIndex(cur, tmp, -8)
	case opstream.KindPushConst:
		if err := EmitMovImmediate(cur, op.Reg, op.Value); err != nil {
			return err
		}
		return STRPreIndex(cur, op.Reg, -8)
	case opstream.KindMovToStack:
		if isFPClass(op.Reg) {
			return STURFP(cur, op.Reg, uint8(op.Reg.Size), op.Offset)
		}
		if op.Offset < 0 {
			return STUR(cur, op.Reg, op.Offset)
		}
		return STRUnsignedOffset(cur, op.Reg, regs.SP, 8, uint32(op.Offset)/8)
	case opstream.KindMovFromStack:
		if isFPClass(op.Reg) {
			return LDURFP(cur, op.Reg, uint8(op.Reg.Size), op.Offset)
		}
		if op.Offset < 0 {
			return LDUR(cur, op.Reg, op.Offset)
		}
		return LDRUnsignedOffset(cur, op.Reg, regs.SP, 8, uint32(op.Offset)/8)
	case opstream.KindMov:
		if isFPClass(op.Reg) || isFPClass(op.Reg2) {
			if op.Reg.Class != op.Reg2.Class {
				return &isa.InvalidRegisterError{Op: "MOV", Register: op.Reg2.Name, Reason: "register class mismatch"}
			}
			if op.Reg.Size == 16 {
				return MovVecReg(cur, op.Reg2, op.Reg)
			}
			return FMovReg(cur, op.Reg2, op.Reg)
		}
		return MovReg(cur, op.Reg2, op.Reg)
	case opstream.KindXChg:
		// No native exchange on AArch64; the optimizer routes cycles through
		// scratch or push/pop instead (HasNativeExchange is false here).
		return fmt.Errorf("arm64: XChg has no direct lowering")
	case opstream.KindStackAlloc:
		if op.Delta < 0 {
			return AddSubSPImm(cur, uint32(-op.Delta), true)
		} else if op.Delta > 0 {
			return AddSubSPImm(cur, uint32(op.Delta), false)
		}
		return nil
	case opstream.KindCallRel:
		return B(cur, int64(op.Value)-int64(cur.PC), true)
	case opstream.KindCallAbs:
		if err := EmitMovImmediate(cur, op.Reg, op.Value); err != nil {
			return err
		}
		return BR(cur, op.Reg, true)
	case opstream.KindJumpRel, opstream.KindJumpIPRel:
		return B(cur, int64(op.Value)-int64(cur.PC), false)
	case opstream.KindJumpAbs:
		if err := EmitMovImmediate(cur, op.Reg, op.Value); err != nil {
			return err
		}
		return BR(cur, op.Reg, false)
	case opstream.KindMultiPush:
		for _, g := range pairTransfers(op.Regs) {
			if g.paired {
				// STP stores rt at [SP] and rt2 at [SP+8]; pushing a then b
				// leaves b at the lower address, so the pair is (b, a).
				if err := STPPreIndex(cur, g.b, g.a, -16); err != nil {
					return err
				}
			} else if err := pushOne(cur, g.a); err != nil {
				return err
			}
		}
		return nil
	case opstream.KindMultiPop:
		groups := pairTransfers(op.Regs)
		for i := len(groups) - 1; i >= 0; i-- {
			g := groups[i]
			if g.paired {
				if err := LDPPostIndex(cur, g.b, g.a, 16); err != nil {
					return err
				}
			} else if err := popOne(cur, g.a); err != nil {
				return err
			}
		}
		return nil
	case opstream.KindReturn:
		// RET has no cleanup-immediate form; a nonzero cleanup becomes an
		// explicit SP adjustment first.
		if op.Cleanup > 0 {
			if err := AddSubSPImm(cur, uint32(op.Cleanup), false); err != nil {
				return err
			}
		}
		return RET(cur, regs.X30)
	default:
		return fmt.Errorf("unhandled op kind %s", op.Kind)
	}
}
