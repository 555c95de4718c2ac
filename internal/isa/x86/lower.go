package x86

import (
	"fmt"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/regs"
)

func isXMMClass(r regs.Register) bool {
	switch r.Class {
	case regs.GP128, regs.Vector128:
		return true
	default:
		return false
	}
}

// Lower assembles an operation stream (see internal/opstream) into final
// x86/x64 machine bytes, the last step of the wrapper-generation pipeline.
// CallRel/JumpRel/JumpIPRel operands are absolute target addresses; the
// displacement is computed against the instruction's own end address once
// its length is known, matching the relocator's convention in relocate.go.
func Lower(s opstream.Stream, startAddr uint64, is64 bool) ([]byte, error) {
	cur := &isa.Cursor{PC: startAddr}
	for _, op := range s.Compact() {
		if err := lowerOne(cur, op, is64); err != nil {
			return nil, fmt.Errorf("x86: lower %s: %w", op.Kind, err)
		}
	}
	return cur.Buf, nil
}

func lowerOne(cur *isa.Cursor, op opstream.Op, is64 bool) error {
	switch op.Kind {
	case opstream.KindNone:
		return nil
	case opstream.KindPush:
		if isXMMClass(op.Reg) {
			return &isa.InvalidRegisterError{Op: "PUSH", Register: op.Reg.Name, Reason: "no native push of a 128-bit register"}
		}
		return PushReg(cur, op.Reg)
	case opstream.KindPop:
		if isXMMClass(op.Reg) {
			return &isa.InvalidRegisterError{Op: "POP", Register: op.Reg.Name, Reason: "no native pop of a 128-bit register"}
		}
		return PopReg(cur, op.Reg)
	case opstream.KindPushStack:
		return PushMemRspOff(cur, int32(op.Offset))
	case opstream.KindPushConst:
		if err := MovRegImm64(cur, op.Reg, op.Value); err != nil {
			return err
		}
		return PushReg(cur, op.Reg)
	case opstream.KindMovToStack:
		switch {
		case op.Reg.Class == regs.Vector256:
			return VmovdquStore(cur, op.Reg, int32(op.Offset))
		case op.Reg.Class == regs.Vector512:
			return Vmovdqu64Store(cur, op.Reg, int32(op.Offset))
		case isXMMClass(op.Reg):
			return MovdquStore(cur, op.Reg, int32(op.Offset))
		}
		return StoreRspOff(cur, op.Reg, int32(op.Offset), is64)
	case opstream.KindMovFromStack:
		switch {
		case op.Reg.Class == regs.Vector256:
			return VmovdquLoad(cur, op.Reg, int32(op.Offset))
		case op.Reg.Class == regs.Vector512:
			return Vmovdqu64Load(cur, op.Reg, int32(op.Offset))
		case isXMMClass(op.Reg):
			return MovdquLoad(cur, op.Reg, int32(op.Offset))
		}
		return LoadRspOff(cur, op.Reg, int32(op.Offset), is64)
	case opstream.KindMov:
		if isXMMClass(op.Reg) || isXMMClass(op.Reg2) {
			if op.Reg.Class != op.Reg2.Class {
				return &isa.InvalidRegisterError{Op: "MOV", Register: op.Reg2.Name, Reason: "register class mismatch"}
			}
			return MovdquRegReg(cur, op.Reg2, op.Reg)
		}
		return MovRegReg(cur, op.Reg2, op.Reg, is64)
	case opstream.KindXChg:
		// The optimizer only emits XChg when the target has a native
		// exchange; x86's is 87 /r (XCHG r/m,r).
		if is64 {
			cur.Emit(rexPrefix(true, op.Reg.Code >= 8, false, op.Reg2.Code >= 8))
		} else if op.Reg.Code >= 8 || op.Reg2.Code >= 8 {
			cur.Emit(rexPrefix(false, op.Reg.Code >= 8, false, op.Reg2.Code >= 8))
		}
		cur.Emit(0x87, modrmReg(3, op.Reg.Code)|(op.Reg2.Code&0x7))
		return nil
	case opstream.KindStackAlloc:
		if op.Delta < 0 {
			return SubRspImm32(cur, int32(-op.Delta), is64)
		} else if op.Delta > 0 {
			return AddRspImm32(cur, int32(op.Delta), is64)
		}
		return nil
	case opstream.KindCallRel:
		disp := int64(op.Value) - int64(cur.PC+5)
		return CallRel32(cur, disp)
	case opstream.KindCallAbs:
		if err := MovRegImm64(cur, op.Reg, op.Value); err != nil {
			return err
		}
		return CallIndirect(cur, op.Reg, is64)
	case opstream.KindJumpRel, opstream.KindJumpIPRel:
		disp := int64(op.Value) - int64(cur.PC+5)
		return JmpRel32(cur, disp)
	case opstream.KindJumpAbs:
		if err := MovRegImm64(cur, op.Reg, op.Value); err != nil {
			return err
		}
		return JmpIndirect(cur, op.Reg, is64)
	case opstream.KindMultiPush:
		for _, r := range op.Regs {
			if err := PushReg(cur, r); err != nil {
				return err
			}
		}
		return nil
	case opstream.KindMultiPop:
		for i := len(op.Regs) - 1; i >= 0; i-- {
			if err := PopReg(cur, op.Regs[i]); err != nil {
				return err
			}
		}
		return nil
	case opstream.KindReturn:
		if op.Cleanup > 0 {
			return RetImm16(cur, uint16(op.Cleanup))
		}
		return RetNear(cur)
	default:
		return fmt.Errorf("unhandled op kind %s", op.Kind)
	}
}
