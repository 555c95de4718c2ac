package x86

import (
	"encoding/binary"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/regs"
)

// RelocKind tags which expansion Relocate chose for one original
// instruction, mirroring the AArch64 package's RelocKind for symmetry.
type RelocKind uint8

const (
	RelocCopy RelocKind = iota
	RelocJmpRel32
	RelocCallRel32
	RelocJccRel32
	RelocToAbsoluteJmp
	RelocToAbsoluteCall
	RelocLoopDecJnz
	RelocLoopTwoTail
	RelocLoopCCTwoTail
	RelocJcxzTestJcc
	RelocJcxzTwoTail
	RelocRipRecomputed
	RelocRipViaScratch
)

const rel32Lo = int64(-0x80000000)
const rel32Hi = int64(0x7FFFFFFF)

func fitsRel32Delta(delta int64) bool { return delta >= rel32Lo && delta <= rel32Hi }

// Relocate rewrites the x86 (is64=false) or x64 (is64=true) instruction run
// [oldAddr, oldAddr+oldLen) so it executes correctly at newAddr: relative
// branches and calls are re-resolved (widening rel8 to rel32, or falling
// back to absolute-through-scratch on x64), LOOP/JCXZ forms are expanded,
// RIP-relative operands are re-based, and everything else copies unchanged.
func Relocate(code []byte, oldAddr, oldLen, newAddr uint64, scratch *regs.Register, is64 bool) ([]byte, []RelocKind, error) {
	cur := &isa.Cursor{PC: newAddr}
	var kinds []RelocKind

	off := 0
	for off < int(oldLen) {
		instrOldAddr := oldAddr + uint64(off)
		d, err := decodeOne(code[off:], is64)
		if err != nil {
			return nil, nil, err
		}
		kind, err := relocateOne(cur, d, code[off:off+d.Length], instrOldAddr, scratch, is64)
		if err != nil {
			return nil, nil, err
		}
		kinds = append(kinds, kind)
		off += d.Length
	}
	return cur.Buf, kinds, nil
}

func relocateOne(cur *isa.Cursor, d Decoded, raw []byte, instrOldAddr uint64, scratch *regs.Register, is64 bool) (RelocKind, error) {
	switch d.Kind {
	case DecodedJmpRel8, DecodedJmpRel32:
		return relocateJmpCall(cur, d, instrOldAddr, scratch, is64, false)
	case DecodedCallRel32:
		return relocateJmpCall(cur, d, instrOldAddr, scratch, is64, true)
	case DecodedJccShort, DecodedJccNear:
		return relocateJcc(cur, d, instrOldAddr, scratch, is64)
	case DecodedLoop:
		return relocateLoop(cur, d, instrOldAddr, scratch, is64)
	case DecodedLoopE:
		return relocateLoopCC(cur, d, instrOldAddr, scratch, is64, true)
	case DecodedLoopNE:
		return relocateLoopCC(cur, d, instrOldAddr, scratch, is64, false)
	case DecodedJcxz:
		return relocateJcxz(cur, d, instrOldAddr, scratch, is64)
	default:
		if d.RipRelative && is64 {
			return relocateRip(cur, d, raw, instrOldAddr, scratch)
		}
		cur.Emit(raw...)
		return RelocCopy, nil
	}
}

func relocateJmpCall(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register, is64, isCall bool) (RelocKind, error) {
	target := instrOldAddr + uint64(d.Length) + uint64(d.Disp)
	delta := int64(target) - int64(cur.PC)

	if !is64 || fitsRel32Delta(delta) {
		var newLen uint64 = 5
		disp := int64(target) - (int64(cur.PC) + int64(newLen))
		if isCall {
			return RelocCallRel32, CallRel32(cur, disp)
		}
		return RelocJmpRel32, JmpRel32(cur, disp)
	}

	s, err := scratchOrErr(scratch, "x64 jmp/call beyond ±2GiB")
	if err != nil {
		return 0, err
	}
	if err := MovRegImm64(cur, s, target); err != nil {
		return 0, err
	}
	if isCall {
		return RelocToAbsoluteCall, CallIndirect(cur, s, true)
	}
	return RelocToAbsoluteJmp, JmpIndirect(cur, s, true)
}

func scratchOrErr(scratch *regs.Register, context string) (regs.Register, error) {
	if scratch == nil {
		return regs.Register{}, &isa.NoScratchRegisterError{Context: context}
	}
	return *scratch, nil
}

func relocateJcc(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register, is64 bool) (RelocKind, error) {
	target := instrOldAddr + uint64(d.Length) + uint64(d.Disp)
	delta := int64(target) - int64(cur.PC)

	if !is64 || fitsRel32Delta(delta) {
		disp := int64(target) - (int64(cur.PC) + 6)
		return RelocJccRel32, JccNear(cur, d.CC, disp)
	}

	s, err := scratchOrErr(scratch, "Jcc beyond ±2GiB")
	if err != nil {
		return 0, err
	}
	// J(¬cc) over the absolute-jump trampoline; falls through to land past
	// it when the branch is not taken.
	movLen := 10 // REX.W B8+rd imm64
	jmpLen := 2
	if s.Code >= 8 {
		jmpLen = 3
	}
	if err := JccShort(cur, invertCC(d.CC), int64(movLen+jmpLen)); err != nil {
		return 0, err
	}
	if err := MovRegImm64(cur, s, target); err != nil {
		return 0, err
	}
	return RelocToAbsoluteJmp, JmpIndirect(cur, s, true)
}

func relocateLoop(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register, is64 bool) (RelocKind, error) {
	target := instrOldAddr + uint64(d.Length) + uint64(d.Disp)
	delta := int64(target) - int64(cur.PC)

	counter := regs.ECX
	if is64 {
		counter = regs.RCX
	}

	if !is64 || fitsRel32Delta(delta) {
		if err := DecReg(cur, counter, is64); err != nil {
			return 0, err
		}
		disp := int64(target) - (int64(cur.PC) + 6)
		return RelocLoopDecJnz, JccNear(cur, 0x5 /* JNZ */, disp)
	}

	s, err := scratchOrErr(scratch, "LOOP beyond ±2GiB")
	if err != nil {
		return 0, err
	}
	movLen := 10
	jmpLen := 2
	if s.Code >= 8 {
		jmpLen = 3
	}
	if err := LoopRel8(cur, 2); err != nil {
		return 0, err
	}
	if err := JmpRel8(cur, int64(movLen+jmpLen)); err != nil {
		return 0, err
	}
	if err := MovRegImm64(cur, s, target); err != nil {
		return 0, err
	}
	return RelocLoopTwoTail, JmpIndirect(cur, s, true)
}

// relocateLoopCC handles LOOPE/LOOPNE. Unlike plain LOOP, these also test
// ZF, which DEC would clobber, so even the rel32-reachable tier keeps the
// original LOOPcc and only redirects its target via a two-tail trampoline
// (LOOPcc has no imm32 form to widen into).
func relocateLoopCC(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register, is64, isLoopE bool) (RelocKind, error) {
	target := instrOldAddr + uint64(d.Length) + uint64(d.Disp)
	delta := int64(target) - int64(cur.PC)

	if !is64 || fitsRel32Delta(delta) {
		if err := LoopCCRel8(cur, isLoopE, 2); err != nil {
			return 0, err
		}
		if err := JmpRel8(cur, 5); err != nil {
			return 0, err
		}
		disp := int64(target) - (int64(cur.PC) + 5)
		return RelocLoopCCTwoTail, JmpRel32(cur, disp)
	}

	s, err := scratchOrErr(scratch, "LOOPcc beyond ±2GiB")
	if err != nil {
		return 0, err
	}
	movLen := 10
	jmpLen := 2
	if s.Code >= 8 {
		jmpLen = 3
	}
	if err := LoopCCRel8(cur, isLoopE, 2); err != nil {
		return 0, err
	}
	if err := JmpRel8(cur, int64(movLen+jmpLen)); err != nil {
		return 0, err
	}
	if err := MovRegImm64(cur, s, target); err != nil {
		return 0, err
	}
	return RelocLoopCCTwoTail, JmpIndirect(cur, s, true)
}

func relocateJcxz(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register, is64 bool) (RelocKind, error) {
	target := instrOldAddr + uint64(d.Length) + uint64(d.Disp)
	delta := int64(target) - int64(cur.PC)

	counter := regs.CX

	if !is64 || fitsRel32Delta(delta) {
		if err := TestRegReg(cur, counter); err != nil {
			return 0, err
		}
		disp := int64(target) - (int64(cur.PC) + 6)
		// JCXZ branches when the counter is zero; TEST sets ZF on that
		// same condition, so the direct replacement is JZ, not JNZ.
		return RelocJcxzTestJcc, JccNear(cur, 0x4 /* JZ */, disp)
	}

	s, err := scratchOrErr(scratch, "JCXZ beyond ±2GiB")
	if err != nil {
		return 0, err
	}
	movLen := 10
	jmpLen := 2
	if s.Code >= 8 {
		jmpLen = 3
	}
	if err := JcxzRel8(cur, false, 2); err != nil {
		return 0, err
	}
	if err := JmpRel8(cur, int64(movLen+jmpLen)); err != nil {
		return 0, err
	}
	if err := MovRegImm64(cur, s, target); err != nil {
		return 0, err
	}
	return RelocJcxzTwoTail, JmpIndirect(cur, s, true)
}

// relocateRip handles a RIP-relative memory operand on x64: the effective
// address it computes must stay the same after the instruction moves.
func relocateRip(cur *isa.Cursor, d Decoded, raw []byte, instrOldAddr uint64, scratch *regs.Register) (RelocKind, error) {
	effective := instrOldAddr + uint64(d.Length) + uint64(d.Disp)
	dispOffsetInRaw := d.RipDispOffset
	newLen := int64(d.Length)
	newDisp := int64(effective) - (int64(cur.PC) + newLen)

	if fitsRel32Delta(newDisp) {
		patched := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(patched[dispOffsetInRaw:dispOffsetInRaw+4], uint32(int32(newDisp)))
		cur.Emit(patched...)
		return RelocRipRecomputed, nil
	}

	s, err := scratchOrErr(scratch, "RIP-relative operand beyond ±2GiB")
	if err != nil {
		return 0, err
	}
	if s.Code >= 8 {
		// Re-basing onto r8-r15 would also require flipping REX.B inside the
		// original prefix bytes; keep the rewrite to the low eight registers.
		return 0, &isa.InvalidRegisterError{Op: "RIP-relative rewrite", Register: s.Name, Reason: "scratch must be one of the low eight registers"}
	}
	modrmOffset := dispOffsetInRaw - 1
	newModRM, extra := rewriteModRMForBaseReg(raw[modrmOffset], s)
	if err := MovRegImm64(cur, s, effective); err != nil {
		return 0, err
	}
	rebuilt := append([]byte(nil), raw[:modrmOffset]...)
	rebuilt = append(rebuilt, newModRM)
	rebuilt = append(rebuilt, extra...)
	rebuilt = append(rebuilt, raw[dispOffsetInRaw+4:]...) // trailing immediate, if any
	cur.Emit(rebuilt...)
	return RelocRipViaScratch, nil
}

// rewriteModRMForBaseReg turns a RIP-relative ModRM byte (mod=00, rm=101)
// into one addressing [scratch] with no displacement, handling the two
// register encodings (RSP/R12, RBP/R13) that need a SIB byte or an explicit
// zero displacement respectively to avoid re-triggering a special-cased
// addressing form.
func rewriteModRMForBaseReg(origModRM byte, scratch regs.Register) (byte, []byte) {
	reg := origModRM & 0x38 // preserve the reg/opcode-extension field
	low3 := scratch.Code & 0x7

	switch low3 {
	case 4: // RSP/R12 needs a SIB byte
		return reg | 0x04, []byte{0x24}
	case 5: // RBP/R13 needs an explicit disp8=0 to avoid mod=00 meaning RIP-relative
		return reg | 0x45, []byte{0x00}
	default:
		return reg | low3, nil
	}
}
