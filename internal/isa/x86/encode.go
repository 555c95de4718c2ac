// Package x86 implements the x86/x64 instruction encoder, length
// disassembler and relocator (components B, C and D for this architecture
// family). Relative displacements follow Intel's own convention throughout:
// an operand's displacement is measured from the address of the byte
// immediately following the instruction that carries it, never from the
// instruction's own start address (the opposite convention from AArch64).
package x86

import (
	"encoding/binary"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/regs"
)

func put32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func put64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

func fits8(v int64) bool  { return v >= -0x80 && v <= 0x7F }
func fits32(v int64) bool { return v >= -0x80000000 && v <= 0x7FFFFFFF }

// JmpRel8 encodes a short unconditional jump: EB disp8.
func JmpRel8(c *isa.Cursor, disp int64) error {
	if !fits8(disp) {
		return &isa.OperandOutOfRangeError{Op: "JMP rel8", Value: disp, Min: -0x80, Max: 0x7F}
	}
	c.Emit(0xEB, byte(int8(disp)))
	return nil
}

// JmpRel32 encodes a near unconditional jump: E9 disp32.
func JmpRel32(c *isa.Cursor, disp int64) error {
	if !fits32(disp) {
		return &isa.OperandOutOfRangeError{Op: "JMP rel32", Value: disp, Min: -0x80000000, Max: 0x7FFFFFFF}
	}
	var b [4]byte
	put32(b[:], uint32(int32(disp)))
	c.Emit(0xE9)
	c.Emit(b[:]...)
	return nil
}

// CallRel32 encodes a near relative call: E8 disp32.
func CallRel32(c *isa.Cursor, disp int64) error {
	if !fits32(disp) {
		return &isa.OperandOutOfRangeError{Op: "CALL rel32", Value: disp, Min: -0x80000000, Max: 0x7FFFFFFF}
	}
	var b [4]byte
	put32(b[:], uint32(int32(disp)))
	c.Emit(0xE8)
	c.Emit(b[:]...)
	return nil
}

// JccShort encodes a short conditional jump for tttn condition code cc
// (Intel's 4-bit condition field, the low nibble of the one-byte 0x7X / two
// byte 0x0F,0x8X opcodes): 7X disp8.
func JccShort(c *isa.Cursor, cc uint8, disp int64) error {
	if !fits8(disp) {
		return &isa.OperandOutOfRangeError{Op: "Jcc rel8", Value: disp, Min: -0x80, Max: 0x7F}
	}
	c.Emit(0x70|(cc&0xF), byte(int8(disp)))
	return nil
}

// JccNear encodes a near conditional jump: 0F 8X disp32.
func JccNear(c *isa.Cursor, cc uint8, disp int64) error {
	if !fits32(disp) {
		return &isa.OperandOutOfRangeError{Op: "Jcc rel32", Value: disp, Min: -0x80000000, Max: 0x7FFFFFFF}
	}
	var b [4]byte
	put32(b[:], uint32(int32(disp)))
	c.Emit(0x0F, 0x80|(cc&0xF))
	c.Emit(b[:]...)
	return nil
}

// invertCC flips a tttn condition code to its logical negation; XORing the
// low bit does this for both the short and near Jcc opcode forms.
func invertCC(cc uint8) uint8 { return cc ^ 1 }

// LoopRel8 encodes LOOP: E2 disp8.
func LoopRel8(c *isa.Cursor, disp int64) error {
	if !fits8(disp) {
		return &isa.OperandOutOfRangeError{Op: "LOOP", Value: disp, Min: -0x80, Max: 0x7F}
	}
	c.Emit(0xE2, byte(int8(disp)))
	return nil
}

// LoopCCRel8 encodes LOOPE/LOOPZ (e==true) or LOOPNE/LOOPNZ (e==false).
func LoopCCRel8(c *isa.Cursor, e bool, disp int64) error {
	if !fits8(disp) {
		return &isa.OperandOutOfRangeError{Op: "LOOPcc", Value: disp, Min: -0x80, Max: 0x7F}
	}
	op := byte(0xE0)
	if e {
		op = 0xE1
	}
	c.Emit(op, byte(int8(disp)))
	return nil
}

// JcxzRel8 encodes JCXZ/JECXZ/JRCXZ: E3 disp8, with an address-size
// override prefix (0x67) when the counter register's width differs from
// the mode's default.
func JcxzRel8(c *isa.Cursor, addressSizeOverride bool, disp int64) error {
	if !fits8(disp) {
		return &isa.OperandOutOfRangeError{Op: "JCXZ", Value: disp, Min: -0x80, Max: 0x7F}
	}
	if addressSizeOverride {
		c.Emit(0x67)
	}
	c.Emit(0xE3, byte(int8(disp)))
	return nil
}

// DecReg encodes DEC r32/r64. On x64 the single-byte 0x48-0x4F DEC-reg
// opcodes were repurposed as REX, so the FF /1 r/m form (with REX.W) is the
// only choice; on x86 it's a one-byte opcode.
func DecReg(c *isa.Cursor, r regs.Register, is64 bool) error {
	if is64 {
		c.Emit(rexPrefix(true, false, false, r.Code >= 8), 0xFF, 0xC8|(r.Code&0x7))
		return nil
	}
	c.Emit(0x48 | (r.Code & 0x7))
	return nil
}

// TestRegReg encodes TEST r16,r16 (66 85 /r) against itself, used to
// rewrite JCXZ into TEST cx,cx; JZ rel32 when the direct form is out of
// range.
func TestRegReg(c *isa.Cursor, r regs.Register) error {
	c.Emit(0x66, 0x85, modrmReg(3, r.Code)|(r.Code&0x7))
	return nil
}

func modrmReg(mod uint8, reg uint8) byte { return byte((mod << 6) | ((reg & 0x7) << 3)) }

func rexPrefix(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// MovRegImm64 encodes MOV r64, imm64: REX.W B8+rd io.
func MovRegImm64(c *isa.Cursor, r regs.Register, v uint64) error {
	c.Emit(rexPrefix(true, false, false, r.Code >= 8), 0xB8|(r.Code&0x7))
	var b [8]byte
	put64(b[:], v)
	c.Emit(b[:]...)
	return nil
}

// MovRegImm32 encodes MOV r32, imm32: B8+rd id (32-bit mode / x64 zero-extend).
func MovRegImm32(c *isa.Cursor, r regs.Register, v uint32) error {
	if r.Code >= 8 {
		c.Emit(rexPrefix(false, false, false, true))
	}
	c.Emit(0xB8 | (r.Code & 0x7))
	var b [4]byte
	put32(b[:], v)
	c.Emit(b[:]...)
	return nil
}

// JmpIndirect encodes JMP r/m (FF /4) through a register.
func JmpIndirect(c *isa.Cursor, r regs.Register, is64 bool) error {
	if is64 && r.Code >= 8 {
		c.Emit(rexPrefix(false, false, false, true))
	}
	c.Emit(0xFF, 0xE0|(r.Code&0x7))
	return nil
}

// CallIndirect encodes CALL r/m (FF /2) through a register.
func CallIndirect(c *isa.Cursor, r regs.Register, is64 bool) error {
	if is64 && r.Code >= 8 {
		c.Emit(rexPrefix(false, false, false, true))
	}
	c.Emit(0xFF, 0xD0|(r.Code&0x7))
	return nil
}

// PushReg encodes PUSH r (50+rd), REX.B extended for r8-r15 on x64.
func PushReg(c *isa.Cursor, r regs.Register) error {
	if r.Code >= 8 {
		c.Emit(rexPrefix(false, false, false, true))
	}
	c.Emit(0x50 | (r.Code & 0x7))
	return nil
}

// PopReg encodes POP r (58+rd).
func PopReg(c *isa.Cursor, r regs.Register) error {
	if r.Code >= 8 {
		c.Emit(rexPrefix(false, false, false, true))
	}
	c.Emit(0x58 | (r.Code & 0x7))
	return nil
}

// SubRspImm32 encodes SUB rsp, imm32 (81 /5 id), REX.W on x64.
func SubRspImm32(c *isa.Cursor, imm int32, is64 bool) error {
	if is64 {
		c.Emit(rexPrefix(true, false, false, false))
	}
	c.Emit(0x81, 0xEC)
	var b [4]byte
	put32(b[:], uint32(imm))
	c.Emit(b[:]...)
	return nil
}

// AddRspImm32 encodes ADD rsp, imm32 (81 /0 id), REX.W on x64.
func AddRspImm32(c *isa.Cursor, imm int32, is64 bool) error {
	if is64 {
		c.Emit(rexPrefix(true, false, false, false))
	}
	c.Emit(0x81, 0xC4)
	var b [4]byte
	put32(b[:], uint32(imm))
	c.Emit(b[:]...)
	return nil
}

// RetImm16 encodes RET imm16 (C2 iw); RetNear encodes plain RET (C3).
func RetImm16(c *isa.Cursor, imm uint16) error {
	c.Emit(0xC2, byte(imm), byte(imm>>8))
	return nil
}

func RetNear(c *isa.Cursor) error {
	c.Emit(0xC3)
	return nil
}

// MovdquLoad/MovdquStore encode MOVDQU xmm, [rsp+off] / the reverse, used by
// Lower for stack moves of 128-bit registers; the ymm and zmm forms are the
// Vmovdqu* functions below, which emit their own VEX/EVEX prefix.
func MovdquLoad(c *isa.Cursor, xmm regs.Register, rspOffset int32) error {
	c.Emit(0xF3, 0x0F, 0x6F)
	emitRspModRM(c, xmm.Code, rspOffset)
	return nil
}

func MovdquStore(c *isa.Cursor, xmm regs.Register, rspOffset int32) error {
	c.Emit(0xF3, 0x0F, 0x7F)
	emitRspModRM(c, xmm.Code, rspOffset)
	return nil
}

// MovdquRegReg encodes MOVDQU xmm, xmm (F3 0F 6F /r, mod=11), the
// register-register move for the 128-bit register class.
func MovdquRegReg(c *isa.Cursor, dst, src regs.Register) error {
	c.Emit(0xF3, 0x0F, 0x6F, modrmReg(3, dst.Code)|(src.Code&0x7))
	return nil
}

// VmovdquLoad/VmovdquStore encode VMOVDQU ymm, [rsp+off] and its reverse
// (VEX.256.F3.0F 6F/7F), for spilling 256-bit registers. ymm0-7 only; the
// two-byte VEX form has no B extension for the base and none of the preset
// conventions pass parameters in ymm8+.
func VmovdquLoad(c *isa.Cursor, ymm regs.Register, rspOffset int32) error {
	if ymm.Code >= 8 {
		return &isa.InvalidRegisterError{Op: "VMOVDQU", Register: ymm.Name, Reason: "only ymm0-ymm7 supported"}
	}
	c.Emit(0xC5, 0xFE, 0x6F)
	emitRspModRM(c, ymm.Code, rspOffset)
	return nil
}

func VmovdquStore(c *isa.Cursor, ymm regs.Register, rspOffset int32) error {
	if ymm.Code >= 8 {
		return &isa.InvalidRegisterError{Op: "VMOVDQU", Register: ymm.Name, Reason: "only ymm0-ymm7 supported"}
	}
	c.Emit(0xC5, 0xFE, 0x7F)
	emitRspModRM(c, ymm.Code, rspOffset)
	return nil
}

// Vmovdqu64Load/Vmovdqu64Store encode VMOVDQU64 zmm, [rsp+off] and its
// reverse (EVEX.512.F3.0F.W1 6F/7F), for spilling 512-bit registers.
// zmm0-15 in the register field; the fixed EVEX bytes below carry R=1,
// B/X=1 (no extension) and L'L=10 for the 512-bit vector length.
func Vmovdqu64Load(c *isa.Cursor, zmm regs.Register, rspOffset int32) error {
	if zmm.Code >= 16 {
		return &isa.InvalidRegisterError{Op: "VMOVDQU64", Register: zmm.Name, Reason: "only zmm0-zmm15 supported"}
	}
	p1 := byte(0xF1)
	if zmm.Code >= 8 {
		p1 &^= 0x80 // clear inverted EVEX.R for zmm8-15
	}
	c.Emit(0x62, p1, 0xFE, 0x48, 0x6F)
	emitRspModRM(c, zmm.Code, rspOffset)
	return nil
}

func Vmovdqu64Store(c *isa.Cursor, zmm regs.Register, rspOffset int32) error {
	if zmm.Code >= 16 {
		return &isa.InvalidRegisterError{Op: "VMOVDQU64", Register: zmm.Name, Reason: "only zmm0-zmm15 supported"}
	}
	p1 := byte(0xF1)
	if zmm.Code >= 8 {
		p1 &^= 0x80
	}
	c.Emit(0x62, p1, 0xFE, 0x48, 0x7F)
	emitRspModRM(c, zmm.Code, rspOffset)
	return nil
}

func emitRspModRM(c *isa.Cursor, reg uint8, rspOffset int32) {
	// ModRM.rm=100 (SIB follows) is mandatory when the base is RSP; SIB
	// scale=0,index=100(none),base=100(rsp).
	if rspOffset == 0 {
		c.Emit(modrmReg(0, reg)|0x04, 0x24)
		return
	}
	if fits8(int64(rspOffset)) {
		c.Emit(modrmReg(1, reg)|0x04, 0x24, byte(int8(rspOffset)))
		return
	}
	var b [4]byte
	put32(b[:], uint32(rspOffset))
	c.Emit(modrmReg(2, reg)|0x04, 0x24)
	c.Emit(b[:]...)
}

// MovRegReg encodes MOV r/m64, r64 (89 /r), the register-register form the
// wrapper's intra-register moves lower to.
func MovRegReg(c *isa.Cursor, dst, src regs.Register, is64 bool) error {
	if is64 {
		c.Emit(rexPrefix(true, src.Code >= 8, false, dst.Code >= 8))
	} else if src.Code >= 8 || dst.Code >= 8 {
		c.Emit(rexPrefix(false, src.Code >= 8, false, dst.Code >= 8))
	}
	c.Emit(0x89, modrmReg(3, src.Code&0x7)|(dst.Code&0x7))
	return nil
}

// StoreRspOff encodes MOV [rsp+off], r (89 /r with an SIB-qualified rsp
// base), the lowering for opstream's MovToStack.
func StoreRspOff(c *isa.Cursor, r regs.Register, rspOffset int32, is64 bool) error {
	if is64 {
		c.Emit(rexPrefix(true, r.Code >= 8, false, false))
	} else if r.Code >= 8 {
		c.Emit(rexPrefix(false, true, false, false))
	}
	c.Emit(0x89)
	emitRspModRM(c, r.Code&0x7, rspOffset)
	return nil
}

// LoadRspOff encodes MOV r, [rsp+off] (8B /r), the lowering for opstream's
// MovFromStack.
func LoadRspOff(c *isa.Cursor, r regs.Register, rspOffset int32, is64 bool) error {
	if is64 {
		c.Emit(rexPrefix(true, r.Code >= 8, false, false))
	} else if r.Code >= 8 {
		c.Emit(rexPrefix(false, true, false, false))
	}
	c.Emit(0x8B)
	emitRspModRM(c, r.Code&0x7, rspOffset)
	return nil
}

// PushMemRspOff encodes PUSH r/m64 ([rsp+off]) (FF /6), the lowering for
// opstream's PushStack.
func PushMemRspOff(c *isa.Cursor, rspOffset int32) error {
	c.Emit(0xFF)
	emitRspModRM(c, 6, rspOffset)
	return nil
}
