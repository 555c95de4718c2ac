// Package arm64 implements the AArch64 instruction encoder, length
// disassembler and relocator of the hooking pipeline: a small kind-tagged
// value per relocation outcome (see relocate.go) and free functions for raw
// encoding, rather than a stateful assembler object.
package arm64

import (
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/regs"
)

// Cond is an AArch64 condition code (the 4-bit field of B.cond/CSEL/etc).
type Cond uint8

const (
	CondEQ Cond = 0x0
	CondNE Cond = 0x1
	CondCS Cond = 0x2
	CondCC Cond = 0x3
	CondMI Cond = 0x4
	CondPL Cond = 0x5
	CondVS Cond = 0x6
	CondVC Cond = 0x7
	CondHI Cond = 0x8
	CondLS Cond = 0x9
	CondGE Cond = 0xA
	CondLT Cond = 0xB
	CondGT Cond = 0xC
	CondLE Cond = 0xD
	CondAL Cond = 0xE
)

// Invert flips a condition to its logical negation; bit 0 of the condition
// field does this for every AArch64 condition code except AL/NV.
func (c Cond) Invert() Cond { return c ^ 1 }

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func signedFits(v int64, bits uint) bool {
	lo := -(int64(1) << (bits - 1))
	hi := int64(1) << (bits - 1)
	return v >= lo && v < hi
}

// B encodes an unconditional branch, B (link=false) or BL (link=true), with
// a byte offset relative to the instruction's own address. Range: the
// offset must fit in a signed 26-bit word count, i.e. −2²⁷ ≤ offset < 2²⁷
// bytes (inclusive on the minus side, exclusive on the plus side).
func B(c *isa.Cursor, offset int64, link bool) error {
	if offset%4 != 0 || !signedFits(offset/4, 26) {
		return &isa.OperandOutOfRangeError{Op: "B/BL", Value: offset, Min: -(1 << 27), Max: 1 << 27}
	}
	imm26 := uint32(offset/4) & 0x03FFFFFF
	op := uint32(0x14000000)
	if link {
		op = 0x94000000
	}
	var b [4]byte
	put32(b[:], op|imm26)
	c.Emit(b[:]...)
	return nil
}

// BCond encodes B.cond with a byte offset relative to the instruction's own
// address. Range: signed 19-bit word count, ±1 MiB.
func BCond(c *isa.Cursor, cond Cond, offset int64) error {
	if offset%4 != 0 || !signedFits(offset/4, 19) {
		return &isa.OperandOutOfRangeError{Op: "B.cond", Value: offset, Min: -(1 << 20), Max: 1 << 20}
	}
	imm19 := uint32(offset/4) & 0x7FFFF
	var b [4]byte
	put32(b[:], 0x54000000|(imm19<<5)|uint32(cond&0xF))
	c.Emit(b[:]...)
	return nil
}

// CBZ/CBNZ: compare-and-branch on (non-)zero. sf64 selects the 64-bit (Xt)
// vs 32-bit (Wt) form. Range: ±1 MiB, same as B.cond.
func CBZ(c *isa.Cursor, rt regs.Register, sf64 bool, nonZero bool, offset int64) error {
	if offset%4 != 0 || !signedFits(offset/4, 19) {
		return &isa.OperandOutOfRangeError{Op: "CBZ/CBNZ", Value: offset, Min: -(1 << 20), Max: 1 << 20}
	}
	imm19 := uint32(offset/4) & 0x7FFFF
	op := uint32(0x34000000)
	if sf64 {
		op |= 1 << 31
	}
	if nonZero {
		op |= 1 << 24
	}
	var b [4]byte
	put32(b[:], op|(imm19<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// TBZ/TBNZ: test-bit-and-branch. bit is the 0-63 bit index tested. Range:
// ±32 KiB (signed 14-bit word count).
func TBZ(c *isa.Cursor, rt regs.Register, bit uint8, nonZero bool, offset int64) error {
	if offset%4 != 0 || !signedFits(offset/4, 14) {
		return &isa.OperandOutOfRangeError{Op: "TBZ/TBNZ", Value: offset, Min: -(1 << 15), Max: 1 << 15}
	}
	imm14 := uint32(offset/4) & 0x3FFF
	op := uint32(0x36000000)
	if nonZero {
		op |= 1 << 24
	}
	op |= (uint32(bit) & 0x20) << (31 - 5) // b5 into bit31
	op |= (uint32(bit) & 0x1F) << 19       // b40 into bits[23:19]
	var b [4]byte
	put32(b[:], op|(imm14<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// ADR loads a PC-relative byte address into rd. Range: ±1 MiB (signed
// 21-bit byte offset, no alignment requirement).
func ADR(c *isa.Cursor, rd regs.Register, offset int64) error {
	if !signedFits(offset, 21) {
		return &isa.OperandOutOfRangeError{Op: "ADR", Value: offset, Min: -(1 << 20), Max: 1 << 20}
	}
	imm := uint32(offset) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := imm >> 2
	var b [4]byte
	put32(b[:], 0x10000000|(immlo<<29)|(immhi<<5)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// ADRP loads the 4 KiB page address of a PC-relative target into rd. Range:
// ±4 GiB measured in pages (signed 21-bit page count); both pc and target
// must be page-down masked (bit-AND with ^0xFFF) by the caller before
// computing pageOffset.
func ADRP(c *isa.Cursor, rd regs.Register, pageOffset int64) error {
	pages := pageOffset >> 12
	if !signedFits(pages, 21) {
		return &isa.OperandOutOfRangeError{Op: "ADRP", Value: pages, Min: -(1 << 20), Max: 1 << 20}
	}
	imm := uint32(pages) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := imm >> 2
	var b [4]byte
	put32(b[:], 0x90000000|(immlo<<29)|(immhi<<5)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// ADDImm encodes ADD (immediate), 64-bit, unshifted 12-bit immediate,
// rd = rn + imm12.
func ADDImm(c *isa.Cursor, rd, rn regs.Register, imm12 uint32) error {
	if imm12 > 0xFFF {
		return &isa.OperandOutOfRangeError{Op: "ADD(imm)", Value: int64(imm12), Min: 0, Max: 0xFFF}
	}
	var b [4]byte
	put32(b[:], 0x91000000|(imm12<<10)|(uint32(rn.Code&0x1F)<<5)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// LDRLiteralWidth selects which LDR-literal encoding to emit.
type LDRLiteralWidth uint8

const (
	LDRLit32 LDRLiteralWidth = iota
	LDRLit64
	LDRLit32SignExtend // LDRSW (literal)
	LDRLitSIMD32
	LDRLitSIMD64
	LDRLitSIMD128
)

// LDRLiteral loads a PC-relative literal into rt. Range: ±1 MiB (signed
// 19-bit word count).
func LDRLiteral(c *isa.Cursor, rt regs.Register, width LDRLiteralWidth, offset int64) error {
	if offset%4 != 0 || !signedFits(offset/4, 19) {
		return &isa.OperandOutOfRangeError{Op: "LDR literal", Value: offset, Min: -(1 << 20), Max: 1 << 20}
	}
	imm19 := uint32(offset/4) & 0x7FFFF
	var op uint32
	switch width {
	case LDRLit32:
		op = 0x18000000
	case LDRLit64:
		op = 0x58000000
	case LDRLit32SignExtend:
		op = 0x98000000
	case LDRLitSIMD32:
		op = 0x1C000000
	case LDRLitSIMD64:
		op = 0x5C000000
	case LDRLitSIMD128:
		op = 0x9C000000
	}
	var b [4]byte
	put32(b[:], op|(imm19<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// LDRUnsignedOffset encodes LDR (immediate), unsigned offset form:
// rt = *(rn + imm12*size). size selects the 1/2/4/8-byte transfer.
func LDRUnsignedOffset(c *isa.Cursor, rt, rn regs.Register, size uint8, imm12 uint32) error {
	if imm12 > 0xFFF {
		return &isa.OperandOutOfRangeError{Op: "LDR(unsigned offset)", Value: int64(imm12), Min: 0, Max: 0xFFF}
	}
	var op uint32
	switch size {
	case 8:
		op = 0xF9400000
	case 4:
		op = 0xB9400000
	case 2:
		op = 0x79400000
	case 1:
		op = 0x39400000
	default:
		return &isa.InvalidRegisterError{Op: "LDR(unsigned offset)", Register: rt.Name, Reason: "unsupported transfer size"}
	}
	var b [4]byte
	put32(b[:], op|(imm12<<10)|(uint32(rn.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// LDRUnsignedOffsetWidth encodes the unsigned-offset load matching a
// literal-load width, covering the plain integer, sign-extending and SIMD
// forms. imm12 is already scaled by the transfer size.
func LDRUnsignedOffsetWidth(c *isa.Cursor, rt, rn regs.Register, width LDRLiteralWidth, imm12 uint32) error {
	if imm12 > 0xFFF {
		return &isa.OperandOutOfRangeError{Op: "LDR(unsigned offset)", Value: int64(imm12), Min: 0, Max: 0xFFF}
	}
	var op uint32
	switch width {
	case LDRLit32:
		op = 0xB9400000
	case LDRLit64:
		op = 0xF9400000
	case LDRLit32SignExtend:
		op = 0xB9800000 // LDRSW
	case LDRLitSIMD32:
		op = 0xBD400000
	case LDRLitSIMD64:
		op = 0xFD400000
	case LDRLitSIMD128:
		op = 0x3DC00000
	}
	var b [4]byte
	put32(b[:], op|(imm12<<10)|(uint32(rn.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// BR/BLR: indirect branch through a register, optionally with link.
func BR(c *isa.Cursor, rn regs.Register, link bool) error {
	op := uint32(0xD61F0000)
	if link {
		op = 0xD63F0000
	}
	var b [4]byte
	put32(b[:], op|(uint32(rn.Code&0x1F)<<5))
	c.Emit(b[:]...)
	return nil
}

// MOVZ loads imm16 into rd shifted left by hw*16, zeroing the rest.
func MOVZ(c *isa.Cursor, rd regs.Register, imm16 uint16, hw uint8, sf64 bool) error {
	if hw > 3 || (!sf64 && hw > 1) {
		return &isa.OperandOutOfRangeError{Op: "MOVZ", Value: int64(hw), Min: 0, Max: 3}
	}
	op := uint32(0x52800000)
	if sf64 {
		op |= 1 << 31
	}
	var b [4]byte
	put32(b[:], op|(uint32(hw)<<21)|(uint32(imm16)<<5)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// MOVK loads imm16 into rd shifted left by hw*16, keeping the rest of rd.
func MOVK(c *isa.Cursor, rd regs.Register, imm16 uint16, hw uint8, sf64 bool) error {
	if hw > 3 || (!sf64 && hw > 1) {
		return &isa.OperandOutOfRangeError{Op: "MOVK", Value: int64(hw), Min: 0, Max: 3}
	}
	op := uint32(0x72800000)
	if sf64 {
		op |= 1 << 31
	}
	var b [4]byte
	put32(b[:], op|(uint32(hw)<<21)|(uint32(imm16)<<5)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// MovImmediateLen reports how many MOVZ+MOVK... instructions are needed to
// materialize a 64-bit immediate, chosen by leading-zero count: 1/2/3/4
// instructions for values that fit in 16/32/48/64 bits.
func MovImmediateLen(v uint64) int {
	switch {
	case v>>16 == 0:
		return 1
	case v>>32 == 0:
		return 2
	case v>>48 == 0:
		return 3
	default:
		return 4
	}
}

// EmitMovImmediate emits the minimal MOVZ+MOVK* sequence loading v into rd,
// matching MovImmediateLen's count.
func EmitMovImmediate(c *isa.Cursor, rd regs.Register, v uint64) error {
	n := MovImmediateLen(v)
	if err := MOVZ(c, rd, uint16(v), 0, true); err != nil {
		return err
	}
	for hw := 1; hw < n; hw++ {
		if err := MOVK(c, rd, uint16(v>>(16*hw)), uint8(hw), true); err != nil {
			return err
		}
	}
	return nil
}

// STRUnsignedOffset encodes STR (immediate), unsigned offset form:
// *(rn + imm12*size) = rt. The store counterpart of LDRUnsignedOffset.
func STRUnsignedOffset(c *isa.Cursor, rt, rn regs.Register, size uint8, imm12 uint32) error {
	if imm12 > 0xFFF {
		return &isa.OperandOutOfRangeError{Op: "STR(unsigned offset)", Value: int64(imm12), Min: 0, Max: 0xFFF}
	}
	var op uint32
	switch size {
	case 8:
		op = 0xF9000000
	case 4:
		op = 0xB9000000
	case 2:
		op = 0x79000000
	case 1:
		op = 0x39000000
	default:
		return &isa.InvalidRegisterError{Op: "STR(unsigned offset)", Register: rt.Name, Reason: "unsupported transfer size"}
	}
	var b [4]byte
	put32(b[:], op|(imm12<<10)|(uint32(rn.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// STRPreIndex encodes STR (immediate), pre-indexed 64-bit form against SP:
// SP -= 8 (or imm9), then *(SP) = rt. This is how Push lowers in the
// absence of AArch64's x86-style PUSH instruction.
func STRPreIndex(c *isa.Cursor, rt regs.Register, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "STR(pre-index)", Value: int64(imm9), Min: -256, Max: 255}
	}
	var b [4]byte
	put32(b[:], 0xF8000C00|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// LDRPostIndex encodes LDR (immediate), post-indexed 64-bit form against SP:
// rt = *(SP), then SP += imm9. Pop's lowering.
func LDRPostIndex(c *isa.Cursor, rt regs.Register, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "LDR(post-index)", Value: int64(imm9), Min: -256, Max: 255}
	}
	var b [4]byte
	put32(b[:], 0xF8400400|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// STRPreIndexFP encodes STR (immediate, SIMD&FP), pre-indexed against SP,
// for an 8-byte D or 16-byte Q register.
func STRPreIndexFP(c *isa.Cursor, rt regs.Register, size uint8, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "STR(pre-index,fp)", Value: int64(imm9), Min: -256, Max: 255}
	}
	var op uint32
	switch size {
	case 8:
		op = 0xFC000C00
	case 16:
		op = 0x3C800C00
	default:
		return &isa.InvalidRegisterError{Op: "STR(pre-index,fp)", Register: rt.Name, Reason: "unsupported transfer size"}
	}
	var b [4]byte
	put32(b[:], op|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// LDRPostIndexFP encodes LDR (immediate, SIMD&FP), post-indexed against SP.
func LDRPostIndexFP(c *isa.Cursor, rt regs.Register, size uint8, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "LDR(post-index,fp)", Value: int64(imm9), Min: -256, Max: 255}
	}
	var op uint32
	switch size {
	case 8:
		op = 0xFC400400
	case 16:
		op = 0x3CC00400
	default:
		return &isa.InvalidRegisterError{Op: "LDR(post-index,fp)", Register: rt.Name, Reason: "unsupported transfer size"}
	}
	var b [4]byte
	put32(b[:], op|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// STURFP / LDURFP encode the unscaled-offset SIMD&FP store/load against SP,
// for the signed (possibly negative) offsets the push decomposition pass
// produces.
func STURFP(c *isa.Cursor, rt regs.Register, size uint8, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "STUR(fp)", Value: int64(imm9), Min: -256, Max: 255}
	}
	var op uint32
	switch size {
	case 8:
		op = 0xFC000000
	case 16:
		op = 0x3C800000
	default:
		return &isa.InvalidRegisterError{Op: "STUR(fp)", Register: rt.Name, Reason: "unsupported transfer size"}
	}
	var b [4]byte
	put32(b[:], op|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

func LDURFP(c *isa.Cursor, rt regs.Register, size uint8, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "LDUR(fp)", Value: int64(imm9), Min: -256, Max: 255}
	}
	var op uint32
	switch size {
	case 8:
		op = 0xFC400000
	case 16:
		op = 0x3CC00000
	default:
		return &isa.InvalidRegisterError{Op: "LDUR(fp)", Register: rt.Name, Reason: "unsupported transfer size"}
	}
	var b [4]byte
	put32(b[:], op|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// STPPreIndex encodes STP rt, rt2, [SP, #imm]!, the 64-bit pair store a
// fused multi-push lowers to. imm is in bytes, must be a multiple of 8 and
// fit the signed 7-bit scaled field (±512).
func STPPreIndex(c *isa.Cursor, rt, rt2 regs.Register, imm int) error {
	if imm%8 != 0 || imm < -512 || imm > 504 {
		return &isa.OperandOutOfRangeError{Op: "STP(pre-index)", Value: int64(imm), Min: -512, Max: 504}
	}
	imm7 := uint32(imm/8) & 0x7F
	var b [4]byte
	put32(b[:], 0xA9800000|(imm7<<15)|(uint32(rt2.Code&0x1F)<<10)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// LDPPostIndex encodes LDP rt, rt2, [SP], #imm, the pair load undoing
// STPPreIndex.
func LDPPostIndex(c *isa.Cursor, rt, rt2 regs.Register, imm int) error {
	if imm%8 != 0 || imm < -512 || imm > 504 {
		return &isa.OperandOutOfRangeError{Op: "LDP(post-index)", Value: int64(imm), Min: -512, Max: 504}
	}
	imm7 := uint32(imm/8) & 0x7F
	var b [4]byte
	put32(b[:], 0xA8C00000|(imm7<<15)|(uint32(rt2.Code&0x1F)<<10)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// STUR / LDUR encode the unscaled-offset 64-bit integer store/load against
// SP, for signed offsets the unsigned-offset forms cannot express.
func STUR(c *isa.Cursor, rt regs.Register, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "STUR", Value: int64(imm9), Min: -256, Max: 255}
	}
	var b [4]byte
	put32(b[:], 0xF8000000|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

func LDUR(c *isa.Cursor, rt regs.Register, imm9 int) error {
	if imm9 < -256 || imm9 > 255 {
		return &isa.OperandOutOfRangeError{Op: "LDUR", Value: int64(imm9), Min: -256, Max: 255}
	}
	var b [4]byte
	put32(b[:], 0xF8400000|((uint32(imm9)&0x1FF)<<12)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(rt.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// FMovReg encodes FMOV Dd, Dn.
func FMovReg(c *isa.Cursor, rd, rn regs.Register) error {
	var b [4]byte
	put32(b[:], 0x1E604000|(uint32(rn.Code&0x1F)<<5)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// MovVecReg encodes MOV Vd.16B, Vn.16B (the ORR vector alias).
func MovVecReg(c *isa.Cursor, rd, rn regs.Register) error {
	n := uint32(rn.Code & 0x1F)
	var b [4]byte
	put32(b[:], 0x4EA01C00|(n<<16)|(n<<5)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// AddSubSPImm encodes ADD/SUB (immediate), 64-bit, rd=rn=SP, unshifted
// 12-bit immediate; StackAlloc's lowering.
func AddSubSPImm(c *isa.Cursor, imm12 uint32, sub bool) error {
	if imm12 > 0xFFF {
		return &isa.OperandOutOfRangeError{Op: "ADD/SUB(imm,sp)", Value: int64(imm12), Min: 0, Max: 0xFFF}
	}
	op := uint32(0x91000000)
	if sub {
		op = 0xD1000000
	}
	var b [4]byte
	put32(b[:], op|(imm12<<10)|(uint32(regs.SP.Code&0x1F)<<5)|uint32(regs.SP.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// MovReg encodes MOV (register), 64-bit, as its canonical ORR Xd, XZR, Xm
// alias.
func MovReg(c *isa.Cursor, rd, rm regs.Register) error {
	var b [4]byte
	put32(b[:], 0xAA0003E0|(uint32(rm.Code&0x1F)<<16)|uint32(rd.Code&0x1F))
	c.Emit(b[:]...)
	return nil
}

// RET encodes a return through rn (X30/LR by default).
func RET(c *isa.Cursor, rn regs.Register) error {
	var b [4]byte
	put32(b[:], 0xD65F0000|(uint32(rn.Code&0x1F)<<5))
	c.Emit(b[:]...)
	return nil
}
