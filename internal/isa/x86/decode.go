package x86

import (
	"encoding/binary"

	"github.com/codeforge/rehook/internal/isa"
)

// prefixInfo accumulates the legacy/REX prefix bytes consumed before an
// opcode, since several catalog members (operand-size override, REX.W for
// imm64 moves) change how the rest of the instruction must be read.
type prefixInfo struct {
	length                   int
	rex                      byte
	hasRex                   bool
	opSize16                 bool // 0x66
	addrSize                 bool // 0x67
	mandatoryF2, mandatoryF3 bool
}

func scanPrefixes(code []byte, is64 bool) prefixInfo {
	var p prefixInfo
	for p.length < len(code) {
		b := code[p.length]
		switch b {
		case 0x66:
			p.opSize16 = true
		case 0x67:
			p.addrSize = true
		case 0xF0, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			// lock / segment overrides: consumed, no semantic effect here.
		case 0xF2:
			p.mandatoryF2 = true
		case 0xF3:
			p.mandatoryF3 = true
		default:
			if is64 && b >= 0x40 && b <= 0x4F {
				p.rex = b
				p.hasRex = true
				p.length++
				return p // REX must immediately precede the opcode
			}
			return p
		}
		p.length++
	}
	return p
}

// modRMLength returns the number of bytes consumed by a ModRM byte plus any
// SIB and displacement bytes that follow it, and whether the addressing
// mode is RIP-relative (mod==00, rm==101, 64-bit mode only).
func modRMLength(code []byte, addr16 bool) (total int, ripRelative bool, dispOffset int, dispSize int) {
	if len(code) == 0 {
		return 0, false, 0, 0
	}
	modrm := code[0]
	mod := modrm >> 6
	rm := modrm & 0x7
	n := 1

	if mod == 3 {
		return n, false, 0, 0
	}

	if !addr16 {
		if rm == 4 { // SIB byte follows
			if len(code) < 2 {
				return n, false, 0, 0
			}
			sib := code[1]
			base := sib & 0x7
			n++
			if mod == 0 && base == 5 {
				n += 4 // disp32 in place of base
				return n, false, n - 4, 4
			}
		} else if mod == 0 && rm == 5 {
			// RIP-relative (64-bit) / disp32 (32-bit, no base) addressing.
			n += 4
			return n, true, n - 4, 4
		}
		switch mod {
		case 1:
			return n + 1, false, n, 1
		case 2:
			return n + 4, false, n, 4
		default:
			return n, false, 0, 0
		}
	}

	// 16-bit addressing (rare, kept for completeness).
	switch mod {
	case 0:
		if rm == 6 {
			return n + 2, false, n, 2
		}
		return n, false, 0, 0
	case 1:
		return n + 1, false, n, 1
	case 2:
		return n + 2, false, n, 2
	default:
		return n, false, 0, 0
	}
}

// DecodedKind enumerates the relocator's catalog members; everything else
// reported as DecodedOther is copied unchanged unless it is a RIP-relative
// memory operand, flagged separately via RipRelative.
type DecodedKind uint8

const (
	DecodedOther DecodedKind = iota
	DecodedJmpRel8
	DecodedJmpRel32
	DecodedCallRel32
	DecodedJccShort
	DecodedJccNear
	DecodedLoop
	DecodedLoopE
	DecodedLoopNE
	DecodedJcxz
)

// Decoded is the classified form of one x86 instruction.
type Decoded struct {
	Length        int
	Kind          DecodedKind
	CC            uint8 // Jcc condition code
	Disp          int64 // the relative displacement encoded in the instruction, if any
	RipRelative   bool
	RipDispOffset int // byte offset of the disp32 within the instruction, if RipRelative
	Is64          bool
}

// DisassembleLength reads forward from the start of code until at least
// minLength bytes are consumed, reporting the exact whole-instruction
// boundary and how many instructions were stepped over.
func DisassembleLength(code []byte, is64 bool, minLength int) (exactLength int, instructionCount int, err error) {
	off := 0
	count := 0
	for off < minLength {
		if off >= len(code) {
			return 0, 0, isa.ErrDisassemblyFailure
		}
		d, e := decodeOne(code[off:], is64)
		if e != nil {
			return 0, 0, e
		}
		if d.Length == 0 {
			return 0, 0, isa.ErrDisassemblyFailure
		}
		off += d.Length
		count++
	}
	return off, count, nil
}

// DecodeAt classifies the single instruction at the start of code, for the
// relocator.
func DecodeAt(code []byte, is64 bool) (Decoded, error) {
	return decodeOne(code, is64)
}

func decodeOne(code []byte, is64 bool) (Decoded, error) {
	if len(code) == 0 {
		return Decoded{}, isa.ErrDisassemblyFailure
	}
	p := scanPrefixes(code, is64)
	if p.length >= len(code) {
		return Decoded{}, isa.ErrDisassemblyFailure
	}
	rest := code[p.length:]
	op := rest[0]
	d := Decoded{Is64: is64}

	switch op {
	case 0xEB: // JMP rel8
		if len(rest) < 2 {
			return Decoded{}, isa.ErrDisassemblyFailure
		}
		d.Length = p.length + 2
		d.Kind = DecodedJmpRel8
		d.Disp = int64(int8(rest[1]))
		return d, nil

	case 0xE9: // JMP rel32
		if len(rest) < 5 {
			return Decoded{}, isa.ErrDisassemblyFailure
		}
		d.Length = p.length + 5
		d.Kind = DecodedJmpRel32
		d.Disp = int64(int32(binary.LittleEndian.Uint32(rest[1:5])))
		return d, nil

	case 0xE8: // CALL rel32
		if len(rest) < 5 {
			return Decoded{}, isa.ErrDisassemblyFailure
		}
		d.Length = p.length + 5
		d.Kind = DecodedCallRel32
		d.Disp = int64(int32(binary.LittleEndian.Uint32(rest[1:5])))
		return d, nil

	case 0xE2, 0xE1, 0xE0, 0xE3: // LOOP / LOOPE / LOOPNE / JCXZ
		if len(rest) < 2 {
			return Decoded{}, isa.ErrDisassemblyFailure
		}
		d.Length = p.length + 2
		d.Disp = int64(int8(rest[1]))
		switch op {
		case 0xE2:
			d.Kind = DecodedLoop
		case 0xE1:
			d.Kind = DecodedLoopE
		case 0xE0:
			d.Kind = DecodedLoopNE
		case 0xE3:
			d.Kind = DecodedJcxz
		}
		return d, nil

	case 0x0F: // two-byte opcode map
		if len(rest) < 2 {
			return Decoded{}, isa.ErrDisassemblyFailure
		}
		op2 := rest[1]
		if op2 >= 0x80 && op2 <= 0x8F { // Jcc rel32
			if len(rest) < 6 {
				return Decoded{}, isa.ErrDisassemblyFailure
			}
			d.Length = p.length + 6
			d.Kind = DecodedJccNear
			d.CC = op2 & 0xF
			d.Disp = int64(int32(binary.LittleEndian.Uint32(rest[2:6])))
			return d, nil
		}
		return decodeTwoByteGeneric(p, rest, is64)

	default:
		if op >= 0x70 && op <= 0x7F { // Jcc rel8
			if len(rest) < 2 {
				return Decoded{}, isa.ErrDisassemblyFailure
			}
			d.Length = p.length + 2
			d.Kind = DecodedJccShort
			d.CC = op & 0xF
			d.Disp = int64(int8(rest[1]))
			return d, nil
		}
		return decodeOneByteGeneric(p, rest, is64)
	}
}

// decodeOneByteGeneric covers the common one-byte-opcode instructions a
// relocated run is likely to contain (pushes, pops, ALU r/m forms, MOV
// r,imm, LEA, RET, NOP/INT3) well enough to report their length and, for
// MOV/LEA with a RIP-relative ModRM operand, the fact that they need
// patching. Opcodes not recognized fall through to a conservative 1-byte
// step; full-ISA generality is out of scope for a hook-site prologue
// scanner.
func decodeOneByteGeneric(p prefixInfo, rest []byte, is64 bool) (Decoded, error) {
	op := rest[0]
	d := Decoded{Is64: is64}
	immSize := 0
	hasModRM := false

	switch {
	case op >= 0x50 && op <= 0x5F: // PUSH/POP reg
		d.Length = p.length + 1
		return d, nil
	case op == 0xC3, op == 0xC9, op == 0x90, op == 0xCC: // RET, LEAVE, NOP, INT3
		d.Length = p.length + 1
		return d, nil
	case op == 0xC2: // RET imm16
		d.Length = p.length + 3
		return d, nil
	case op >= 0xB8 && op <= 0xBF: // MOV reg, imm32/imm64
		immSize = 4
		if p.hasRex && p.rex&0x08 != 0 {
			immSize = 8
		}
		d.Length = p.length + 1 + immSize
		return d, nil
	case op == 0x00 || op == 0x01 || op == 0x02 || op == 0x03 || // ADD
		op == 0x08 || op == 0x09 || op == 0x0A || op == 0x0B || // OR
		op == 0x20 || op == 0x21 || op == 0x22 || op == 0x23 || // AND
		op == 0x28 || op == 0x29 || op == 0x2A || op == 0x2B || // SUB
		op == 0x30 || op == 0x31 || op == 0x32 || op == 0x33 || // XOR
		op == 0x38 || op == 0x39 || op == 0x3A || op == 0x3B || // CMP
		op == 0x88 || op == 0x89 || op == 0x8A || op == 0x8B || // MOV r/m,r and r,r/m
		op == 0x8D: // LEA
		hasModRM = true
	case op == 0x81: // ALU r/m, imm32
		hasModRM = true
		immSize = 4
		if p.opSize16 {
			immSize = 2
		}
	case op == 0x83: // ALU r/m, imm8
		hasModRM = true
		immSize = 1
	case op == 0xC7: // MOV r/m, imm32
		hasModRM = true
		immSize = 4
		if p.opSize16 {
			immSize = 2
		}
	case op == 0xFF: // INC/DEC/CALL/JMP/PUSH r/m (group 5)
		hasModRM = true
	case op == 0xF7: // group 3: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV r/m
		hasModRM = true
	}

	if hasModRM {
		mrmLen, rip, dispOff, dispSz := modRMLength(rest[1:], p.addrSize)
		_ = dispSz
		total := p.length + 1 + mrmLen + immSize
		d.Length = total
		if rip && is64 {
			d.RipRelative = true
			d.RipDispOffset = p.length + 1 + dispOff
			d.Disp = int64(int32(binary.LittleEndian.Uint32(rest[1+dispOff : 1+dispOff+4])))
		}
		if d.Length <= p.length {
			return Decoded{}, isa.ErrDisassemblyFailure
		}
		return d, nil
	}

	// Unknown opcode: degrade to a conservative single-byte step rather
	// than guessing wrong and corrupting the relocation boundary.
	d.Length = p.length + 1
	return d, nil
}

func decodeTwoByteGeneric(p prefixInfo, rest []byte, is64 bool) (Decoded, error) {
	op2 := rest[1]
	d := Decoded{Is64: is64}

	switch {
	case op2 == 0x1F: // multi-byte NOP
		mrmLen, _, _, _ := modRMLength(rest[2:], p.addrSize)
		d.Length = p.length + 2 + mrmLen
		return d, nil
	case op2 == 0x6F || op2 == 0x7F: // MOVDQA/MOVDQU xmm, xmm/m128 and reverse
		mrmLen, rip, dispOff, _ := modRMLength(rest[2:], p.addrSize)
		d.Length = p.length + 2 + mrmLen
		if rip && is64 {
			d.RipRelative = true
			d.RipDispOffset = p.length + 2 + dispOff
			d.Disp = int64(int32(binary.LittleEndian.Uint32(rest[2+dispOff : 2+dispOff+4])))
		}
		return d, nil
	case op2 >= 0x90 && op2 <= 0x9F: // SETcc r/m8
		mrmLen, _, _, _ := modRMLength(rest[2:], p.addrSize)
		d.Length = p.length + 2 + mrmLen
		return d, nil
	case op2 == 0xAF, op2 == 0xB6, op2 == 0xB7, op2 == 0xBE, op2 == 0xBF: // IMUL, MOVZX, MOVSX
		mrmLen, rip, dispOff, _ := modRMLength(rest[2:], p.addrSize)
		d.Length = p.length + 2 + mrmLen
		if rip && is64 {
			d.RipRelative = true
			d.RipDispOffset = p.length + 2 + dispOff
			d.Disp = int64(int32(binary.LittleEndian.Uint32(rest[2+dispOff : 2+dispOff+4])))
		}
		return d, nil
	default:
		// Conservative: assume a ModRM follows, which is true for almost
		// all of the remaining two-byte opcode map.
		mrmLen, rip, dispOff, _ := modRMLength(rest[2:], p.addrSize)
		d.Length = p.length + 2 + mrmLen
		if rip && is64 {
			d.RipRelative = true
			d.RipDispOffset = p.length + 2 + dispOff
			d.Disp = int64(int32(binary.LittleEndian.Uint32(rest[2+dispOff : 2+dispOff+4])))
		}
		return d, nil
	}
}

func (k DecodedKind) String() string {
	switch k {
	case DecodedJmpRel8:
		return "jmp rel8"
	case DecodedJmpRel32:
		return "jmp rel32"
	case DecodedCallRel32:
		return "call rel32"
	case DecodedJccShort:
		return "jcc rel8"
	case DecodedJccNear:
		return "jcc rel32"
	case DecodedLoop:
		return "loop"
	case DecodedLoopE:
		return "loope"
	case DecodedLoopNE:
		return "loopne"
	case DecodedJcxz:
		return "jcxz"
	default:
		return "other"
	}
}

// Classify wraps DecodeAt into the architecture-independent isa.Classified
// shape: original bytes, length and control-flow kind.
func Classify(code []byte, is64 bool) (isa.Classified, error) {
	d, err := decodeOne(code, is64)
	if err != nil {
		return isa.Classified{}, err
	}
	if d.Length > len(code) {
		return isa.Classified{}, isa.ErrDisassemblyFailure
	}
	return isa.Classified{
		Bytes:    append([]byte(nil), code[:d.Length]...),
		Length:   d.Length,
		Kind:     d.ClassifyControlFlow(),
		Mnemonic: d.Kind.String(),
	}, nil
}

// ClassifyControlFlow reports the control-flow kind of a decoded
// instruction, for the isa.Classified contract.
func (d Decoded) ClassifyControlFlow() isa.ControlFlowKind {
	switch d.Kind {
	case DecodedJmpRel8, DecodedJmpRel32:
		return isa.CFUnconditionalBranch
	case DecodedCallRel32:
		return isa.CFCall
	case DecodedJccShort, DecodedJccNear, DecodedLoop, DecodedLoopE, DecodedLoopNE, DecodedJcxz:
		return isa.CFConditionalBranch
	default:
		return isa.CFNext
	}
}
