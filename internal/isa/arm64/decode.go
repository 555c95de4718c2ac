package arm64

import (
	"encoding/binary"

	"github.com/codeforge/rehook/internal/isa"
)

// DisassembleLength reports the whole-instruction boundary at least
// minLength bytes past addr. Every AArch64 instruction is 4 bytes, so this
// reduces to rounding minLength up to the next multiple of 4.
func DisassembleLength(addr uint64, minLength int) (exactLength int, instructionCount int) {
	n := (minLength + 3) / 4
	if n == 0 {
		n = 1
	}
	return n * 4, n
}

// Decoded is the classified form of one 4-byte AArch64 instruction that the
// relocator's catalog understands, plus enough of the raw encoding for the
// relocator to pull out condition codes, registers and offsets.
type Decoded struct {
	Raw  uint32
	Kind DecodedKind

	Cond    Cond
	Rt      uint8
	Rd      uint8
	Rn      uint8
	Bit     uint8
	SF64    bool
	NonZero bool
	Width   LDRLiteralWidth
	Offset  int64 // byte offset encoded in the instruction, relative to its own address
}

// DecodedKind enumerates which catalog member an instruction belongs to, or
// Unclassified if it is not one of the PC-relative forms the relocator
// patches (in which case the relocator copies it unchanged).
type DecodedKind uint8

const (
	DecodedUnclassified DecodedKind = iota
	DecodedB
	DecodedBL
	DecodedBCond
	DecodedCBZ
	DecodedTBZ
	DecodedLDRLiteral
	DecodedLDRLiteralPrefetch
)

func get32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift)) >> shift
}

// Decode classifies a single 4-byte AArch64 instruction for the relocator.
func Decode(word []byte) (Decoded, error) {
	if len(word) < 4 {
		return Decoded{}, isa.ErrDisassemblyFailure
	}
	raw := get32(word)
	d := Decoded{Raw: raw}

	switch {
	case raw&0x7C000000 == 0x14000000: // B / BL: top 6 bits 000101/100101
		imm26 := raw & 0x03FFFFFF
		d.Offset = signExtend(imm26, 26) * 4
		if raw&0x80000000 != 0 {
			d.Kind = DecodedBL
		} else {
			d.Kind = DecodedB
		}
		return d, nil

	case raw&0xFF000010 == 0x54000000: // B.cond
		imm19 := (raw >> 5) & 0x7FFFF
		d.Kind = DecodedBCond
		d.Cond = Cond(raw & 0xF)
		d.Offset = signExtend(imm19, 19) * 4
		return d, nil

	case raw&0x7E000000 == 0x34000000: // CBZ/CBNZ
		imm19 := (raw >> 5) & 0x7FFFF
		d.Kind = DecodedCBZ
		d.SF64 = raw&(1<<31) != 0
		d.NonZero = raw&(1<<24) != 0
		d.Rt = uint8(raw & 0x1F)
		d.Offset = signExtend(imm19, 19) * 4
		return d, nil

	case raw&0x7E000000 == 0x36000000: // TBZ/TBNZ
		imm14 := (raw >> 5) & 0x3FFF
		d.Kind = DecodedTBZ
		d.NonZero = raw&(1<<24) != 0
		d.Rt = uint8(raw & 0x1F)
		b5 := (raw >> 31) & 0x1
		b40 := (raw >> 19) & 0x1F
		d.Bit = uint8((b5 << 5) | b40)
		d.Offset = signExtend(imm14, 14) * 4
		return d, nil

	case raw&0x3B000000 == 0x18000000: // LDR literal family: opc in bits[31:30]/[26]
		imm19 := (raw >> 5) & 0x7FFFF
		d.Rt = uint8(raw & 0x1F)
		d.Offset = signExtend(imm19, 19) * 4
		switch raw & 0xFF000000 {
		case 0x18000000:
			d.Kind, d.Width = DecodedLDRLiteral, LDRLit32
		case 0x58000000:
			d.Kind, d.Width = DecodedLDRLiteral, LDRLit64
		case 0x98000000:
			d.Kind, d.Width = DecodedLDRLiteral, LDRLit32SignExtend
		case 0x1C000000:
			d.Kind, d.Width = DecodedLDRLiteral, LDRLitSIMD32
		case 0x5C000000:
			d.Kind, d.Width = DecodedLDRLiteral, LDRLitSIMD64
		case 0x9C000000:
			d.Kind, d.Width = DecodedLDRLiteral, LDRLitSIMD128
		case 0xD8000000:
			d.Kind = DecodedLDRLiteralPrefetch // prefetch variant, mode==0b11, advisory, dropped if out of range
		default:
			d.Kind = DecodedUnclassified
		}
		return d, nil

	default:
		d.Kind = DecodedUnclassified
		return d, nil
	}
}

func (k DecodedKind) String() string {
	switch k {
	case DecodedB:
		return "b"
	case DecodedBL:
		return "bl"
	case DecodedBCond:
		return "b.cond"
	case DecodedCBZ:
		return "cbz"
	case DecodedTBZ:
		return "tbz"
	case DecodedLDRLiteral:
		return "ldr(literal)"
	case DecodedLDRLiteralPrefetch:
		return "prfm(literal)"
	default:
		return "other"
	}
}

// Classify wraps Decode into the architecture-independent isa.Classified
// shape: original bytes, length and control-flow kind.
func Classify(word []byte) (isa.Classified, error) {
	d, err := Decode(word)
	if err != nil {
		return isa.Classified{}, err
	}
	return isa.Classified{
		Bytes:    append([]byte(nil), word[:4]...),
		Length:   4,
		Kind:     d.ClassifyControlFlow(),
		Mnemonic: d.Kind.String(),
	}, nil
}

// ClassifyControlFlow reports the control-flow kind of a decoded
// instruction, for the isa.Classified contract.
func (d Decoded) ClassifyControlFlow() isa.ControlFlowKind {
	switch d.Kind {
	case DecodedB:
		return isa.CFUnconditionalBranch
	case DecodedBL:
		return isa.CFCall
	case DecodedBCond, DecodedCBZ, DecodedTBZ:
		return isa.CFConditionalBranch
	default:
		return isa.CFNext
	}
}
