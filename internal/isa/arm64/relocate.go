package arm64

import (
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/regs"
)

// RelocKind tags which expansion Relocate chose for one original
// instruction. The byte-level result always lives in the surrounding Cursor
// buffer; RelocKind exists so callers and tests can assert which tier was
// taken without re-deriving it from the bytes.
type RelocKind uint8

const (
	RelocCopy RelocKind = iota
	RelocAdr
	RelocAdrp
	RelocAdrpAndAdd
	RelocB
	RelocBcc
	RelocBccAndBranch
	RelocBccAndAdrpAndBranch
	RelocBccAndAdrpAndAddAndBranch
	RelocBccAndBranchAbsolute
	RelocCbz
	RelocCbzAndBranch
	RelocCbzAndAdrpAndBranch
	RelocCbzAndAbsolute
	RelocTbz
	RelocTbzAndBranch
	RelocTbzAndAdrpAndBranch
	RelocTbzAndAbsolute
	RelocLdrLiteral
	RelocAdrpAndLdrUnsignedOffset
	RelocMovImmediateAndLdrLiteral
	RelocMovImmediate
	RelocBranchAbsolute
	RelocDropped // discarded prefetch-variant literal load
)

const maxRelAdrpBytes = int64(1) << 32 // ±4 GiB page-relative range

func pageDown(addr uint64) int64 { return int64(addr) &^ 0xFFF }

// scratchOrErr validates a caller-supplied scratch register is present;
// AArch64 rewrites past the directly-encodable ranges always need one.
func scratchOrErr(scratch *regs.Register, context string) (regs.Register, error) {
	if scratch == nil {
		return regs.Register{}, &isa.NoScratchRegisterError{Context: context}
	}
	return *scratch, nil
}

// Relocate rewrites the AArch64 instruction run [oldAddr, oldAddr+oldLen) so
// it executes correctly at newAddr. oldLen must be a multiple of 4; every
// 4-byte word is either copied unchanged or, when it is one of the
// PC-relative forms the catalog covers, replaced with the cheapest
// equivalent sequence that still reaches the original target.
func Relocate(code []byte, oldAddr, oldLen, newAddr uint64, scratch *regs.Register) ([]byte, []RelocKind, error) {
	cur := &isa.Cursor{PC: newAddr}
	var kinds []RelocKind

	for off := 0; off < int(oldLen); off += 4 {
		word := code[off : off+4]
		instrOldAddr := oldAddr + uint64(off)
		d, err := Decode(word)
		if err != nil {
			return nil, nil, err
		}
		kind, err := relocateOne(cur, d, word, instrOldAddr, scratch)
		if err != nil {
			return nil, nil, err
		}
		kinds = append(kinds, kind)
	}
	return cur.Buf, kinds, nil
}

func relocateOne(cur *isa.Cursor, d Decoded, word []byte, instrOldAddr uint64, scratch *regs.Register) (RelocKind, error) {
	switch d.Kind {
	case DecodedB, DecodedBL:
		return relocateB(cur, d, instrOldAddr, scratch)
	case DecodedBCond:
		return relocateBCond(cur, d, instrOldAddr, scratch)
	case DecodedCBZ:
		return relocateCBZ(cur, d, instrOldAddr, scratch)
	case DecodedTBZ:
		return relocateTBZ(cur, d, instrOldAddr, scratch)
	case DecodedLDRLiteral:
		return relocateLDRLiteral(cur, d, instrOldAddr, scratch)
	case DecodedLDRLiteralPrefetch:
		target := uint64(int64(instrOldAddr) + d.Offset)
		newOffset := int64(target) - int64(cur.PC)
		if newOffset%4 == 0 && signedFits(newOffset/4, 19) {
			// Re-encode PRFM (literal) with the adjusted offset, keeping the
			// original prfop field.
			imm19 := uint32(newOffset/4) & 0x7FFFF
			enc := 0xD8000000 | (imm19 << 5) | uint32(d.Rt&0x1F)
			cur.Emit(byte(enc), byte(enc>>8), byte(enc>>16), byte(enc>>24))
			return RelocLdrLiteral, nil
		}
		// Out of range: the prefetch is advisory, so it is dropped rather
		// than expanded.
		return RelocDropped, nil
	default:
		cur.Emit(word...)
		return RelocCopy, nil
	}
}

func relocateB(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register) (RelocKind, error) {
	target := uint64(int64(instrOldAddr) + d.Offset)
	link := d.Kind == DecodedBL
	newOffset := int64(target) - int64(cur.PC)

	if newOffset%4 == 0 && signedFits(newOffset/4, 26) {
		return RelocB, B(cur, newOffset, link)
	}

	if pageDelta := pageDown(target) - pageDown(cur.PC); pageDelta >= -maxRelAdrpBytes && pageDelta < maxRelAdrpBytes {
		s, err := scratchOrErr(scratch, "B/BL beyond ±128MiB")
		if err != nil {
			return 0, err
		}
		if err := ADRP(cur, s, pageDelta); err != nil {
			return 0, err
		}
		lowBits := uint32(target) & 0xFFF
		kind := RelocAdrp
		if lowBits != 0 {
			if err := ADDImm(cur, s, s, lowBits); err != nil {
				return 0, err
			}
			kind = RelocAdrpAndAdd
		}
		return kind, BR(cur, s, link)
	}

	s, err := scratchOrErr(scratch, "B/BL beyond ±4GiB")
	if err != nil {
		return 0, err
	}
	if err := EmitMovImmediate(cur, s, target); err != nil {
		return 0, err
	}
	return RelocMovImmediate, BR(cur, s, link)
}

func relocateBCond(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register) (RelocKind, error) {
	target := uint64(int64(instrOldAddr) + d.Offset)
	newOffset := int64(target) - int64(cur.PC)

	if newOffset%4 == 0 && signedFits(newOffset/4, 19) {
		return RelocBcc, BCond(cur, d.Cond, newOffset)
	}

	if newOffset%4 == 0 && signedFits(newOffset/4, 26) {
		if err := BCond(cur, d.Cond.Invert(), 8); err != nil {
			return 0, err
		}
		if err := B(cur, newOffset-4, false); err != nil {
			return 0, err
		}
		return RelocBccAndBranch, nil
	}

	if pageDelta := pageDown(target) - pageDown(cur.PC+4); pageDelta >= -maxRelAdrpBytes && pageDelta < maxRelAdrpBytes {
		s, err := scratchOrErr(scratch, "B.cond beyond ±128MiB")
		if err != nil {
			return 0, err
		}
		lowBits := uint32(target) & 0xFFF
		skip := int64(12)
		if lowBits != 0 {
			skip = 16
		}
		if err := BCond(cur, d.Cond.Invert(), skip); err != nil {
			return 0, err
		}
		if err := ADRP(cur, s, pageDelta); err != nil {
			return 0, err
		}
		kind := RelocBccAndAdrpAndBranch
		if lowBits != 0 {
			if err := ADDImm(cur, s, s, lowBits); err != nil {
				return 0, err
			}
			kind = RelocBccAndAdrpAndAddAndBranch
		}
		return kind, BR(cur, s, false)
	}

	s, err := scratchOrErr(scratch, "B.cond beyond ±4GiB")
	if err != nil {
		return 0, err
	}
	movLen := int64(MovImmediateLen(target)) * 4
	if err := BCond(cur, d.Cond.Invert(), 8+movLen); err != nil {
		return 0, err
	}
	if err := EmitMovImmediate(cur, s, target); err != nil {
		return 0, err
	}
	return RelocBccAndBranchAbsolute, BR(cur, s, false)
}

func relocateCBZ(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register) (RelocKind, error) {
	target := uint64(int64(instrOldAddr) + d.Offset)
	newOffset := int64(target) - int64(cur.PC)
	rt := regs.Register{Code: d.Rt}

	if newOffset%4 == 0 && signedFits(newOffset/4, 19) {
		return RelocCbz, CBZ(cur, rt, d.SF64, d.NonZero, newOffset)
	}

	if newOffset%4 == 0 && signedFits(newOffset/4, 26) {
		if err := CBZ(cur, rt, d.SF64, !d.NonZero, 8); err != nil {
			return 0, err
		}
		if err := B(cur, newOffset-4, false); err != nil {
			return 0, err
		}
		return RelocCbzAndBranch, nil
	}

	if pageDelta := pageDown(target) - pageDown(cur.PC+4); pageDelta >= -maxRelAdrpBytes && pageDelta < maxRelAdrpBytes {
		s, err := scratchOrErr(scratch, "CBZ/CBNZ beyond ±128MiB")
		if err != nil {
			return 0, err
		}
		lowBits := uint32(target) & 0xFFF
		skip := int64(12)
		if lowBits != 0 {
			skip = 16
		}
		if err := CBZ(cur, rt, d.SF64, !d.NonZero, skip); err != nil {
			return 0, err
		}
		if err := ADRP(cur, s, pageDelta); err != nil {
			return 0, err
		}
		if lowBits != 0 {
			if err := ADDImm(cur, s, s, lowBits); err != nil {
				return 0, err
			}
		}
		return RelocCbzAndAdrpAndBranch, BR(cur, s, false)
	}

	s, err := scratchOrErr(scratch, "CBZ/CBNZ beyond ±4GiB")
	if err != nil {
		return 0, err
	}
	movLen := int64(MovImmediateLen(target)) * 4
	if err := CBZ(cur, rt, d.SF64, !d.NonZero, 8+movLen); err != nil {
		return 0, err
	}
	if err := EmitMovImmediate(cur, s, target); err != nil {
		return 0, err
	}
	return RelocCbzAndAbsolute, BR(cur, s, false)
}

func relocateTBZ(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register) (RelocKind, error) {
	target := uint64(int64(instrOldAddr) + d.Offset)
	newOffset := int64(target) - int64(cur.PC)
	rt := regs.Register{Code: d.Rt}

	if newOffset%4 == 0 && signedFits(newOffset/4, 14) {
		return RelocTbz, TBZ(cur, rt, d.Bit, d.NonZero, newOffset)
	}

	if newOffset%4 == 0 && signedFits(newOffset/4, 26) {
		if err := TBZ(cur, rt, d.Bit, !d.NonZero, 8); err != nil {
			return 0, err
		}
		if err := B(cur, newOffset-4, false); err != nil {
			return 0, err
		}
		return RelocTbzAndBranch, nil
	}

	if pageDelta := pageDown(target) - pageDown(cur.PC+4); pageDelta >= -maxRelAdrpBytes && pageDelta < maxRelAdrpBytes {
		s, err := scratchOrErr(scratch, "TBZ/TBNZ beyond ±128MiB")
		if err != nil {
			return 0, err
		}
		lowBits := uint32(target) & 0xFFF
		skip := int64(12)
		if lowBits != 0 {
			skip = 16
		}
		if err := TBZ(cur, rt, d.Bit, !d.NonZero, skip); err != nil {
			return 0, err
		}
		if err := ADRP(cur, s, pageDelta); err != nil {
			return 0, err
		}
		if lowBits != 0 {
			if err := ADDImm(cur, s, s, lowBits); err != nil {
				return 0, err
			}
		}
		return RelocTbzAndAdrpAndBranch, BR(cur, s, false)
	}

	s, err := scratchOrErr(scratch, "TBZ/TBNZ beyond ±4GiB")
	if err != nil {
		return 0, err
	}
	movLen := int64(MovImmediateLen(target)) * 4
	if err := TBZ(cur, rt, d.Bit, !d.NonZero, 8+movLen); err != nil {
		return 0, err
	}
	if err := EmitMovImmediate(cur, s, target); err != nil {
		return 0, err
	}
	return RelocTbzAndAbsolute, BR(cur, s, false)
}

func relocateLDRLiteral(cur *isa.Cursor, d Decoded, instrOldAddr uint64, scratch *regs.Register) (RelocKind, error) {
	target := uint64(int64(instrOldAddr) + d.Offset)
	newOffset := int64(target) - int64(cur.PC)
	rt := regs.Register{Code: d.Rt}

	if newOffset%4 == 0 && signedFits(newOffset/4, 19) {
		return RelocLdrLiteral, LDRLiteral(cur, rt, d.Width, newOffset)
	}

	// Past the literal form's ±1 MiB the address must be materialized in a
	// general-purpose base register first. Integer destinations can serve as
	// their own base (the load overwrites it anyway); SIMD destinations
	// cannot, so those need the caller's scratch.
	base := rt
	if isSIMDWidth(d.Width) {
		s, err := scratchOrErr(scratch, "SIMD literal load beyond ±1MiB")
		if err != nil {
			return 0, err
		}
		base = s
	}

	size := ldrLiteralTransferSize(d.Width)

	if pageDelta := pageDown(target) - pageDown(cur.PC); pageDelta >= -maxRelAdrpBytes && pageDelta < maxRelAdrpBytes {
		if err := ADRP(cur, base, pageDelta); err != nil {
			return 0, err
		}
		return RelocAdrpAndLdrUnsignedOffset, LDRUnsignedOffsetWidth(cur, rt, base, d.Width, (uint32(target)&0xFFF)/uint32(size))
	}

	// Materialize the absolute address, then load through it with a zero
	// offset. One instruction longer than folding the low 16 bits into the
	// load immediate, in exchange for not special-casing targets whose low
	// bits are not a multiple of the transfer size.
	if err := EmitMovImmediate(cur, base, target); err != nil {
		return 0, err
	}
	return RelocMovImmediateAndLdrLiteral, LDRUnsignedOffsetWidth(cur, rt, base, d.Width, 0)
}

func isSIMDWidth(w LDRLiteralWidth) bool {
	switch w {
	case LDRLitSIMD32, LDRLitSIMD64, LDRLitSIMD128:
		return true
	default:
		return false
	}
}

func ldrLiteralTransferSize(w LDRLiteralWidth) uint8 {
	switch w {
	case LDRLit64, LDRLitSIMD64:
		return 8
	case LDRLitSIMD128:
		return 16
	default:
		return 4
	}
}
