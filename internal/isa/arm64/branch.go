package arm64

import (
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/regs"
)

// EncodeBranch emits the cheapest available branch from addr to target: a
// direct B/BL when in range, an ADRP-based sequence within ±4 GiB, else an
// absolute MOVZ/MOVK+BR through scratch, the same tiered strategy
// relocateB applies to an existing instruction's operand.
func EncodeBranch(addr, target uint64, link bool, scratch *regs.Register) ([]byte, error) {
	cur := &isa.Cursor{PC: addr}
	offset := int64(target) - int64(addr)

	if offset%4 == 0 && signedFits(offset/4, 26) {
		if err := B(cur, offset, link); err != nil {
			return nil, err
		}
		return cur.Buf, nil
	}

	if pageDelta := pageDown(target) - pageDown(addr); pageDelta >= -maxRelAdrpBytes && pageDelta < maxRelAdrpBytes {
		s, err := scratchOrErr(scratch, "hook-site branch beyond ±128MiB")
		if err != nil {
			return nil, err
		}
		if err := ADRP(cur, s, pageDelta); err != nil {
			return nil, err
		}
		if lowBits := uint32(target) & 0xFFF; lowBits != 0 {
			if err := ADDImm(cur, s, s, lowBits); err != nil {
				return nil, err
			}
		}
		if err := BR(cur, s, link); err != nil {
			return nil, err
		}
		return cur.Buf, nil
	}

	s, err := scratchOrErr(scratch, "hook-site branch beyond ±4GiB")
	if err != nil {
		return nil, err
	}
	if err := EmitMovImmediate(cur, s, target); err != nil {
		return nil, err
	}
	if err := BR(cur, s, link); err != nil {
		return nil, err
	}
	return cur.Buf, nil
}

// NOPWord is AArch64's canonical one-instruction NOP encoding (HINT #0).
var NOPWord = [4]byte{0x1F, 0x20, 0x03, 0xD5}

// NOPs returns n/4 NOP instructions; n must be a multiple of 4.
func NOPs(n int) []byte {
	out := make([]byte, 0, n)
	for i := 0; i < n; i += 4 {
		out = append(out, NOPWord[:]...)
	}
	return out
}
