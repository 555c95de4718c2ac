package x86

import (
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/regs"
)

// EncodeBranch emits the cheapest available unconditional jump from addr to
// target: rel8 when it fits, else rel32, else (x64 only, beyond ±2GiB) an
// absolute jump through scratch, the installer's hook-site branch choice.
func EncodeBranch(addr, target uint64, is64 bool, scratch *regs.Register) ([]byte, error) {
	cur := &isa.Cursor{PC: addr}
	delta := int64(target) - int64(addr+2)
	if fits8(delta) {
		if err := JmpRel8(cur, delta); err != nil {
			return nil, err
		}
		return cur.Buf, nil
	}

	delta = int64(target) - int64(addr+5)
	if !is64 || fitsRel32Delta(delta) {
		if err := JmpRel32(cur, delta); err != nil {
			return nil, err
		}
		return cur.Buf, nil
	}

	s, err := scratchOrErr(scratch, "hook-site jump beyond ±2GiB")
	if err != nil {
		return nil, err
	}
	if err := MovRegImm64(cur, s, target); err != nil {
		return nil, err
	}
	if err := JmpIndirect(cur, s, is64); err != nil {
		return nil, err
	}
	return cur.Buf, nil
}

// NOPByte is the one-byte x86/x64 NOP (0x90).
const NOPByte = 0x90

// NOPs returns n single-byte NOPs, the padding the installer uses when an
// encoded branch is shorter than the bytes it replaces.
func NOPs(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = NOPByte
	}
	return out
}
