// Package installer implements the hook installation and toggle pipeline:
// stealing bytes at a hook site, relocating them into a stub, building the
// stub's enabled/disabled bodies, and wiring the hook-site branch. It is
// the one package that reaches across every other
// internal package (isa/{arm64,x86}, opstream, optimize, wrapper, stub,
// platform, regs) to drive the end-to-end pipeline.
package installer

import (
	"github.com/codeforge/rehook/internal/isa/arm64"
	"github.com/codeforge/rehook/internal/isa/x86"
	"github.com/codeforge/rehook/internal/opstream"
	"github.com/codeforge/rehook/internal/regs"
)

// Arch hides the per-architecture encoding/relocation/lowering differences
// behind the handful of operations install() needs, so install() itself is
// written once instead of once per architecture.
type Arch interface {
	// StolenLength rounds minLen up to a whole-instruction boundary given
	// the live bytes at the hook site.
	StolenLength(code []byte, minLen int) (int, error)
	// Relocate rewrites code (captured at oldAddr) for execution at newAddr.
	Relocate(code []byte, oldAddr, newAddr uint64, scratch *regs.Register) ([]byte, error)
	// EncodeBranch emits the cheapest unconditional jump from addr to target.
	EncodeBranch(addr, target uint64, scratch *regs.Register) ([]byte, error)
	// Lower assembles a wrapper operation stream into machine bytes
	// starting at startAddr.
	Lower(s opstream.Stream, startAddr uint64) ([]byte, error)
	// NOPs returns n bytes of the architecture's canonical no-op encoding.
	NOPs(n int) []byte
	// MaxBranchReach bounds how far a buffer can sit from a hook site and
	// still be reachable with the architecture's cheapest relative branch.
	MaxBranchReach() uintptr
	// StrictAlignment reports whether atomic writes at a hook site in this
	// architecture must stay within a narrower word than x86/x64's 16 bytes.
	StrictAlignment() bool
}

type x86Arch struct{ is64 bool }

func (a x86Arch) StolenLength(code []byte, minLen int) (int, error) {
	n, _, err := x86.DisassembleLength(code, a.is64, minLen)
	return n, err
}

func (a x86Arch) Relocate(code []byte, oldAddr, newAddr uint64, scratch *regs.Register) ([]byte, error) {
	out, _, err := x86.Relocate(code, oldAddr, uint64(len(code)), newAddr, scratch, a.is64)
	return out, err
}

func (a x86Arch) EncodeBranch(addr, target uint64, scratch *regs.Register) ([]byte, error) {
	return x86.EncodeBranch(addr, target, a.is64, scratch)
}

func (a x86Arch) Lower(s opstream.Stream, startAddr uint64) ([]byte, error) {
	return x86.Lower(s, startAddr, a.is64)
}

func (a x86Arch) NOPs(n int) []byte { return x86.NOPs(n) }

func (a x86Arch) MaxBranchReach() uintptr {
	if a.is64 {
		return 1 << 31
	}
	return ^uintptr(0)
}

func (a x86Arch) StrictAlignment() bool { return false }

// X86 targets 32-bit x86.
var X86 Arch = x86Arch{is64: false}

// X64 targets x86-64.
var X64 Arch = x86Arch{is64: true}

type arm64Arch struct{}

func (arm64Arch) StolenLength(_ []byte, minLen int) (int, error) {
	n, _ := arm64.DisassembleLength(0, minLen)
	return n, nil
}

func (arm64Arch) Relocate(code []byte, oldAddr, newAddr uint64, scratch *regs.Register) ([]byte, error) {
	out, _, err := arm64.Relocate(code, oldAddr, uint64(len(code)), newAddr, scratch)
	return out, err
}

func (arm64Arch) EncodeBranch(addr, target uint64, scratch *regs.Register) ([]byte, error) {
	return arm64.EncodeBranch(addr, target, false, scratch)
}

func (arm64Arch) Lower(s opstream.Stream, startAddr uint64) ([]byte, error) {
	return arm64.Lower(s, startAddr)
}

func (arm64Arch) NOPs(n int) []byte { return arm64.NOPs(n) }

func (arm64Arch) MaxBranchReach() uintptr { return 1 << 32 }

func (arm64Arch) StrictAlignment() bool { return true }

// ARM64 targets AArch64.
var ARM64 Arch = arm64Arch{}
