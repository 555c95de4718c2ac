// Package rehook is a runtime function-hooking library: it rewrites
// already-loaded machine code so calls into a target instruction redirect
// into user-supplied replacement code, and can transparently convert
// between differing calling conventions. This file is the package's public
// surface; the pipeline that turns a hook address and a target procedure
// into installable machine bytes lives under internal/.
package rehook

import (
	"runtime"

	"github.com/codeforge/rehook/internal/installer"
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/platform"
	"github.com/codeforge/rehook/internal/regs"
)

// Arch selects which architecture's encoder/relocator/lowerer InstallX
// should target. Default() resolves the current process's architecture;
// callers hooking a different architecture's code (e.g. cross-arch tooling)
// choose explicitly.
type Arch uint8

const (
	ArchX86 Arch = iota
	ArchX64
	ArchARM64
)

// Default resolves the Arch matching runtime.GOARCH, the same rule
// regs.Default() applies for calling conventions.
func Default() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ArchARM64
	case "386":
		return ArchX86
	default:
		return ArchX64
	}
}

func (a Arch) toInternal() installer.Arch {
	switch a {
	case ArchX86:
		return installer.X86
	case ArchARM64:
		return installer.ARM64
	default:
		return installer.X64
	}
}

// capabilities returns the JIT capability set, standard register size and
// required stack entry alignment the wrapper generator and optimizer need
// for this architecture.
func (a Arch) capabilities() (caps isa.Capability, stdRegSize, stackEntryAlign int, hasNativeExchange bool) {
	switch a {
	case ArchARM64:
		return isa.CanMultiPush, 8, 0, false
	default:
		// x86/x64: a CALL pushes a return address before the wrapper's own
		// prologue runs, so the entry delta is one pointer width; RET imm16
		// lets fuseReturn fire.
		width := 8
		if a == ArchX86 {
			width = 4
		}
		return isa.CanEncodeReturnImmediate, width, width, true
	}
}

// Convention re-exports regs.Convention so callers never need to import an
// internal package to describe a calling convention.
type Convention = regs.Convention

// ParamType re-exports regs.ParamType.
type ParamType = regs.ParamType

// Preset selects one of the built-in calling-convention constants.
type Preset = regs.Preset

const (
	Cdecl          = regs.PresetCdecl
	Stdcall        = regs.PresetStdcall
	Fastcall       = regs.PresetFastcall
	Thiscall       = regs.PresetThiscall
	SystemVAMD64   = regs.PresetSystemVAMD64
	MicrosoftX64   = regs.PresetMicrosoftX64
	AAPCS64        = regs.PresetAAPCS64
	MicrosoftARM64 = regs.PresetMicrosoftARM64
)

// ConventionByPreset resolves a Preset to its immutable Convention constant.
func ConventionByPreset(p Preset) Convention { return regs.ByPreset(p) }

// DefaultConvention resolves the calling convention for the current
// platform.
func DefaultConvention() Convention { return regs.Default() }

var (
	I8, I16, I32, I64, I128   = regs.I8, regs.I16, regs.I32, regs.I64, regs.I128
	F16, F32, F64, F128, F512 = regs.F16, regs.F32, regs.F64, regs.F128, regs.F512
	V16, V32, V64, V128, V256 = regs.V16, regs.V32, regs.V64, regs.V128, regs.V256
	V512                      = regs.V512
)

// Pointer returns the native-pointer-sized integer ParamType for width
// bytes (4 on x86, 8 on x64/AArch64).
func Pointer(width int) ParamType { return regs.NativePointer(width) }

// AssemblyHookBehavior selects where injected raw machine code runs
// relative to the instructions it displaces.
type AssemblyHookBehavior = installer.AssemblyHookBehavior

const (
	Before  = installer.Before
	After   = installer.After
	Replace = installer.Replace
)

// Register identifies a scratch register a hook's rewrite may use; callers
// build one from the regs package presets (e.g. regs.RAX) or leave it nil
// when none is required.
type Register = regs.Register

// Hook is a single installed interception. The zero value is not usable;
// obtain one from InstallAssemblyHook, InstallBranchHook or
// InstallFunctionHook.
type Hook struct {
	h *installer.Hook
}

// HookAddress is the address this hook patches.
func (h *Hook) HookAddress() uintptr { return h.h.HookAddress() }

// IsEnabled reports whether the hook is currently intercepting calls.
func (h *Hook) IsEnabled() bool { return h.h.IsEnabled() }

// Enable activates the hook.
func (h *Hook) Enable() error { return h.h.Enable() }

// Disable deactivates the hook, restoring the original function's behavior.
func (h *Hook) Disable() error { return h.h.Disable() }

// InstallAssemblyHook installs a raw-machine-code hook at hookAddress: asm
// is spliced before, after, or instead of the instructions hookAddress's
// existing code would otherwise have executed, per behavior.
// maxPermittedBytes bounds how many bytes the installer may overwrite at
// hookAddress; exceeding it surfaces a TooManyBytesError. scratch is
// required on AArch64 and sometimes on x64 (see NoScratchRegisterError).
func InstallAssemblyHook(arch Arch, hookAddress uintptr, asm []byte, maxPermittedBytes int, behavior AssemblyHookBehavior, scratch *Register) (*Hook, error) {
	h, err := installer.InstallAssembly(arch.toInternal(), hookAddress, asm, maxPermittedBytes, behavior, scratch)
	if err != nil {
		return nil, err
	}
	return &Hook{h: h}, nil
}

// InstallBranchHook installs a same-calling-convention redirect from
// hookAddress to newTarget. With caller and callee agreeing on every
// register and stack rule, no bridge wrapper is needed and the enabled body
// is a single branch.
func InstallBranchHook(arch Arch, hookAddress uintptr, newTarget uintptr, scratch *Register) (*Hook, error) {
	a := arch.toInternal()
	conv := DefaultConvention()
	caps, stdReg, stackAlign, hasXchg := arch.capabilities()
	h, err := installer.InstallBridged(a, hookAddress, conv, conv, nil, uint64(newTarget), nil, scratch, caps, stdReg, stackAlign, hasXchg)
	if err != nil {
		return nil, err
	}
	return &Hook{h: h}, nil
}

// InstallFunctionHook installs a calling-convention-bridging hook at
// hookAddress: the generated wrapper adapts fromConvention's call site into
// toConvention's before invoking newTarget. injected, if
// non-nil, is pushed ahead of newTarget's own parameters (e.g. a HookHandle
// or user context pointer).
func InstallFunctionHook(arch Arch, hookAddress uintptr, newTarget uintptr, fromConvention, toConvention Convention, params []ParamType, injected *uint64, scratch *Register) (*Hook, error) {
	a := arch.toInternal()
	caps, stdReg, stackAlign, hasXchg := arch.capabilities()
	h, err := installer.InstallBridged(a, hookAddress, fromConvention, toConvention, params, uint64(newTarget), injected, scratch, caps, stdReg, stackAlign, hasXchg)
	if err != nil {
		return nil, err
	}
	return &Hook{h: h}, nil
}

// UnprotectMemory makes the page(s) spanning [addr, addr+length) read,
// write and executable. Exposed for callers that need to read or patch
// memory outside the InstallX pipeline; InstallX already calls this
// internally for the hook site itself.
func UnprotectMemory(addr uintptr, length int) error {
	return platform.UnprotectMemory(addr, length)
}
