package regs

import "runtime"

// Preset selects one of the built-in immutable calling-convention constants.
type Preset uint8

const (
	PresetCdecl Preset = iota
	PresetStdcall
	PresetFastcall
	PresetThiscall
	PresetSystemVAMD64
	PresetMicrosoftX64
	PresetAAPCS64
	PresetMicrosoftARM64
)

// Cdecl: caller cleans up, parameters entirely on the stack, right to left.
var Cdecl = Convention{
	Name:            "cdecl",
	ReturnReg:       EAX,
	Cleanup:         CleanupCaller,
	StackOrder:      RightToLeft,
	StackAlignBytes: 4,
	CalleeSaved:     Set{EBX, EBP, ESI, EDI},
	All:             x86AllGP32,
}

// Stdcall: callee cleans up, otherwise identical layout to cdecl.
var Stdcall = Convention{
	Name:            "stdcall",
	ReturnReg:       EAX,
	Cleanup:         CleanupCallee,
	StackOrder:      RightToLeft,
	StackAlignBytes: 4,
	CalleeSaved:     Set{EBX, EBP, ESI, EDI},
	All:             x86AllGP32,
}

// Fastcall: first two integer parameters in ECX, EDX, remainder on stack,
// callee cleans up.
var Fastcall = Convention{
	Name:            "fastcall",
	IntParams:       Set{ECX, EDX},
	ReturnReg:       EAX,
	Cleanup:         CleanupCallee,
	StackOrder:      RightToLeft,
	StackAlignBytes: 4,
	CalleeSaved:     Set{EBX, EBP, ESI, EDI},
	All:             x86AllGP32,
}

// Thiscall: first integer parameter (the "this" pointer) in ECX, remainder
// on stack, callee cleans up.
var Thiscall = Convention{
	Name:            "thiscall",
	IntParams:       Set{ECX},
	ReturnReg:       EAX,
	Cleanup:         CleanupCallee,
	StackOrder:      RightToLeft,
	StackAlignBytes: 4,
	CalleeSaved:     Set{EBX, EBP, ESI, EDI},
	All:             x86AllGP32,
}

// SystemVAMD64: Linux/macOS x64. Six integer registers, eight SSE float
// registers, caller cleans up, 128-byte red zone, 16-byte alignment at call.
var SystemVAMD64 = Convention{
	Name:               "systemv-amd64",
	IntParams:          Set{RDI, RSI, RDX, RCX, R8, R9},
	FloatParams:        Set{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7},
	ReturnReg:          RAX,
	ReservedStackSpace: 128, // red zone
	CalleeSaved:        Set{RBX, RBP, R12, R13, R14, R15},
	Cleanup:            CleanupCaller,
	StackOrder:         RightToLeft,
	StackAlignBytes:    16,
	All:                x64AllGP64,
}

// MicrosoftX64: Windows x64. Four registers shared between int/float slots
// by position, 32-byte shadow space, caller cleans up, 16-byte alignment.
var MicrosoftX64 = Convention{
	Name:               "microsoft-x64",
	IntParams:          Set{RCX, RDX, R8, R9},
	FloatParams:        Set{XMM0, XMM1, XMM2, XMM3},
	ReturnReg:          RAX,
	ReservedStackSpace: 32, // shadow space
	CalleeSaved:        Set{RBX, RBP, RSI, RDI, R12, R13, R14, R15},
	Cleanup:            CleanupCaller,
	StackOrder:         RightToLeft,
	StackAlignBytes:    16,
	All:                x64AllGP64,
}

// AAPCS64: the standard AArch64 Linux/macOS convention. X30 (link register)
// is always-saved even though the ABI also treats it as callee-saved,
// because a wrapper must restore it before its own Return regardless of
// whether the callee promises to.
var AAPCS64 = Convention{
	Name:            "aapcs64",
	IntParams:       arm64IntArgs,
	FloatParams:     arm64FloatArgs,
	VectorParams:    arm64VectorArgs,
	ReturnReg:       X0,
	CalleeSaved:     arm64CalleeSaved,
	AlwaysSaved:     Set{X30},
	Cleanup:         CleanupCallee, // AAPCS64 has no stack cleanup concept; modelled as callee for wrapper purposes
	StackOrder:      RightToLeft,
	StackAlignBytes: 16,
	All:             arm64AllGP,
}

// MicrosoftARM64: Windows on ARM64 convention; same register assignment as
// AAPCS64 but X18 is reserved by the platform and must never be used as a
// scratch or callee-saved register by the generator.
var MicrosoftARM64 = Convention{
	Name:            "microsoft-arm64",
	IntParams:       arm64IntArgs,
	FloatParams:     arm64FloatArgs,
	VectorParams:    arm64VectorArgs,
	ReturnReg:       X0,
	CalleeSaved:     arm64CalleeSaved,
	AlwaysSaved:     Set{X30},
	Cleanup:         CleanupCallee,
	StackOrder:      RightToLeft,
	StackAlignBytes: 16,
	All:             arm64AllGP.Without(Set{X18}),
}

// ByPreset resolves one of the built-in constants.
func ByPreset(p Preset) Convention {
	switch p {
	case PresetCdecl:
		return Cdecl
	case PresetStdcall:
		return Stdcall
	case PresetFastcall:
		return Fastcall
	case PresetThiscall:
		return Thiscall
	case PresetSystemVAMD64:
		return SystemVAMD64
	case PresetMicrosoftX64:
		return MicrosoftX64
	case PresetAAPCS64:
		return AAPCS64
	case PresetMicrosoftARM64:
		return MicrosoftARM64
	default:
		panic("regs: unknown preset")
	}
}

// Default resolves the calling convention for the current platform from the
// host ABI.
func Default() Convention {
	switch runtime.GOARCH {
	case "arm64":
		if runtime.GOOS == "windows" {
			return MicrosoftARM64
		}
		return AAPCS64
	case "amd64":
		if runtime.GOOS == "windows" {
			return MicrosoftX64
		}
		return SystemVAMD64
	default:
		return Cdecl
	}
}
