package installer

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/optimize"
	"github.com/codeforge/rehook/internal/platform"
	"github.com/codeforge/rehook/internal/regs"
	"github.com/codeforge/rehook/internal/stub"
	"github.com/codeforge/rehook/internal/wrapper"
)

// Log is the package logger; one line per install/enable/disable at Debug
// level, matching the near-silent low-level packages in this tree.
var Log = logrus.New()

func init() { Log.SetLevel(logrus.WarnLevel) }

// mu is the single global mutex serializing every install and every
// toggle: concurrent hook installs at different
// addresses, or a toggle racing an install, would otherwise both be
// rewriting shared BufferFactory pools and live executable memory.
var mu sync.Mutex

// probeWindow bounds how many live bytes install() reads to find the
// stolen-instruction boundary and how large a stub buffer it reserves
// before the bodies that will occupy it are known. It comfortably covers
// the handful of stolen instructions and wrapper-bridge bytes any hook in
// this library produces; a hook site whose cheapest relocation tier
// inflates past it fails loudly (ErrStubTooLarge) rather than silently
// overflowing a buffer.
const probeWindow = 512

// ErrStubTooLarge reports a stub body that grew past the space install()
// reserved for it.
type ErrStubTooLarge struct {
	HookAddress uintptr
	Size        int
	Limit       int
}

func (e *ErrStubTooLarge) Error() string {
	return fmt.Sprintf("installer: stub body at %#x is %d bytes, exceeds reserved %d", e.HookAddress, e.Size, e.Limit)
}

// TooManyBytesError reports that the whole-instruction boundary at a hook
// site (the run of stolen instructions) is longer than the caller allowed
// it to overwrite.
type TooManyBytesError struct {
	Actual int
	Max    int
}

func (e *TooManyBytesError) Error() string {
	return fmt.Sprintf("installer: stolen-instruction run is %d bytes, exceeds max permitted %d", e.Actual, e.Max)
}

// AssemblyHookBehavior selects where caller-supplied raw machine code runs
// relative to the instructions it displaces.
type AssemblyHookBehavior uint8

const (
	// Before runs the injected code, then the original stolen instructions.
	Before AssemblyHookBehavior = iota
	// After runs the original stolen instructions, then the injected code.
	After
	// Replace runs only the injected code; the stolen instructions never
	// execute on the enabled path (disabling the hook still restores them).
	Replace
)

// Hook is a single installed interception: an address whose original bytes
// were stolen into a stub, with the hook site branch now pointing at that
// stub's (currently disabled) entry.
type Hook struct {
	arch          Arch
	hookAddress   uintptr
	originalBytes []byte
	stolenLength  int
	stub          *stub.Stub
}

// HookAddress is the address this hook patches.
func (h *Hook) HookAddress() uintptr { return h.hookAddress }

// IsEnabled reports whether the hook is currently intercepting calls.
func (h *Hook) IsEnabled() bool { return h.stub.IsEnabled() }

// Enable activates the hook, serialized against every other install/toggle.
func (h *Hook) Enable() error {
	mu.Lock()
	defer mu.Unlock()
	if h.stub.IsEnabled() {
		return nil
	}
	if err := h.stub.Toggle(); err != nil {
		return err
	}
	Log.WithField("hook_address", fmt.Sprintf("%#x", h.hookAddress)).Debug("hook enabled")
	return nil
}

// Disable deactivates the hook, restoring the original function's behavior.
func (h *Hook) Disable() error {
	mu.Lock()
	defer mu.Unlock()
	if !h.stub.IsEnabled() {
		return nil
	}
	if err := h.stub.Toggle(); err != nil {
		return err
	}
	Log.WithField("hook_address", fmt.Sprintf("%#x", h.hookAddress)).Debug("hook disabled")
	return nil
}

// jumpEncoderFor adapts an Arch into the ShortJumpEncoder shape stub.Build
// wants for its three-region toggle redirect.
func jumpEncoderFor(arch Arch, scratch *regs.Register) stub.ShortJumpEncoder {
	return func(addr, target uintptr) ([]byte, error) {
		return arch.EncodeBranch(uint64(addr), uint64(target), scratch)
	}
}

// beginInstall runs the front half of every install: unprotect the hook
// site, reserve a stub buffer as close to it as the architecture's branch
// reach wants, encode the hook-site branch against the stub's future entry,
// and steal whole instructions until the branch (NOP-padded later) fits.
func beginInstall(arch Arch, hookAddress uintptr, scratch *regs.Register) (buf *platform.Buffer, entryAddr uint64, branch, stolen []byte, err error) {
	if err = platform.UnprotectMemory(hookAddress, probeWindow); err != nil {
		return nil, 0, nil, nil, err
	}
	window := platform.ReadAt(hookAddress, probeWindow)

	buf, err = reserveBuffer(arch, hookAddress)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	// A shared buffer's cursor sits wherever the previous stub ended; pad it
	// to 16 bytes so the stub's toggle redirect is one aligned masked write.
	if rem := buf.NextAddr() % 16; rem != 0 {
		if _, err = buf.Write(arch.NOPs(int(16 - rem))); err != nil {
			return nil, 0, nil, nil, err
		}
	}
	entryAddr = uint64(buf.NextAddr())

	branch, err = arch.EncodeBranch(uint64(hookAddress), entryAddr, scratch)
	if err != nil {
		return nil, 0, nil, nil, err
	}

	stolenLen, err := arch.StolenLength(window, len(branch))
	if err != nil {
		return nil, 0, nil, nil, err
	}
	stolen = make([]byte, stolenLen)
	copy(stolen, window[:stolenLen])
	return buf, entryAddr, branch, stolen, nil
}

// disabledBodyAt builds the body that runs when a hook is off: the original
// stolen instructions, relocated to wherever the stub places them, followed
// by a branch back to the first un-stolen byte of the original function.
// This is identical for every hook kind: disabling a hook always means
// "behave exactly as if nothing were ever installed".
func disabledBodyAt(arch Arch, hookAddress uintptr, stolen []byte, stolenLen int, entryAddr uint64, scratch *regs.Register) ([]byte, error) {
	relocated, err := arch.Relocate(stolen, uint64(hookAddress), entryAddr, scratch)
	if err != nil {
		return nil, fmt.Errorf("installer: relocate stolen bytes (disabled path): %w", err)
	}
	back, err := arch.EncodeBranch(entryAddr+uint64(len(relocated)), uint64(hookAddress)+uint64(stolenLen), scratch)
	if err != nil {
		return nil, fmt.Errorf("installer: encode return branch (disabled path): %w", err)
	}
	return append(relocated, back...), nil
}

func checkBudget(hookAddress uintptr, enabled, disabled []byte) error {
	largest := len(enabled)
	if len(disabled) > largest {
		largest = len(disabled)
	}
	if largest > probeWindow {
		return &ErrStubTooLarge{HookAddress: hookAddress, Size: largest, Limit: probeWindow}
	}
	return nil
}

func reserveBuffer(arch Arch, hookAddress uintptr) (*platform.Buffer, error) {
	factory := sharedFactory()
	return factory.GetBufferNear(probeWindow, hookAddress, arch.MaxBranchReach(), 16)
}

var factoryOnce sync.Once
var factory *platform.BufferFactory

func sharedFactory() *platform.BufferFactory {
	factoryOnce.Do(func() { factory = platform.NewBufferFactory() })
	return factory
}

// installAssemblyHook implements the whole install() pipeline for
// caller-supplied raw machine code, spliced before/after/instead of the
// instructions it steals.
func installAssemblyHook(arch Arch, hookAddress uintptr, asm []byte, maxPermittedBytes int, behavior AssemblyHookBehavior, scratch *regs.Register) (*Hook, error) {
	mu.Lock()
	defer mu.Unlock()

	buf, entryAddr, branch, stolen, err := beginInstall(arch, hookAddress, scratch)
	if err != nil {
		return nil, err
	}
	stolenLen := len(stolen)
	if maxPermittedBytes > 0 && stolenLen > maxPermittedBytes {
		return nil, &TooManyBytesError{Actual: stolenLen, Max: maxPermittedBytes}
	}

	// The disabled body always lands at entryAddr (the three-region
	// layout's first region); build it first so the enabled body, which
	// lands right after it, can be generated against its real address.
	disabled, err := disabledBodyAt(arch, hookAddress, stolen, stolenLen, entryAddr, scratch)
	if err != nil {
		return nil, err
	}
	enabledAddr := entryAddr + uint64(len(disabled))

	var enabled []byte
	switch behavior {
	case Before:
		relocated, err := arch.Relocate(stolen, uint64(hookAddress), enabledAddr+uint64(len(asm)), scratch)
		if err != nil {
			return nil, fmt.Errorf("installer: relocate stolen bytes (before): %w", err)
		}
		back, err := arch.EncodeBranch(enabledAddr+uint64(len(asm))+uint64(len(relocated)), uint64(hookAddress)+uint64(stolenLen), scratch)
		if err != nil {
			return nil, err
		}
		enabled = append(append(append([]byte{}, asm...), relocated...), back...)
	case After:
		relocated, err := arch.Relocate(stolen, uint64(hookAddress), enabledAddr, scratch)
		if err != nil {
			return nil, fmt.Errorf("installer: relocate stolen bytes (after): %w", err)
		}
		back, err := arch.EncodeBranch(enabledAddr+uint64(len(relocated))+uint64(len(asm)), uint64(hookAddress)+uint64(stolenLen), scratch)
		if err != nil {
			return nil, err
		}
		enabled = append(append(append([]byte{}, relocated...), asm...), back...)
	case Replace:
		back, err := arch.EncodeBranch(enabledAddr+uint64(len(asm)), uint64(hookAddress)+uint64(stolenLen), scratch)
		if err != nil {
			return nil, err
		}
		enabled = append(append([]byte{}, asm...), back...)
	default:
		return nil, fmt.Errorf("installer: unknown assembly hook behavior %d", behavior)
	}

	if err := checkBudget(hookAddress, enabled, disabled); err != nil {
		return nil, err
	}

	return finishInstall(arch, hookAddress, stolen, branch, buf, enabled, disabled, scratch)
}

// installBridgedHook implements install() for hooks that bridge a caller's
// calling convention to a replacement function's, optionally via an
// operation-stream wrapper: InstallFunctionHook (general) and
// InstallBranchHook (the fast same-convention path, which never builds a
// wrapper at all since the conventions already match bit for bit).
func installBridgedHook(arch Arch, hookAddress uintptr, callerConv, calleeConv regs.Convention, params []regs.ParamType, target uint64, injected *uint64, scratch *regs.Register, caps wrapperCapabilities) (*Hook, error) {
	mu.Lock()
	defer mu.Unlock()

	buf, entryAddr, branch, stolen, err := beginInstall(arch, hookAddress, scratch)
	if err != nil {
		return nil, err
	}
	stolenLen := len(stolen)

	// The disabled body always lands at entryAddr; the enabled body always
	// lands right after it. This always takes the three-region layout even
	// when a body would be small enough for swap-only, since the enabled
	// body's address must be fixed before it's generated (the fast path's
	// branch is itself PC-relative on some architectures); see
	// stub.ThreeRegion's doc comment.
	disabled, err := disabledBodyAt(arch, hookAddress, stolen, stolenLen, entryAddr, scratch)
	if err != nil {
		return nil, err
	}
	enabledAddr := entryAddr + uint64(len(disabled))

	var enabled []byte
	if sameConvention(callerConv, calleeConv) && injected == nil {
		// Fast path: caller and callee already agree on
		// every register and stack convention, so bridging is a single
		// unconditional branch rather than a generated-and-optimized
		// wrapper body.
		enabled, err = arch.EncodeBranch(enabledAddr, target, scratch)
		if err != nil {
			return nil, fmt.Errorf("installer: encode branch-hook redirect: %w", err)
		}
	} else {
		stream, err := wrapper.Generate(callerConv, calleeConv, params, target, wrapper.Options{
			InjectedParameter:    injected,
			Capabilities:         caps.capabilities,
			StandardRegisterSize: caps.standardRegisterSize,
			StackEntryAlignment:  caps.stackEntryAlignment,
			Scratch:              scratch,
		})
		if err != nil {
			return nil, err
		}
		stream = optimize.Run(stream, optimize.Options{
			Capabilities:      caps.capabilities,
			HasNativeExchange: caps.hasNativeExchange,
			Scratch:           scratch,
		})
		enabled, err = arch.Lower(stream, enabledAddr)
		if err != nil {
			return nil, fmt.Errorf("installer: lower wrapper body: %w", err)
		}
	}

	if err := checkBudget(hookAddress, enabled, disabled); err != nil {
		return nil, err
	}

	return finishInstall(arch, hookAddress, stolen, branch, buf, enabled, disabled, scratch)
}

// wrapperCapabilities carries the JIT-capability and ABI constants the
// wrapper generator and optimizer need, kept out of installer's public
// surface (the root rehook package's public functions supply them
// per-architecture).
type wrapperCapabilities struct {
	capabilities         isa.Capability
	standardRegisterSize int
	stackEntryAlignment  int
	hasNativeExchange    bool
}

func sameConvention(a, b regs.Convention) bool {
	return a.Name == b.Name
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// finishInstall completes an install: materialize the stub at the
// already-reserved buffer, then write the hook-site branch beginInstall
// already encoded (NOP-padding any leftover stolen bytes) and record the
// hook.
func finishInstall(arch Arch, hookAddress uintptr, originalBytes, branch []byte, buf *platform.Buffer, enabled, disabled []byte, scratch *regs.Register) (*Hook, error) {
	stolenLen := len(originalBytes)

	// Always three-region: both bodies above were generated against fixed,
	// distinct addresses (entryAddr and entryAddr+len(disabled)), which is
	// the layout ThreeRegion writes. stub.SwapOnly exists for callers who
	// pre-decide a single shared address for both bodies; the installer
	// never does, so it never calls it.
	st, err := stub.ThreeRegion(buf, enabled, disabled, arch.StrictAlignment(), jumpEncoderFor(arch, scratch))
	if err != nil {
		return nil, err
	}

	if len(branch) < stolenLen {
		branch = append(append([]byte{}, branch...), arch.NOPs(stolenLen-len(branch))...)
	}

	// Pick the widest atomic word this hook site is actually aligned to (it
	// may be narrower than the branch+padding we just built, e.g. an x86
	// function entry with no alignment guarantee at all); write any bytes
	// beyond that word non-atomically first; since they only become
	// reachable once the leading word's branch opcode is live, a thread
	// can never be mid-fetch of them before the final atomic write lands.
	maxWidth := 16
	if arch.StrictAlignment() {
		maxWidth = 8
	}
	width := maxWidth
	for width > 1 && hookAddress%uintptr(width) != 0 {
		width /= 2
	}
	if len(branch) > width {
		platform.WriteRaw(hookAddress+uintptr(width), branch[width:])
	}
	if err := platform.WriteMasked(hookAddress, branch[:minInt(width, len(branch))], width); err != nil {
		return nil, fmt.Errorf("installer: write hook-site branch: %w", err)
	}

	h := &Hook{
		arch:          arch,
		hookAddress:   hookAddress,
		originalBytes: originalBytes,
		stolenLength:  stolenLen,
		stub:          st,
	}
	Log.WithField("hook_address", fmt.Sprintf("%#x", hookAddress)).Debug("hook installed")
	return h, nil
}

// InstallAssembly installs a raw-machine-code hook at hookAddress.
// maxPermittedBytes bounds the stolen-instruction run (0 means unbounded).
func InstallAssembly(arch Arch, hookAddress uintptr, asm []byte, maxPermittedBytes int, behavior AssemblyHookBehavior, scratch *regs.Register) (*Hook, error) {
	return installAssemblyHook(arch, hookAddress, asm, maxPermittedBytes, behavior, scratch)
}

// InstallBridged installs a calling-convention-bridged hook at hookAddress,
// taking the fast same-convention path automatically when callerConv and
// calleeConv already match and no injected parameter is given.
func InstallBridged(arch Arch, hookAddress uintptr, callerConv, calleeConv regs.Convention, params []regs.ParamType, target uint64, injected *uint64, scratch *regs.Register, capabilities isa.Capability, standardRegisterSize, stackEntryAlignment int, hasNativeExchange bool) (*Hook, error) {
	return installBridgedHook(arch, hookAddress, callerConv, calleeConv, params, target, injected, scratch, wrapperCapabilities{
		capabilities:         capabilities,
		standardRegisterSize: standardRegisterSize,
		stackEntryAlignment:  stackEntryAlignment,
		hasNativeExchange:    hasNativeExchange,
	})
}
