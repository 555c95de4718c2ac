// Package stub builds and toggles the executable region a hook redirects
// into: the entry point a branch at the hook site lands on, and (for
// three-region stubs) the parked alternate body.
package stub

import (
	"fmt"
	"unsafe"

	"github.com/codeforge/rehook/internal/platform"
)

func entryBytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// atomicWriteLimit is the widest single atomic write this library can make
// (the MOVDQA-aligned 16-byte case on x86/x64); strict-alignment targets
// (AArch64 without an unaligned-access guarantee) use the narrower limit
// below.
const atomicWriteLimit = 16
const strictAlignmentLimit = 8

// ShortJumpEncoder emits the shortest unconditional branch to target at
// addr, architecture-specific (provided by the caller since internal/stub
// doesn't import internal/isa/{arm64,x86} directly to avoid a layering
// cycle with the installer, which already depends on both).
type ShortJumpEncoder func(addr, target uintptr) ([]byte, error)

// Props is the packed toggle-state word, kept adjacent to the stub rather
// than inside it so the stub itself stays pure executable data.
type Props struct {
	IsEnabled  bool
	IsSwapOnly bool
	SwapSize   int
	HookFnSize int // distance from entry to the alternate body, three-region only
}

// Stub is an entry region plus the enabled and disabled body bytes,
// exactly one of which is resident at entry.
type Stub struct {
	Entry uintptr

	enabledBody  []byte
	disabledBody []byte

	props Props

	buf *platform.Buffer

	strictAlignment bool
	jump            ShortJumpEncoder
}

// Build lays out a new stub for the given enabled/disabled bodies, choosing
// swap-only vs three-region by body size against the atomic-write limit and
// entry alignment, and
// writes the initially-active body (disabled, since a freshly installed
// hook starts disabled until Hook.Enable is called) into a fresh buffer.
// jump encodes the short redirect a three-region toggle needs; swap-only
// stubs never call it.
func Build(factory *platform.BufferFactory, hookAddr uintptr, maxDistance uintptr, enabledBody, disabledBody []byte, strictAlignment bool, jump ShortJumpEncoder) (*Stub, error) {
	limit := atomicWriteLimit
	if strictAlignment {
		limit = strictAlignmentLimit
	}

	largest := len(enabledBody)
	if len(disabledBody) > largest {
		largest = len(disabledBody)
	}

	align := nextPow2AtLeast(largest)
	if largest <= limit {
		buf, err := factory.GetBufferNear(align, hookAddr, maxDistance, align)
		if err != nil {
			return nil, err
		}
		if buf.NextAddr()%uintptr(align) == 0 {
			return swapToBuffer(buf, enabledBody, disabledBody, strictAlignment, jump)
		}
		// The pool didn't hand back an aligned slot; fall through to
		// three-region instead of breaking the atomic-write contract.
	}

	buf, err := factory.GetBufferNear(len(disabledBody)+len(enabledBody)+len(disabledBody), hookAddr, maxDistance, 8)
	if err != nil {
		return nil, err
	}
	return threeRegionToBuffer(buf, enabledBody, disabledBody, strictAlignment, jump)
}

// FromBuffer writes a stub's bodies into a buffer the caller already
// acquired (and, typically, already relocated PC-relative code against via
// its NextAddr()), choosing swap-only vs three-region the same way Build
// does. Only valid when both bodies were generated assuming they occupy the
// SAME address (swap-only's layout), which holds when neither body
// contains PC-relative content whose address depends on which region it
// ends up in, e.g. the fast same-convention branch-hook path.
func FromBuffer(buf *platform.Buffer, enabledBody, disabledBody []byte, strictAlignment bool, jump ShortJumpEncoder) (*Stub, error) {
	limit := atomicWriteLimit
	if strictAlignment {
		limit = strictAlignmentLimit
	}
	largest := len(enabledBody)
	if len(disabledBody) > largest {
		largest = len(disabledBody)
	}
	align := nextPow2AtLeast(largest)
	if largest <= limit && buf.NextAddr()%uintptr(align) == 0 {
		return swapToBuffer(buf, enabledBody, disabledBody, strictAlignment, jump)
	}
	return threeRegionToBuffer(buf, enabledBody, disabledBody, strictAlignment, jump)
}

// SwapOnly writes both bodies at the same address, unconditionally. Use
// when both bodies were generated assuming exactly that layout.
func SwapOnly(buf *platform.Buffer, enabledBody, disabledBody []byte, strictAlignment bool, jump ShortJumpEncoder) (*Stub, error) {
	return swapToBuffer(buf, enabledBody, disabledBody, strictAlignment, jump)
}

// ThreeRegion writes disabledBody at the buffer's current address and
// enabledBody immediately after it, unconditionally. Use when enabledBody's
// PC-relative content was generated assuming that second address (i.e.
// entryAddr + len(disabledBody)), as the installer's wrapper- and
// assembly-hook paths do.
func ThreeRegion(buf *platform.Buffer, enabledBody, disabledBody []byte, strictAlignment bool, jump ShortJumpEncoder) (*Stub, error) {
	return threeRegionToBuffer(buf, enabledBody, disabledBody, strictAlignment, jump)
}

func swapToBuffer(buf *platform.Buffer, enabledBody, disabledBody []byte, strictAlignment bool, jump ShortJumpEncoder) (*Stub, error) {
	largest := len(enabledBody)
	if len(disabledBody) > largest {
		largest = len(disabledBody)
	}
	addr, err := buf.Write(disabledBody)
	if err != nil {
		return nil, err
	}
	return &Stub{
		Entry:           addr,
		enabledBody:     enabledBody,
		disabledBody:    disabledBody,
		buf:             buf,
		strictAlignment: strictAlignment,
		jump:            jump,
		props:           Props{IsEnabled: false, IsSwapOnly: true, SwapSize: largest},
	}, nil
}

func threeRegionToBuffer(buf *platform.Buffer, enabledBody, disabledBody []byte, strictAlignment bool, jump ShortJumpEncoder) (*Stub, error) {
	// entry starts as the disabled body (hooks install disabled); the hook
	// body and a copy of orig sit right after it so a toggle can branch to
	// either one in place.
	entryAddr, err := buf.Write(disabledBody)
	if err != nil {
		return nil, err
	}
	hookAddrInBuf, err := buf.Write(enabledBody)
	if err != nil {
		return nil, err
	}
	_, err = buf.Write(disabledBody)
	if err != nil {
		return nil, err
	}

	return &Stub{
		Entry:           entryAddr,
		enabledBody:     enabledBody,
		disabledBody:    disabledBody,
		buf:             buf,
		strictAlignment: strictAlignment,
		jump:            jump,
		props: Props{
			IsEnabled:  false,
			IsSwapOnly: false,
			HookFnSize: int(hookAddrInBuf - entryAddr),
		},
	}, nil
}

func nextPow2AtLeast(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 1 {
		p = 1
	}
	return p
}

// IsEnabled reports the stub's current toggle state.
func (s *Stub) IsEnabled() bool { return s.props.IsEnabled }

// Toggle flips the stub between its enabled and disabled body via the
// swap-only or three-region protocol chosen at build time.
func (s *Stub) Toggle() error {
	var newBody []byte
	if s.props.IsEnabled {
		newBody = s.disabledBody
	} else {
		newBody = s.enabledBody
	}

	if s.props.IsSwapOnly {
		if err := s.swapToggle(newBody); err != nil {
			return err
		}
	} else {
		if err := s.threeRegionToggle(newBody); err != nil {
			return err
		}
	}

	s.props.IsEnabled = !s.props.IsEnabled
	return nil
}

// swapToggle is the single aligned atomic write used for bodies small
// enough to fit one atomic word.
func (s *Stub) swapToggle(newBody []byte) error {
	width := nextPow2AtLeast(len(newBody))
	if width > atomicWriteLimit {
		width = atomicWriteLimit
	}
	return platform.WriteMasked(s.Entry, newBody, width)
}

// threeRegionToggle is the three-step protocol for larger bodies: a
// short jump to the alternate body (masked atomic write so only the branch
// bytes visibly change), the alternate body's remaining bytes written
// non-atomically once no reader can be mid-fetch of them, then the first
// bytes restored in place with a second masked atomic write so the entry
// region reads as ordinary straight-line code again.
func (s *Stub) threeRegionToggle(newBody []byte) error {
	var altAddr uintptr
	if s.props.IsEnabled {
		// currently enabled body resident at entry; alternate (disabled)
		// lives at entry+hookFnSize+len(enabled).
		altAddr = s.Entry + uintptr(s.props.HookFnSize) + uintptr(len(s.enabledBody))
	} else {
		altAddr = s.Entry + uintptr(s.props.HookFnSize)
	}

	jumpBytes, err := s.jump(s.Entry, altAddr)
	if err != nil {
		return fmt.Errorf("stub: encode toggle redirect: %w", err)
	}

	width := nextPow2AtLeast(len(jumpBytes))
	if width > atomicWriteLimit {
		return fmt.Errorf("stub: toggle redirect %d bytes exceeds atomic write limit", len(jumpBytes))
	}
	if err := platform.WriteMasked(s.Entry, jumpBytes, width); err != nil {
		return fmt.Errorf("stub: write toggle redirect: %w", err)
	}

	if len(newBody) > len(jumpBytes) {
		copy(entryBytes(s.Entry, len(newBody))[len(jumpBytes):], newBody[len(jumpBytes):])
	}

	prefixWidth := nextPow2AtLeast(len(jumpBytes))
	if prefixWidth > atomicWriteLimit {
		prefixWidth = atomicWriteLimit
	}
	if err := platform.WriteMasked(s.Entry, newBody[:minInt(prefixWidth, len(newBody))], prefixWidth); err != nil {
		return fmt.Errorf("stub: restore toggle prefix: %w", err)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
