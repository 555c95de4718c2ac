package rehook

import (
	"github.com/codeforge/rehook/internal/installer"
	"github.com/codeforge/rehook/internal/isa"
	"github.com/codeforge/rehook/internal/platform"
)

// TooManyBytesError reports that the whole-instruction boundary at a hook
// site needed more bytes than the caller's maxPermittedBytes allowed.
type TooManyBytesError = installer.TooManyBytesError

// NoScratchRegisterError reports a rewrite that required a scratch register
// and none was supplied, or every candidate was already reserved for
// parameter passing.
type NoScratchRegisterError = isa.NoScratchRegisterError

// OperandOutOfRangeError reports an encoder asked to emit a displacement or
// immediate outside its architectural field.
type OperandOutOfRangeError = isa.OperandOutOfRangeError

// InvalidRegisterError reports a register of the wrong class or family for
// an opcode.
type InvalidRegisterError = isa.InvalidRegisterError

// ErrDisassemblyFailure reports that the bytes at a hook address are not a
// valid instruction prefix.
var ErrDisassemblyFailure = isa.ErrDisassemblyFailure

// ErrAssemblerFailure reports an internal error from the underlying encoder
// service.
var ErrAssemblerFailure = isa.ErrAssemblerFailure

// MemoryProtectionError reports a failed page-protection change at a hook
// site, including when the site spans into a non-writable second page: the
// installer fails fast there rather than partially writing.
type MemoryProtectionError = platform.ErrProtect

// ErrStubTooLarge reports a stub body that grew past the space the
// installer reserved for it before the bodies were known.
type ErrStubTooLarge = installer.ErrStubTooLarge
