// Package platform provides the OS-facing seam the installer and stub
// builder sit on: page protection, executable buffer allocation, and the
// masked atomic writes the three-region toggle protocol needs.
package platform

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide structured logger, set to Warn level. No code in
// this package writes to it; the install/enable/disable lines go to the
// installer package's own logger.
var Log = logrus.New()

func init() {
	Log.SetLevel(logrus.WarnLevel)
}

// ErrProtect reports a failed page-protection change at a hook site.
type ErrProtect struct {
	Addr uintptr
	Len  int
	Err  error
}

func (e *ErrProtect) Error() string {
	return fmt.Sprintf("platform: unprotect memory at %#x (%d bytes): %v", e.Addr, e.Len, e.Err)
}

func (e *ErrProtect) Unwrap() error { return e.Err }

func pageFloor(addr uintptr, pageSize int) uintptr {
	return addr &^ uintptr(pageSize-1)
}

func pageCeil(addr uintptr, pageSize int) uintptr {
	return (addr + uintptr(pageSize-1)) &^ uintptr(pageSize-1)
}

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// ReadAt returns a slice over n bytes of live memory starting at addr,
// the installer's window onto the original bytes at a hook site before
// they're stolen into a stub.
func ReadAt(addr uintptr, n int) []byte { return bytesAt(addr, n) }

// WriteRaw copies data directly into live memory at addr, with no atomicity
// contract; callers use this for bytes an in-flight thread could never be
// mid-fetch of yet (the unreachable tail of a fresh stub, or a hook site
// already unprotected but not yet wired to anything).
func WriteRaw(addr uintptr, data []byte) { copy(bytesAt(addr, len(data)), data) }

// UnprotectMemory makes the page(s) spanning [addr, addr+length) read,
// write and executable, abstracting over mprotect and its platform
// equivalents. A hook site that spans into a non-writable second page fails
// fast here rather than partially writing.
func UnprotectMemory(addr uintptr, length int) error {
	pageSize := syscall.Getpagesize()
	start := pageFloor(addr, pageSize)
	end := pageCeil(addr+uintptr(length), pageSize)
	region := bytesAt(start, int(end-start))
	if err := syscall.Mprotect(region, syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC); err != nil {
		return &ErrProtect{Addr: addr, Len: length, Err: err}
	}
	return nil
}

// MmapExecutable allocates a fresh RWX region of at least size bytes, the
// primitive BufferFactory uses to back new Buffers.
func MmapExecutable(size int) ([]byte, error) {
	pageSize := syscall.Getpagesize()
	rounded := int(pageCeil(uintptr(size), pageSize))
	mem, err := syscall.Mmap(-1, 0, rounded,
		syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d bytes: %w", rounded, err)
	}
	return mem, nil
}
