package platform_test

import (
	"testing"
	"unsafe"

	"github.com/codeforge/rehook/internal/platform"
)

func TestMmapExecutableRegionIsWritable(t *testing.T) {
	mem, err := platform.MmapExecutable(64)
	if err != nil {
		t.Fatalf("MmapExecutable: %v", err)
	}
	if len(mem) < 64 {
		t.Fatalf("MmapExecutable returned %d bytes, want >= 64", len(mem))
	}
	mem[0] = 0xC3 // a RET byte; proves the page is at least writable
	if mem[0] != 0xC3 {
		t.Fatalf("write to mmap'd region did not stick")
	}
}

func TestUnprotectMemoryOnHeapRegion(t *testing.T) {
	mem, err := platform.MmapExecutable(64)
	if err != nil {
		t.Fatalf("MmapExecutable: %v", err)
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	if err := platform.UnprotectMemory(addr, 64); err != nil {
		t.Fatalf("UnprotectMemory: %v", err)
	}
}

func TestWriteMasked_PreservesTrailingBytes(t *testing.T) {
	mem, err := platform.MmapExecutable(16)
	if err != nil {
		t.Fatalf("MmapExecutable: %v", err)
	}
	copy(mem, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22})
	addr := uintptr(unsafe.Pointer(&mem[0]))

	if err := platform.WriteMasked(addr, []byte{0x01, 0x02}, 8); err != nil {
		t.Fatalf("WriteMasked: %v", err)
	}
	want := []byte{0x01, 0x02, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22}
	for i, b := range want {
		if mem[i] != b {
			t.Fatalf("mem[%d] = %#x, want %#x (masked write must not disturb trailing bytes)", i, mem[i], b)
		}
	}
}

func TestWriteMasked_RejectsUnalignedAddress(t *testing.T) {
	mem, err := platform.MmapExecutable(16)
	if err != nil {
		t.Fatalf("MmapExecutable: %v", err)
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	if addr%8 == 0 {
		addr++ // force misalignment regardless of the allocator's base alignment
	}
	if err := platform.WriteMasked(addr, []byte{0x01}, 8); err == nil {
		t.Fatalf("expected an alignment error for an unaligned 8-byte masked write")
	}
}

func TestWriteMasked_RejectsOversizedPatch(t *testing.T) {
	mem, err := platform.MmapExecutable(16)
	if err != nil {
		t.Fatalf("MmapExecutable: %v", err)
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	addr &^= 7 // align to 8
	if err := platform.WriteMasked(addr, make([]byte, 9), 8); err == nil {
		t.Fatalf("expected an error writing a 9-byte patch into an 8-byte word")
	}
}

func TestBufferFactory_SequentialWritesAdvanceCursor(t *testing.T) {
	f := platform.NewBufferFactory()
	buf, err := f.GetAnyBuffer(64, 8)
	if err != nil {
		t.Fatalf("GetAnyBuffer: %v", err)
	}
	a1, err := buf.Write([]byte{0x90, 0x90})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	a2, err := buf.Write([]byte{0xC3})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if a2 != a1+2 {
		t.Fatalf("second write address = %#x, want %#x", a2, a1+2)
	}
}

func TestBufferFactory_ReturnsErrWhenFull(t *testing.T) {
	f := platform.NewBufferFactory()
	buf, err := f.GetAnyBuffer(4, 1)
	if err != nil {
		t.Fatalf("GetAnyBuffer: %v", err)
	}
	// The pool always rounds up to at least a 64KiB page, so drain past our
	// tiny requested size by writing the buffer's actual remaining capacity.
	remaining := buf.Remaining()
	if _, err := buf.Write(make([]byte, remaining)); err != nil {
		t.Fatalf("Write(remaining): %v", err)
	}
	if _, err := buf.Write([]byte{0x00}); err == nil {
		t.Fatalf("expected ErrBufferFull once the buffer is drained")
	}
}

func TestBufferFactory_GetBufferNearReusesCloseBuffer(t *testing.T) {
	f := platform.NewBufferFactory()
	first, err := f.GetBufferNear(64, 0, ^uintptr(0), 8)
	if err != nil {
		t.Fatalf("GetBufferNear: %v", err)
	}
	second, err := f.GetBufferNear(64, first.Base(), ^uintptr(0), 8)
	if err != nil {
		t.Fatalf("GetBufferNear: %v", err)
	}
	if second != first {
		t.Fatalf("expected the pool to reuse the existing buffer when it's within range and has room")
	}
}
