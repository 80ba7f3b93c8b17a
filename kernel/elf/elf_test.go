package elf

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel"
)

// buildExec assembles a minimal one-segment ET_EXEC image: a single PT_LOAD
// segment starting at vaddr, containing payload, with the entry point at
// vaddr+entryOff.
func buildExec(vaddr uint32, payload []byte, entryOff uint32) []byte {
	f := make([]byte, ehdrSize+phdrSize+len(payload))

	f[0], f[1], f[2], f[3] = elfMag0, elfMag1, elfMag2, elfMag3
	f[4], f[5], f[6] = classELF32, data2LSB, versionCurr

	binary.LittleEndian.PutUint16(f[16:18], typeExec)
	binary.LittleEndian.PutUint16(f[18:20], machine386)
	binary.LittleEndian.PutUint32(f[20:24], versionCurr)
	binary.LittleEndian.PutUint32(f[24:28], vaddr+entryOff)
	binary.LittleEndian.PutUint32(f[28:32], ehdrSize) // e_phoff
	binary.LittleEndian.PutUint16(f[42:44], phdrSize) // e_phentsize
	binary.LittleEndian.PutUint16(f[44:46], 1)         // e_phnum

	phOff := uint32(ehdrSize)
	binary.LittleEndian.PutUint32(f[phOff:phOff+4], ptLoad)
	binary.LittleEndian.PutUint32(f[phOff+4:phOff+8], uint32(ehdrSize+phdrSize)) // p_offset
	binary.LittleEndian.PutUint32(f[phOff+8:phOff+12], vaddr)                    // p_vaddr
	binary.LittleEndian.PutUint32(f[phOff+16:phOff+20], uint32(len(payload)))    // p_filesz
	binary.LittleEndian.PutUint32(f[phOff+20:phOff+24], uint32(len(payload)))    // p_memsz

	copy(f[ehdrSize+phdrSize:], payload)
	return f
}

func withMockAlloc(t *testing.T) {
	t.Helper()
	origAlloc, origTranslate := allocFn, translateFn
	t.Cleanup(func() { allocFn, translateFn = origAlloc, origTranslate })

	allocFn = func(size, align uintptr) (uintptr, *kernel.Error) {
		buf := make([]byte, size+align)
		addr := uintptr(unsafe.Pointer(&buf[0]))
		if align != 0 {
			addr = (addr + align - 1) &^ (align - 1)
		}
		return addr, nil
	}
}

func TestLoadRejectsShortFile(t *testing.T) {
	withMockAlloc(t)
	if _, err := Load([]byte{1, 2, 3}); err != errTooSmall {
		t.Fatalf("expected errTooSmall; got %v", err)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	withMockAlloc(t)
	f := buildExec(0x08048000, []byte{0xC3}, 0)
	f[0] = 0

	if _, err := Load(f); err != errBadIdent {
		t.Fatalf("expected errBadIdent; got %v", err)
	}
}

func TestLoadExecSucceeds(t *testing.T) {
	withMockAlloc(t)

	payload := []byte{0x90, 0x90, 0xC3}
	f := buildExec(0x08048000, payload, 0)

	img, err := Load(f)
	if err != nil {
		t.Fatal(err)
	}

	if img.LoadBase != 0x08048000 {
		t.Fatalf("expected load base 0x08048000; got %x", img.LoadBase)
	}
	if img.Entry != 0x08048000 {
		t.Fatalf("expected entry 0x08048000; got %x", img.Entry)
	}

	copied := addrSlice(img.Buffer, uintptr(len(payload)))
	for i, b := range payload {
		if copied[i] != b {
			t.Fatalf("expected copied payload byte %d to be %x; got %x", i, b, copied[i])
		}
	}
}

func TestLoadRejectsEntryOutOfRange(t *testing.T) {
	withMockAlloc(t)

	f := buildExec(0x08048000, []byte{0x90}, 0x10000)

	if _, err := Load(f); err != errEntryOutOfRange {
		t.Fatalf("expected errEntryOutOfRange; got %v", err)
	}
}

func TestLoadRejectsSegmentOutsideUserRange(t *testing.T) {
	withMockAlloc(t)

	// Vaddr 0 is below config.UserBase (0x08000000).
	f := buildExec(0, []byte{0x90}, 0)

	if _, err := Load(f); err != errUserRange {
		t.Fatalf("expected errUserRange; got %v", err)
	}
}
