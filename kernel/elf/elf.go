// Package elf loads 32-bit little-endian ELF executables (ET_EXEC or
// ET_DYN) for EM_386 into a fresh user address space. It parses an
// in-memory byte slice the kernel already owns rather than an io.ReaderAt,
// so it decodes fields by hand with encoding/binary instead of using
// debug/elf, which assumes a hosted filesystem this kernel does not have.
package elf

import (
	"encoding/binary"
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/config"
	"github.com/softlab-csw012/orionOS-sub000/kernel/heap"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/pmm"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/vmm"
)

const (
	identSize = 16

	elfMag0 = 0x7F
	elfMag1 = 'E'
	elfMag2 = 'L'
	elfMag3 = 'F'

	classELF32  = 1
	data2LSB    = 1
	versionCurr = 1

	typeExec = 2
	typeDyn  = 3
	machine386 = 3

	ptLoad    = 1
	ptDynamic = 2

	dtNull    = 0
	dtSymtab  = 6
	dtRela    = 7
	dtRelaSz  = 8
	dtRelaEnt = 9
	dtSyment  = 11
	dtRel     = 17
	dtRelSz   = 18
	dtRelEnt  = 19

	relNone     = 0
	rel32       = 1
	relPC32     = 2
	relGlobDat  = 6
	relJmpSlot  = 7
	relRelative = 8

	ehdrSize = 52
	phdrSize = 32
	dynSize  = 8
	relSize  = 8
	symSize  = 16
)

var (
	errTooSmall        = &kernel.Error{Module: "elf", Message: "file too small to hold an ELF header"}
	errBadIdent        = &kernel.Error{Module: "elf", Message: "not a 32-bit little-endian ELF file"}
	errUnsupportedType = &kernel.Error{Module: "elf", Message: "unsupported e_type/e_machine/e_version"}
	errBadPhdrTable    = &kernel.Error{Module: "elf", Message: "invalid program header table"}
	errSegmentRange    = &kernel.Error{Module: "elf", Message: "segment exceeds file or address bounds"}
	errNoLoadSegments  = &kernel.Error{Module: "elf", Message: "no PT_LOAD segments with non-zero memsz"}
	errEntryOutOfRange = &kernel.Error{Module: "elf", Message: "entry point outside loaded segments"}
	errUserRange       = &kernel.Error{Module: "elf", Message: "segment address outside the user range"}
	errNoSpaceForPIE   = &kernel.Error{Module: "elf", Message: "no address space left for a PIE image"}
	errRelaUnsupported = &kernel.Error{Module: "elf", Message: "RELA relocations are not supported"}
	errBadRelTable     = &kernel.Error{Module: "elf", Message: "malformed REL table"}
	errRelOutOfRange   = &kernel.Error{Module: "elf", Message: "relocation entry out of range"}
	errSymResolve      = &kernel.Error{Module: "elf", Message: "failed to resolve relocation symbol"}
	errRelType         = &kernel.Error{Module: "elf", Message: "unsupported relocation type"}

	// nextPIEBase is the monotonic allocator used to place ET_DYN images
	// without collisions across successive loads.
	nextPIEBase = uintptr(config.UserBase)

	// allocFn and translateFn are swapped out by tests.
	allocFn     = heap.AllocAligned
	translateFn = vmm.Translate
)

// Image describes a loaded ELF image sitting in a kernel heap buffer,
// ready to be mapped into a target process's address space.
type Image struct {
	Entry     uintptr
	LoadBase  uintptr
	Buffer    uintptr
	Size      uintptr
}

func addrSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func alignDown(v, a uintptr) uintptr { return v &^ (a - 1) }
func alignUp(v, a uintptr) uintptr   { return (v + a - 1) &^ (a - 1) }

func identOK(b []byte) bool {
	if len(b) < identSize {
		return false
	}
	return b[0] == elfMag0 && b[1] == elfMag1 && b[2] == elfMag2 && b[3] == elfMag3 &&
		b[4] == classELF32 && b[5] == data2LSB && b[6] == versionCurr
}

type header struct {
	eType, eMachine             uint16
	eVersion, eEntry, ePhoff    uint32
	ePhentsize, ePhnum          uint16
}

func parseHeader(f []byte) header {
	var h header
	h.eType = binary.LittleEndian.Uint16(f[16:18])
	h.eMachine = binary.LittleEndian.Uint16(f[18:20])
	h.eVersion = binary.LittleEndian.Uint32(f[20:24])
	h.eEntry = binary.LittleEndian.Uint32(f[24:28])
	h.ePhoff = binary.LittleEndian.Uint32(f[28:32])
	h.ePhentsize = binary.LittleEndian.Uint16(f[42:44])
	h.ePhnum = binary.LittleEndian.Uint16(f[44:46])
	return h
}

type progHeader struct {
	pType, pOffset, pVaddr, pFilesz, pMemsz uint32
}

func parseProgHeader(f []byte, off uint32) progHeader {
	return progHeader{
		pType:   binary.LittleEndian.Uint32(f[off : off+4]),
		pOffset: binary.LittleEndian.Uint32(f[off+4 : off+8]),
		pVaddr:  binary.LittleEndian.Uint32(f[off+8 : off+12]),
		pFilesz: binary.LittleEndian.Uint32(f[off+16 : off+20]),
		pMemsz:  binary.LittleEndian.Uint32(f[off+20 : off+24]),
	}
}

type dynEntry struct {
	tag int32
	val uint32
}

func parseDynEntry(b []byte, off uint32) dynEntry {
	return dynEntry{
		tag: int32(binary.LittleEndian.Uint32(b[off : off+4])),
		val: binary.LittleEndian.Uint32(b[off+4 : off+8]),
	}
}

type relEntry struct {
	offset, info uint32
}

func parseRelEntry(b []byte, off uint32) relEntry {
	return relEntry{
		offset: binary.LittleEndian.Uint32(b[off : off+4]),
		info:   binary.LittleEndian.Uint32(b[off+4 : off+8]),
	}
}

func relSym(info uint32) uint32  { return info >> 8 }
func relType(info uint32) uint32 { return info & 0xFF }

// Load validates and maps an ELF file's loadable segments into a freshly
// allocated, page-aligned kernel heap buffer, applying REL relocations for
// PIE images. It does not install any user-space page table mappings; call
// Image.MapInto for that once a target address space exists.
func Load(file []byte) (*Image, *kernel.Error) {
	if len(file) < ehdrSize {
		return nil, errTooSmall
	}
	if !identOK(file) {
		return nil, errBadIdent
	}

	h := parseHeader(file)
	if (h.eType != typeExec && h.eType != typeDyn) || h.eMachine != machine386 || h.eVersion != versionCurr {
		return nil, errUnsupportedType
	}
	isPIE := h.eType == typeDyn

	if h.ePhentsize != phdrSize || h.ePhnum == 0 {
		return nil, errBadPhdrTable
	}
	phTableEnd := uint64(h.ePhoff) + uint64(h.ePhnum)*phdrSize
	if uint64(h.ePhoff) > uint64(len(file)) || phTableEnd > uint64(len(file)) {
		return nil, errBadPhdrTable
	}

	phdrs := make([]progHeader, h.ePhnum)
	for i := range phdrs {
		phdrs[i] = parseProgHeader(file, h.ePhoff+uint32(i)*phdrSize)
	}

	minVaddr := uint32(0xFFFFFFFF)
	maxVaddr := uint32(0)
	for _, ph := range phdrs {
		if ph.pType != ptLoad || ph.pMemsz == 0 {
			continue
		}
		if ph.pFilesz > ph.pMemsz {
			return nil, errSegmentRange
		}
		if uint64(ph.pOffset)+uint64(ph.pFilesz) > uint64(len(file)) {
			return nil, errSegmentRange
		}
		segEnd := uint64(ph.pVaddr) + uint64(ph.pMemsz)
		if segEnd > 0xFFFFFFFF {
			return nil, errSegmentRange
		}
		if ph.pVaddr < minVaddr {
			minVaddr = ph.pVaddr
		}
		if uint32(segEnd) > maxVaddr {
			maxVaddr = uint32(segEnd)
		}
	}
	if minVaddr == 0xFFFFFFFF {
		return nil, errNoLoadSegments
	}
	if h.eEntry < minVaddr || h.eEntry >= maxVaddr {
		return nil, errEntryOutOfRange
	}

	baseVaddr := alignDown(uintptr(minVaddr), uintptr(mem.PageSize))
	imageSize := alignUp(uintptr(maxVaddr)-baseVaddr, uintptr(mem.PageSize))
	if imageSize == 0 {
		return nil, errSegmentRange
	}

	var loadBase uintptr
	if isPIE {
		minBase := baseVaddr
		if minBase < config.UserBase {
			minBase = config.UserBase
		}
		base, err := choosePIEBase(imageSize, minBase)
		if err != nil {
			return nil, err
		}
		loadBase = base
	} else {
		if uintptr(minVaddr) < config.UserBase || uintptr(maxVaddr) > config.UserTop {
			return nil, errUserRange
		}
		loadBase = baseVaddr
	}
	loadBias := loadBase - baseVaddr

	imageAddr, err := allocFn(imageSize, uintptr(mem.PageSize))
	if err != nil {
		return nil, err
	}
	imageBuf := addrSlice(imageAddr, imageSize)
	for i := range imageBuf {
		imageBuf[i] = 0
	}

	for _, ph := range phdrs {
		if ph.pType != ptLoad || ph.pMemsz == 0 {
			continue
		}
		segOffset := uintptr(ph.pVaddr) - baseVaddr
		if segOffset+uintptr(ph.pMemsz) > imageSize {
			return nil, errSegmentRange
		}
		if ph.pFilesz > 0 {
			copy(imageBuf[segOffset:], file[ph.pOffset:uint64(ph.pOffset)+uint64(ph.pFilesz)])
		}
	}

	if isPIE {
		if err := applyRelocations(imageBuf, baseVaddr, loadBias, phdrs); err != nil {
			return nil, err
		}
	}

	return &Image{
		Entry:    uintptr(h.eEntry) + loadBias,
		LoadBase: loadBase,
		Buffer:   imageAddr,
		Size:     imageSize,
	}, nil
}

func choosePIEBase(imageSize, minBase uintptr) (uintptr, *kernel.Error) {
	base := nextPIEBase
	if base < minBase {
		base = minBase
	}
	base = alignUp(base, uintptr(mem.PageSize))

	end := base + imageSize
	if end > config.UserTop+1 || end < base {
		return 0, errNoSpaceForPIE
	}

	nextPIEBase = alignUp(end+uintptr(mem.PageSize), uintptr(mem.PageSize))
	return base, nil
}

// imagePtr returns the byte range [vaddr-baseVaddr, vaddr-baseVaddr+size)
// of image, or nil if that range falls outside the image buffer.
func imagePtr(image []byte, baseVaddr, vaddr uintptr, size uint32) []byte {
	if vaddr < baseVaddr {
		return nil
	}
	off := vaddr - baseVaddr
	if off > uintptr(len(image)) {
		return nil
	}
	if uintptr(size) > uintptr(len(image))-off {
		return nil
	}
	return image[off : off+uintptr(size)]
}

func resolveSymbol(image []byte, baseVaddr, loadBias, symtabVaddr uintptr, symEnt, symIndex uint32) (uintptr, bool) {
	if symtabVaddr == 0 || symEnt < symSize {
		return 0, false
	}
	symVaddr := symtabVaddr + uintptr(symIndex)*uintptr(symEnt)
	sym := imagePtr(image, baseVaddr, symVaddr, symSize)
	if sym == nil {
		return 0, false
	}
	stValue := binary.LittleEndian.Uint32(sym[4:8])
	stShndx := binary.LittleEndian.Uint16(sym[14:16])
	if stShndx == 0 {
		return 0, false
	}
	return loadBias + uintptr(stValue), true
}

func applyRelocations(image []byte, baseVaddr, loadBias uintptr, phdrs []progHeader) *kernel.Error {
	var dynPH *progHeader
	for i := range phdrs {
		if phdrs[i].pType == ptDynamic {
			dynPH = &phdrs[i]
			break
		}
	}
	if dynPH == nil {
		return nil
	}

	dyn := imagePtr(image, baseVaddr, uintptr(dynPH.pVaddr), dynPH.pMemsz)
	if dyn == nil {
		return errBadRelTable
	}

	var (
		relVaddr, relSz, relEnt, symtabVaddr, symEnt uint32
		hasRela                                      bool
	)
	relEnt = relSize
	symEnt = symSize

	dynCount := int(dynPH.pMemsz) / dynSize
	for i := 0; i < dynCount; i++ {
		d := parseDynEntry(dyn, uint32(i*dynSize))
		if d.tag == dtNull {
			break
		}
		switch d.tag {
		case dtRel:
			relVaddr = d.val
		case dtRelSz:
			relSz = d.val
		case dtRelEnt:
			relEnt = d.val
		case dtSymtab:
			symtabVaddr = d.val
		case dtSyment:
			symEnt = d.val
		case dtRela, dtRelaSz, dtRelaEnt:
			hasRela = true
		}
	}

	if hasRela {
		return errRelaUnsupported
	}
	if relSz == 0 {
		return nil
	}
	if relEnt != relSize || relSz%relEnt != 0 {
		return errBadRelTable
	}

	rel := imagePtr(image, baseVaddr, uintptr(relVaddr), relSz)
	if rel == nil {
		return errRelOutOfRange
	}

	relCount := int(relSz) / int(relEnt)
	for i := 0; i < relCount; i++ {
		r := parseRelEntry(rel, uint32(i*int(relEnt)))
		typ := relType(r.info)
		symIdx := relSym(r.info)

		target := imagePtr(image, baseVaddr, uintptr(r.offset), 4)
		if target == nil {
			return errRelOutOfRange
		}
		cur := binary.LittleEndian.Uint32(target)

		var newVal uint32
		switch typ {
		case relNone:
			continue
		case relRelative:
			newVal = cur + uint32(loadBias)
		case rel32:
			sym, ok := resolveSymbol(image, baseVaddr, loadBias, uintptr(symtabVaddr), symEnt, symIdx)
			if !ok {
				return errSymResolve
			}
			newVal = uint32(sym) + cur
		case relPC32:
			sym, ok := resolveSymbol(image, baseVaddr, loadBias, uintptr(symtabVaddr), symEnt, symIdx)
			if !ok {
				return errSymResolve
			}
			newVal = uint32(sym) + cur - uint32(loadBias+uintptr(r.offset))
		case relGlobDat, relJmpSlot:
			sym, ok := resolveSymbol(image, baseVaddr, loadBias, uintptr(symtabVaddr), symEnt, symIdx)
			if !ok {
				return errSymResolve
			}
			newVal = uint32(sym)
		default:
			return errRelType
		}

		binary.LittleEndian.PutUint32(target, newVal)
	}

	return nil
}

// MapInto installs the image's pages into pdt at LoadBase, using allocFn to
// satisfy any intermediate page table allocations the mapping needs.
func (img *Image) MapInto(pdt *vmm.PageDirectoryTable, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	for off := uintptr(0); off < img.Size; off += uintptr(mem.PageSize) {
		phys, err := translateFn(img.Buffer + off)
		if err != nil {
			return err
		}
		frame := pmm.Frame(phys >> mem.PageShift)
		page := vmm.PageFromAddress(img.LoadBase + off)
		if err := pdt.Map(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, allocFn); err != nil {
			return err
		}
	}
	return nil
}
