// Package proc owns the process control block table, per-process kernel
// and user stacks, and per-process page directories. It implements
// create/fork/exec/exit/kill, leaving the round-robin scheduling policy
// itself to kernel/sched so that the two concerns (process lifecycle vs.
// which PCB runs next) stay as separable as the teacher keeps its own
// subsystems.
package proc

import (
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/config"
	"github.com/softlab-csw012/orionOS-sub000/kernel/elf"
	"github.com/softlab-csw012/orionOS-sub000/kernel/heap"
	"github.com/softlab-csw012/orionOS-sub000/kernel/irq"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/pmm"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/vmm"
)

// State describes the lifecycle stage of a PCB slot.
type State uint8

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateExited
)

// userExitStub is copied onto every user stack just below the argv block;
// a user program's main() returning naturally executes it, invoking
// exit(0) via the reserved syscall number 8.
var userExitStub = []byte{
	0xB8, 0x08, 0x00, 0x00, 0x00, // mov eax, 8
	0x31, 0xDB, // xor ebx, ebx
	0xCD, 0xA5, // int 0xA5
	0xEB, 0xFE, // jmp $
}

// PCB is a process control block.
type PCB struct {
	PID   uint32
	Name  string
	State State

	IsKernel bool

	Entry         uintptr
	ImageBase     uintptr // kernel-heap buffer backing the loaded image
	ImageLoadBase uintptr // user-virtual address the image is mapped at
	ImageSize     uintptr

	StackBase     uintptr // user-virtual address of the stack's low end
	StackSize     uintptr
	StackKernBase uintptr // kernel-heap buffer backing the user stack

	KStackBase uintptr
	KStackSize uintptr

	ContextESP uintptr

	ExitCode       uint32
	VforkParentPID uint32

	PDT vmm.PageDirectoryTable
}

var (
	table        [config.MaxProcesses]PCB
	currentIndex = -1
	nextPID      = uint32(1)

	foregroundPID    uint32
	killRequestedPID uint32
	reapPending      bool

	errTableFull      = &kernel.Error{Module: "proc", Message: "process table is full"}
	errNoSuchProcess  = &kernel.Error{Module: "proc", Message: "no such process"}
	errKernelProcess  = &kernel.Error{Module: "proc", Message: "cannot kill a kernel process without force"}
	errAlreadyExited  = &kernel.Error{Module: "proc", Message: "process has already exited"}
	errStackSetupFail = &kernel.Error{Module: "proc", Message: "failed to lay out the user stack"}

	frameAllocFn    = pmm.AllocFrame
	createUserDirFn = vmm.CreateUserDir
)

// Init resets the process table and registers the kernel as the handler
// of last resort for unhandled user-mode exceptions.
func Init() {
	table = [config.MaxProcesses]PCB{}
	currentIndex = -1
	nextPID = 1
	foregroundPID = 0
	killRequestedPID = 0
	reapPending = false

	irq.SetProcessExceptionPolicy(killOnUnhandledException)
}

func killOnUnhandledException(_ irq.ExceptionNum) (wasForeground, handled bool) {
	cur := Current()
	if cur == nil {
		return false, false
	}
	wasForeground = foregroundPID == cur.PID
	Exit(cur, 0xFF)
	return wasForeground, true
}

func findFreeSlot() (*PCB, int, *kernel.Error) {
	for i := range table {
		if table[i].State == StateUnused || table[i].State == StateExited {
			return &table[i], i, nil
		}
	}
	return nil, -1, errTableFull
}

func addrSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func funcAddr(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// Current returns the currently scheduled PCB, or nil if the idle loop is
// active.
func Current() *PCB {
	if currentIndex < 0 {
		return nil
	}
	return &table[currentIndex]
}

// CurrentIndex and SetCurrentIndex are used by kernel/sched to move the
// scheduling cursor without giving it direct access to the table.
func CurrentIndex() int       { return currentIndex }
func SetCurrentIndex(idx int) { currentIndex = idx }

// Slot returns a pointer to table slot i, for kernel/sched's round-robin scan.
func Slot(i int) *PCB { return &table[i] }

// SlotCount is the fixed number of PCB slots.
func SlotCount() int { return len(table) }

func buildKernelFrame(p *PCB) {
	kstackTop := p.KStackBase + p.KStackSize
	frameAddr := kstackTop - unsafe.Sizeof(irq.Frame{})
	frame := (*irq.Frame)(unsafe.Pointer(frameAddr))
	*frame = irq.Frame{}
	frame.EIP = uint32(p.Entry)
	frame.CS = config.KernelCodeSelector
	frame.EFlags = 0x202
	frame.ESP = uint32(kstackTop)
	frame.UserSS = config.KernelDataSelector
	p.ContextESP = frameAddr
}

// CreateKernel allocates a kernel-mode process with its own kernel stack
// and a trap frame that resumes directly at entry.
func CreateKernel(name string, entry uintptr) (*PCB, *kernel.Error) {
	p, _, err := findFreeSlot()
	if err != nil {
		return nil, err
	}

	kstack, aerr := heap.AllocPage(config.KernelStackSize)
	if aerr != nil {
		return nil, aerr
	}

	p.PID = nextPID
	nextPID++
	p.Name = name
	p.State = StateReady
	p.IsKernel = true
	p.Entry = entry
	p.KStackBase = kstack
	p.KStackSize = config.KernelStackSize

	buildKernelFrame(p)
	return p, nil
}

// SpawnKernelThread creates a kernel-mode process whose entry point is fn,
// extracting fn's code pointer the same way kernel/irq extracts IDT gate
// targets from its stub functions.
func SpawnKernelThread(name string, fn func()) (*PCB, *kernel.Error) {
	return CreateKernel(name, funcAddr(fn))
}

// setupUserStack lays out argv and the exit stub at the top of the user
// stack (which lives in the kernel-backed buffer p.StackKernBase..+Size,
// identity-addressable from kernel space since it is a normal heap
// allocation) and returns the initial user ESP.
func setupUserStack(p *PCB, argv []string) (uintptr, *kernel.Error) {
	stackTop := p.StackBase + p.StackSize
	stubAddr := (stackTop - 16) &^ 0xF

	toKern := func(userAddr uintptr) uintptr {
		return p.StackKernBase + (userAddr - p.StackBase)
	}

	copy(addrSlice(toKern(stubAddr), uintptr(len(userExitStub))), userExitStub)

	sp := stubAddr
	argAddrs := make([]uintptr, len(argv))

	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i]
		n := uintptr(len(s) + 1)
		if sp < p.StackBase+n {
			return 0, errStackSetupFail
		}
		sp -= n
		dst := addrSlice(toKern(sp), n)
		copy(dst, s)
		dst[n-1] = 0
		argAddrs[i] = sp
	}

	sp &^= 0x3
	argvBytes := uintptr(len(argv)+1) * 4
	if sp < p.StackBase+argvBytes {
		return 0, errStackSetupFail
	}
	sp -= argvBytes
	argvOut := (*[1 << 20]uint32)(unsafe.Pointer(toKern(sp)))[: len(argv)+1 : len(argv)+1]
	for i, a := range argAddrs {
		argvOut[i] = uint32(a)
	}
	argvOut[len(argv)] = 0

	if sp < p.StackBase+8 {
		return 0, errStackSetupFail
	}
	sp -= 8
	header := (*[2]uint32)(unsafe.Pointer(toKern(sp)))
	header[0] = uint32(len(argv))
	header[1] = uint32(sp + 4 + 4) // address of argv_out, laid out immediately above the header

	return sp, nil
}

func buildInitialUserFrame(p *PCB, argv []string) *kernel.Error {
	kstackTop := p.KStackBase + p.KStackSize
	frameAddr := kstackTop - unsafe.Sizeof(irq.Frame{})
	frame := (*irq.Frame)(unsafe.Pointer(frameAddr))
	*frame = irq.Frame{}

	userESP, err := setupUserStack(p, argv)
	if err != nil {
		return err
	}

	frame.EIP = uint32(p.Entry)
	frame.CS = config.UserCodeSelector
	frame.EFlags = 0x202
	frame.ESP = uint32(userESP)
	frame.UserESP = uint32(userESP)
	frame.UserSS = config.UserDataSelector
	p.ContextESP = frameAddr
	return nil
}

func mapUserStack(p *PCB, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	for off := uintptr(0); off < p.StackSize; off += uintptr(mem.PageSize) {
		phys, err := vmm.Translate(p.StackKernBase + off)
		if err != nil {
			return err
		}
		frame := pmm.Frame(phys >> mem.PageShift)
		page := vmm.PageFromAddress(p.StackBase + off)
		if err := p.PDT.Map(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// CreateUser allocates a user-mode process: a fresh page directory, the
// given ELF image mapped into it, a user stack, and an initial trap frame
// ready to be dispatched into ring 3.
func CreateUser(name string, img *elf.Image, argv []string) (*PCB, *kernel.Error) {
	p, _, err := findFreeSlot()
	if err != nil {
		return nil, err
	}

	kstack, aerr := heap.AllocPage(config.KernelStackSize)
	if aerr != nil {
		return nil, aerr
	}

	pdt, aerr := createUserDirFn(frameAllocFn)
	if aerr != nil {
		return nil, aerr
	}
	p.PDT = pdt

	if aerr := img.MapInto(&p.PDT, frameAllocFn); aerr != nil {
		return nil, aerr
	}

	stackKern, aerr := heap.AllocPage(config.UserStackSize)
	if aerr != nil {
		return nil, aerr
	}

	p.PID = nextPID
	nextPID++
	p.Name = name
	p.State = StateReady
	p.IsKernel = false
	p.Entry = img.Entry
	p.ImageBase = img.Buffer
	p.ImageLoadBase = img.LoadBase
	p.ImageSize = img.Size
	p.StackBase = config.UserStackTop - config.UserStackSize
	p.StackSize = config.UserStackSize
	p.StackKernBase = stackKern
	p.KStackBase = kstack
	p.KStackSize = config.KernelStackSize

	if aerr := mapUserStack(p, frameAllocFn); aerr != nil {
		return nil, aerr
	}

	if aerr := buildInitialUserFrame(p, argv); aerr != nil {
		return nil, aerr
	}

	return p, nil
}

// Fork duplicates a running user process: a new page directory, a literal
// byte-for-byte copy of the image and user stack buffers (not copy-on-
// write — the spec calls for a plain copy here), and a child trap frame
// cloned from the parent's current one with EAX=0 and every saved
// stack-relative pointer (ESP, EBP, and the EBP chain) rebased onto the
// child's kernel stack.
func Fork(parent *PCB, parentFrame *irq.Frame, isVfork bool) (*PCB, *kernel.Error) {
	child, _, err := findFreeSlot()
	if err != nil {
		return nil, err
	}

	kstack, aerr := heap.AllocPage(config.KernelStackSize)
	if aerr != nil {
		return nil, aerr
	}

	pdt, aerr := createUserDirFn(frameAllocFn)
	if aerr != nil {
		return nil, aerr
	}
	child.PDT = pdt

	imageCopy, aerr := heap.AllocAligned(parent.ImageSize, uintptr(mem.PageSize))
	if aerr != nil {
		return nil, aerr
	}
	copy(addrSlice(imageCopy, parent.ImageSize), addrSlice(parent.ImageBase, parent.ImageSize))

	stackCopy, aerr := heap.AllocPage(parent.StackSize)
	if aerr != nil {
		return nil, aerr
	}
	copy(addrSlice(stackCopy, parent.StackSize), addrSlice(parent.StackKernBase, parent.StackSize))

	child.PID = nextPID
	nextPID++
	child.Name = parent.Name
	child.State = StateReady
	child.IsKernel = false
	child.Entry = parent.Entry
	child.ImageBase = imageCopy
	child.ImageLoadBase = parent.ImageLoadBase
	child.ImageSize = parent.ImageSize
	child.StackBase = parent.StackBase
	child.StackSize = parent.StackSize
	child.StackKernBase = stackCopy
	child.KStackBase = kstack
	child.KStackSize = parent.KStackSize

	// Re-map the image at its original load address and the stack at its
	// original address range, now backed by the child's copies.
	if aerr := remapImage(child, frameAllocFn); aerr != nil {
		return nil, aerr
	}
	if aerr := mapUserStack(child, frameAllocFn); aerr != nil {
		return nil, aerr
	}

	// Clone the parent's trap frame onto the child's kernel stack.
	kstackTop := child.KStackBase + child.KStackSize
	frameAddr := kstackTop - unsafe.Sizeof(irq.Frame{})
	childFrame := (*irq.Frame)(unsafe.Pointer(frameAddr))
	*childFrame = *parentFrame
	childFrame.EAX = 0
	child.ContextESP = frameAddr

	delta := child.KStackBase - parent.KStackBase
	rebase := func(v uint32) uint32 {
		addr := uintptr(v)
		if addr >= parent.KStackBase && addr < parent.KStackBase+parent.KStackSize {
			return uint32(addr + delta)
		}
		return v
	}
	childFrame.ESP = rebase(childFrame.ESP)
	childFrame.EBP = rebase(childFrame.EBP)

	// Walk the saved-EBP chain on the child's copy of the stack, rebasing
	// each frame's saved EBP until the chain leaves the stack range.
	ebp := uintptr(childFrame.EBP)
	for ebp >= child.KStackBase && ebp+4 <= child.KStackBase+child.KStackSize {
		savedEBP := (*uint32)(unsafe.Pointer(ebp))
		next := rebase(*savedEBP)
		if next == *savedEBP {
			break
		}
		*savedEBP = next
		ebp = uintptr(next)
	}

	if isVfork {
		child.VforkParentPID = parent.PID
		parent.State = StateBlocked
	}

	return child, nil
}

// remapImage maps child's already-populated image buffer into its page
// directory at the load address recorded in child.ImageLoadBase.
func remapImage(child *PCB, allocFn vmm.FrameAllocatorFn) *kernel.Error {
	for off := uintptr(0); off < child.ImageSize; off += uintptr(mem.PageSize) {
		phys, err := vmm.Translate(child.ImageBase + off)
		if err != nil {
			return err
		}
		frame := pmm.Frame(phys >> mem.PageShift)
		page := vmm.PageFromAddress(child.ImageLoadBase + off)
		if err := child.PDT.Map(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// Exit marks p as exited, hands off the foreground and any waiting vfork
// parent, and raises the reap-pending flag.
func Exit(p *PCB, code uint32) {
	p.State = StateExited
	p.ExitCode = code

	if foregroundPID == p.PID {
		foregroundPID = 0
	}

	if p.VforkParentPID != 0 {
		for i := range table {
			if table[i].PID == p.VforkParentPID && table[i].State == StateBlocked {
				table[i].State = StateReady
			}
		}
	}

	reapPending = true
}

// Kill transitions pid to EXITED. Killing the current process instead
// records killRequestedPID so the next IRQ-exit path can honour it without
// tearing down a process that is still executing its own kill syscall.
func Kill(pid uint32, force bool) *kernel.Error {
	if cur := Current(); cur != nil && cur.PID == pid {
		killRequestedPID = pid
		return nil
	}

	for i := range table {
		p := &table[i]
		if p.PID != pid || p.State == StateUnused {
			continue
		}
		if p.State == StateExited {
			return errAlreadyExited
		}
		if p.IsKernel && !force {
			return errKernelProcess
		}
		Exit(p, 0)
		return nil
	}

	return errNoSuchProcess
}

// CheckKillRequested returns and clears killRequestedPID if it matches pid,
// to be polled at the end of every IRQ dispatch.
func CheckKillRequested(pid uint32) bool {
	if killRequestedPID == pid {
		killRequestedPID = 0
		return true
	}
	return false
}

// ReapPending reports and clears the one-shot reap flag.
func ReapPending() bool {
	p := reapPending
	reapPending = false
	return p
}

// Reap frees the resources of every EXITED slot that is not the process
// currently executing (identified by its kernel stack range covering the
// live ESP), then zeroes the slot for reuse.
func Reap(liveESP uintptr) {
	for i := range table {
		p := &table[i]
		if p.State != StateExited {
			continue
		}
		if liveESP >= p.KStackBase && liveESP < p.KStackBase+p.KStackSize {
			continue
		}

		if p.StackKernBase != 0 {
			heap.Free(p.StackKernBase)
		}
		if p.KStackBase != 0 {
			heap.Free(p.KStackBase)
		}
		if p.ImageBase != 0 {
			heap.Free(p.ImageBase)
		}
		*p = PCB{}
	}
}

// SetForeground and Foreground track which PID owns the console.
func SetForeground(pid uint32) { foregroundPID = pid }
func Foreground() uint32       { return foregroundPID }
