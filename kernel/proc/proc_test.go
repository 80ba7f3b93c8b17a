package proc

import (
	"testing"
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/config"
	"github.com/softlab-csw012/orionOS-sub000/kernel/irq"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/pmm"
)

// mockProcAllocators replaces frameAllocFn with one that always succeeds
// without touching real physical memory; only CreateKernel/Exit/Kill/Reap
// are exercised here, none of which dereference the returned frame, so a
// fixed sentinel value is sufficient.
func mockProcAllocators(t *testing.T) {
	t.Helper()
	orig := frameAllocFn
	t.Cleanup(func() { frameAllocFn = orig })
	frameAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(7), nil }
}

func resetTable(t *testing.T) {
	t.Helper()
	Init()
	t.Cleanup(func() { Init() })
}

func TestCreateKernelAssignsSlotAndFrame(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	entry := uintptr(0xC0100000)
	p, err := CreateKernel("idle", entry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.State != StateReady {
		t.Fatalf("expected state ready; got %v", p.State)
	}
	if !p.IsKernel {
		t.Fatal("expected kernel process")
	}
	if p.PID == 0 {
		t.Fatal("expected a non-zero pid")
	}

	frame := (*irq.Frame)(unsafe.Pointer(p.ContextESP))
	if frame.EIP != uint32(entry) {
		t.Fatalf("expected frame EIP %x; got %x", entry, frame.EIP)
	}
	if frame.CS != config.KernelCodeSelector {
		t.Fatalf("expected kernel CS; got %x", frame.CS)
	}
	if frame.ESP != uint32(p.KStackBase+p.KStackSize) {
		t.Fatalf("expected frame ESP at stack top; got %x", frame.ESP)
	}
}

func TestCreateKernelTableFull(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	for i := 0; i < config.MaxProcesses; i++ {
		if _, err := CreateKernel("worker", 0xC0100000); err != nil {
			t.Fatalf("unexpected error filling slot %d: %v", i, err)
		}
	}

	if _, err := CreateKernel("overflow", 0xC0100000); err != errTableFull {
		t.Fatalf("expected errTableFull; got %v", err)
	}
}

func TestSpawnKernelThreadUsesFuncAddr(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	fn := func() {}

	p, err := SpawnKernelThread("worker", fn)
	if err != nil {
		t.Fatal(err)
	}
	if p.Entry == 0 {
		t.Fatal("expected a non-zero entry point")
	}
}

func TestSetupUserStackLaysOutArgv(t *testing.T) {
	resetTable(t)

	stackSize := uintptr(4096)
	kernBuf := make([]byte, stackSize)

	p := &PCB{
		StackBase:     0xBFF00000 - stackSize,
		StackSize:     stackSize,
		StackKernBase: uintptr(unsafe.Pointer(&kernBuf[0])),
	}

	esp, err := setupUserStack(p, []string{"init", "-v"})
	if err != nil {
		t.Fatal(err)
	}
	if esp == 0 || esp < p.StackBase || esp >= p.StackBase+p.StackSize {
		t.Fatalf("expected esp within stack range; got %x", esp)
	}

	toKern := func(userAddr uintptr) uintptr { return p.StackKernBase + (userAddr - p.StackBase) }
	header := (*[2]uint32)(unsafe.Pointer(toKern(esp)))
	if header[0] != 2 {
		t.Fatalf("expected argc 2; got %d", header[0])
	}
}

func TestSetupUserStackRejectsOversizedArgv(t *testing.T) {
	resetTable(t)

	stackSize := uintptr(64)
	kernBuf := make([]byte, stackSize)
	p := &PCB{
		StackBase:     0x1000,
		StackSize:     stackSize,
		StackKernBase: uintptr(unsafe.Pointer(&kernBuf[0])),
	}

	huge := make([]byte, 256)
	if _, err := setupUserStack(p, []string{string(huge)}); err != errStackSetupFail {
		t.Fatalf("expected errStackSetupFail; got %v", err)
	}
}

func TestExitWakesVforkParent(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	parent, err := CreateKernel("parent", 0xC0100000)
	if err != nil {
		t.Fatal(err)
	}
	parent.State = StateBlocked

	child, err := CreateKernel("child", 0xC0100000)
	if err != nil {
		t.Fatal(err)
	}
	child.VforkParentPID = parent.PID

	Exit(child, 0)

	if parent.State != StateReady {
		t.Fatalf("expected parent woken to ready; got %v", parent.State)
	}
	if !ReapPending() {
		t.Fatal("expected reap to be pending after exit")
	}
}

func TestKillCurrentProcessDefersToKillRequested(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	if _, err := CreateKernel("self", 0xC0100000); err != nil {
		t.Fatal(err)
	}
	SetCurrentIndex(0)

	if err := Kill(table[0].PID, false); err != nil {
		t.Fatal(err)
	}
	if !CheckKillRequested(table[0].PID) {
		t.Fatal("expected kill to be recorded as pending for the current process")
	}
	if table[0].State != StateReady {
		t.Fatalf("current process must not be torn down synchronously; got state %v", table[0].State)
	}
}

func TestKillOtherProcessExitsImmediately(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	SetCurrentIndex(-1)
	p, err := CreateKernel("victim", 0xC0100000)
	if err != nil {
		t.Fatal(err)
	}

	if err := Kill(p.PID, false); err != nil {
		t.Fatal(err)
	}
	if p.State != StateExited {
		t.Fatalf("expected exited; got %v", p.State)
	}
}

func TestKillUnknownPid(t *testing.T) {
	resetTable(t)
	if err := Kill(9999, false); err != errNoSuchProcess {
		t.Fatalf("expected errNoSuchProcess; got %v", err)
	}
}

func TestKillKernelProcessRequiresForce(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	SetCurrentIndex(-1)
	p, err := CreateKernel("driver", 0xC0100000)
	if err != nil {
		t.Fatal(err)
	}

	if err := Kill(p.PID, false); err != errKernelProcess {
		t.Fatalf("expected errKernelProcess; got %v", err)
	}
	if err := Kill(p.PID, true); err != nil {
		t.Fatalf("expected force kill to succeed; got %v", err)
	}
}

func TestReapSkipsCurrentlyExecutingStack(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	p, err := CreateKernel("zombie", 0xC0100000)
	if err != nil {
		t.Fatal(err)
	}
	p.State = StateExited

	Reap(p.KStackBase + 16)
	if table[0].State != StateExited {
		t.Fatal("expected reap to skip the slot whose stack is live")
	}

	Reap(0)
	if table[0].State != StateUnused {
		t.Fatalf("expected slot freed; got state %v", table[0].State)
	}
}

func TestKillOnUnhandledExceptionNoCurrentProcess(t *testing.T) {
	resetTable(t)
	SetCurrentIndex(-1)

	wasFg, handled := killOnUnhandledException(irq.GPFException)
	if wasFg || handled {
		t.Fatal("expected no-op when there is no current process")
	}
}

func TestKillOnUnhandledExceptionKillsForeground(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	p, err := CreateKernel("faulting", 0xC0100000)
	if err != nil {
		t.Fatal(err)
	}
	SetCurrentIndex(0)
	SetForeground(p.PID)

	wasFg, handled := killOnUnhandledException(irq.GPFException)
	if !wasFg || !handled {
		t.Fatalf("expected foreground kill to be handled; got wasFg=%v handled=%v", wasFg, handled)
	}
	if p.State != StateExited {
		t.Fatalf("expected process to be marked exited; got %v", p.State)
	}
}

func TestSlotAccessorsMatchTable(t *testing.T) {
	resetTable(t)
	mockProcAllocators(t)

	if SlotCount() != config.MaxProcesses {
		t.Fatalf("expected %d slots; got %d", config.MaxProcesses, SlotCount())
	}

	p, err := CreateKernel("first", 0xC0100000)
	if err != nil {
		t.Fatal(err)
	}
	if Slot(0).PID != p.PID {
		t.Fatalf("expected Slot(0) to alias the created PCB; got pid %d want %d", Slot(0).PID, p.PID)
	}
}
