package kern

import "github.com/YuanjieZhao/miniOS/internal/mem"

// context frame word offsets, matching the pusha/iret layout
const (
	cfEDI = iota * 4
	cfESI
	cfEBP
	cfESP
	cfEBX
	cfEDX
	cfECX
	cfEAX
	cfIretEIP
	cfIretCS
	cfEFLAGS

	contextFrameSize = 11 * 4
)

// create builds a new process and places it on the default priority's ready
// queue. Reports whether creation succeeded.
func (k *Kernel) create(fn ProcessFunc, stack int) bool {
	if fn == nil {
		return false
	}
	if stack < ProcessStackSize {
		stack = ProcessStackSize
	}

	memStart := k.mem.Kmalloc(uint32(stack))
	if memStart == 0 {
		k.kprintf("ERROR: Not enough memory to allocate stack\n")
		return false
	}

	proc := k.getUnusedPCB()
	if proc == nil {
		k.mem.Kfree(memStart)
		return false
	}

	proc.memStart = memStart
	proc.stackSize = uint32(stack)
	proc.priority = InitPriority

	// Set up the stack so that a return from the entry function, explicit
	// or by running off the end, lands in sysstop.
	memEnd := memStart + mem.Addr(stack)
	returnAddr := memEnd - 4
	k.mem.WriteWord(returnAddr, uint32(sysstopAddr))

	// the context frame sits below the return address; the stack pointer
	// starts there
	esp := returnAddr - contextFrameSize
	proc.esp = esp
	k.writeContextFrame(esp, k.textAlloc())

	proc.entry = fn
	proc.started = false
	proc.trapC = make(chan trapFrame)
	proc.resumeC = make(chan resume)
	proc.allocaPtr = memStart
	proc.putsBuf = 0

	k.ready(proc)
	k.userProcCount++
	return true
}

// writeContextFrame zeroes a context frame at esp and fills in the words a
// switch-in would pop: base pointer, instruction pointer, code selector and
// an interrupts-enabled flags word.
func (k *Kernel) writeContextFrame(esp, eip mem.Addr) {
	k.mem.WriteBytes(esp, make([]byte, contextFrameSize))
	k.mem.WriteWord(esp+cfEBP, uint32(esp+contextFrameSize))
	k.mem.WriteWord(esp+cfIretEIP, uint32(eip))
	k.mem.WriteWord(esp+cfIretCS, kernelCS)
	k.mem.WriteWord(esp+cfEFLAGS, initialEFLAGS)
}

// createIdleProc builds the idle process. It has PID 0, a very small stack,
// and is never enqueued anywhere; next falls back to it when every ready
// queue is empty.
func (k *Kernel) createIdleProc() {
	memStart := k.mem.Kmalloc(ProcessStackSize)
	if memStart == 0 {
		panic("kern: not enough memory for the idle process stack")
	}

	idle := &k.idle
	idle.pid = IdleProcPID
	idle.memStart = memStart
	idle.stackSize = IdleStackSize
	idle.esp = memStart + IdleStackSize - contextFrameSize
	k.writeContextFrame(idle.esp, idleprocAddr)
	idle.state = StateReady
	idle.lastSignalDelivered = -1
}
