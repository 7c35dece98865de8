// Package kern implements the kernel: the PCB table, the priority scheduler
// and dispatcher, rendezvous message passing, the sleep device, prioritized
// signal delivery, and the device-independent layer over the keyboard driver.
//
// The machine around the kernel is simulated. RAM is a mem.Pool, the timer
// and the keyboard controller feed a buffered IRQ channel, and each user
// process is a goroutine that ping-pongs with the single dispatcher goroutine
// over a trap/resume channel pair. Only the dispatcher mutates kernel state;
// interrupts are taken at dispatch boundaries, before a process is resumed.
package kern

import "github.com/YuanjieZhao/miniOS/internal/mem"

// Configuration constants. The values mirror the original machine: 32
// processes, four priorities, a 10ms time slice, 8K process stacks.
const (
	PCBTableSize    = 32
	DeviceTableSize = 2

	ProcessStackSize = 8192
	IdleStackSize    = 512

	NumPriorities = 4
	// InitPriority is the priority every new process starts at (lowest).
	InitPriority = 3
	IdleProcPID  = 0

	// MsgSize is the size in bytes of one IPC message word.
	MsgSize = 8
	// pidSize is the size in bytes of a PID slot written back on receive.
	pidSize = 4

	// TimeSlice is the timer tick period in milliseconds.
	TimeSlice = 10

	SignalTableSize = 32
	FDTableSize     = 4

	// eflags value loaded into new context frames: interrupts enabled.
	initialEFLAGS = 0x00003200
	// code selector stamped into context frames.
	kernelCS = 0x08
)

// State is a process's scheduling state.
type State int32

const (
	StateRunning State = iota
	StateReady
	StateBlocked
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateReady:
		return "Ready"
	case StateBlocked:
		return "Blocked"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

// BlockTag identifies which blocked queue a blocked process sits on.
type BlockTag int32

const (
	BlockSender BlockTag = iota
	BlockReceiver
	BlockWait
	BlockReceiveAny
	BlockSleep
	BlockRead
	BlockNone
)

func (b BlockTag) String() string {
	switch b {
	case BlockSender:
		return "Sending"
	case BlockReceiver:
		return "Receiving"
	case BlockWait:
		return "Waiting"
	case BlockReceiveAny:
		return "Receive-any"
	case BlockSleep:
		return "Sleeping"
	case BlockRead:
		return "I/O read"
	case BlockNone:
		return "None"
	}
	return "Unknown"
}

// PrintableState renders a process state the way the ps listing shows it.
func PrintableState(s State, b BlockTag) string {
	if s != StateBlocked {
		return s.String()
	}
	return "Blocked: " + b.String()
}

// tramp is a signal delivery staged on a process: when the process is next
// resumed, its trampoline runs handler(cntx) and then issues sigreturn(cntx).
type tramp struct {
	handler SignalHandler
	cntx    mem.Addr
}

// pcb is a process control block. prev/next are the intrusive links shared by
// every process queue; a PCB is on at most one queue at a time.
type pcb struct {
	pid   int
	state State

	prev *pcb
	next *pcb

	// base and size of the allocated stack
	memStart  mem.Addr
	stackSize uint32
	// saved user stack pointer
	esp mem.Addr

	// syscall result written back on resume
	resultCode int

	// 0 (highest) to 3 (lowest)
	priority int

	// the process this one is blocked on, nil unless blockedQueue is
	// Sender, Receiver or Wait
	blockedOn    *pcb
	blockedQueue BlockTag

	// this process's own queues of blocked peers:
	// [BlockSender] senders, [BlockReceiver] receivers, [BlockWait] waiters
	blockedQueues [3]queue

	// raw argument tuple captured from the last trap, read by the
	// messaging code when a blocked peer is matched
	ipcArgs []uint64

	// relative wake delay while on the sleep delta list
	key int

	// CPU time consumed, in ticks
	cpuTime int64

	signalTable [SignalTableSize]SignalHandler
	// arena-representable tokens standing in for the handlers' code
	// addresses, written back through syssighandler's old pointer
	signalTokens        [SignalTableSize]uint32
	pendingSignals      uint32
	lastSignalDelivered int

	// staged signal deliveries, innermost last
	trampQ []tramp

	fdTable [FDTableSize]*devsw

	// goroutine plumbing: the process traps into the kernel on trapC and
	// is resumed on resumeC. started is set once the goroutine exists.
	entry   ProcessFunc
	trapC   chan trapFrame
	resumeC chan resume
	started bool

	// user-side scratch allocator over the low end of the stack
	allocaPtr mem.Addr
	putsBuf   mem.Addr
}
