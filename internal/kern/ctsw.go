package kern

import "github.com/YuanjieZhao/miniOS/internal/mem"

// request classifies what pulled control back into the kernel: a system call
// or a hardware interrupt.
type request int

const (
	sysCreate request = iota
	sysYield
	sysStop
	sysGetPid
	sysPuts
	sysKill
	sysSetPrio
	sysSend
	sysRecv
	sysSleep
	sysGetCPUTimes
	sysSigHandler
	sysSigReturn
	sysWait
	sysOpen
	sysClose
	sysWrite
	sysRead
	sysIoctl
	timerInt
	keyboardInt
)

var requestNames = map[request]string{
	sysCreate: "syscreate", sysYield: "sysyield", sysStop: "sysstop",
	sysGetPid: "sysgetpid", sysPuts: "sysputs", sysKill: "syskill",
	sysSetPrio: "syssetprio", sysSend: "syssend", sysRecv: "sysrecv",
	sysSleep: "syssleep", sysGetCPUTimes: "sysgetcputimes",
	sysSigHandler: "syssighandler", sysSigReturn: "syssigreturn",
	sysWait: "syswait", sysOpen: "sysopen", sysClose: "sysclose",
	sysWrite: "syswrite", sysRead: "sysread", sysIoctl: "sysioctl",
	timerInt: "timer interrupt", keyboardInt: "keyboard interrupt",
}

func (r request) String() string {
	if s, ok := requestNames[r]; ok {
		return s
	}
	return "invalid request"
}

// trapFrame carries a trap from a process into the kernel: the request, the
// raw argument tuple, and the typed payloads that cannot travel as words
// (the entry function of a syscreate, the handler of a syssighandler).
type trapFrame struct {
	req  request
	args []uint64

	fn      ProcessFunc
	handler SignalHandler
}

type resumeKind int

const (
	// deliver the syscall result and let the process continue
	resumeResult resumeKind = iota
	// run the signal trampoline: handler(cntx) then sigreturn(cntx)
	resumeSignal
	// tear the goroutine down; the process was cleaned up
	resumeKill
)

// resume is what the kernel hands a process when switching into it.
type resume struct {
	kind    resumeKind
	result  int
	handler SignalHandler
	cntx    mem.Addr
}

// irq identifies a hardware interrupt source.
type irq int

const (
	irqTimer irq = iota
	irqKeyboard
)

func (i irq) request() request {
	if i == irqTimer {
		return timerInt
	}
	return keyboardInt
}

// contextswitch switches into proc and returns when control comes back to
// the kernel, classifying the cause. A pending hardware interrupt is taken
// first, before the process is resumed; the idle process has no goroutine,
// so switching into it just waits for an interrupt.
func (k *Kernel) contextswitch(proc *pcb) trapFrame {
	select {
	case in := <-k.irqC:
		return trapFrame{req: in.request()}
	default:
	}

	if proc == &k.idle {
		in := <-k.irqC
		return trapFrame{req: in.request()}
	}

	if !proc.started {
		proc.started = true
		go k.procMain(proc)
	}

	// staged signal deliveries run before the interrupted computation,
	// innermost frame first
	if n := len(proc.trampQ); n > 0 {
		tr := proc.trampQ[n-1]
		proc.trampQ = proc.trampQ[:n-1]
		proc.resumeC <- resume{kind: resumeSignal, handler: tr.handler, cntx: tr.cntx}
	} else {
		proc.resumeC <- resume{kind: resumeResult, result: proc.resultCode}
	}

	return <-proc.trapC
}

// procMain is the kernel-side birth of a process goroutine. The goroutine
// waits for its first resume, runs the entry function, and lands in sysstop
// if the entry function returns.
func (k *Kernel) procMain(p *pcb) {
	proc := &Process{k: k, pcb: p}
	defer func() {
		if r := recover(); r != nil && r != errProcKilled {
			panic(r)
		}
	}()
	proc.await()
	p.entry(proc)
	proc.Sysstop()
}

// errProcKilled unwinds a process goroutine whose PCB was cleaned up.
var errProcKilled = &struct{ s string }{"process killed"}
