package kern

import "github.com/YuanjieZhao/miniOS/internal/mem"

// The application side of the system calls. These run in the process
// goroutine and perform the transition into the kernel: the request and its
// argument tuple go out on the trap channel, and the goroutine parks until
// the dispatcher switches back in with a result, a signal trampoline to run
// first, or a teardown.

// ProcessFunc is a process entry point. When it returns, the process lands
// in sysstop.
type ProcessFunc func(p *Process)

// Process is a user process's view of itself: the syscall surface plus
// helpers for reaching its own stack memory.
type Process struct {
	k   *Kernel
	pcb *pcb
}

// trap transitions into the kernel and parks until the call is serviced.
func (p *Process) trap(fr trapFrame) int {
	p.pcb.trapC <- fr
	return p.await()
}

// await parks until the kernel switches back in. A signal resume runs the
// trampoline and parks again: the result eventually delivered belongs to
// whatever call the signal interrupted.
func (p *Process) await() int {
	for {
		r := <-p.pcb.resumeC
		switch r.kind {
		case resumeKill:
			panic(errProcKilled)
		case resumeSignal:
			sigtramp(p, r.handler, r.cntx)
		default:
			return r.result
		}
	}
}

// sigtramp runs in the application and controls signal processing there: it
// calls the handler and then issues sigreturn. The sigreturn trap does not
// return here; the enclosing await picks up whatever the kernel delivers
// next.
func sigtramp(p *Process, handler SignalHandler, cntx mem.Addr) {
	handler(p, cntx)
	p.pcb.trapC <- trapFrame{req: sysSigReturn, args: []uint64{uint64(cntx)}}
}

// Syscreate creates a new process running fn with the given stack size.
// Returns the new PID, or -1 on failure.
func (p *Process) Syscreate(fn ProcessFunc, stack int) int {
	return p.trap(trapFrame{req: sysCreate, fn: fn, args: []uint64{uint64(int64(stack))}})
}

// Sysyield yields the processor to the next ready process.
func (p *Process) Sysyield() {
	p.trap(trapFrame{req: sysYield})
}

// Sysstop terminates and cleans up the process. It does not return.
func (p *Process) Sysstop() {
	p.trap(trapFrame{req: sysStop})
	panic("kern: sysstop returned")
}

// Sysgetpid returns the PID of the calling process.
func (p *Process) Sysgetpid() int {
	return p.trap(trapFrame{req: sysGetPid})
}

// Sysputs displays a null-terminated string through the kernel. The screen
// is a shared resource; this is the synchronized way to reach it.
func (p *Process) Sysputs(str string) {
	buf := p.putsBuffer()
	b := []byte(str)
	if len(b) > putsBufferSize-1 {
		b = b[:putsBufferSize-1]
	}
	p.k.mem.WriteBytes(buf, append(b, 0))
	p.trap(trapFrame{req: sysPuts, args: []uint64{uint64(buf)}})
}

// Syskill requests that a signal be delivered to a process. Returns 0 on
// success, -514 if the target does not exist, -583 for a bad signal number.
func (p *Process) Syskill(pid, signalNumber int) int {
	return p.trap(trapFrame{req: sysKill, args: []uint64{uint64(int64(pid)), uint64(int64(signalNumber))}})
}

// Syssetprio sets the process's priority, 0 (highest) to 3 (lowest), and
// returns the previous one. Priority -1 just reads the current priority.
// Returns -1 for an out-of-range request.
func (p *Process) Syssetprio(priority int) int {
	return p.trap(trapFrame{req: sysSetPrio, args: []uint64{uint64(int64(priority))}})
}

// Syssend sends one unsigned word to destPid, blocking until the matching
// receive completes. Returns 0 on success, -1 if the receiver died first,
// -2 if it does not exist, -3 for a send to self, -666 when interrupted.
func (p *Process) Syssend(destPid int, num uint64) int {
	return p.trap(trapFrame{req: sysSend, args: []uint64{uint64(uint32(destPid)), num}})
}

// Sysrecv receives one unsigned word. fromPid names the address of the
// sender's PID; a zero value there means receive from anyone, and the
// matched sender's PID is written back. The word lands at num.
func (p *Process) Sysrecv(fromPid, num mem.Addr) int {
	return p.trap(trapFrame{req: sysRecv, args: []uint64{uint64(fromPid), uint64(num)}})
}

// Syssleep sleeps for at least the given number of milliseconds. Returns 0
// after a full sleep, or the time remaining if a signal cut it short.
func (p *Process) Syssleep(milliseconds uint32) int {
	return p.trap(trapFrame{req: sysSleep, args: []uint64{uint64(milliseconds)}})
}

// Sysgetcputimes fills the status table at ps (ProcessStatusesSize bytes)
// and returns the last slot used, -1 if ps is in the hole, -2 if the table
// would run past the end of memory.
func (p *Process) Sysgetcputimes(ps mem.Addr) int {
	return p.trap(trapFrame{req: sysGetCPUTimes, args: []uint64{uint64(ps)}})
}

// Syssighandler registers handler for the given signal; nil disables
// delivery. The previous handler's code word is written to oldHandler so the
// caller can restore it later via HandlerAt. Returns 0 on success, -1 for a
// bad signal or signal 31, -3 for a bad oldHandler address.
func (p *Process) Syssighandler(signalNumber int, handler SignalHandler, oldHandler mem.Addr) int {
	return p.trap(trapFrame{
		req:     sysSigHandler,
		handler: handler,
		args:    []uint64{uint64(int64(signalNumber)), uint64(oldHandler)},
	})
}

// Syssigreturn issues the sigreturn trap, which switches the process back to
// the context saved when the signal was delivered. The signal trampoline
// sends the same trap itself and does not call Syssigreturn. It does not
// return.
func (p *Process) Syssigreturn(oldSP mem.Addr) {
	p.pcb.trapC <- trapFrame{req: sysSigReturn, args: []uint64{uint64(oldSP)}}
	p.await()
	panic("kern: syssigreturn returned")
}

// Syswait blocks until the process with the given PID terminates. Returns 0
// on termination, -1 if it does not exist or is the caller, -666 when
// interrupted by a signal.
func (p *Process) Syswait(pid int) int {
	return p.trap(trapFrame{req: sysWait, args: []uint64{uint64(int64(pid))}})
}

// Sysopen opens a device by major number and returns an FD in 0..3, or -1.
func (p *Process) Sysopen(deviceNo int) int {
	return p.trap(trapFrame{req: sysOpen, args: []uint64{uint64(int64(deviceNo))}})
}

// Sysclose closes a file descriptor. Returns 0 on success, -1 on failure.
func (p *Process) Sysclose(fd int) int {
	return p.trap(trapFrame{req: sysClose, args: []uint64{uint64(int64(fd))}})
}

// Syswrite writes up to buflen bytes from buf to the device behind fd.
// Returns the number of bytes written, or -1 on error.
func (p *Process) Syswrite(fd int, buf mem.Addr, buflen int) int {
	return p.trap(trapFrame{req: sysWrite, args: []uint64{uint64(int64(fd)), uint64(buf), uint64(int64(buflen))}})
}

// Sysread reads up to buflen bytes from the device behind fd into buf.
// Returns the number of bytes read, 0 for end of file, -1 on error; when
// interrupted by a signal, the bytes read so far, or -666 if none.
func (p *Process) Sysread(fd int, buf mem.Addr, buflen int) int {
	return p.trap(trapFrame{req: sysRead, args: []uint64{uint64(int64(fd)), uint64(buf), uint64(int64(buflen))}})
}

// Sysioctl executes a device control command. Returns 0 on success, -1 on
// error.
func (p *Process) Sysioctl(fd int, command uint32, args ...uint64) int {
	call := []uint64{uint64(int64(fd)), uint64(command)}
	return p.trap(trapFrame{req: sysIoctl, args: append(call, args...)})
}

// User stack access. A process owns [memStart, memStart+stackSize); the
// helpers below model taking the address of a local.

const putsBufferSize = 1024

// Alloca reserves n bytes of the process's stack and returns the address.
// The reservation is permanent; take it once, outside loops.
func (p *Process) Alloca(n uint32) mem.Addr {
	n = (n + 3) &^ 3
	a := p.pcb.allocaPtr
	limit := p.pcb.memStart + mem.Addr(p.pcb.stackSize) - 2048
	if a+mem.Addr(n) > limit {
		panic("kern: user stack exhausted")
	}
	p.pcb.allocaPtr = a + mem.Addr(n)
	return a
}

func (p *Process) putsBuffer() mem.Addr {
	if p.pcb.putsBuf == 0 {
		p.pcb.putsBuf = p.Alloca(putsBufferSize)
	}
	return p.pcb.putsBuf
}

// PeekWord reads a 32-bit word from the process's memory.
func (p *Process) PeekWord(a mem.Addr) uint32 { return p.k.mem.ReadWord(a) }

// PokeWord writes a 32-bit word into the process's memory.
func (p *Process) PokeWord(a mem.Addr, v uint32) { p.k.mem.WriteWord(a, v) }

// PeekLong reads a 64-bit word from the process's memory.
func (p *Process) PeekLong(a mem.Addr) uint64 { return p.k.mem.ReadLong(a) }

// PokeLong writes a 64-bit word into the process's memory.
func (p *Process) PokeLong(a mem.Addr, v uint64) { p.k.mem.WriteLong(a, v) }

// PeekBytes reads n bytes from the process's memory.
func (p *Process) PeekBytes(a mem.Addr, n uint32) []byte { return p.k.mem.ReadBytes(a, n) }

// PokeBytes writes b into the process's memory.
func (p *Process) PokeBytes(a mem.Addr, b []byte) { p.k.mem.WriteBytes(a, b) }

// PeekString reads a null-terminated string from the process's memory.
func (p *Process) PeekString(a mem.Addr, max uint32) string { return p.k.mem.ReadCString(a, max) }

// HandlerAt resolves a handler code word previously written back by
// Syssighandler. Zero resolves to nil.
func (p *Process) HandlerAt(a mem.Addr) SignalHandler {
	tok := p.k.mem.ReadWord(a)
	if tok == 0 {
		return nil
	}
	return p.k.handlersByTok[tok]
}

// ProcessStatus is one decoded entry of the sysgetcputimes table.
type ProcessStatus struct {
	PID          int
	State        State
	BlockedQueue BlockTag
	CPUTimeMS    int64
}

// DecodeProcessStatuses reads lastSlot+1 entries of the status table at ps.
func (p *Process) DecodeProcessStatuses(ps mem.Addr, lastSlot int) []ProcessStatus {
	out := make([]ProcessStatus, 0, lastSlot+1)
	for i := 0; i <= lastSlot; i++ {
		base := ps + mem.Addr(i*psEntrySize)
		out = append(out, ProcessStatus{
			PID:          int(int32(p.k.mem.ReadWord(base))),
			State:        State(p.k.mem.ReadWord(base + 4)),
			BlockedQueue: BlockTag(p.k.mem.ReadWord(base + 8)),
			CPUTimeMS:    int64(p.k.mem.ReadLong(base + 12)),
		})
	}
	return out
}
