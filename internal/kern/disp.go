package kern

import (
	"github.com/sirupsen/logrus"

	"github.com/YuanjieZhao/miniOS/internal/mem"
)

// The dispatcher. It owns PCB selection and services every event occurring
// in the kernel.
//
// PIDs: initially a PCB's PID is its 1-based table index. On reuse the new
// PID is the previous plus the table size; on signed overflow it wraps to
// previous mod table size. Slot lookup is (pid-1) mod table size, so PID to
// PCB is O(1) and the reuse interval is large.

// kdispinit initializes the process queues and the PCB table, and builds the
// idle process.
func (k *Kernel) kdispinit() {
	for i := range k.pcbTable {
		proc := &k.pcbTable[i]
		// seeded one reuse interval below slot+1, so the first
		// allocation of slot i hands out PID i+1; 0 is reserved for
		// the idle process
		proc.pid = i + 1 - PCBTableSize
		k.stop(proc)
	}
	k.createIdleProc()
	k.userProcCount = 0
}

// dispatch processes system calls and interrupts, schedules the next
// process, and switches into it. It returns when no user process is left.
func (k *Kernel) dispatch() {
	k.current = k.next()
	for k.current != nil {
		k.handlePendingSignals(k.current)
		fr := k.contextswitch(k.current)
		k.trace(fr)

		switch fr.req {
		case sysCreate:
			k.serviceSyscreate(fr)
		case sysYield:
			k.yield()
		case sysStop:
			k.cleanup(k.current)
			k.current = k.next()
		case sysGetPid:
			k.current.resultCode = k.current.pid
		case sysPuts:
			k.serviceSysputs(fr)
		case sysKill:
			k.serviceSyskill(fr)
		case sysSetPrio:
			k.serviceSyssetprio(fr)
		case sysSend:
			k.serviceSyssend(fr)
		case sysRecv:
			k.serviceSysrecv(fr)
		case sysSleep:
			k.serviceSyssleep(fr)
		case sysGetCPUTimes:
			k.serviceSysgetcputimes(fr)
		case sysSigHandler:
			k.serviceSyssighandler(fr)
		case sysSigReturn:
			k.serviceSyssigreturn(fr)
		case sysWait:
			k.serviceSyswait(fr)
		case sysOpen:
			k.current.resultCode = k.diOpen(k.current, int(int64(fr.args[0])))
		case sysClose:
			k.current.resultCode = k.diClose(k.current, int(int64(fr.args[0])))
		case sysWrite:
			k.serviceSyswrite(fr)
		case sysRead:
			k.serviceSysread(fr)
		case sysIoctl:
			k.serviceSysioctl(fr)
		case timerInt:
			k.current.cpuTime++
			k.tick()
			k.yield()
			k.endOfIntr(irqTimer)
		case keyboardInt:
			k.kbdISR()
			k.endOfIntr(irqKeyboard)
		default:
			panic("kern: invalid request")
		}

		// a process readied while the idle process held the CPU runs
		// on the next iteration; idle keeps it only if nothing else
		// is ready
		if k.current == &k.idle {
			k.current = k.next()
		}
	}
}

// yield places the current process at the end of its priority's ready queue
// and selects the next available process.
func (k *Kernel) yield() {
	k.ready(k.current)
	k.current = k.next()
}

func (k *Kernel) serviceSyscreate(fr trapFrame) {
	fn := fr.fn
	stack := int(int64(fr.args[0]))

	if k.create(fn, stack) {
		// the new process sits at the tail of the default priority's
		// ready queue
		created := k.readyQueues[InitPriority].peekTail()
		k.current.resultCode = created.pid
	} else {
		k.current.resultCode = -1
	}
}

// serviceSysputs prints the string on the console. The kernel cannot be
// preempted, so it may print directly.
func (k *Kernel) serviceSysputs(fr trapFrame) {
	str := mem.Addr(fr.args[0])
	if k.mem.ValidPtr(str) {
		k.kprintf("%s", k.mem.ReadCString(str, 1024))
	}
}

func (k *Kernel) serviceSyskill(fr trapFrame) {
	pid := int(int64(fr.args[0]))
	signalNumber := int(int64(fr.args[1]))

	k.current.resultCode = k.signal(k.getPCB(pid), signalNumber)
}

func (k *Kernel) serviceSyssetprio(fr trapFrame) {
	currentPriority := k.current.priority
	reqPriority := int(int64(fr.args[0]))
	valid := reqPriority >= 0 && reqPriority <= 3
	if valid {
		k.current.priority = reqPriority
	}
	if valid || reqPriority == -1 {
		k.current.resultCode = currentPriority
	} else {
		k.current.resultCode = -1
	}
}

func (k *Kernel) serviceSyssend(fr trapFrame) {
	k.current.ipcArgs = fr.args
	destPid := int(uint32(fr.args[0]))

	var result int
	if k.current.pid == destPid {
		// sending to itself
		result = -3
	} else if recvProc := k.getPCB(destPid); recvProc == nil {
		// the receiving process does not exist
		result = -2
	} else {
		result = k.send(k.current, recvProc)
	}

	k.current.resultCode = result
	if result == -1 {
		// the sender blocked
		k.current = k.next()
	}
}

func (k *Kernel) serviceSysrecv(fr trapFrame) {
	k.current.ipcArgs = fr.args
	fromPid := mem.Addr(fr.args[0])
	num := mem.Addr(fr.args[1])

	var result int
	switch {
	case !k.mem.ValidBuf(fromPid, pidSize):
		result = -5
	case !k.mem.ValidBuf(num, MsgSize):
		result = -4
	default:
		senderPid := int(k.mem.ReadWord(fromPid))
		if senderPid == 0 {
			// willing to receive from any process
			if k.onlyProcess() {
				result = -10
			} else {
				result = k.recv(k.current, nil, fromPid, num)
			}
		} else if k.current.pid == senderPid {
			// receiving from itself
			result = -3
		} else if sendProc := k.getPCB(senderPid); sendProc == nil {
			// the sending process does not exist
			result = -2
		} else {
			result = k.recv(k.current, sendProc, fromPid, num)
		}
	}

	k.current.resultCode = result
	if result == -1 {
		// the receiver blocked
		k.current = k.next()
	}
}

func (k *Kernel) serviceSyssleep(fr trapFrame) {
	milliseconds := uint32(fr.args[0])
	if milliseconds > 0 {
		k.sleep(k.current, milliseconds)
		k.current = k.next()
	} else {
		k.current.resultCode = 0
	}
}

func (k *Kernel) serviceSysgetcputimes(fr trapFrame) {
	ps := mem.Addr(fr.args[0])
	k.current.resultCode = k.getCPUTimes(ps)
}

func (k *Kernel) serviceSyssighandler(fr trapFrame) {
	signalNumber := int(int64(fr.args[0]))
	newHandler := fr.handler
	oldHandler := mem.Addr(fr.args[1])

	switch {
	case signalNumber < 0 || signalNumber >= SignalTableSize-1:
		// signal 31 cannot be overridden
		k.current.resultCode = -1
	case !k.mem.ValidPtr(oldHandler):
		k.current.resultCode = -3
	default:
		k.mem.WriteWord(oldHandler, k.current.signalTokens[signalNumber])
		k.installHandler(k.current, signalNumber, newHandler)
		k.current.resultCode = 0
	}
}

// serviceSyssigreturn restores the stack pointer saved when the signal was
// delivered, along with the interrupted call's result and the previous
// signal processing level, both stashed just below the old stack pointer.
func (k *Kernel) serviceSyssigreturn(fr trapFrame) {
	oldSP := mem.Addr(fr.args[0])

	k.current.esp = oldSP
	k.current.resultCode = int(int32(k.mem.ReadWord(oldSP - 4)))
	k.current.lastSignalDelivered = int(int32(k.mem.ReadWord(oldSP - 8)))
}

func (k *Kernel) serviceSyswait(fr trapFrame) {
	pid := int(int64(fr.args[0]))

	target := k.getPCB(pid)
	if target != nil && pid != k.current.pid {
		k.enqueueBlockedQueue(k.current, target, BlockWait)
		k.current = k.next()
	} else {
		k.current.resultCode = -1
	}
}

func (k *Kernel) serviceSyswrite(fr trapFrame) {
	fd := int(int64(fr.args[0]))
	buf := mem.Addr(fr.args[1])
	buflen := int(int64(fr.args[2]))

	k.current.resultCode = k.diWrite(k.current, fd, buf, buflen)
}

func (k *Kernel) serviceSysread(fr trapFrame) {
	fd := int(int64(fr.args[0]))
	buf := mem.Addr(fr.args[1])
	buflen := int(int64(fr.args[2]))

	result := k.diRead(k.current, fd, buf, buflen)
	if result == -2 {
		// the driver wants the caller to block until the request is
		// fully serviced
		k.current.state = StateBlocked
		k.current.blockedQueue = BlockRead
		k.current = k.next()
	} else {
		k.current.resultCode = result
	}
}

func (k *Kernel) serviceSysioctl(fr trapFrame) {
	fd := int(int64(fr.args[0]))
	command := uint32(fr.args[1])
	ioctlArgs := fr.args[2:]

	k.current.resultCode = k.diIoctl(k.current, fd, command, ioctlArgs)
}

// entry layout of the status table written by getCPUTimes
const (
	psEntrySize = 20
	// ProcessStatusesSize is the number of bytes sysgetcputimes writes:
	// one entry per PCB plus the idle process.
	ProcessStatusesSize = (PCBTableSize + 1) * psEntrySize
)

// getCPUTimes fills the table at ps with one entry per non-stopped process,
// the idle process last, and returns the last slot used.
func (k *Kernel) getCPUTimes(ps mem.Addr) int {
	if ps >= k.mem.HoleStart() && ps <= k.mem.HoleEnd() {
		return -1
	}
	if uint64(ps)+ProcessStatusesSize > uint64(k.mem.MaxAddr()) {
		return -2
	}

	slot := -1
	writeEntry := func(slot int, pid int, state State, bq BlockTag, cpuTime int64) {
		base := ps + mem.Addr(slot*psEntrySize)
		k.mem.WriteWord(base, uint32(int32(pid)))
		k.mem.WriteWord(base+4, uint32(state))
		k.mem.WriteWord(base+8, uint32(bq))
		k.mem.WriteLong(base+12, uint64(cpuTime))
	}

	for i := range k.pcbTable {
		proc := &k.pcbTable[i]
		if proc.state == StateStopped {
			continue
		}
		slot++
		state := proc.state
		if k.current.pid == proc.pid {
			state = StateRunning
		}
		writeEntry(slot, proc.pid, state, proc.blockedQueue, proc.cpuTime*TimeSlice)
	}

	// the idle process is always reported, in the final slot
	slot++
	writeEntry(slot, IdleProcPID, StateReady, BlockNone, k.idle.cpuTime*TimeSlice)
	return slot
}

// ready adds a process to the ready queue for its priority. The idle process
// is never on a ready queue.
func (k *Kernel) ready(proc *pcb) {
	if proc.pid == IdleProcPID {
		return
	}
	proc.blockedOn = nil
	proc.blockedQueue = BlockNone
	proc.state = StateReady
	k.readyQueues[proc.priority].enqueue(proc)
}

// getUnusedPCB pulls a PCB off the stopped pool, assigns the next PID and
// resets the per-process tables. Returns nil when the pool is empty.
func (k *Kernel) getUnusedPCB() *pcb {
	if k.stoppedQueue.isEmpty() {
		return nil
	}
	proc := k.stoppedQueue.dequeue()

	prevPid := int32(proc.pid)
	newPid := prevPid + PCBTableSize
	if newPid < 1 {
		// signed overflow: wrap while keeping the slot congruence
		newPid = prevPid % PCBTableSize
	}
	if newPid < 1 {
		panic("kern: calculated new PID is not >= 1")
	}
	proc.pid = int(newPid)

	proc.cpuTime = 0

	for i := 0; i < SignalTableSize-1; i++ {
		proc.signalTable[i] = nil
		proc.signalTokens[i] = 0
	}
	// signal 31 always terminates and cannot be overridden
	proc.signalTable[SignalTableSize-1] = sigKillHandler
	proc.signalTokens[SignalTableSize-1] = uint32(sysstopAddr)

	proc.pendingSignals = 0
	proc.lastSignalDelivered = -1
	proc.trampQ = nil
	proc.ipcArgs = nil
	proc.key = 0

	for i := range proc.fdTable {
		proc.fdTable[i] = nil
	}
	return proc
}

// getPCB resolves a PID to its PCB, or nil if the PID is not live.
func (k *Kernel) getPCB(pid int) *pcb {
	if pid >= 1 {
		proc := &k.pcbTable[(pid-1)%PCBTableSize]
		if proc.pid == pid && proc.state != StateStopped {
			return proc
		}
	}
	return nil
}

// next removes and returns the next process to run: ready queues are scanned
// highest priority first, round robin within a priority. With nothing ready
// the idle process runs; with no user process left the kernel halts.
func (k *Kernel) next() *pcb {
	var proc *pcb
	for i := 0; i < NumPriorities && proc == nil; i++ {
		if !k.readyQueues[i].isEmpty() {
			proc = k.readyQueues[i].dequeue()
		}
	}

	if proc == nil {
		if k.userProcCount <= 0 {
			// nothing left to run, ever
			return nil
		}
		proc = &k.idle
	}

	proc.state = StateRunning
	return proc
}

// stop marks the PCB unused and returns it to the stopped pool.
func (k *Kernel) stop(proc *pcb) {
	proc.state = StateStopped
	k.stoppedQueue.enqueue(proc)
	k.userProcCount--
}

// cleanup destroys a process: every peer blocked on it is released, its open
// devices are closed, its PCB is returned to the stopped pool, its stack is
// freed, and its goroutine is torn down.
func (k *Kernel) cleanup(proc *pcb) {
	// senders and receivers see the peer die
	senders := &proc.blockedQueues[BlockSender]
	for s := senders.dequeue(); s != nil; s = senders.dequeue() {
		k.unblock(s, -1)
	}
	receivers := &proc.blockedQueues[BlockReceiver]
	for r := receivers.dequeue(); r != nil; r = receivers.dequeue() {
		k.unblock(r, -1)
	}
	// waiters complete normally
	waiters := &proc.blockedQueues[BlockWait]
	for w := waiters.dequeue(); w != nil; w = waiters.dequeue() {
		k.unblock(w, 0)
	}

	for fd, dev := range proc.fdTable {
		if dev != nil {
			dev.dvclose(proc)
			proc.fdTable[fd] = nil
		}
	}

	k.stop(proc)
	if k.onlyProcess() && k.receiveAnyQueue.size == 1 {
		// the last live process is parked on a receive-any that can
		// never be matched
		blocked := k.receiveAnyQueue.dequeue()
		k.unblock(blocked, -10)
	}
	k.mem.Kfree(proc.memStart)

	if proc.started {
		proc.resumeC <- resume{kind: resumeKill}
		proc.started = false
	}
}

// unblock sets the syscall result and readies the process.
func (k *Kernel) unblock(proc *pcb, resultCode int) {
	proc.resultCode = resultCode
	k.ready(proc)
}

// enqueueBlockedQueue adds proc to blockedOn's queue of senders, receivers
// or waiters.
func (k *Kernel) enqueueBlockedQueue(proc, blockedOn *pcb, bq BlockTag) {
	blockedOn.blockedQueues[bq].enqueue(proc)

	proc.blockedOn = blockedOn
	proc.blockedQueue = bq
	proc.state = StateBlocked
}

// removeFromBlockedQueue removes proc from blockedOn's queue of the given
// kind, reporting whether it was there.
func (k *Kernel) removeFromBlockedQueue(proc, blockedOn *pcb, bq BlockTag) bool {
	if proc.blockedOn == blockedOn && proc.blockedQueue == bq {
		blockedOn.blockedQueues[bq].remove(proc)
		return true
	}
	return false
}

// removeFromReceiveAnyQueue removes proc from the receive-any queue,
// reporting whether it was there.
func (k *Kernel) removeFromReceiveAnyQueue(proc *pcb) bool {
	if proc.blockedQueue == BlockReceiveAny {
		k.receiveAnyQueue.remove(proc)
		return true
	}
	return false
}

// onlyProcess reports whether a single user process is left.
func (k *Kernel) onlyProcess() bool {
	return k.userProcCount == 1
}

// endOfIntr acknowledges a serviced interrupt. The simulated controller
// needs no programming; the acknowledgement is traced for the record.
func (k *Kernel) endOfIntr(source irq) {
	k.log.WithField("irq", int(source)).Trace("end of interrupt")
}

func (k *Kernel) trace(fr trapFrame) {
	if !k.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	k.log.WithFields(logrus.Fields{
		"pid":     k.current.pid,
		"request": fr.req.String(),
	}).Debug("dispatch")
}
