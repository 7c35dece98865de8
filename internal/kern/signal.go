package kern

import "github.com/YuanjieZhao/miniOS/internal/mem"

// Signals. Thirty-two of them, the number doubling as the priority: higher
// numbers are delivered first and may interrupt the handlers of lower ones.
// Signal 31 always terminates the target and cannot be overridden or
// ignored. The only way to post a signal is syskill; the default action for
// every other signal is to ignore it.

// SignalHandler is a registered signal handler. It runs in the target
// process, via the trampoline, with the saved context as its argument.
type SignalHandler func(p *Process, cntx mem.Addr)

// sigKillHandler is the fixed handler for signal 31.
func sigKillHandler(p *Process, _ mem.Addr) {
	p.Sysstop()
}

// layout of the signal delivery frame constructed on the user stack
const (
	sdcReturnAddr = contextFrameSize
	sdcHandler    = contextFrameSize + 4
	sdcCntx       = contextFrameSize + 8
	sdcLastSignal = contextFrameSize + 12
	sdcResultCode = contextFrameSize + 16

	signalContextSize = contextFrameSize + 20
)

// signal registers signalNumber for delivery to proc. A blocked target is
// unblocked immediately with the interruption result for its syscall.
func (k *Kernel) signal(proc *pcb, signalNumber int) int {
	if proc == nil {
		return -514
	}
	if signalNumber < 0 || signalNumber >= SignalTableSize {
		return -583
	}
	if proc.signalTable[signalNumber] == nil {
		// a null handler disables delivery; the signal is ignored
		return 0
	}

	proc.pendingSignals = setSignalBit(proc.pendingSignals, signalNumber)

	if proc.state == StateBlocked {
		k.unblockOnSignal(proc)
		k.ready(proc)
	}
	return 0
}

// unblockOnSignal pulls proc off whichever blocked queue it is on and sets
// the result its interrupted syscall will return.
func (k *Kernel) unblockOnSignal(proc *pcb) {
	if proc.state != StateBlocked {
		panic("kern: signal unblock of a process that is not blocked")
	}

	const interruptedBySignal = -666
	switch proc.blockedQueue {
	case BlockSender:
		k.removeFromBlockedQueue(proc, proc.blockedOn, BlockSender)
		proc.resultCode = interruptedBySignal
	case BlockReceiver:
		k.removeFromBlockedQueue(proc, proc.blockedOn, BlockReceiver)
		proc.resultCode = interruptedBySignal
	case BlockReceiveAny:
		k.removeFromReceiveAnyQueue(proc)
		proc.resultCode = interruptedBySignal
	case BlockSleep:
		// an interrupted sleep returns the time it still had left
		timeLeft := k.sleepQueue.remove(proc)
		proc.resultCode = timeLeft * TimeSlice
	case BlockWait:
		k.removeFromBlockedQueue(proc, proc.blockedOn, BlockWait)
		proc.resultCode = interruptedBySignal
	case BlockRead:
		// an interrupted read returns what it managed to transfer,
		// or the interruption result if nothing was
		if k.kbd.charsTransferred == 0 {
			proc.resultCode = interruptedBySignal
		} else {
			proc.resultCode = k.kbd.charsTransferred
		}
		k.kbd.abandonRead()
	default:
		panic("kern: signal target is blocked but on no blocked queue")
	}
	proc.blockedOn = nil
	proc.blockedQueue = BlockNone
}

// handlePendingSignals delivers the highest pending signal to proc if it
// outranks the last one delivered; lower-priority signals are held until the
// running handler returns through sigreturn. Delivery rewrites the user
// stack so that the process resumes in the trampoline.
func (k *Kernel) handlePendingSignals(proc *pcb) {
	signalNumber := SignalTableSize - 1
	for signalNumber >= 0 && !isSignalBitSet(proc.pendingSignals, signalNumber) {
		signalNumber--
	}
	if signalNumber < 0 || signalNumber <= proc.lastSignalDelivered {
		return
	}

	proc.pendingSignals = clearSignalBit(proc.pendingSignals, signalNumber)

	oldESP := proc.esp
	newESP := oldESP - signalContextSize
	proc.esp = newESP

	// the delivery frame: a context frame that "returns" into the
	// trampoline, followed by the trampoline's arguments and the state
	// sigreturn must restore
	k.mem.WriteBytes(newESP, make([]byte, signalContextSize))
	k.mem.WriteWord(newESP+cfEBP, uint32(newESP+contextFrameSize))
	k.mem.WriteWord(newESP+cfIretEIP, uint32(sigtrampAddr))
	k.mem.WriteWord(newESP+cfIretCS, kernelCS)
	k.mem.WriteWord(newESP+cfEFLAGS, initialEFLAGS)

	k.mem.WriteWord(newESP+sdcHandler, proc.signalTokens[signalNumber])
	k.mem.WriteWord(newESP+sdcCntx, uint32(oldESP))
	k.mem.WriteWord(newESP+sdcLastSignal, uint32(int32(proc.lastSignalDelivered)))
	k.mem.WriteWord(newESP+sdcResultCode, uint32(int32(proc.resultCode)))

	proc.trampQ = append(proc.trampQ, tramp{
		handler: proc.signalTable[signalNumber],
		cntx:    oldESP,
	})
	proc.lastSignalDelivered = signalNumber

	k.log.WithField("pid", proc.pid).WithField("signal", signalNumber).
		Debug("signal delivered")
}

// installHandler binds a handler to a signal slot and assigns it an
// arena-representable token.
func (k *Kernel) installHandler(proc *pcb, signalNumber int, handler SignalHandler) {
	if handler == nil {
		proc.signalTable[signalNumber] = nil
		proc.signalTokens[signalNumber] = 0
		return
	}
	tok := uint32(k.textAlloc())
	k.handlersByTok[tok] = handler
	proc.signalTable[signalNumber] = handler
	proc.signalTokens[signalNumber] = tok
}

func setSignalBit(bitmask uint32, signalNumber int) uint32 {
	return bitmask | (1 << uint(signalNumber))
}

func isSignalBitSet(bitmask uint32, signalNumber int) bool {
	return bitmask>>uint(signalNumber)&1 == 1
}

func clearSignalBit(bitmask uint32, signalNumber int) uint32 {
	return bitmask &^ (1 << uint(signalNumber))
}
