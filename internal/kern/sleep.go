package kern

// The sleep device: a delta list of sleeping processes driven by the timer
// tick.

// ksleepinit initializes the delta list of sleeping processes.
func (k *Kernel) ksleepinit() {
	k.sleepQueue = deltaList{}
}

// sleep puts proc on the delta list for the requested time, rounded up to
// whole ticks.
func (k *Kernel) sleep(proc *pcb, milliseconds uint32) {
	k.sleepQueue.insert(proc, msToTimeSlices(milliseconds))

	proc.state = StateBlocked
	proc.blockedQueue = BlockSleep
}

func msToTimeSlices(milliseconds uint32) int {
	slices := milliseconds / TimeSlice
	if milliseconds%TimeSlice != 0 {
		slices++
	}
	return int(slices)
}

// tick advances the sleep device by one time slice, waking every process
// whose delay has elapsed.
func (k *Kernel) tick() {
	proc := k.sleepQueue.peek()
	if proc == nil {
		return
	}
	proc.key--
	for proc != nil && proc.key <= 0 {
		woken := k.sleepQueue.poll()
		woken.resultCode = 0
		k.ready(woken)

		proc = k.sleepQueue.peek()
	}
}
