package kern

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YuanjieZhao/miniOS/internal/mem"
)

// Config carries the knobs the CLI resolves. The zero value gives a default
// machine with a warn-level log (kernel traces off) and console output
// discarded.
type Config struct {
	// Mem fixes the simulated RAM layout; zero means mem.DefaultConfig.
	Mem mem.Config
	// Console receives sysputs output and keyboard echo.
	Console io.Writer
	// Logger receives kernel event traces. Nil means a warn-level logger.
	Logger *logrus.Logger
}

// Kernel owns every kernel structure. All of it is mutated only by the
// dispatcher goroutine; the IRQ channel is the only way in from outside.
type Kernel struct {
	mem  *mem.Pool
	cons io.Writer
	log  *logrus.Logger

	pcbTable        [PCBTableSize]pcb
	readyQueues     [NumPriorities]queue
	stoppedQueue    queue
	receiveAnyQueue queue
	sleepQueue      deltaList

	current       *pcb
	idle          pcb
	userProcCount int

	devTable [DeviceTableSize]devsw
	kbd      kbdDriver

	irqC chan irq

	// fake text addresses stamped into context frames
	textCursor mem.Addr
	// token to handler mapping behind the signal-table words
	handlersByTok map[uint32]SignalHandler
}

// fake kernel text addresses for the words a context frame must carry
const (
	sysstopAddr  mem.Addr = 0x1000
	idleprocAddr mem.Addr = 0x1010
	sigtrampAddr mem.Addr = 0x1020
	textBase     mem.Addr = 0x2000
)

// New boots the kernel: memory and interrupt plumbing, PCB table, process
// queues, sleep device and the device table, in that order.
func New(cfg Config) *Kernel {
	k := &Kernel{
		mem:        mem.New(cfg.Mem),
		cons:       cfg.Console,
		log:        cfg.Logger,
		irqC:          make(chan irq, 256),
		textCursor:    textBase,
		handlersByTok: make(map[uint32]SignalHandler),
	}
	if k.cons == nil {
		k.cons = io.Discard
	}
	if k.log == nil {
		k.log = logrus.New()
		k.log.SetLevel(logrus.WarnLevel)
	}

	k.kdispinit()
	k.ksleepinit()
	k.kdiinit()
	return k
}

// Run creates the first user process and enters the dispatcher. It returns
// when the last user process has terminated.
func (k *Kernel) Run(root ProcessFunc) {
	if !k.create(root, ProcessStackSize) {
		panic("kern: failed to create the first process")
	}
	k.dispatch()
}

// InjectTick posts a timer interrupt. It is taken at the next dispatch
// boundary. A full interrupt queue drops the tick.
func (k *Kernel) InjectTick() {
	select {
	case k.irqC <- irqTimer:
	default:
		k.log.Warn("timer interrupt dropped, IRQ queue full")
	}
}

// InjectScancode feeds one byte into the keyboard controller and raises a
// keyboard interrupt. Bytes arriving while the controller is disabled are
// dropped, as the hardware would.
func (k *Kernel) InjectScancode(code byte) {
	if !k.kbd.hwPush(code) {
		return
	}
	select {
	case k.irqC <- irqKeyboard:
	default:
		k.log.Warn("keyboard interrupt dropped, IRQ queue full")
	}
}

// InjectRune translates a host rune into make/break scan codes and feeds
// them to the controller. Reports whether the rune was representable.
func (k *Kernel) InjectRune(r rune) bool {
	codes, ok := ScancodesForRune(r)
	if !ok {
		return false
	}
	for _, c := range codes {
		k.InjectScancode(c)
	}
	return true
}

// StartClock runs the timer at the given period until the returned stop
// function is called. TimeSlice milliseconds is the canonical period.
func (k *Kernel) StartClock(period time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				k.InjectTick()
			}
		}
	}()
	return func() { close(done) }
}

// kprintf prints to the console. The kernel cannot be preempted, so console
// output needs no further synchronization.
func (k *Kernel) kprintf(format string, args ...interface{}) {
	fmt.Fprintf(k.cons, format, args...)
}

// textAlloc hands out a fake kernel text address for an entry point.
func (k *Kernel) textAlloc() mem.Addr {
	a := k.textCursor
	k.textCursor += 16
	return a
}
