package kern

import (
	"sync"

	"github.com/YuanjieZhao/miniOS/internal/mem"
)

// The keyboard driver. The upper half services open/close/read/write/ioctl
// through the device table; the lower half is the ISR fed by the simulated
// 8042 controller. Characters are staged in a small circular buffer; a read
// that cannot complete returns -2 and the dispatcher blocks the caller until
// the ISR finishes the transfer.

const (
	// KbdBufferSize is the internal circular buffer: 4 characters plus
	// one slot kept empty to tell full from empty.
	KbdBufferSize = 4 + 1

	// DefaultEOF is the end-of-file character until an ioctl changes it.
	DefaultEOF = 0x04

	// ioctl commands
	IoctlChangeEOF = 53
	IoctlEchoOff   = 55
	IoctlEchoOn    = 56
)

// kbdDriver is the keyboard state: the circular buffer, the pending
// application read, the EOF setup, and the simulated controller.
type kbdDriver struct {
	buf  [KbdBufferSize]byte
	head int
	tail int

	mem *mem.Pool

	// pending application read; readBuf is 0 when there is none
	readBuf          mem.Addr
	readBuflen       int
	charsTransferred int
	readFinished     bool

	eof     byte
	eofSeen bool

	// echo and proc survive a reset; they belong to the open, not the
	// read
	echo bool
	proc *pcb

	// scan translation state
	state uint

	// the controller: a byte queue filled from outside the dispatcher
	hw struct {
		mu      sync.Mutex
		data    []byte
		enabled bool
	}
}

// hwPush queues a byte on the controller. Bytes are dropped while the
// controller is disabled. Reports whether an interrupt should be raised.
func (kb *kbdDriver) hwPush(code byte) bool {
	kb.hw.mu.Lock()
	defer kb.hw.mu.Unlock()
	if !kb.hw.enabled {
		return false
	}
	kb.hw.data = append(kb.hw.data, code)
	return true
}

// hwPop takes one byte off the controller, if any is present.
func (kb *kbdDriver) hwPop() (byte, bool) {
	kb.hw.mu.Lock()
	defer kb.hw.mu.Unlock()
	if len(kb.hw.data) == 0 {
		return 0, false
	}
	code := kb.hw.data[0]
	kb.hw.data = kb.hw.data[1:]
	return code, true
}

func (kb *kbdDriver) hwSetEnabled(on bool) {
	kb.hw.mu.Lock()
	defer kb.hw.mu.Unlock()
	kb.hw.enabled = on
	if !on {
		kb.hw.data = nil
	}
}

// kbdDevswInit fills a device table entry for one of the two keyboard
// devices.
func (k *Kernel) kbdDevswInit(dev *devsw, kbd int) {
	if kbd == KBD0 {
		dev.dvname = "/dev/keyboard0"
		dev.dvnum = KBD0
	} else {
		dev.dvname = "/dev/keyboard1"
		dev.dvnum = KBD1
	}
	dev.dvinit = k.kbdinit
	dev.dvopen = k.kbdopen
	dev.dvclose = k.kbdclose
	dev.dvread = k.kbdread
	dev.dvwrite = k.kbdwrite
	dev.dvioctl = k.kbdioctl
}

func (k *Kernel) kbdinit() int {
	k.kbd.mem = k.mem
	k.kbd.reset()
	// flush anything the controller buffered before init
	k.kbd.hwSetEnabled(false)
	return 0
}

// kbdopen sets up device access. Only one process may use the keyboard at a
// time; device 1 echoes, device 0 does not.
func (k *Kernel) kbdopen(proc *pcb, deviceNo int) int {
	if k.kbd.proc != nil {
		return -1
	}

	k.kbd.reset()
	k.kbd.echo = deviceNo == KBD1
	k.kbd.proc = proc

	k.kbd.hwSetEnabled(true)
	return 0
}

// kbdclose terminates device access and disables the controller.
func (k *Kernel) kbdclose(proc *pcb) int {
	k.kbd.reset()
	k.kbd.echo = false
	k.kbd.proc = nil

	k.kbd.hwSetEnabled(false)
	return 0
}

// kbdwrite always fails; the keyboard is not writable.
func (k *Kernel) kbdwrite(proc *pcb, buf mem.Addr, buflen int) int {
	return -1
}

// kbdread drains buffered characters into the application buffer. The read
// completes when the buffer fills, a newline is copied, or the EOF character
// is seen; otherwise -2 asks the dispatcher to block the caller.
func (k *Kernel) kbdread(proc *pcb, buf mem.Addr, buflen int) int {
	if k.kbd.eofSeen {
		// no more input follows an EOF, ever
		return 0
	}

	k.kbd.readBuf = buf
	k.kbd.readBuflen = buflen
	k.kbd.charsTransferred = 0

	if k.kbd.transferToReadBuf() || k.kbd.charsTransferred == buflen {
		n := k.kbd.charsTransferred
		k.kbd.abandonRead()
		if k.kbd.eofSeen {
			k.kbd.hwSetEnabled(false)
		}
		return n
	}
	k.kbd.readFinished = false
	return -2
}

// kbdioctl passes control information to the driver.
func (k *Kernel) kbdioctl(proc *pcb, command uint32, args []uint64) int {
	switch command {
	case IoctlChangeEOF:
		if len(args) == 0 {
			return -1
		}
		c := int(int64(args[0]))
		if c <= 0 || c > 127 {
			return -1
		}
		k.kbd.eof = byte(c)
		return 0
	case IoctlEchoOff:
		k.kbd.echo = false
		return 0
	case IoctlEchoOn:
		k.kbd.echo = true
		return 0
	default:
		return -1
	}
}

// finishRead completes the pending read and unblocks its owner.
func (k *Kernel) finishRead() {
	k.kbd.proc.resultCode = k.kbd.charsTransferred
	k.kbd.abandonRead()
	k.ready(k.kbd.proc)
}

// kbdISR services one keyboard interrupt: translate the scan code, stage the
// character, echo it, and push the pending read along.
func (k *Kernel) kbdISR() {
	code, ok := k.kbd.hwPop()
	if !ok {
		return
	}
	if k.kbd.proc == nil {
		// an interrupt with no owner can only be a straggler from a
		// close racing the feed
		k.log.Warn("keyboard interrupt with no owning process")
		return
	}

	c := kbtoa(code, &k.kbd.state)
	// key-up events and bare modifiers translate to no character
	if c > 0 && c <= 127 {
		k.kbd.writeToBuf(byte(c))
		if k.kbd.echo {
			k.kprintf("%c", byte(c))
		}
		if k.kbd.readBuf != 0 && !k.kbd.readFinished {
			k.kbd.readFinished = k.kbd.transferToReadBuf()
			if k.kbd.readFinished && k.kbd.proc.blockedQueue == BlockRead {
				k.finishRead()
			}
		}
	}
	if k.kbd.eofSeen {
		k.kbd.hwSetEnabled(false)
	}
}

// reset returns the driver to its initial state. The echo flag and the
// owning process are open-scoped and survive.
func (kb *kbdDriver) reset() {
	kb.buf = [KbdBufferSize]byte{}
	kb.head = 0
	kb.tail = 0

	kb.readBuf = 0
	kb.readBuflen = 0
	kb.charsTransferred = 0
	kb.readFinished = false

	kb.eof = DefaultEOF
	kb.eofSeen = false

	kb.state = 0
}

// abandonRead forgets the pending application read.
func (kb *kbdDriver) abandonRead() {
	kb.readBuf = 0
	kb.readBuflen = 0
	kb.charsTransferred = 0
}

func (kb *kbdDriver) bufFull() bool {
	return (kb.head+1)%KbdBufferSize == kb.tail
}

// writeToBuf stages a character in the circular buffer. Arrivals while the
// buffer is full are discarded, the EOF character included.
func (kb *kbdDriver) writeToBuf(c byte) {
	if kb.bufFull() {
		return
	}
	kb.buf[kb.head] = c
	kb.head = (kb.head + 1) % KbdBufferSize
}

// transferToReadBuf drains staged characters into the application buffer.
// Reports whether the read has been fully serviced.
func (kb *kbdDriver) transferToReadBuf() bool {
	for kb.tail != kb.head {
		c := kb.buf[kb.tail]
		kb.tail = (kb.tail + 1) % KbdBufferSize
		if c == kb.eof {
			kb.eofSeen = true
			return true
		}
		kb.mem.WriteByte(kb.readBuf+mem.Addr(kb.charsTransferred), c)
		kb.charsTransferred++
		if kb.charsTransferred == kb.readBuflen || c == '\n' {
			return true
		}
	}
	return false
}
