package kern

import "github.com/YuanjieZhao/miniOS/internal/mem"

// The device-independent layer. Each application file call is translated
// into a bounds-checked FD lookup and forwarded through the device's
// function table.

// Major device numbers. Both entries are the keyboard: device 0 does not
// echo, device 1 does. Only one of them may be open at a time.
const (
	KBD0 = 0
	KBD1 = 1
)

// devsw is a device table entry: identification plus the driver entry
// points. The shape is device independent; a driver may ignore parameters
// that do not apply to it.
type devsw struct {
	dvnum   int
	dvname  string
	dvminor int

	dvinit  func() int
	dvopen  func(proc *pcb, deviceNo int) int
	dvclose func(proc *pcb) int
	dvread  func(proc *pcb, buf mem.Addr, buflen int) int
	dvwrite func(proc *pcb, buf mem.Addr, buflen int) int
	dvioctl func(proc *pcb, command uint32, args []uint64) int
}

// kdiinit builds the device table and initializes each device.
func (k *Kernel) kdiinit() {
	k.kbdDevswInit(&k.devTable[KBD0], KBD0)
	k.kbdDevswInit(&k.devTable[KBD1], KBD1)

	k.devTable[KBD0].dvinit()
	k.devTable[KBD1].dvinit()
}

// diOpen services sysopen: allocates an FD slot and opens the device.
// Returns the FD, or -1 if the open fails.
func (k *Kernel) diOpen(proc *pcb, deviceNo int) int {
	if deviceNo < 0 || deviceNo >= DeviceTableSize {
		return -1
	}
	fd := 0
	for ; fd < FDTableSize; fd++ {
		if proc.fdTable[fd] == nil {
			break
		}
	}
	if fd == FDTableSize {
		return -1
	}
	dev := &k.devTable[deviceNo]
	if dev.dvopen(proc, deviceNo) != 0 {
		return -1
	}
	proc.fdTable[fd] = dev
	return fd
}

// diClose services sysclose. Returns 0 on success, -1 on failure.
func (k *Kernel) diClose(proc *pcb, fd int) int {
	if !validFD(proc, fd) {
		return -1
	}
	dev := proc.fdTable[fd]
	if dev.dvclose(proc) != 0 {
		return -1
	}
	proc.fdTable[fd] = nil
	return 0
}

// diWrite services syswrite. Returns the number of bytes written, or -1.
func (k *Kernel) diWrite(proc *pcb, fd int, buf mem.Addr, buflen int) int {
	if buflen <= 0 || !k.mem.ValidBuf(buf, uint32(buflen)) || !validFD(proc, fd) {
		return -1
	}
	return proc.fdTable[fd].dvwrite(proc, buf, buflen)
}

// diRead services sysread. Returns the number of bytes read, 0 for end of
// file, -1 on error, or -2 when the dispatcher should block the caller.
func (k *Kernel) diRead(proc *pcb, fd int, buf mem.Addr, buflen int) int {
	if buflen <= 0 || !k.mem.ValidBuf(buf, uint32(buflen)) || !validFD(proc, fd) {
		return -1
	}
	return proc.fdTable[fd].dvread(proc, buf, buflen)
}

// diIoctl services sysioctl. Returns 0 on success, -1 on error.
func (k *Kernel) diIoctl(proc *pcb, fd int, command uint32, args []uint64) int {
	if !validFD(proc, fd) {
		return -1
	}
	return proc.fdTable[fd].dvioctl(proc, command, args)
}

func validFD(proc *pcb, fd int) bool {
	return fd >= 0 && fd < FDTableSize && proc.fdTable[fd] != nil
}
