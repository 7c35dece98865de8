package kern

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YuanjieZhao/miniOS/internal/mem"
)

// testKernel boots a small quiet machine.
func testKernel(t *testing.T) (*Kernel, *bytes.Buffer) {
	t.Helper()
	var console bytes.Buffer
	log := logrus.New()
	log.SetOutput(io.Discard)
	k := New(Config{
		Mem: mem.Config{
			Size:      0x200000,
			KernelEnd: 0x8000,
			HoleStart: 0xa0000,
			HoleEnd:   0x100000,
		},
		Console: &console,
		Logger:  log,
	})
	return k, &console
}

// runKernel runs root to completion and fails the test if the kernel does
// not halt.
func runKernel(t *testing.T, k *Kernel, root ProcessFunc) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		k.Run(root)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("kernel did not halt")
	}
}

// testPCBs builds bare PCBs for the queue and delta list tests.
func testPCBs(n int) []*pcb {
	procs := make([]*pcb, n)
	backing := make([]pcb, n)
	for i := range procs {
		backing[i].pid = i + 1
		procs[i] = &backing[i]
	}
	return procs
}
