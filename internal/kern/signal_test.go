package kern

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/YuanjieZhao/miniOS/internal/mem"
)

func TestKillErrors(t *testing.T) {
	k, _ := testKernel(t)
	var noProc, badSigHigh, badSigLow int
	runKernel(t, k, func(p *Process) {
		noProc = p.Syskill(999, 5)
		badSigHigh = p.Syskill(p.Sysgetpid(), 32)
		badSigLow = p.Syskill(p.Sysgetpid(), -1)
	})
	if noProc != -514 {
		t.Errorf("kill of missing pid = %d, want -514", noProc)
	}
	if badSigHigh != -583 || badSigLow != -583 {
		t.Errorf("kill with bad signal = %d, %d, want -583", badSigHigh, badSigLow)
	}
}

func TestSighandlerErrors(t *testing.T) {
	k, _ := testKernel(t)
	var sig31, sigLow, sigHigh, badOld int
	runKernel(t, k, func(p *Process) {
		old := p.Alloca(4)
		h := func(*Process, mem.Addr) {}
		sig31 = p.Syssighandler(31, h, old)
		sigLow = p.Syssighandler(-1, h, old)
		sigHigh = p.Syssighandler(32, h, old)
		badOld = p.Syssighandler(3, h, 0)
	})
	if sig31 != -1 || sigLow != -1 || sigHigh != -1 {
		t.Errorf("sighandler with bad signal = %d, %d, %d, want -1", sig31, sigLow, sigHigh)
	}
	if badOld != -3 {
		t.Errorf("sighandler with bad old address = %d, want -3", badOld)
	}
}

func TestSignalWithoutHandlerIsIgnored(t *testing.T) {
	k, _ := testKernel(t)
	var killResult, recvResult int
	runKernel(t, k, func(p *Process) {
		tPid := p.Syscreate(func(c *Process) {
			fromBuf := c.Alloca(4)
			numBuf := c.Alloca(8)
			c.PokeWord(fromBuf, 0)
			recvResult = c.Sysrecv(fromBuf, numBuf)
		}, 0)
		p.Sysyield()
		// no handler registered: the signal is dropped and the
		// target stays blocked
		killResult = p.Syskill(tPid, 4)
	})
	if killResult != 0 {
		t.Errorf("kill with no handler = %d, want 0", killResult)
	}
	// the child was released only by the root's exit
	if recvResult != -10 {
		t.Errorf("recv = %d, want -10 (released at exit)", recvResult)
	}
}

// Posting a signal twice before delivery is the same as posting it once.
func TestSignalIdempotence(t *testing.T) {
	k, _ := testKernel(t)
	var handlerRuns int
	var recvResult int
	runKernel(t, k, func(p *Process) {
		tPid := p.Syscreate(func(c *Process) {
			old := c.Alloca(4)
			c.Syssighandler(7, func(*Process, mem.Addr) {
				handlerRuns++
			}, old)
			fromBuf := c.Alloca(4)
			numBuf := c.Alloca(8)
			c.PokeWord(fromBuf, 0)
			recvResult = c.Sysrecv(fromBuf, numBuf)
		}, 0)
		p.Sysyield()
		p.Syskill(tPid, 7)
		p.Syskill(tPid, 7)
	})
	if handlerRuns != 1 {
		t.Fatalf("handler ran %d times, want 1", handlerRuns)
	}
	if recvResult != -666 {
		t.Fatalf("interrupted recv = %d, want -666", recvResult)
	}
}

func TestHandlerRoundTrip(t *testing.T) {
	k, _ := testKernel(t)
	var runs []string
	runKernel(t, k, func(p *Process) {
		old := p.Alloca(4)
		tmp := p.Alloca(4)
		h1 := func(q *Process, _ mem.Addr) { runs = append(runs, "h1") }
		h2 := func(q *Process, _ mem.Addr) { runs = append(runs, "h2") }

		p.Syssighandler(3, h1, old)   // old: none
		p.Syssighandler(3, h2, old)   // old: h1
		restored := p.HandlerAt(old)  // h1 again
		p.Syssighandler(3, restored, tmp)

		p.Syskill(p.Sysgetpid(), 3)
	})
	if diff := deep.Equal(runs, []string{"h1"}); diff != nil {
		t.Fatalf("restored handler: %v", diff)
	}
}

func TestDisablingHandlerWritesZeroToken(t *testing.T) {
	k, _ := testKernel(t)
	var tok uint32
	runKernel(t, k, func(p *Process) {
		old := p.Alloca(4)
		p.Syssighandler(9, func(*Process, mem.Addr) {}, old)
		p.Syssighandler(9, nil, old) // disable; old token is non-zero
		tok = p.PeekWord(old)
		p.Syssighandler(9, nil, old) // still disabled; old token is zero
		if p.PeekWord(old) != 0 {
			t.Error("disabled slot reported a non-zero old handler")
		}
		if p.HandlerAt(old) != nil {
			t.Error("zero token resolved to a handler")
		}
	})
	if tok == 0 {
		t.Fatal("installed handler had a zero token")
	}
}

// Signal priority and nesting: a higher signal posted from inside a lower
// handler preempts it; the lower handler resumes after the higher one
// returns, and the original state comes back at the end.
func TestSignalPriorityNesting(t *testing.T) {
	k, _ := testKernel(t)
	var order []string
	var recvResult int
	runKernel(t, k, func(p *Process) {
		tPid := p.Syscreate(func(c *Process) {
			old := c.Alloca(4)
			self := c.Sysgetpid()
			c.Syssighandler(30, func(*Process, mem.Addr) {
				order = append(order, "h30")
			}, old)
			c.Syssighandler(1, func(q *Process, _ mem.Addr) {
				order = append(order, "h1-start")
				// the higher-priority signal preempts this
				// handler at the next dispatch, not another 1
				q.Syskill(self, 30)
				order = append(order, "h1-end")
			}, old)

			fromBuf := c.Alloca(4)
			numBuf := c.Alloca(8)
			c.PokeWord(fromBuf, 0)
			recvResult = c.Sysrecv(fromBuf, numBuf)
			order = append(order, "resumed")
			c.Sysstop()
		}, 0)
		p.Sysyield()
		p.Syskill(tPid, 1)
		// keep a second process alive so the receive-any above blocks
		// instead of failing
		p.Syswait(tPid)
	})
	want := []string{"h1-start", "h30", "h1-end", "resumed"}
	if diff := deep.Equal(order, want); diff != nil {
		t.Fatalf("nesting order: %v\ngot %v", diff, order)
	}
	if recvResult != -666 {
		t.Fatalf("interrupted recv = %d, want -666", recvResult)
	}
}

func TestSignal31Terminates(t *testing.T) {
	k, _ := testKernel(t)
	var killResult, waitResult int
	runKernel(t, k, func(p *Process) {
		tPid := p.Syscreate(func(c *Process) {
			for {
				c.Sysyield()
			}
		}, 0)
		killResult = p.Syskill(tPid, 31)
		waitResult = p.Syswait(tPid)
	})
	if killResult != 0 {
		t.Errorf("kill 31 = %d, want 0", killResult)
	}
	if waitResult != 0 {
		t.Errorf("wait on killed process = %d, want 0", waitResult)
	}
}

func TestWaitErrors(t *testing.T) {
	k, _ := testKernel(t)
	var self, missing int
	runKernel(t, k, func(p *Process) {
		self = p.Syswait(p.Sysgetpid())
		missing = p.Syswait(555)
	})
	if self != -1 || missing != -1 {
		t.Fatalf("wait(self) = %d, wait(missing) = %d, want -1, -1", self, missing)
	}
}

func TestWaitInterruptedBySignal(t *testing.T) {
	k, _ := testKernel(t)
	var waitResult int
	runKernel(t, k, func(p *Process) {
		keeper := p.Syscreate(func(c *Process) {
			fromBuf := c.Alloca(4)
			numBuf := c.Alloca(8)
			c.PokeWord(fromBuf, 0)
			c.Sysrecv(fromBuf, numBuf)
		}, 0)
		wPid := p.Syscreate(func(c *Process) {
			old := c.Alloca(4)
			c.Syssighandler(2, func(*Process, mem.Addr) {}, old)
			waitResult = c.Syswait(keeper)
		}, 0)
		p.Sysyield()
		p.Syskill(wPid, 2)
		p.Syswait(wPid)
		p.Syskill(keeper, 31)
	})
	if waitResult != -666 {
		t.Fatalf("interrupted wait = %d, want -666", waitResult)
	}
}

func TestBlockedSenderInterruptedBySignal(t *testing.T) {
	k, _ := testKernel(t)
	var sendResult int
	runKernel(t, k, func(p *Process) {
		rootPid := p.Sysgetpid()
		sPid := p.Syscreate(func(c *Process) {
			old := c.Alloca(4)
			c.Syssighandler(6, func(*Process, mem.Addr) {}, old)
			sendResult = c.Syssend(rootPid, 1)
			c.Sysstop()
		}, 0)
		p.Sysyield()
		p.Syskill(sPid, 6)
		p.Syswait(sPid)
	})
	if sendResult != -666 {
		t.Fatalf("interrupted send = %d, want -666", sendResult)
	}
}
