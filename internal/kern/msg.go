package kern

import "github.com/YuanjieZhao/miniOS/internal/mem"

// Rendezvous message passing. A message is one unsigned word. Each PCB keeps
// a queue of senders and a queue of receivers blocked on it; receive-any
// blockers wait on a single global queue, served FIFO.

// send implements the kernel side of syssend. The dispatcher has already
// ruled out a self-send and a missing target. Returns 0 on completion or -1
// if the sender blocked.
func (k *Kernel) send(sendProc, recvProc *pcb) int {
	// matched if the receiver is blocked receiving from this sender
	// specifically, or is willing to receive from anyone
	if k.removeFromBlockedQueue(recvProc, sendProc, BlockReceiver) || k.removeFromReceiveAnyQueue(recvProc) {
		fromPid := mem.Addr(recvProc.ipcArgs[0])
		recvBuf := mem.Addr(recvProc.ipcArgs[1])
		k.mem.WriteWord(fromPid, uint32(sendProc.pid))
		k.mem.WriteLong(recvBuf, sendProc.ipcArgs[1])

		k.unblock(recvProc, 0)
		return 0
	}
	// send before the matching receive: the sender blocks on the
	// receiver's queue of senders
	k.enqueueBlockedQueue(sendProc, recvProc, BlockSender)
	return -1
}

// recv implements the kernel side of sysrecv. A nil sendProc means the
// receiver takes the earliest unreceived send from anyone. The dispatcher
// has validated both user addresses. Returns 0 on completion or -1 if the
// receiver blocked.
func (k *Kernel) recv(recvProc, sendProc *pcb, fromPid, recvBuf mem.Addr) int {
	if sendProc != nil {
		if k.removeFromBlockedQueue(sendProc, recvProc, BlockSender) {
			k.mem.WriteLong(recvBuf, sendProc.ipcArgs[1])

			k.unblock(sendProc, 0)
			return 0
		}
		// receive before the matching send: the receiver blocks on
		// the sender's queue of receivers
		k.enqueueBlockedQueue(recvProc, sendProc, BlockReceiver)
		return -1
	}

	// receive-any: the head of this process's sender queue is the
	// earliest unreceived send
	if sendProc := recvProc.blockedQueues[BlockSender].dequeue(); sendProc != nil {
		k.mem.WriteLong(recvBuf, sendProc.ipcArgs[1])
		k.mem.WriteWord(fromPid, uint32(sendProc.pid))

		k.unblock(sendProc, 0)
		return 0
	}
	recvProc.state = StateBlocked
	recvProc.blockedQueue = BlockReceiveAny
	k.receiveAnyQueue.enqueue(recvProc)
	return -1
}
