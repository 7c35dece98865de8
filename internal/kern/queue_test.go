package kern

import (
	"testing"

	"github.com/go-test/deep"
)

func TestQueueFIFO(t *testing.T) {
	procs := testPCBs(4)
	var q queue

	for _, p := range procs {
		q.enqueue(p)
	}
	if diff := deep.Equal(q.pids(), []int{1, 2, 3, 4}); diff != nil {
		t.Fatalf("queue order: %v", diff)
	}
	if got := q.peekTail(); got != procs[3] {
		t.Fatalf("peekTail = pid %d, want 4", got.pid)
	}

	for i := 0; i < 4; i++ {
		p := q.dequeue()
		if p != procs[i] {
			t.Fatalf("dequeue %d = pid %d, want %d", i, p.pid, i+1)
		}
		if p.prev != nil || p.next != nil {
			t.Fatalf("dequeued pid %d keeps stale links", p.pid)
		}
	}
	if !q.isEmpty() {
		t.Fatal("queue not empty after draining")
	}
	if q.dequeue() != nil {
		t.Fatal("dequeue on empty queue returned a proc")
	}
}

func TestQueueRemoveMiddle(t *testing.T) {
	procs := testPCBs(5)
	var q queue
	for _, p := range procs {
		q.enqueue(p)
	}

	q.remove(procs[2])
	if diff := deep.Equal(q.pids(), []int{1, 2, 4, 5}); diff != nil {
		t.Fatalf("after middle removal: %v", diff)
	}
	q.remove(procs[0])
	if diff := deep.Equal(q.pids(), []int{2, 4, 5}); diff != nil {
		t.Fatalf("after head removal: %v", diff)
	}
	q.remove(procs[4])
	if diff := deep.Equal(q.pids(), []int{2, 4}); diff != nil {
		t.Fatalf("after tail removal: %v", diff)
	}
	if q.size != 2 {
		t.Fatalf("size = %d, want 2", q.size)
	}
}

func TestQueueReenqueueAfterRemove(t *testing.T) {
	procs := testPCBs(3)
	var q queue
	for _, p := range procs {
		q.enqueue(p)
	}
	q.remove(procs[1])
	q.enqueue(procs[1])
	if diff := deep.Equal(q.pids(), []int{1, 3, 2}); diff != nil {
		t.Fatalf("re-enqueue: %v", diff)
	}
}
