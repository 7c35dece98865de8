package kern

import (
	"testing"

	"github.com/go-test/deep"
)

func TestDeltaInsertKeepsRelativeKeys(t *testing.T) {
	procs := testPCBs(4)
	var l deltaList

	l.insert(procs[0], 10)
	l.insert(procs[1], 3)
	l.insert(procs[2], 7)
	l.insert(procs[3], 7)

	// absolute wakes 3, 7, 7, 10; same-delay processes keep insert order
	want := [][2]int{{2, 3}, {3, 4}, {4, 0}, {1, 3}}
	if diff := deep.Equal(l.keys(), want); diff != nil {
		t.Fatalf("delta keys: %v", diff)
	}
}

func TestDeltaPrefixSumsNonDecreasing(t *testing.T) {
	procs := testPCBs(6)
	var l deltaList
	for i, d := range []int{5, 1, 9, 3, 3, 0} {
		l.insert(procs[i], d)
	}
	sum := 0
	prev := -1
	for _, kv := range l.keys() {
		sum += kv[1]
		if sum < prev {
			t.Fatalf("prefix sums decrease: %v", l.keys())
		}
		prev = sum
	}
}

func TestDeltaPollFoldsKeyForward(t *testing.T) {
	procs := testPCBs(3)
	var l deltaList
	l.insert(procs[0], 2)
	l.insert(procs[1], 5)
	l.insert(procs[2], 9)

	p := l.poll()
	if p != procs[0] || p.key != 2 {
		t.Fatalf("poll = pid %d key %d, want pid 1 key 2", p.pid, p.key)
	}
	// the absolute wake times of the survivors are preserved
	if diff := deep.Equal(l.keys(), [][2]int{{2, 5}, {3, 4}}); diff != nil {
		t.Fatalf("after poll: %v", diff)
	}
}

func TestDeltaRemoveReturnsAbsoluteRemaining(t *testing.T) {
	procs := testPCBs(4)
	var l deltaList
	l.insert(procs[0], 4)
	l.insert(procs[1], 10)
	l.insert(procs[2], 25)
	l.insert(procs[3], 17)

	// middle removal: pid 4 wakes at 17 absolute
	if got := l.remove(procs[3]); got != 17 {
		t.Fatalf("remove(pid 4) = %d, want 17", got)
	}
	// the successor absorbs the removed key
	if diff := deep.Equal(l.keys(), [][2]int{{1, 4}, {2, 6}, {3, 15}}); diff != nil {
		t.Fatalf("after middle removal: %v", diff)
	}

	// head removal behaves like poll
	if got := l.remove(procs[0]); got != 4 {
		t.Fatalf("remove(head) = %d, want 4", got)
	}
	if diff := deep.Equal(l.keys(), [][2]int{{2, 10}, {3, 15}}); diff != nil {
		t.Fatalf("after head removal: %v", diff)
	}

	// tail removal
	if got := l.remove(procs[2]); got != 25 {
		t.Fatalf("remove(tail) = %d, want 25", got)
	}
	if diff := deep.Equal(l.keys(), [][2]int{{2, 10}}); diff != nil {
		t.Fatalf("after tail removal: %v", diff)
	}
}

func TestMsToTimeSlices(t *testing.T) {
	cases := [][2]int{{0, 0}, {1, 1}, {10, 1}, {11, 2}, {15, 2}, {20, 2}, {10000, 1000}}
	for _, c := range cases {
		if got := msToTimeSlices(uint32(c[0])); got != c[1] {
			t.Errorf("msToTimeSlices(%d) = %d, want %d", c[0], got, c[1])
		}
	}
}
