package mem

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"
)

func testPool(t *testing.T) *Pool {
	t.Helper()
	return New(Config{
		Size:      0x100000,
		KernelEnd: 0x4000,
		HoleStart: 0x20000,
		HoleEnd:   0x40000,
	})
}

func checkFreeList(t *testing.T, m *Pool) {
	t.Helper()
	blocks := m.FreeBlocks()
	for i := 1; i < len(blocks); i++ {
		if blocks[i-1][0] >= blocks[i][0] {
			t.Fatalf("free list not ordered by address: %s", spew.Sdump(blocks))
		}
		if blocks[i-1][0]+blocks[i-1][1] == blocks[i][0] &&
			// blocks on opposite sides of the hole are never merged
			Addr(blocks[i][0]) != m.HoleEnd() {
			t.Fatalf("adjacent free blocks left uncoalesced: %s", spew.Sdump(blocks))
		}
	}
}

func TestInitFreeList(t *testing.T) {
	m := testPool(t)
	want := [][2]uint32{
		{uint32(m.KernelEnd()), uint32(m.HoleStart() - m.KernelEnd())},
		{uint32(m.HoleEnd()), uint32(m.MaxAddr() - m.HoleEnd())},
	}
	if diff := deep.Equal(m.FreeBlocks(), want); diff != nil {
		t.Fatalf("initial free list: %v", diff)
	}
}

func TestKmallocAlignment(t *testing.T) {
	m := testPool(t)
	for _, sz := range []uint32{1, 15, 16, 17, 100, 4096} {
		p := m.Kmalloc(sz)
		if p == 0 {
			t.Fatalf("kmalloc(%d) failed", sz)
		}
		if p%ParagraphSize != 0 {
			t.Fatalf("kmalloc(%d) = %#x, not paragraph aligned", sz, p)
		}
	}
	checkFreeList(t, m)
}

func TestKmallocRejectsBadSizes(t *testing.T) {
	m := testPool(t)
	if p := m.Kmalloc(0); p != 0 {
		t.Fatalf("kmalloc(0) = %#x, want 0", p)
	}
	if p := m.Kmalloc(uint32(m.MaxAddr())); p != 0 {
		t.Fatalf("kmalloc(whole ram) = %#x, want 0", p)
	}
}

func TestFreeRoundTrip(t *testing.T) {
	m := testPool(t)
	before := m.FreeListLen()

	p := m.Kmalloc(1000)
	if p == 0 {
		t.Fatal("kmalloc failed")
	}
	if !m.Kfree(p) {
		t.Fatal("kfree rejected a valid pointer")
	}
	if got := m.FreeListLen(); got != before {
		t.Fatalf("free list length after round trip = %d, want %d", got, before)
	}
	checkFreeList(t, m)
}

func TestRepeatedAllocFreeBounded(t *testing.T) {
	m := testPool(t)
	before := m.FreeListLen()
	for i := 0; i < 1000; i++ {
		p := m.Kmalloc(256)
		if p == 0 {
			t.Fatalf("kmalloc failed at iteration %d", i)
		}
		if !m.Kfree(p) {
			t.Fatalf("kfree failed at iteration %d", i)
		}
	}
	if got := m.FreeListLen(); got != before {
		t.Fatalf("free list length grew to %d, want %d", got, before)
	}
}

func TestCoalescing(t *testing.T) {
	m := testPool(t)
	var ptrs []Addr
	for i := 0; i < 8; i++ {
		p := m.Kmalloc(512)
		if p == 0 {
			t.Fatal("kmalloc failed")
		}
		ptrs = append(ptrs, p)
	}
	// free in an order that exercises merges on both sides
	for _, i := range []int{1, 3, 2, 7, 5, 6, 0, 4} {
		if !m.Kfree(ptrs[i]) {
			t.Fatalf("kfree(ptrs[%d]) failed", i)
		}
		checkFreeList(t, m)
	}
	if got := m.FreeListLen(); got != 2 {
		t.Fatalf("free list length after freeing everything = %d, want 2", got)
	}
}

func TestKfreeRejectsBadPointers(t *testing.T) {
	m := testPool(t)
	p := m.Kmalloc(100)

	if m.Kfree(0) {
		t.Error("kfree(0) accepted")
	}
	if m.Kfree(p + 1) {
		t.Error("kfree of unaligned pointer accepted")
	}
	if m.Kfree(p + ParagraphSize) {
		t.Error("kfree of interior pointer accepted")
	}
	if m.Kfree(m.HoleStart() + 16) {
		t.Error("kfree of hole address accepted")
	}
	if !m.Kfree(p) {
		t.Error("kfree of valid pointer rejected")
	}
	if m.Kfree(p) {
		t.Error("double kfree accepted")
	}
}

func TestAllocationSkipsHole(t *testing.T) {
	m := testPool(t)
	// exhaust the pre-hole region; every block handed out must be fully on
	// one side of the hole
	for {
		p := m.Kmalloc(4096)
		if p == 0 {
			break
		}
		end := p + 4096
		if p < m.HoleStart() && end > m.HoleStart() {
			t.Fatalf("block [%#x,%#x) straddles the hole", p, end)
		}
	}
}

func TestValidPtr(t *testing.T) {
	m := testPool(t)
	cases := []struct {
		a    Addr
		want bool
	}{
		{0, false},
		{0x100, true},
		{m.HoleStart() + 4, false},
		{m.HoleEnd(), true},
		{m.MaxAddr(), false},
		{m.MaxAddr() - 4, true},
	}
	for _, c := range cases {
		if got := m.ValidPtr(c.a); got != c.want {
			t.Errorf("ValidPtr(%#x) = %v, want %v", c.a, got, c.want)
		}
	}
}

func TestValidBuf(t *testing.T) {
	m := testPool(t)
	ke := m.KernelEnd()
	cases := []struct {
		a    Addr
		n    uint32
		want bool
	}{
		{0, 8, false},
		{ke, 8, true},
		{ke - 4, 8, false},           // starts in kernel memory
		{0x100, 8, false},            // kernel memory
		{m.HoleStart() - 4, 16, false}, // runs into the hole
		{m.HoleEnd() + 16, 64, true},
		{m.MaxAddr() - 4, 16, false}, // runs past the top of RAM
		{ke, 0, false},
	}
	for _, c := range cases {
		if got := m.ValidBuf(c.a, c.n); got != c.want {
			t.Errorf("ValidBuf(%#x, %d) = %v, want %v", c.a, c.n, got, c.want)
		}
	}
}

func TestArenaAccess(t *testing.T) {
	m := testPool(t)
	p := m.Kmalloc(64)

	m.WriteWord(p, 0xdeadbeef)
	if got := m.ReadWord(p); got != 0xdeadbeef {
		t.Fatalf("ReadWord = %#x", got)
	}
	m.WriteLong(p+8, 0x0123456789abcdef)
	if got := m.ReadLong(p + 8); got != 0x0123456789abcdef {
		t.Fatalf("ReadLong = %#x", got)
	}
	m.WriteBytes(p+16, []byte("hello\x00world"))
	if got := m.ReadCString(p+16, 32); got != "hello" {
		t.Fatalf("ReadCString = %q", got)
	}
	if got := string(m.ReadBytes(p+16, 5)); got != "hello" {
		t.Fatalf("ReadBytes = %q", got)
	}
}
