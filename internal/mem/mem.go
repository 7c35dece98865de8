// Package mem models the machine's physical memory and the kernel's
// allocator. The RAM is a flat byte arena addressed by 32-bit Addr values;
// address 0 is the null pointer and is never handed out. A fixed hole of
// reserved addresses splits the allocatable space in two, like the region
// between 640K and 1M on the original hardware.
//
// The allocator is a first-fit free list whose headers live inside the arena
// itself. Each block starts with a 16-byte header (size including header,
// prev, next, sanity); the sanity word holds the block's data address while
// allocated and 0 while free. Requests are rounded up to a paragraph.
package mem

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Addr is a simulated physical address. 0 is the null pointer.
type Addr uint32

const (
	// ParagraphSize is the allocator's alignment unit.
	ParagraphSize = 16

	// headerSize is the in-arena block header: size, prev, next, sanity.
	headerSize = 16

	offSize   = 0
	offPrev   = 4
	offNext   = 8
	offSanity = 12
)

// Config fixes the memory layout. KernelEnd is the first allocatable address
// (everything below it is kernel image and kernel stack), the hole is
// reserved, and Size is the top of RAM.
type Config struct {
	Size      Addr
	KernelEnd Addr
	HoleStart Addr
	HoleEnd   Addr
}

// DefaultConfig is a 4MB machine with a 64K kernel and the classic 640K-1M
// hole.
func DefaultConfig() Config {
	return Config{
		Size:      0x400000,
		KernelEnd: 0x10000,
		HoleStart: 0xa0000,
		HoleEnd:   0x100000,
	}
}

// Pool is the machine's RAM plus the kernel free list.
type Pool struct {
	ram []byte

	// aligned layout boundaries, fixed at init
	freemem   Addr
	holeStart Addr
	holeEnd   Addr
	maxAddr   Addr

	cfg Config

	// head of the free list, 0 when exhausted
	freeList Addr
}

// New builds the arena and initializes the free list with the block before
// the hole and the block after the hole.
func New(cfg Config) *Pool {
	if cfg.Size == 0 {
		cfg = DefaultConfig()
	}
	if cfg.KernelEnd >= cfg.HoleStart || cfg.HoleStart >= cfg.HoleEnd || cfg.HoleEnd >= cfg.Size {
		panic(fmt.Sprintf("mem: bad layout %+v", cfg))
	}
	m := &Pool{
		ram:       make([]byte, cfg.Size),
		freemem:   roundUpToParagraph(cfg.KernelEnd),
		holeStart: roundDownToParagraph(cfg.HoleStart),
		holeEnd:   roundUpToParagraph(cfg.HoleEnd),
		maxAddr:   roundDownToParagraph(cfg.Size),
		cfg:       cfg,
	}

	// block before the hole
	m.freeList = m.freemem
	m.setSize(m.freeList, uint32(m.holeStart-m.freemem))
	m.setSanity(m.freeList, 0)

	// block after the hole
	post := m.holeEnd
	m.setSize(post, uint32(m.maxAddr-m.holeEnd))
	m.setSanity(post, 0)

	m.setPrev(m.freeList, 0)
	m.setNext(m.freeList, post)
	m.setPrev(post, m.freeList)
	m.setNext(post, 0)
	return m
}

// KernelEnd returns the first allocatable address.
func (m *Pool) KernelEnd() Addr { return m.freemem }

// HoleStart returns the first reserved hole address (aligned).
func (m *Pool) HoleStart() Addr { return m.holeStart }

// HoleEnd returns the first address past the hole (aligned).
func (m *Pool) HoleEnd() Addr { return m.holeEnd }

// MaxAddr returns the top of RAM (aligned).
func (m *Pool) MaxAddr() Addr { return m.maxAddr }

// Kmalloc allocates reqSz bytes and returns the data address, or 0 if no
// free block is large enough. The returned address is paragraph aligned.
func (m *Pool) Kmalloc(reqSz uint32) Addr {
	maxSize := uint32(m.maxAddr-m.freemem) - headerSize
	if reqSz == 0 || reqSz > maxSize {
		return 0
	}
	size := uint32(roundUpToParagraph(Addr(reqSz))) + headerSize

	for slot := m.freeList; slot != 0; slot = m.next(slot) {
		if size > m.size(slot) {
			continue
		}
		if size != m.size(slot) {
			m.splitOffFreeBlock(size, slot)
		}
		data := slot + headerSize
		m.setSize(slot, size)
		m.setSanity(slot, uint32(data))

		// unlink from the free list
		if prev := m.prev(slot); prev != 0 {
			m.setNext(prev, m.next(slot))
		} else {
			m.freeList = m.next(slot)
		}
		if next := m.next(slot); next != 0 {
			m.setPrev(next, m.prev(slot))
		}

		if !m.inFreeMemoryRange(data) || data%ParagraphSize != 0 {
			panic("mem: kmalloc produced an address outside allocatable memory")
		}
		return data
	}
	return 0
}

// splitOffFreeBlock carves size bytes off the front of block, leaving the
// remainder as a free block linked in place.
func (m *Pool) splitOffFreeBlock(size uint32, block Addr) {
	rem := block + Addr(size)
	m.setSize(rem, m.size(block)-size)
	m.setSanity(rem, 0)

	m.setPrev(rem, block)
	m.setNext(rem, m.next(block))
	if n := m.next(rem); n != 0 {
		m.setPrev(n, rem)
	}

	m.setSize(block, size)
	m.setNext(block, rem)
}

// Kfree returns a previously allocated block to the free pool, coalescing
// with physically adjacent neighbours. Reports whether the pointer was
// accepted; a pointer that is unaligned, out of range, or whose header fails
// the sanity check is rejected.
func (m *Pool) Kfree(ptr Addr) bool {
	if ptr == 0 {
		return false
	}
	if !m.inFreeMemoryRange(ptr) || ptr%ParagraphSize != 0 {
		return false
	}
	block := ptr - headerSize
	if !m.inFreeMemoryRange(block) || block%ParagraphSize != 0 || m.sanity(block) != uint32(ptr) {
		return false
	}
	m.setSanity(block, 0)

	// find the free-list position keeping blocks ordered by address
	var prev Addr
	next := m.freeList
	for next != 0 && next < block {
		prev = next
		next = m.next(next)
	}

	m.setPrev(block, prev)
	m.setNext(block, next)
	if prev == 0 {
		m.freeList = block
	} else {
		m.setNext(prev, block)
	}
	if next != 0 {
		m.setPrev(next, block)
	}

	if m.adjacent(block, m.next(block)) {
		m.merge(block, m.next(block))
	}
	if m.adjacent(m.prev(block), block) {
		m.merge(m.prev(block), block)
	}
	return true
}

func (m *Pool) adjacent(left, right Addr) bool {
	if left == 0 || right == 0 {
		return false
	}
	return left+Addr(m.size(left)) == right
}

func (m *Pool) merge(left, right Addr) {
	m.setSize(left, m.size(left)+m.size(right))
	m.setNext(left, m.next(right))
	if n := m.next(left); n != 0 {
		m.setPrev(n, left)
	}
}

// ValidPtr reports whether ptr is non-null and within addressable memory,
// outside the hole.
func (m *Pool) ValidPtr(ptr Addr) bool {
	return ptr != 0 && m.inMemoryRange(ptr)
}

// ValidBuf reports whether [ptr, ptr+length) is a usable user buffer: both
// endpoints addressable and outside kernel memory and the hole.
func (m *Pool) ValidBuf(ptr Addr, length uint32) bool {
	if !m.ValidPtr(ptr) || m.inKernelMemoryRange(ptr) || length == 0 {
		return false
	}
	end := ptr + Addr(length)
	return m.inMemoryRange(end) && !m.inKernelMemoryRange(end)
}

func (m *Pool) inMemoryRange(addr Addr) bool {
	return (addr > 0 && addr < Addr(m.cfg.HoleStart)) || (addr >= Addr(m.cfg.HoleEnd) && addr < m.maxAddr)
}

func (m *Pool) inKernelMemoryRange(addr Addr) bool {
	return addr > 0 && addr < m.freemem
}

func (m *Pool) inFreeMemoryRange(addr Addr) bool {
	inPreHole := addr >= m.freemem && addr <= m.holeStart
	inPostHole := addr >= m.holeEnd && addr <= m.maxAddr
	return inPreHole || inPostHole
}

func roundUpToParagraph(a Addr) Addr {
	blocks := a / ParagraphSize
	if a%ParagraphSize != 0 {
		blocks++
	}
	return blocks * ParagraphSize
}

func roundDownToParagraph(a Addr) Addr {
	return (a / ParagraphSize) * ParagraphSize
}

// FreeListLen walks the free list and returns its length.
func (m *Pool) FreeListLen() int {
	n := 0
	for b := m.freeList; b != 0; b = m.next(b) {
		n++
	}
	return n
}

// FreeBlocks returns the free-list block addresses and sizes in list order.
func (m *Pool) FreeBlocks() [][2]uint32 {
	var out [][2]uint32
	for b := m.freeList; b != 0; b = m.next(b) {
		out = append(out, [2]uint32{uint32(b), m.size(b)})
	}
	return out
}

// header field access

func (m *Pool) size(b Addr) uint32   { return m.word(b + offSize) }
func (m *Pool) prev(b Addr) Addr    { return Addr(m.word(b + offPrev)) }
func (m *Pool) next(b Addr) Addr    { return Addr(m.word(b + offNext)) }
func (m *Pool) sanity(b Addr) uint32 { return m.word(b + offSanity) }

func (m *Pool) setSize(b Addr, v uint32)   { m.setWord(b+offSize, v) }
func (m *Pool) setPrev(b, v Addr)          { m.setWord(b+offPrev, uint32(v)) }
func (m *Pool) setNext(b, v Addr)          { m.setWord(b+offNext, uint32(v)) }
func (m *Pool) setSanity(b Addr, v uint32) { m.setWord(b+offSanity, v) }

func (m *Pool) word(a Addr) uint32 {
	m.check(a, 4)
	return binary.LittleEndian.Uint32(m.ram[a:])
}

func (m *Pool) setWord(a Addr, v uint32) {
	m.check(a, 4)
	binary.LittleEndian.PutUint32(m.ram[a:], v)
}

func (m *Pool) check(a Addr, n uint32) {
	if a == 0 || uint64(a)+uint64(n) > uint64(len(m.ram)) {
		panic(fmt.Sprintf("mem: access [%#x,%#x) outside RAM", a, uint64(a)+uint64(n)))
	}
}

// Typed arena access. These panic on out-of-arena addresses; callers are
// expected to have validated user-supplied addresses first.

// ReadWord reads a 32-bit word at a.
func (m *Pool) ReadWord(a Addr) uint32 { return m.word(a) }

// WriteWord writes a 32-bit word at a.
func (m *Pool) WriteWord(a Addr, v uint32) { m.setWord(a, v) }

// ReadLong reads a 64-bit word at a.
func (m *Pool) ReadLong(a Addr) uint64 {
	m.check(a, 8)
	return binary.LittleEndian.Uint64(m.ram[a:])
}

// WriteLong writes a 64-bit word at a.
func (m *Pool) WriteLong(a Addr, v uint64) {
	m.check(a, 8)
	binary.LittleEndian.PutUint64(m.ram[a:], v)
}

// ReadBytes copies n bytes starting at a.
func (m *Pool) ReadBytes(a Addr, n uint32) []byte {
	m.check(a, n)
	out := make([]byte, n)
	copy(out, m.ram[a:])
	return out
}

// WriteBytes copies b into the arena at a.
func (m *Pool) WriteBytes(a Addr, b []byte) {
	m.check(a, uint32(len(b)))
	copy(m.ram[a:], b)
}

// ReadByte reads one byte at a.
func (m *Pool) ReadByte(a Addr) byte {
	m.check(a, 1)
	return m.ram[a]
}

// WriteByte writes one byte at a.
func (m *Pool) WriteByte(a Addr, b byte) {
	m.check(a, 1)
	m.ram[a] = b
}

// ReadCString reads a NUL-terminated string at a, capped at max bytes.
func (m *Pool) ReadCString(a Addr, max uint32) string {
	m.check(a, 1)
	end := uint64(a) + uint64(max)
	if end > uint64(len(m.ram)) {
		end = uint64(len(m.ram))
	}
	b := m.ram[a:end]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
