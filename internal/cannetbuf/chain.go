// Package cannetbuf implements the bounded chunk chain used by CANNET sockets
// to reassemble transfers and buffer data until the application reads it.
//
// Memory is allocated in fixed 32 byte chunks as data arrives and released as
// it is consumed, so no large contiguous allocation is ever needed.
//
// A Chain is not safe for concurrent use. CANNET serializes every access with
// the owning interface mutex.
package cannetbuf

import "errors"

// ChunkSize is the size of a single chain element.
const ChunkSize = 32

// ErrFull is returned when a write or move would exceed the chain capacity.
var ErrFull = errors.New("cannetbuf: buffer full")

type chunk struct {
	next *chunk
	seek int // write cursor
	skip int // bytes already consumed
	buf  [ChunkSize]byte
}

// Chain is an append-only byte queue bounded by a maximum capacity.
type Chain struct {
	head, tail *chunk
	size       int
	max        int
}

// New creates an empty chain. The capacity is rounded up to a multiple of
// ChunkSize with a minimum of one chunk.
func New(maxCapacity int) *Chain {
	if maxCapacity < ChunkSize {
		maxCapacity = ChunkSize
	}
	chunks := (maxCapacity + ChunkSize - 1) / ChunkSize
	return &Chain{max: chunks * ChunkSize}
}

// Len returns the number of unread bytes.
func (c *Chain) Len() int { return c.size }

// Cap returns the maximum number of bytes the chain may hold.
func (c *Chain) Cap() int { return c.max }

// Available returns the free capacity in bytes.
func (c *Chain) Available() int { return c.max - c.size }

// IsFull reports whether no more bytes can be written.
func (c *Chain) IsFull() bool { return c.size >= c.max }

// Write appends p. The write is all-or-nothing: if p does not fit, ErrFull is
// returned and the chain is left untouched.
func (c *Chain) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.size+len(p) > c.max {
		return 0, ErrFull
	}
	n := len(p)
	for len(p) > 0 {
		if c.tail == nil || c.tail.seek == ChunkSize {
			c.push(&chunk{})
		}
		k := copy(c.tail.buf[c.tail.seek:], p)
		c.tail.seek += k
		c.size += k
		p = p[k:]
	}
	return n, nil
}

// Read copies up to len(p) of the oldest bytes into p and returns the count.
// Fully consumed chunks are released. Reading an empty chain returns 0, nil.
func (c *Chain) Read(p []byte) (int, error) {
	var n int
	for c.head != nil && n < len(p) {
		ch := c.head
		k := copy(p[n:], ch.buf[ch.skip:ch.seek])
		ch.skip += k
		c.size -= k
		n += k
		if ch.skip < ch.seek {
			break
		}
		// A drained tail chunk is dropped too; the next write starts a fresh one.
		c.head = ch.next
		if c.head == nil {
			c.tail = nil
		}
	}
	return n, nil
}

// Clear drops all data.
func (c *Chain) Clear() {
	c.head, c.tail, c.size = nil, nil, 0
}

// Move hands every chunk of src over to the end of dst without copying bytes,
// leaving src empty. Moving an empty chain is a no-op. If dst cannot hold the
// data ErrFull is returned and both chains are unchanged.
func Move(dst, src *Chain) error {
	if src == nil || dst == nil {
		return errors.New("cannetbuf: nil chain")
	}
	if src.size == 0 {
		src.Clear()
		return nil
	}
	if dst.size+src.size > dst.max {
		return ErrFull
	}
	if dst.tail == nil {
		dst.head = src.head
	} else {
		dst.tail.next = src.head
	}
	dst.tail = src.tail
	dst.size += src.size
	src.Clear()
	return nil
}

func (c *Chain) push(ch *chunk) {
	if c.tail == nil {
		c.head = ch
	} else {
		c.tail.next = ch
	}
	c.tail = ch
}
