package net

import "github.com/eapache/queue"

// CHUNK_SIZE 缓冲块大小.
const CHUNK_SIZE = 8192

// CircularBuffer is an unbounded byte FIFO built from fixed size chunks.
// Consumed chunks are recycled instead of being returned to the GC. Not safe
// for concurrent use.
type CircularBuffer struct {
	chunks     *queue.Queue // [CHUNK_SIZE]byte slices in order
	cache      *queue.Queue // recycled chunks
	firstIndex int          // read offset in the first chunk
	lastIndex  int          // write offset in the last chunk
	length     int
}

func NewCircularBuffer() *CircularBuffer {
	return &CircularBuffer{
		chunks: queue.New(),
		cache:  queue.New(),
	}
}

// Len is the number of unread bytes.
func (b *CircularBuffer) Len() int {
	return b.length
}

func (b *CircularBuffer) newChunk() []byte {
	if b.cache.Length() > 0 {
		return b.cache.Remove().([]byte)
	}
	return make([]byte, CHUNK_SIZE)
}

// Write appends p.
func (b *CircularBuffer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		if b.chunks.Length() == 0 || b.lastIndex == CHUNK_SIZE {
			b.chunks.Add(b.newChunk())
			b.lastIndex = 0
		}
		last := b.chunks.Get(-1).([]byte)
		c := copy(last[b.lastIndex:], p)
		b.lastIndex += c
		p = p[c:]
	}
	b.length += n
	return n, nil
}

// Read moves up to len(p) bytes into p.
func (b *CircularBuffer) Read(p []byte) (int, error) {
	n := b.Peek(p)
	b.Discard(n)
	return n, nil
}

// Peek copies up to len(p) bytes into p without consuming them.
func (b *CircularBuffer) Peek(p []byte) int {
	want := min(len(p), b.length)
	copied := 0
	offset := b.firstIndex
	for i := 0; copied < want; i++ {
		chunk := b.chunks.Get(i).([]byte)
		end := CHUNK_SIZE
		if i == b.chunks.Length()-1 {
			end = b.lastIndex
		}
		copied += copy(p[copied:want], chunk[offset:end])
		offset = 0
	}
	return copied
}

// Discard drops n unread bytes.
func (b *CircularBuffer) Discard(n int) {
	n = min(n, b.length)
	b.length -= n
	for n > 0 {
		end := CHUNK_SIZE
		if b.chunks.Length() == 1 {
			end = b.lastIndex
		}
		avail := end - b.firstIndex
		if n < avail {
			b.firstIndex += n
			return
		}
		n -= avail
		b.recycleFirst()
	}
	if b.length == 0 && b.chunks.Length() == 1 && b.firstIndex == b.lastIndex {
		b.recycleFirst()
	}
}

func (b *CircularBuffer) recycleFirst() {
	chunk := b.chunks.Remove().([]byte)
	b.firstIndex = 0
	if b.chunks.Length() == 0 {
		b.lastIndex = 0
	}
	if b.cache.Length() < 16 {
		b.cache.Add(chunk)
	}
}

// Reset drops every unread byte.
func (b *CircularBuffer) Reset() {
	b.Discard(b.length)
}
