// Object pools for reducing GC pressure in hot paths
//
// Provides reusable object pools for the two per-command allocations:
// command argument maps and board frame encoding buffers.
//
// Usage:
//
//	args := pool.GetArgsMap()
//	defer pool.PutArgsMap(args)
//	// use args...
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
)

// ArgsMap pool - for command argument maps
var argsMapPool = sync.Pool{
	New: func() any {
		return make(map[string]string, 8) // Pre-allocate common size
	},
}

// GetArgsMap gets a string map from the pool
func GetArgsMap() map[string]string {
	return argsMapPool.Get().(map[string]string)
}

// PutArgsMap returns a string map to the pool after clearing it
func PutArgsMap(m map[string]string) {
	if m == nil {
		return
	}
	// Clear the map
	clear(m)
	argsMapPool.Put(m)
}

// ByteBuffer pool - for board frame encoding buffers
type ByteBuffer struct {
	buf []byte
}

var byteBufferPool = sync.Pool{
	New: func() any {
		return &ByteBuffer{
			buf: make([]byte, 0, 64), // Common frame size
		}
	},
}

// GetByteBuffer gets a byte buffer from the pool
func GetByteBuffer() *ByteBuffer {
	b := byteBufferPool.Get().(*ByteBuffer)
	b.buf = b.buf[:0] // Reset length but keep capacity
	return b
}

// PutByteBuffer returns a byte buffer to the pool
func PutByteBuffer(b *ByteBuffer) {
	if b == nil {
		return
	}
	// Don't pool oversized buffers (> 4KB)
	if cap(b.buf) > 4096 {
		return
	}
	byteBufferPool.Put(b)
}

// Bytes returns the buffer's byte slice
func (b *ByteBuffer) Bytes() []byte {
	return b.buf
}

// Write appends bytes to the buffer
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte
func (b *ByteBuffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// WriteString appends a string
func (b *ByteBuffer) WriteString(s string) (int, error) {
	b.buf = append(b.buf, s...)
	return len(s), nil
}

// Len returns the buffer length
func (b *ByteBuffer) Len() int {
	return len(b.buf)
}

// Cap returns the buffer capacity
func (b *ByteBuffer) Cap() int {
	return cap(b.buf)
}

// Reset clears the buffer
func (b *ByteBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Grow ensures the buffer has capacity for n more bytes
func (b *ByteBuffer) Grow(n int) {
	if cap(b.buf)-len(b.buf) < n {
		newCap := cap(b.buf)*2 + n
		newBuf := make([]byte, len(b.buf), newCap)
		copy(newBuf, b.buf)
		b.buf = newBuf
	}
}
