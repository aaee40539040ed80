// Unit tests for object pools
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"testing"
)

func TestArgsMapPool(t *testing.T) {
	// Get a map
	m := GetArgsMap()
	if m == nil {
		t.Fatal("GetArgsMap returned nil")
	}

	// Add some entries
	m["X"] = "100"
	m["Y"] = "200"
	m["F"] = "3000"

	// Return to pool
	PutArgsMap(m)

	// Get another map - should be cleared
	m2 := GetArgsMap()
	if len(m2) != 0 {
		t.Errorf("pooled map should be empty, got %d entries", len(m2))
	}

	PutArgsMap(m2)
}

func TestArgsMapPoolNil(t *testing.T) {
	// Should not panic
	PutArgsMap(nil)
}

func TestByteBuffer(t *testing.T) {
	b := GetByteBuffer()
	if b == nil {
		t.Fatal("GetByteBuffer returned nil")
	}

	// Write some data
	b.WriteString("hello")
	b.WriteByte(' ')
	b.Write([]byte("world"))

	if b.Len() != 11 {
		t.Errorf("expected length 11, got %d", b.Len())
	}

	if string(b.Bytes()) != "hello world" {
		t.Errorf("unexpected content: %s", string(b.Bytes()))
	}

	// Return to pool
	PutByteBuffer(b)

	// Get again - should be reset
	b2 := GetByteBuffer()
	if b2.Len() != 0 {
		t.Errorf("pooled buffer should be empty, got length %d", b2.Len())
	}
	PutByteBuffer(b2)
}

func TestByteBufferGrow(t *testing.T) {
	b := GetByteBuffer()

	// Grow and write
	b.Grow(100)
	if b.Cap() < 100 {
		t.Errorf("capacity should be at least 100, got %d", b.Cap())
	}

	// Write more than initial capacity
	for i := 0; i < 200; i++ {
		b.WriteByte(byte(i % 256))
	}

	if b.Len() != 200 {
		t.Errorf("expected length 200, got %d", b.Len())
	}

	PutByteBuffer(b)
}

func TestByteBufferReset(t *testing.T) {
	b := GetByteBuffer()
	b.WriteString("test data")
	b.Reset()

	if b.Len() != 0 {
		t.Errorf("after Reset, length should be 0, got %d", b.Len())
	}

	PutByteBuffer(b)
}

func TestByteBufferOversized(t *testing.T) {
	b := GetByteBuffer()

	// Write more than 4KB
	data := make([]byte, 5000)
	b.Write(data)

	// Return - should not be pooled due to size
	PutByteBuffer(b)

	// Get new buffer - should have smaller capacity
	b2 := GetByteBuffer()
	// Can't easily verify it's a new buffer, but at least verify it works
	if b2.Cap() > 4096 {
		// This could happen if pool was empty and we got the same buffer
		// That's actually fine - the point is we don't keep too many large buffers
	}
	PutByteBuffer(b2)
}

func TestByteBufferNil(t *testing.T) {
	// Should not panic
	PutByteBuffer(nil)
}

// Concurrent tests

func TestArgsMapPoolConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	iterations := 1000
	goroutines := 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m := GetArgsMap()
				m["key"] = "value"
				PutArgsMap(m)
			}
		}()
	}

	wg.Wait()
}

func TestByteBufferPoolConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	iterations := 1000
	goroutines := 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				b := GetByteBuffer()
				b.WriteString("test")
				PutByteBuffer(b)
			}
		}()
	}

	wg.Wait()
}

// Benchmarks

func BenchmarkArgsMapPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		m := GetArgsMap()
		m["X"] = "100"
		m["Y"] = "200"
		m["F"] = "3000"
		PutArgsMap(m)
	}
}

func BenchmarkArgsMapNoPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		m := make(map[string]string, 8)
		m["X"] = "100"
		m["Y"] = "200"
		m["F"] = "3000"
		_ = m
	}
}

func BenchmarkByteBufferPool(b *testing.B) {
	data := []byte("probe x=100.000 y=50.000 stow=0")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf := GetByteBuffer()
		buf.Write(data)
		PutByteBuffer(buf)
	}
}

func BenchmarkByteBufferNoPool(b *testing.B) {
	data := []byte("probe x=100.000 y=50.000 stow=0")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf := make([]byte, 0, 64)
		buf = append(buf, data...)
		_ = buf
	}
}
