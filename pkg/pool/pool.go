// Package pool recycles short-lived buffers to reduce allocations.
//
// Two pools cover the hot transient allocations: byte buffers for
// snapshot envelope and frame encoding, and token slices for on-the-fly
// document scoring.
//
// Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//	buf.WriteByte(version)
//	buf.Write(payload)
package pool

import (
	"bytes"
	"sync"
)

const (
	// maxPooledBuffer keeps oversized encode buffers out of the pool so
	// one huge snapshot does not pin its memory forever.
	maxPooledBuffer = 1 << 20

	// maxPooledTokens bounds the capacity of recycled token slices.
	maxPooledTokens = 4096
)

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuffer returns an empty buffer from the pool.
// Call PutBuffer when done.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool. The caller must not use buf or
// any slice obtained from buf.Bytes afterwards.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}

var tokenPool = sync.Pool{
	New: func() any {
		return make([]string, 0, 64)
	},
}

// GetTokens returns an empty token slice from the pool. The slice has
// length 0 but may carry capacity from earlier use.
func GetTokens() []string {
	return tokenPool.Get().([]string)[:0]
}

// PutTokens returns a token slice to the pool. String references are
// cleared first so the backing array does not pin token memory.
func PutTokens(tokens []string) {
	if cap(tokens) == 0 || cap(tokens) > maxPooledTokens {
		return
	}
	for i := range tokens {
		tokens[i] = ""
	}
	tokenPool.Put(tokens[:0])
}
