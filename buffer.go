// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"bufio"
	"io"

	"github.com/grailbio/ifile/writable"
)

// maxEmptyReads is the number of consecutive empty reads tolerated
// from a source before a ReadBuffer gives up with io.ErrNoProgress.
const maxEmptyReads = 100

// A ReadBuffer is a forward-only buffer over a source reader that
// hands out contiguous spans of requested sizes. Spans are views into
// the buffer's memory: a span remains valid only until the next call
// to Get, ReadVLong, or Reset, any of which may move or overwrite
// buffered bytes. The buffer grows as needed to hold the largest
// requested span.
type ReadBuffer struct {
	src  io.Reader
	buf  []byte
	r, w int
}

// NewReadBuffer returns a ReadBuffer of initial size size reading
// from src.
func NewReadBuffer(src io.Reader, size int) *ReadBuffer {
	if size <= 0 {
		size = 1
	}
	return &ReadBuffer{src: src, buf: make([]byte, size)}
}

// Reset discards any buffered bytes and sets the buffer's source to
// src.
func (b *ReadBuffer) Reset(src io.Reader) {
	b.src = src
	b.r, b.w = 0, 0
}

// Buffered returns the number of bytes read from the source but not
// yet consumed.
func (b *ReadBuffer) Buffered() int {
	return b.w - b.r
}

// fill makes sure that at least n unconsumed bytes are buffered.
// When the source is exhausted, fill returns io.EOF if no bytes are
// buffered and io.ErrUnexpectedEOF otherwise. The buffer grows only
// as bytes arrive, at most doubling each time.
func (b *ReadBuffer) fill(n int) error {
	if b.w-b.r >= n {
		return nil
	}
	if b.r > 0 && b.r+n > len(b.buf) {
		b.w = copy(b.buf, b.buf[b.r:b.w])
		b.r = 0
	}
	for empty := 0; b.w-b.r < n; {
		if b.w == len(b.buf) {
			b.grow(n)
		}
		m, err := b.src.Read(b.buf[b.w:])
		b.w += m
		if b.w-b.r >= n {
			return nil
		}
		switch {
		case err == io.EOF && b.w == b.r:
			return io.EOF
		case err == io.EOF:
			return io.ErrUnexpectedEOF
		case err != nil:
			return err
		case m == 0:
			empty++
			if empty == maxEmptyReads {
				return io.ErrNoProgress
			}
		default:
			empty = 0
		}
	}
	return nil
}

// grow enlarges a full buffer toward n bytes.
func (b *ReadBuffer) grow(n int) {
	size := 2 * len(b.buf)
	if size > n {
		size = n
	}
	buf := make([]byte, size)
	b.w = copy(buf, b.buf[b.r:b.w])
	b.r = 0
	b.buf = buf
}

// Get consumes and returns the next n bytes as a single contiguous
// span.
func (b *ReadBuffer) Get(n int) ([]byte, error) {
	if err := b.fill(n); err != nil {
		return nil, err
	}
	p := b.buf[b.r : b.r+n : b.r+n]
	b.r += n
	return p, nil
}

// ReadVLong consumes and decodes the next VLong.
func (b *ReadBuffer) ReadVLong() (int64, error) {
	if err := b.fill(1); err != nil {
		return 0, err
	}
	n := writable.DecodeSize(b.buf[b.r])
	if err := b.fill(n); err != nil {
		return 0, err
	}
	v, _, err := writable.VLong(b.buf[b.r : b.r+n])
	if err != nil {
		return 0, err
	}
	b.r += n
	return v, nil
}

// An AppendBuffer accumulates encoded bytes and flushes them to an
// underlying writer when full. Writes larger than the buffer bypass
// it. AppendBuffer counts every byte appended, which gives the raw
// (uncompressed) offset of the stream.
type AppendBuffer struct {
	w       *bufio.Writer
	n       uint64
	scratch [2 * writable.MaxVLongLen]byte
}

// NewAppendBuffer returns an AppendBuffer of size size writing to w.
func NewAppendBuffer(w io.Writer, size int) *AppendBuffer {
	return &AppendBuffer{w: bufio.NewWriterSize(w, size)}
}

// Reset directs subsequent flushes to w. Any unflushed bytes are
// discarded, so callers should Flush first. The byte count is
// retained.
func (b *AppendBuffer) Reset(w io.Writer) {
	b.w.Reset(w)
}

// Write appends p to the buffer.
func (b *AppendBuffer) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	b.n += uint64(n)
	return n, err
}

// WriteVLong appends the VLong encoding of v.
func (b *AppendBuffer) WriteVLong(v int64) error {
	n := writable.PutVLong(b.scratch[:], v)
	_, err := b.Write(b.scratch[:n])
	return err
}

// WriteVLong2 appends the VLong encodings of v1 and v2.
func (b *AppendBuffer) WriteVLong2(v1, v2 int64) error {
	n := writable.PutVLong(b.scratch[:], v1)
	n += writable.PutVLong(b.scratch[n:], v2)
	_, err := b.Write(b.scratch[:n])
	return err
}

// WriteUint32 appends v in big-endian order.
func (b *AppendBuffer) WriteUint32(v uint32) error {
	writable.PutUint32(b.scratch[:], v)
	_, err := b.Write(b.scratch[:writable.Uint32Len])
	return err
}

// Flush writes buffered bytes to the underlying writer.
func (b *AppendBuffer) Flush() error {
	return b.w.Flush()
}

// Buffered returns the number of bytes not yet flushed.
func (b *AppendBuffer) Buffered() int {
	return b.w.Buffered()
}

// Count returns the total number of bytes appended.
func (b *AppendBuffer) Count() uint64 {
	return b.n
}
