// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/snappy"
)

// Block codecs use Hadoop's block compressor stream layout:
//
//	stream := block*
//	block :=
//		rawLen:  uint32        // big-endian uncompressed size of the block
//		chunk*                 // until rawLen bytes have been produced
//	chunk :=
//		n:       uint32        // big-endian compressed size of the chunk
//		data:    uint8[n]      // compressed chunk
//
// Writers produced here emit exactly one chunk per block.

const (
	defaultBlockSize = 256 << 10
	// maxBlockSize bounds the sizes accepted by readers.
	maxBlockSize = 1 << 30
)

type blockCompressor interface {
	encode(dst, src []byte) []byte
	decode(dst, src []byte) ([]byte, error)
}

type snappyBlock struct{}

func (snappyBlock) encode(dst, src []byte) []byte { return snappy.Encode(dst, src) }

func (snappyBlock) decode(dst, src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	return snappy.Decode(dst[:cap(dst)], src)
}

type blockWriter struct {
	w       io.Writer
	c       blockCompressor
	buf     []byte
	scratch []byte
	err     error
}

func newBlockWriter(w io.Writer, c blockCompressor, size int) *blockWriter {
	return &blockWriter{w: w, c: c, buf: make([]byte, 0, size)}
}

func (w *blockWriter) Write(p []byte) (n int, err error) {
	if w.err != nil {
		return 0, w.err
	}
	for len(p) > 0 {
		m := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+m]
		n += m
		p = p[m:]
		if len(w.buf) == cap(w.buf) {
			if err := w.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (w *blockWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	w.scratch = w.c.encode(w.scratch[:cap(w.scratch)], w.buf)
	var hd [8]byte
	binary.BigEndian.PutUint32(hd[:4], uint32(len(w.buf)))
	binary.BigEndian.PutUint32(hd[4:], uint32(len(w.scratch)))
	if _, w.err = w.w.Write(hd[:]); w.err != nil {
		return w.err
	}
	if _, w.err = w.w.Write(w.scratch); w.err != nil {
		return w.err
	}
	w.buf = w.buf[:0]
	return nil
}

// Close writes any buffered data as a final block.
func (w *blockWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.err = errors.E(errors.Invalid, "write to closed block writer")
	return nil
}

type blockReader struct {
	r     io.Reader
	c     blockCompressor
	comp  []byte
	chunk []byte
	block []byte
	out   []byte
	err   error
}

func newBlockReader(r io.Reader, c blockCompressor) *blockReader {
	return &blockReader{r: r, c: c}
}

func (r *blockReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.err = r.next()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// next decodes the next block into r.out.
func (r *blockReader) next() error {
	var hd [4]byte
	if _, err := io.ReadFull(r.r, hd[:]); err != nil {
		// A clean EOF between blocks ends the stream.
		return err
	}
	rawLen := int(binary.BigEndian.Uint32(hd[:]))
	if rawLen > maxBlockSize {
		return errors.E(errors.Invalid, fmt.Sprintf("block size %d exceeds maximum %d", rawLen, maxBlockSize))
	}
	r.block = r.block[:0]
	for len(r.block) < rawLen {
		if _, err := io.ReadFull(r.r, hd[:]); err != nil {
			return unexpected(err)
		}
		n := int(binary.BigEndian.Uint32(hd[:]))
		if n > maxBlockSize {
			return errors.E(errors.Invalid, fmt.Sprintf("chunk size %d exceeds maximum %d", n, maxBlockSize))
		}
		if cap(r.comp) < n {
			r.comp = make([]byte, n)
		}
		r.comp = r.comp[:n]
		if _, err := io.ReadFull(r.r, r.comp); err != nil {
			return unexpected(err)
		}
		chunk, err := r.c.decode(r.chunk, r.comp)
		if err != nil {
			return errors.E(errors.Invalid, "corrupt compressed chunk", err)
		}
		r.chunk = chunk
		r.block = append(r.block, chunk...)
	}
	if len(r.block) != rawLen {
		return errors.E(errors.Invalid, fmt.Sprintf("block decompressed to %d bytes, expected %d", len(r.block), rawLen))
	}
	r.out = r.block
	return nil
}

func (r *blockReader) Close() error {
	r.err = errors.E(errors.Invalid, "read from closed block reader")
	r.out = nil
	return nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
