// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package checksum provides pass-through streams that digest the
// bytes of an IFile partition segment. A Writer digests everything
// written through it and appends the digest as a big-endian trailer
// when the segment is complete; a Reader digests a length-limited
// segment and verifies the trailer that follows it.
package checksum

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
)

// Type identifies a digest algorithm.
type Type int

const (
	// None disables checksumming. Segments carry no trailer.
	None Type = iota
	// CRC32 is the IEEE CRC-32, as used by Hadoop's IFile streams.
	CRC32
	// CRC32C is the Castagnoli CRC-32.
	CRC32C
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// String returns the canonical name of the type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case CRC32:
		return "crc32"
	case CRC32C:
		return "crc32c"
	default:
		return fmt.Sprintf("checksum.Type(%d)", int(t))
	}
}

// ParseType returns the checksum type named by s.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "crc32":
		return CRC32, nil
	case "crc32c":
		return CRC32C, nil
	}
	return None, errors.E(errors.Invalid, fmt.Sprintf("unknown checksum type %q", s))
}

// Valid tells whether t is a known checksum type.
func (t Type) Valid() bool {
	return t == None || t == CRC32 || t == CRC32C
}

// Size returns the size of the trailer that follows each segment.
func (t Type) Size() int {
	if t == None {
		return 0
	}
	return 4
}

func (t Type) newHash() hash.Hash32 {
	switch t {
	case CRC32:
		return crc32.NewIEEE()
	case CRC32C:
		return crc32.New(castagnoli)
	default:
		return nil
	}
}

// A Writer digests the bytes written through it to the underlying
// writer. The underlying writer is borrowed; it is never closed.
type Writer struct {
	w   io.Writer
	typ Type
	h   hash.Hash32
}

// NewWriter returns a Writer that digests bytes written to w using
// the checksum type typ.
func NewWriter(w io.Writer, typ Type) *Writer {
	return &Writer{w: w, typ: typ, h: typ.newHash()}
}

// Write implements io.Writer. Only the bytes accepted by the
// underlying writer are digested.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if w.h != nil && n > 0 {
		w.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the digest of the bytes written since the last Reset.
func (w *Writer) Sum() uint32 {
	if w.h == nil {
		return 0
	}
	return w.h.Sum32()
}

// Reset starts a new segment.
func (w *Writer) Reset() {
	if w.h != nil {
		w.h.Reset()
	}
}

// WriteTrailer writes the current digest to the underlying writer,
// bypassing the digest itself, and returns the number of bytes
// written.
func (w *Writer) WriteTrailer() (int, error) {
	if w.h == nil {
		return 0, nil
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], w.h.Sum32())
	return w.w.Write(b[:])
}

// A Reader digests a length-limited segment read from an underlying
// reader. Reads beyond the limit return io.EOF; an underlying EOF
// before the limit is reached is reported as io.ErrUnexpectedEOF.
type Reader struct {
	r     io.Reader
	typ   Type
	h     hash.Hash32
	limit int64
}

// NewReader returns a Reader of r using the checksum type typ. Its
// limit is initially zero; see Reset.
func NewReader(r io.Reader, typ Type) *Reader {
	return &Reader{r: r, typ: typ, h: typ.newHash()}
}

// Reset starts a new segment of limit bytes.
func (r *Reader) Reset(limit int64) {
	r.limit = limit
	if r.h != nil {
		r.h.Reset()
	}
}

// Remaining returns the number of segment bytes not yet read.
func (r *Reader) Remaining() int64 {
	return r.limit
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.limit <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.limit {
		p = p[:r.limit]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if r.h != nil {
			r.h.Write(p[:n])
		}
		r.limit -= int64(n)
	}
	if err == io.EOF && r.limit > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Sum returns the digest of the segment bytes read so far.
func (r *Reader) Sum() uint32 {
	if r.h == nil {
		return 0
	}
	return r.h.Sum32()
}

// Verify reads the segment trailer from the underlying reader and
// compares it to the digest of the segment. A mismatch is reported
// as an error of kind errors.Integrity. Verify should be called
// only once the segment has been read in full.
func (r *Reader) Verify() error {
	if r.h == nil {
		return nil
	}
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if want, got := binary.BigEndian.Uint32(b[:]), r.h.Sum32(); want != got {
		return errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("%s: computed checksum %x but expected checksum %x", r.typ, got, want))
	}
	return nil
}
