// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"fmt"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/ifile/checksum"
	"github.com/grailbio/ifile/codec"
	"github.com/grailbio/ifile/metrics"
)

// A Span is a borrowed view of a key or value in a reader's buffer.
// A Span is valid until the next call to NextKey, NextPartition, or
// Close on the reader that returned it; accessing a Span after that
// panics with an *Error of kind Protocol. Callers that need to retain
// a key or value must copy it. The zero Span is valid and empty.
type Span struct {
	r   *Reader
	gen uint64
	b   []byte
}

func (s Span) check() {
	if s.r != nil && s.r.gen != s.gen {
		panic(errorf(Protocol, "span", "span accessed after its reader advanced"))
	}
}

// Bytes returns the span's bytes. The returned slice aliases the
// reader's buffer and carries the same validity window as the span.
func (s Span) Bytes() []byte {
	s.check()
	return s.b
}

// Len returns the length of the span.
func (s Span) Len() int {
	s.check()
	return len(s.b)
}

// Copy returns a copy of the span's bytes.
func (s Span) Copy() []byte {
	s.check()
	p := make([]byte, len(s.b))
	copy(p, s.b)
	return p
}

// Valid tells whether the span may still be accessed.
func (s Span) Valid() bool {
	return s.r == nil || s.r.gen == s.gen
}

type readerState int

const (
	// readerInit has not yet entered a partition.
	readerInit readerState = iota
	// readerKey is positioned in a partition, before its first record.
	readerKey
	// readerRecord holds a decoded record.
	readerRecord
	// readerEnd has read a partition's sentinel.
	readerEnd
	// readerDone has exhausted its index.
	readerDone
	// readerClosed has been closed.
	readerClosed
)

func (s readerState) String() string {
	switch s {
	case readerInit:
		return "no current partition"
	case readerKey:
		return "no current record"
	case readerRecord:
		return "record available"
	case readerEnd:
		return "end of partition"
	case readerDone:
		return "no more partitions"
	case readerClosed:
		return "reader closed"
	default:
		return fmt.Sprintf("readerState(%d)", int(s))
	}
}

// countingReader tracks the position of a non-seekable stream.
type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// sourceReader records the errors of a partition's segment reader,
// which separates failures of the stream from corrupt data.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// A Reader decodes the partitions of an IFile stream that are named
// by an IndexRange. Partitions are read in index order. If the
// stream implements io.Seeker, the reader seeks to each partition's
// CompressedOffset; otherwise the stream must be positioned at the
// first entry's offset and the reader skips forward over any gaps
// between entries.
//
// A Reader verifies each partition's checksum trailer, and that the
// partition occupies exactly its indexed length, when it advances
// past the partition. Errors are sticky. Readers do not close their
// streams, and should not be used concurrently.
type Reader struct {
	spec  Spec
	codec codec.Codec
	scope *metrics.Scope

	in     *countingReader
	seeker io.Seeker
	src    *checksum.Reader
	source sourceReader
	decomp io.ReadCloser
	// verified is set once the current segment's trailer is read.
	verified bool
	buf    *ReadBuffer

	entries []IndexEntry
	part    int
	state   readerState
	gen     uint64

	key, value []byte
	records    int64

	err error
}

// NewReader returns a Reader that decodes the partitions of r
// described by index according to spec. A nil index describes an
// empty stream.
func NewReader(r io.Reader, spec Spec, index *IndexRange, opts ...Option) (*Reader, error) {
	c, err := spec.validate()
	if err != nil {
		return nil, err
	}
	o := makeOptions(opts)
	rd := &Reader{
		spec:  spec,
		codec: c,
		scope: o.scope,
		in:    &countingReader{r: r},
		part:  -1,
	}
	if index != nil {
		rd.entries = index.Entries
	}
	if s, ok := r.(io.Seeker); ok {
		rd.seeker = s
	} else if len(rd.entries) > 0 {
		rd.in.n = rd.entries[0].CompressedOffset
	}
	rd.src = checksum.NewReader(rd.in, spec.Checksum)
	rd.source.r = rd.src
	rd.buf = NewReadBuffer(&rd.source, o.bufferSize)
	return rd, nil
}

// Spec returns the reader's format.
func (r *Reader) Spec() Spec { return r.spec }

// Partition returns the index of the current partition, or -1 before
// the first call to NextPartition.
func (r *Reader) Partition() int { return r.part }

func (r *Reader) fail(err *Error) error {
	r.err = err
	return err
}

// readError classifies an error returned while reading partition
// data.
func readError(op string, err error) *Error {
	switch {
	case err == io.EOF, err == io.ErrUnexpectedEOF:
		return newError(Truncated, op, io.ErrUnexpectedEOF)
	case errors.Is(errors.Integrity, err):
		return newError(Checksum, op, err)
	case errors.Is(errors.Invalid, err):
		return newError(Format, op, err)
	default:
		return newError(Other, op, err)
	}
}

// NextPartition advances to the next partition. It returns true when
// the reader is positioned on a partition, and false when the index
// is exhausted. Errors, including checksum and segment length
// failures of the partition just completed, are reported through the
// returned error and never as a plain false. NextPartition may be
// called only before the first partition or after NextKey has
// reported the end of the current partition.
func (r *Reader) NextPartition() (bool, error) {
	const op = "nextPartition"
	if r.err != nil {
		return false, r.err
	}
	switch r.state {
	case readerInit:
	case readerEnd:
		if err := r.endPartition(); err != nil {
			return false, r.fail(err)
		}
	case readerDone:
		return false, nil
	default:
		return false, r.fail(errorf(Protocol, op, "partition %d not exhausted: %s", r.part, r.state))
	}
	r.gen++
	r.key, r.value = nil, nil
	r.part++
	if r.part >= len(r.entries) {
		r.state = readerDone
		return false, nil
	}
	if err := r.startPartition(r.entries[r.part]); err != nil {
		return false, r.fail(err)
	}
	r.state = readerKey
	PartitionsRead.Incr(r.scope, 1)
	return true, nil
}

func (r *Reader) startPartition(e IndexEntry) *Error {
	const op = "nextPartition"
	if err := r.seek(e.CompressedOffset); err != nil {
		return err
	}
	size := int64(e.CompressedLength) - int64(r.spec.Checksum.Size())
	if size <= 0 {
		return errorf(Format, op, "partition %d: segment length %d too short", r.part, e.CompressedLength)
	}
	r.src.Reset(size)
	r.source.err = nil
	r.verified = false
	if r.codec == nil {
		r.buf.Reset(&r.source)
		return nil
	}
	d, err := r.codec.NewReader(&r.source)
	if err != nil {
		if r.source.err != nil {
			return readError(op, r.source.err)
		}
		return r.corrupt(newError(Format, op, err))
	}
	r.decomp = d
	r.buf.Reset(d)
	return nil
}

// dataError classifies an error returned while decoding the current
// partition. Failures to read the segment are reported as such;
// anything else means that the segment's contents are corrupt.
func (r *Reader) dataError(op string, err error) *Error {
	switch {
	case r.source.err != nil:
		return readError(op, r.source.err)
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return r.corrupt(errorf(Format, op, "partition %d: data ends before the partition sentinel", r.part))
	case r.codec == nil:
		e := readError(op, err)
		if e.Kind == Format {
			e = r.corrupt(e)
		}
		return e
	default:
		return r.corrupt(newError(Format, op, err))
	}
}

// corrupt reports e, a decoding failure of the current partition. If
// the partition carries a checksum, the rest of its segment is read
// and a checksum mismatch is reported in place of e.
func (r *Reader) corrupt(e *Error) *Error {
	if r.spec.Checksum.Size() == 0 || r.verified {
		return e
	}
	r.verified = true
	if _, err := io.Copy(ioutil.Discard, r.src); err != nil {
		return readError(e.Op, err)
	}
	if err := r.src.Verify(); err != nil {
		return readError(e.Op, err)
	}
	return e
}

// seek positions the stream at offset off.
func (r *Reader) seek(off uint64) *Error {
	const op = "nextPartition"
	if r.seeker != nil {
		if _, err := r.seeker.Seek(int64(off), io.SeekStart); err != nil {
			return newError(Other, op, err)
		}
		r.in.n = off
		return nil
	}
	if off < r.in.n {
		return errorf(Format, op, "partition %d: offset %d precedes stream position %d", r.part, off, r.in.n)
	}
	if _, err := io.CopyN(ioutil.Discard, r.in, int64(off-r.in.n)); err != nil {
		return readError(op, err)
	}
	return nil
}

// endPartition checks that the current partition was consumed
// exactly and verifies its checksum trailer.
func (r *Reader) endPartition() *Error {
	const op = "nextPartition"
	if err := r.checkLength(op); err != nil {
		// Corrupt compressed data can misplace the sentinel.
		if r.codec != nil && err.Kind == Format {
			err = r.corrupt(err)
		}
		return err
	}
	if err := r.src.Verify(); err != nil {
		return readError(op, err)
	}
	log.Debug.Printf("ifile: read partition %d: %d records", r.part, r.records)
	return nil
}

// checkLength checks that the partition's sentinel ends both its
// decoded data and its segment.
func (r *Reader) checkLength(op string) *Error {
	if n := r.buf.Buffered(); n > 0 {
		return errorf(Format, op, "partition %d: %d bytes follow the partition sentinel", r.part, n)
	}
	if r.decomp != nil {
		var b [1]byte
		n, err := io.ReadFull(r.decomp, b[:])
		switch {
		case n > 0:
			return errorf(Format, op, "partition %d: data follows the partition sentinel", r.part)
		case err != io.EOF:
			return r.dataError(op, err)
		}
		err = r.decomp.Close()
		r.decomp = nil
		if err != nil {
			return newError(Other, op, err)
		}
	}
	if n := r.src.Remaining(); n != 0 {
		return errorf(Format, op, "partition %d: bad segment length: %d bytes unread", r.part, n)
	}
	return nil
}

// NextKey decodes the next record of the current partition and
// returns its key. At the end of the partition, NextKey returns ok ==
// false; the caller must then call NextPartition. Any previously
// returned Span is invalidated.
func (r *Reader) NextKey() (key Span, ok bool, err error) {
	const op = "nextKey"
	if r.err != nil {
		return Span{}, false, r.err
	}
	if r.state != readerKey && r.state != readerRecord {
		return Span{}, false, r.fail(errorf(Protocol, op, "%s", r.state))
	}
	r.gen++
	r.key, r.value = nil, nil
	t1, err := r.buf.ReadVLong()
	if err != nil {
		return Span{}, false, r.fail(r.dataError(op, err))
	}
	t2, err := r.buf.ReadVLong()
	if err != nil {
		return Span{}, false, r.fail(r.dataError(op, err))
	}
	if t1 == -1 {
		if t2 != -1 {
			return Span{}, false, r.fail(r.corrupt(errorf(Format, op, "malformed sentinel: value length %d", t2)))
		}
		r.state = readerEnd
		return Span{}, false, nil
	}
	if t1 < 0 || t2 < 0 || t1 > maxRecordLen || t2 > maxRecordLen || t1+t2 > maxRecordLen {
		return Span{}, false, r.fail(r.corrupt(errorf(Format, op, "invalid record lengths (%d, %d)", t1, t2)))
	}
	// Without a codec, the segment bounds the record.
	if r.codec == nil && t1+t2 > int64(r.buf.Buffered())+r.src.Remaining() {
		return Span{}, false, r.fail(r.corrupt(errorf(Format, op,
			"record of %d bytes overruns partition %d", t1+t2, r.part)))
	}
	region, err := r.buf.Get(int(t1 + t2))
	if err != nil {
		return Span{}, false, r.fail(r.dataError(op, err))
	}
	khdr, klen, err := r.spec.Key.parseRegion(region[:t1])
	if err != nil {
		return Span{}, false, r.fail(r.corrupt(newError(Format, op, "key region", err)))
	}
	vregion := region[t1:]
	vhdr, vlen, err := r.spec.Value.parseRegion(vregion)
	if err != nil {
		return Span{}, false, r.fail(r.corrupt(newError(Format, op, "value region", err)))
	}
	r.key = region[khdr : khdr+klen]
	r.value = vregion[vhdr : vhdr+vlen]
	r.state = readerRecord
	r.records++
	RecordsRead.Incr(r.scope, 1)
	return Span{r: r, gen: r.gen, b: r.key}, true, nil
}

// Value returns the value of the record most recently decoded by
// NextKey.
func (r *Reader) Value() (Span, error) {
	if r.err != nil {
		return Span{}, r.err
	}
	if r.state != readerRecord {
		return Span{}, r.fail(errorf(Protocol, "value", "%s", r.state))
	}
	return Span{r: r, gen: r.gen, b: r.value}, nil
}

// ValueLen returns the length of the value of the record most
// recently decoded by NextKey, or 0 if there is no such record.
func (r *Reader) ValueLen() int {
	if r.state != readerRecord {
		return 0
	}
	return len(r.value)
}

// Records returns the number of records decoded.
func (r *Reader) Records() int64 {
	return r.records
}

// Close releases the reader's resources and invalidates its spans.
// Close does not close the underlying stream.
func (r *Reader) Close() error {
	if r.state == readerClosed {
		return nil
	}
	r.state = readerClosed
	r.gen++
	r.key, r.value = nil, nil
	if r.err == nil {
		r.err = errorf(Protocol, "close", "reader closed")
	}
	if r.decomp != nil {
		err := r.decomp.Close()
		r.decomp = nil
		return err
	}
	return nil
}
