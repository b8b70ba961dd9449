// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"fmt"
	"io"
	"math"

	"github.com/grailbio/base/log"
	"github.com/grailbio/ifile/checksum"
	"github.com/grailbio/ifile/codec"
	"github.com/grailbio/ifile/metrics"
)

// maxRecordLen is the largest combined size of a record's key and
// value regions.
const maxRecordLen = math.MaxInt32

type writerState int

const (
	// writerIdle is between partitions.
	writerIdle writerState = iota
	// writerKey is inside a partition, expecting a key.
	writerKey
	// writerValue is expecting the value of the last key.
	writerValue
	// writerFinished no longer accepts writes.
	writerFinished
)

func (s writerState) String() string {
	switch s {
	case writerIdle:
		return "no open partition"
	case writerKey:
		return "partition open"
	case writerValue:
		return "value pending"
	case writerFinished:
		return "finished"
	default:
		return fmt.Sprintf("writerState(%d)", int(s))
	}
}

// countingWriter counts the bytes written to the underlying stream.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// A Writer encodes partitions of records into an IFile stream. A
// Writer is driven through StartPartition, a sequence of Write (or
// WriteKey and WriteValue) calls, and EndPartition, for each
// partition in order, and finally Finish. Errors are sticky: once an
// operation fails, every later operation returns the same error.
//
// The Writer does not own its stream: neither Finish nor any other
// method closes it. Writers should not be used concurrently.
type Writer struct {
	spec  Spec
	codec codec.Codec
	scope *metrics.Scope

	out  *countingWriter
	dest *checksum.Writer
	comp io.WriteCloser
	buf  *AppendBuffer

	state    writerState
	valueLen int

	rawStart, realStart uint64
	partRecords         int64
	records             int64
	index               []IndexEntry

	err error
}

// NewWriter returns a Writer that encodes records into w according
// to spec. NewWriter returns an error if the spec names an invalid
// key, value, or checksum type, or an unregistered codec.
func NewWriter(w io.Writer, spec Spec, opts ...Option) (*Writer, error) {
	c, err := spec.validate()
	if err != nil {
		return nil, err
	}
	o := makeOptions(opts)
	wr := &Writer{
		spec:  spec,
		codec: c,
		scope: o.scope,
		out:   &countingWriter{w: w},
	}
	wr.dest = checksum.NewWriter(wr.out, spec.Checksum)
	wr.buf = NewAppendBuffer(wr.dest, o.bufferSize)
	return wr, nil
}

// Spec returns the writer's format.
func (w *Writer) Spec() Spec { return w.spec }

// fail records err and releases the partition's compressor, if any.
func (w *Writer) fail(err *Error) error {
	w.err = err
	if w.comp != nil {
		_ = w.comp.Close()
		w.comp = nil
	}
	return err
}

func (w *Writer) check(op string, want writerState) error {
	if w.err != nil {
		return w.err
	}
	if w.state != want {
		return w.fail(errorf(Protocol, op, "%s", w.state))
	}
	return nil
}

// StartPartition begins a new partition.
func (w *Writer) StartPartition() error {
	const op = "startPartition"
	if err := w.check(op, writerIdle); err != nil {
		return err
	}
	w.rawStart = w.buf.Count()
	w.realStart = w.out.n
	w.partRecords = 0
	w.dest.Reset()
	if w.codec != nil {
		comp, err := w.codec.NewWriter(w.dest)
		if err != nil {
			return w.fail(newError(Other, op, err))
		}
		w.comp = comp
		w.buf.Reset(comp)
	} else {
		w.buf.Reset(w.dest)
	}
	w.state = writerKey
	return nil
}

// WriteKey writes the header of a record whose value has length
// valueLen, followed by the key. It must be followed by exactly one
// call to WriteValue with a value of that length.
func (w *Writer) WriteKey(key []byte, valueLen int) error {
	const op = "writeKey"
	if err := w.check(op, writerKey); err != nil {
		return err
	}
	if valueLen < 0 {
		return w.fail(errorf(Protocol, op, "negative value length %d", valueLen))
	}
	t1 := int64(w.spec.Key.headerLen(len(key)) + len(key))
	t2 := int64(w.spec.Value.headerLen(valueLen) + valueLen)
	if t1+t2 > maxRecordLen {
		return w.fail(errorf(Protocol, op, "record of %d bytes exceeds maximum record size", t1+t2))
	}
	if err := w.buf.WriteVLong2(t1, t2); err != nil {
		return w.fail(newError(Other, op, err))
	}
	if err := w.spec.Key.writeHeader(w.buf, len(key)); err != nil {
		return w.fail(newError(Other, op, err))
	}
	if _, err := w.buf.Write(key); err != nil {
		return w.fail(newError(Other, op, err))
	}
	w.valueLen = valueLen
	w.state = writerValue
	return nil
}

// WriteValue writes the value of the record whose key was written by
// the preceding call to WriteKey.
func (w *Writer) WriteValue(value []byte) error {
	const op = "writeValue"
	if err := w.check(op, writerValue); err != nil {
		return err
	}
	if len(value) != w.valueLen {
		return w.fail(errorf(Protocol, op, "value of %d bytes, but %d bytes were declared", len(value), w.valueLen))
	}
	if err := w.spec.Value.writeHeader(w.buf, len(value)); err != nil {
		return w.fail(newError(Other, op, err))
	}
	if _, err := w.buf.Write(value); err != nil {
		return w.fail(newError(Other, op, err))
	}
	w.partRecords++
	w.records++
	RecordsWritten.Incr(w.scope, 1)
	w.state = writerKey
	return nil
}

// Write writes a record to the current partition.
func (w *Writer) Write(key, value []byte) error {
	if err := w.WriteKey(key, len(value)); err != nil {
		return err
	}
	return w.WriteValue(value)
}

// Collect implements Collector by writing the record to the current
// partition.
func (w *Writer) Collect(key, value []byte) error {
	return w.Write(key, value)
}

// EndPartition terminates the current partition: it writes the
// partition sentinel, completes the partition's compressed stream,
// writes the checksum trailer, and records the partition's index
// entry.
func (w *Writer) EndPartition() error {
	const op = "endPartition"
	if err := w.check(op, writerKey); err != nil {
		return err
	}
	if err := w.buf.WriteVLong2(-1, -1); err != nil {
		return w.fail(newError(Other, op, err))
	}
	if err := w.buf.Flush(); err != nil {
		return w.fail(newError(Other, op, err))
	}
	if w.comp != nil {
		err := w.comp.Close()
		w.comp = nil
		if err != nil {
			return w.fail(newError(Other, op, err))
		}
	}
	if _, err := w.dest.WriteTrailer(); err != nil {
		return w.fail(newError(Other, op, err))
	}
	entry := IndexEntry{
		RawOffset:        w.rawStart,
		RawLength:        w.buf.Count() - w.rawStart,
		CompressedOffset: w.realStart,
		CompressedLength: w.out.n - w.realStart,
	}
	w.index = append(w.index, entry)
	PartitionsWritten.Incr(w.scope, 1)
	RawBytesWritten.Incr(w.scope, int64(entry.RawLength))
	StreamBytesWritten.Incr(w.scope, int64(entry.CompressedLength))
	log.Debug.Printf("ifile: wrote partition %d: %d records, %d raw bytes, %d stream bytes",
		len(w.index)-1, w.partRecords, entry.RawLength, entry.CompressedLength)
	w.state = writerIdle
	return nil
}

// Finish finalizes the writer. Any subsequent write is a protocol
// violation. Finish fails if a partition is open. Finish does not
// close the underlying stream.
func (w *Writer) Finish() error {
	if w.err == nil && w.state == writerFinished {
		return nil
	}
	if err := w.check("finish", writerIdle); err != nil {
		return err
	}
	w.state = writerFinished
	return nil
}

// Index returns the index entries of the partitions completed so
// far. Each entry's CompressedOffset is shifted by startOffset, the
// position in the eventual file at which this writer's stream
// begins. Raw offsets remain relative to this writer's output.
func (w *Writer) Index(startOffset uint64) *IndexRange {
	entries := make([]IndexEntry, len(w.index))
	copy(entries, w.index)
	for i := range entries {
		entries[i].CompressedOffset += startOffset
	}
	return &IndexRange{Entries: entries}
}

// Statistics returns the cumulative raw (uncompressed) and stream
// (compressed, including checksum trailers) byte counts of the
// partitions completed so far.
func (w *Writer) Statistics() (offset, realOffset uint64) {
	if len(w.index) == 0 {
		return 0, 0
	}
	last := w.index[len(w.index)-1]
	return last.RawOffset + last.RawLength, last.CompressedOffset + last.CompressedLength
}

// Records returns the number of records written.
func (w *Writer) Records() int64 {
	return w.records
}
