// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
)

// IndexEntry locates one partition in an IFile stream.
type IndexEntry struct {
	// RawOffset is the offset of the partition's uncompressed record
	// bytes, counted over all partitions of the writer.
	RawOffset uint64
	// RawLength is the length of the partition's uncompressed record
	// bytes, sentinel included.
	RawLength uint64
	// CompressedOffset is the offset of the partition in the stream.
	CompressedOffset uint64
	// CompressedLength is the length of the partition in the stream,
	// including its checksum trailer.
	CompressedLength uint64
}

func (e IndexEntry) String() string {
	return fmt.Sprintf("raw[%d:+%d] stream[%d:+%d]", e.RawOffset, e.RawLength, e.CompressedOffset, e.CompressedLength)
}

// IndexRange is an ordered list of partition locations. Writers
// produce IndexRanges; readers consume them.
type IndexRange struct {
	Entries []IndexEntry
}

// Len returns the number of partitions in the range.
func (x *IndexRange) Len() int {
	return len(x.Entries)
}

// Append appends the entries of y to x. Append is used to describe
// concatenated writer outputs, each indexed with its start offset.
func (x *IndexRange) Append(y *IndexRange) {
	x.Entries = append(x.Entries, y.Entries...)
}

// indexRecordLen is the size of an encoded index entry.
const indexRecordLen = 3 * 8

// WriteTo writes the index in the layout of a Hadoop spill index
// file: for each partition, its stream offset, raw length, and
// stream length as big-endian int64s, followed by a big-endian CRC32
// (IEEE) of the preceding bytes, stored in 8 bytes.
func (x *IndexRange) WriteTo(w io.Writer) (int64, error) {
	p := make([]byte, len(x.Entries)*indexRecordLen+8)
	for i, e := range x.Entries {
		b := p[i*indexRecordLen:]
		binary.BigEndian.PutUint64(b, e.CompressedOffset)
		binary.BigEndian.PutUint64(b[8:], e.RawLength)
		binary.BigEndian.PutUint64(b[16:], e.CompressedLength)
	}
	n := len(x.Entries) * indexRecordLen
	binary.BigEndian.PutUint64(p[n:], uint64(crc32.ChecksumIEEE(p[:n])))
	m, err := w.Write(p)
	return int64(m), err
}

// ReadIndexRange decodes an index written by IndexRange.WriteTo. Raw
// offsets, which the index file does not store, are recomputed as
// the running sum of raw lengths.
func ReadIndexRange(r io.Reader) (*IndexRange, error) {
	const op = "readIndex"
	p, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, newError(Other, op, err)
	}
	if len(p) < 8 || (len(p)-8)%indexRecordLen != 0 {
		return nil, errorf(Format, op, "index of %d bytes is not a whole number of entries", len(p))
	}
	n := len(p) - 8
	if want, got := binary.BigEndian.Uint64(p[n:]), uint64(crc32.ChecksumIEEE(p[:n])); want != got {
		return nil, errorf(Checksum, op, "computed index checksum %x but expected %x", got, want)
	}
	x := &IndexRange{Entries: make([]IndexEntry, n/indexRecordLen)}
	var raw uint64
	for i := range x.Entries {
		b := p[i*indexRecordLen:]
		e := &x.Entries[i]
		e.CompressedOffset = binary.BigEndian.Uint64(b)
		e.RawLength = binary.BigEndian.Uint64(b[8:])
		e.CompressedLength = binary.BigEndian.Uint64(b[16:])
		e.RawOffset = raw
		raw += e.RawLength
	}
	return x, nil
}
