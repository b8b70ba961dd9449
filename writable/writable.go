// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package writable implements the length encodings used to frame
// IFile records: Hadoop's zero-compressed variable-length integers
// (VInt and VLong), and the fixed-width big-endian uint32 used by
// BytesWritable headers.
//
// A VLong is encoded as follows. Values in [-112, 127] occupy a
// single byte holding the value itself. Otherwise the first byte
// encodes both the sign and the number of value bytes that follow:
// -113 to -120 denote 1 to 8 bytes of a positive value; -121 to -128
// denote 1 to 8 bytes of a negative value, stored as its one's
// complement. Value bytes follow in big-endian order. The
// end-of-partition sentinel -1 is therefore the single byte 0xff.
package writable

import (
	"encoding/binary"
	"errors"
	"math"
)

// MaxVLongLen is the maximum number of bytes occupied by an encoded
// VLong.
const MaxVLongLen = 9

// Uint32Len is the size of a fixed-width length header.
const Uint32Len = 4

var (
	// ErrShort is returned when a buffer is too short to hold the
	// encoded integer.
	ErrShort = errors.New("writable: short buffer")
	// ErrOverflow is returned when a VLong decodes to a value that
	// does not fit the requested width.
	ErrOverflow = errors.New("writable: value overflows")
)

// DecodeSize returns the total encoded length (including the
// first byte) of a VLong whose first byte is b.
func DecodeSize(b byte) int {
	v := int8(b)
	switch {
	case v >= -112:
		return 1
	case v < -120:
		return int(-119 - int(v))
	default:
		return int(-111 - int(v))
	}
}

func isNegative(b byte) bool {
	v := int8(b)
	return v < -120 || (v >= -112 && v < 0)
}

// Size returns the number of bytes needed to encode v.
func Size(v int64) int {
	if v >= -112 && v <= 127 {
		return 1
	}
	if v < 0 {
		v ^= -1
	}
	n := 1
	for v != 0 {
		v >>= 8
		n++
	}
	return n
}

// PutVLong encodes v into p, which must have room for Size(v)
// bytes, and returns the number of bytes written.
func PutVLong(p []byte, v int64) int {
	if v >= -112 && v <= 127 {
		p[0] = byte(v)
		return 1
	}
	lead := -112
	if v < 0 {
		v ^= -1
		lead = -120
	}
	for tmp := v; tmp != 0; tmp >>= 8 {
		lead--
	}
	p[0] = byte(int8(lead))
	var n int
	if lead < -120 {
		n = -(lead + 120)
	} else {
		n = -(lead + 112)
	}
	for i := n; i > 0; i-- {
		p[1+n-i] = byte(v >> (uint(i-1) * 8))
	}
	return n + 1
}

// AppendVLong appends the encoding of v to p.
func AppendVLong(p []byte, v int64) []byte {
	var b [MaxVLongLen]byte
	n := PutVLong(b[:], v)
	return append(p, b[:n]...)
}

// VLong decodes a VLong from the beginning of p. It returns the
// value and the number of bytes consumed, or ErrShort if p does not
// hold the complete encoding.
func VLong(p []byte) (int64, int, error) {
	if len(p) == 0 {
		return 0, 0, ErrShort
	}
	n := DecodeSize(p[0])
	if n == 1 {
		return int64(int8(p[0])), 1, nil
	}
	if len(p) < n {
		return 0, 0, ErrShort
	}
	var v int64
	for _, b := range p[1:n] {
		v = v<<8 | int64(b)
	}
	if isNegative(p[0]) {
		v ^= -1
	}
	return v, n, nil
}

// VInt decodes a VLong from p and requires it to fit in an int32.
func VInt(p []byte) (int32, int, error) {
	v, n, err := VLong(p)
	if err != nil {
		return 0, 0, err
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, 0, ErrOverflow
	}
	return int32(v), n, nil
}

// PutUint32 stores v into p[:4] in big-endian order.
func PutUint32(p []byte, v uint32) {
	binary.BigEndian.PutUint32(p, v)
}

// Uint32 decodes a big-endian uint32 from p[:4].
func Uint32(p []byte) (uint32, error) {
	if len(p) < Uint32Len {
		return 0, ErrShort
	}
	return binary.BigEndian.Uint32(p), nil
}
