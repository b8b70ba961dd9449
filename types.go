// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/ifile/checksum"
	"github.com/grailbio/ifile/codec"
	"github.com/grailbio/ifile/writable"
)

// KeyValueType determines how a key or value region is framed.
// The zero KeyValueType is invalid.
type KeyValueType int

const (
	// Text regions begin with a VInt length.
	Text KeyValueType = iota + 1
	// FixedBytes regions begin with a 4-byte big-endian length.
	FixedBytes
	// Raw regions carry no header; their length is given by the
	// record header.
	Raw
)

// String returns the type's name.
func (t KeyValueType) String() string {
	switch t {
	case Text:
		return "text"
	case FixedBytes:
		return "bytes"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("KeyValueType(%d)", int(t))
	}
}

// ParseKeyValueType returns the KeyValueType named by s, as
// returned by KeyValueType.String.
func ParseKeyValueType(s string) (KeyValueType, error) {
	switch strings.ToLower(s) {
	case "text":
		return Text, nil
	case "bytes", "fixedbytes":
		return FixedBytes, nil
	case "raw":
		return Raw, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown key/value type %q", s))
}

// TypeForClass returns the KeyValueType used to frame instances of
// the named Hadoop Writable class. Text is framed by its VInt
// length, BytesWritable by its 4-byte length; every other class is
// treated as Raw.
func TypeForClass(class string) KeyValueType {
	switch class {
	case "org.apache.hadoop.io.Text":
		return Text
	case "org.apache.hadoop.io.BytesWritable":
		return FixedBytes
	default:
		return Raw
	}
}

// Valid tells whether t is one of Text, FixedBytes, or Raw.
func (t KeyValueType) Valid() bool {
	switch t {
	case Text, FixedBytes, Raw:
		return true
	default:
		return false
	}
}

// headerLen returns the size of the region header that frames a
// payload of n bytes.
func (t KeyValueType) headerLen(n int) int {
	switch t {
	case Text:
		return writable.Size(int64(n))
	case FixedBytes:
		return writable.Uint32Len
	case Raw:
		return 0
	default:
		panic(fmt.Sprintf("ifile: invalid %v", t))
	}
}

// writeHeader appends the region header for a payload of n bytes.
func (t KeyValueType) writeHeader(b *AppendBuffer, n int) error {
	switch t {
	case Text:
		return b.WriteVLong(int64(n))
	case FixedBytes:
		return b.WriteUint32(uint32(n))
	case Raw:
		return nil
	default:
		panic(fmt.Sprintf("ifile: invalid %v", t))
	}
}

// parseRegion splits a region into its header length and payload
// length. The header and payload must span the region exactly.
func (t KeyValueType) parseRegion(region []byte) (hdr, n int, err error) {
	switch t {
	case Text:
		var v int32
		v, hdr, err = writable.VInt(region)
		if err != nil {
			return 0, 0, err
		}
		if v < 0 {
			return 0, 0, fmt.Errorf("negative text length %d", v)
		}
		n = int(v)
	case FixedBytes:
		var v uint32
		v, err = writable.Uint32(region)
		if err != nil {
			return 0, 0, err
		}
		hdr, n = writable.Uint32Len, int(v)
	case Raw:
		hdr, n = 0, len(region)
	default:
		panic(fmt.Sprintf("ifile: invalid %v", t))
	}
	if hdr+n != len(region) {
		return 0, 0, fmt.Errorf("%v region: header (%d bytes) and payload (%d bytes) do not add up to region length %d", t, hdr, n, len(region))
	}
	return hdr, n, nil
}

// Spec describes the format of an IFile stream: the parameters
// shared by its writer and its readers.
type Spec struct {
	// Checksum is the digest computed over each partition.
	Checksum checksum.Type
	// Key and Value determine how keys and values are framed.
	Key, Value KeyValueType
	// Codec names the compression codec applied to each partition.
	// The empty string means no compression.
	Codec string
}

// String returns a compact description of the spec.
func (s Spec) String() string {
	name := s.Codec
	if name == "" {
		name = "none"
	}
	return fmt.Sprintf("checksum=%s key=%s value=%s codec=%s", s.Checksum, s.Key, s.Value, name)
}

// validate checks the spec and resolves its codec.
func (s Spec) validate() (codec.Codec, error) {
	const op = "spec"
	if !s.Checksum.Valid() {
		return nil, errorf(Format, op, "invalid checksum type %v", s.Checksum)
	}
	if !s.Key.Valid() {
		return nil, errorf(Format, op, "invalid key type %v", s.Key)
	}
	if !s.Value.Valid() {
		return nil, errorf(Format, op, "invalid value type %v", s.Value)
	}
	c, err := codec.Lookup(s.Codec)
	if err != nil {
		return nil, newError(Format, op, err)
	}
	return c, nil
}
