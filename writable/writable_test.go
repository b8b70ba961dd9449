// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package writable

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
)

func TestVLongEncoding(t *testing.T) {
	for _, c := range []struct {
		v   int64
		enc []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0xff}},
		{127, []byte{0x7f}},
		{-112, []byte{0x90}},
		{128, []byte{0x8f, 0x80}},
		{255, []byte{0x8f, 0xff}},
		{256, []byte{0x8e, 0x01, 0x00}},
		{16384, []byte{0x8e, 0x40, 0x00}},
		{-113, []byte{0x87, 0x70}},
		{300000, []byte{0x8d, 0x04, 0x93, 0xe0}},
	} {
		got := AppendVLong(nil, c.v)
		if !bytes.Equal(got, c.enc) {
			t.Errorf("encode %d: got %x, want %x", c.v, got, c.enc)
		}
		if got, want := Size(c.v), len(c.enc); got != want {
			t.Errorf("size %d: got %v, want %v", c.v, got, want)
		}
		if got, want := DecodeSize(c.enc[0]), len(c.enc); got != want {
			t.Errorf("decode size %d: got %v, want %v", c.v, got, want)
		}
		v, n, err := VLong(c.enc)
		if err != nil {
			t.Fatal(err)
		}
		if v != c.v || n != len(c.enc) {
			t.Errorf("decode %x: got %d (%d bytes), want %d (%d bytes)", c.enc, v, n, c.v, len(c.enc))
		}
	}
}

func TestVLongRoundTrip(t *testing.T) {
	values := []int64{math.MinInt64, math.MaxInt64, math.MinInt32, math.MaxInt32, -1, 0, 1}
	r := rand.New(rand.NewSource(0))
	for i := 0; i < 1000; i++ {
		values = append(values, r.Int63()>>uint(r.Intn(63)), -r.Int63()>>uint(r.Intn(63)))
	}
	var buf [MaxVLongLen]byte
	for _, v := range values {
		n := PutVLong(buf[:], v)
		if n != Size(v) {
			t.Fatalf("%d: wrote %d bytes, Size says %d", v, n, Size(v))
		}
		got, m, err := VLong(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if got != v || m != n {
			t.Errorf("got %d (%d bytes), want %d (%d bytes)", got, m, v, n)
		}
	}
}

func TestVLongShort(t *testing.T) {
	if _, _, err := VLong(nil); err != ErrShort {
		t.Errorf("got %v, want %v", err, ErrShort)
	}
	enc := AppendVLong(nil, 1<<40)
	if _, _, err := VLong(enc[:len(enc)-1]); err != ErrShort {
		t.Errorf("got %v, want %v", err, ErrShort)
	}
}

func TestVIntOverflow(t *testing.T) {
	enc := AppendVLong(nil, math.MaxInt32+1)
	if _, _, err := VInt(enc); err != ErrOverflow {
		t.Errorf("got %v, want %v", err, ErrOverflow)
	}
	enc = AppendVLong(nil, math.MaxInt32)
	v, _, err := VInt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, int32(math.MaxInt32); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUint32BigEndian(t *testing.T) {
	var p [Uint32Len]byte
	PutUint32(p[:], 300000)
	if got, want := p[:], []byte{0x00, 0x04, 0x93, 0xe0}; !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
	v, err := Uint32(p[:])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, uint32(300000); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := Uint32(p[:3]); err != ErrShort {
		t.Errorf("got %v, want %v", err, ErrShort)
	}
}
