// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"runtime"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/ifile/checksum"
	"github.com/grailbio/ifile/codec"
	"github.com/grailbio/ifile/metrics"
	"github.com/grailbio/ifile/writable"
)

type record struct {
	key, value []byte
}

var (
	allTypes     = []KeyValueType{Text, FixedBytes, Raw}
	allChecksums = []checksum.Type{checksum.None, checksum.CRC32, checksum.CRC32C}
)

func allCodecs() []string {
	return append([]string{""}, codec.Names()...)
}

// fuzzPartitions returns nparts partitions of up to nrec records
// each. Partition 1, if present, is always empty.
func fuzzPartitions(seed int64, nparts, nrec int) [][]record {
	fz := fuzz.NewWithSeed(seed)
	fz.NilChance(0)
	fz.NumElements(0, 64)
	parts := make([][]record, nparts)
	for i := range parts {
		if i == 1 {
			continue
		}
		var n int
		fz.Fuzz(&n)
		if n < 0 {
			n = -n
		}
		n %= nrec + 1
		for j := 0; j < n; j++ {
			var r record
			fz.Fuzz(&r.key)
			fz.Fuzz(&r.value)
			parts[i] = append(parts[i], r)
		}
	}
	return parts
}

func writeParts(t *testing.T, w io.Writer, spec Spec, parts [][]record, opts ...Option) *Writer {
	t.Helper()
	wr, err := NewWriter(w, spec, opts...)
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range parts {
		if err := wr.StartPartition(); err != nil {
			t.Fatal(err)
		}
		for _, r := range part {
			if err := wr.Write(r.key, r.value); err != nil {
				t.Fatal(err)
			}
		}
		if err := wr.EndPartition(); err != nil {
			t.Fatal(err)
		}
	}
	if err := wr.Finish(); err != nil {
		t.Fatal(err)
	}
	return wr
}

func readParts(t *testing.T, r io.Reader, spec Spec, index *IndexRange, opts ...Option) [][]record {
	t.Helper()
	rd, err := NewReader(r, spec, index, opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	var parts [][]record
	for {
		ok, err := rd.NextPartition()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		part := []record{}
		for {
			key, ok, err := rd.NextKey()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			value, err := rd.Value()
			if err != nil {
				t.Fatal(err)
			}
			if got, want := rd.ValueLen(), value.Len(); got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
			part = append(part, record{key.Copy(), value.Copy()})
		}
		parts = append(parts, part)
	}
	return parts
}

func checkParts(t *testing.T, got, want [][]record) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v partitions, want %v", len(got), len(want))
	}
	for i := range got {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("partition %d: got %v records, want %v", i, len(got[i]), len(want[i]))
		}
		for j := range got[i] {
			g, w := got[i][j], want[i][j]
			if !bytes.Equal(g.key, w.key) {
				t.Fatalf("partition %d record %d: got key %x, want %x", i, j, g.key, w.key)
			}
			if !bytes.Equal(g.value, w.value) {
				t.Fatalf("partition %d record %d: got value %x, want %x", i, j, g.value, w.value)
			}
		}
	}
}

func TestRoundTrip(t *testing.T) {
	parts := fuzzPartitions(1, 4, 50)
	for _, kt := range allTypes {
		for _, vt := range allTypes {
			for _, c := range allCodecs() {
				for _, sum := range allChecksums {
					spec := Spec{Checksum: sum, Key: kt, Value: vt, Codec: c}
					t.Run(spec.String(), func(t *testing.T) {
						var b bytes.Buffer
						w := writeParts(t, &b, spec, parts, BufferSize(64))
						got := readParts(t, bytes.NewReader(b.Bytes()), spec, w.Index(0), BufferSize(16))
						checkParts(t, got, parts)
					})
				}
			}
		}
	}
}

func TestLargeRecords(t *testing.T) {
	fz := fuzz.NewWithSeed(2)
	fz.NilChance(0)
	fz.NumElements(100000, 200000)
	var parts [][]record
	for i := 0; i < 2; i++ {
		var r record
		fz.Fuzz(&r.key)
		fz.Fuzz(&r.value)
		parts = append(parts, []record{r, {key: r.value, value: r.key}})
	}
	for _, c := range allCodecs() {
		spec := Spec{Checksum: checksum.CRC32C, Key: Text, Value: FixedBytes, Codec: c}
		var b bytes.Buffer
		w := writeParts(t, &b, spec, parts, BufferSize(1<<10))
		got := readParts(t, bytes.NewReader(b.Bytes()), spec, w.Index(0), BufferSize(1<<10))
		checkParts(t, got, parts)
	}
}

func TestInvalidSpec(t *testing.T) {
	for _, spec := range []Spec{
		{Key: 0, Value: Raw},
		{Key: Raw, Value: 0},
		{Key: Raw, Value: KeyValueType(7)},
		{Key: Raw, Value: Raw, Checksum: checksum.Type(9)},
		{Key: Raw, Value: Raw, Codec: "org.example.NoSuchCodec"},
	} {
		if _, err := NewWriter(new(bytes.Buffer), spec); !Is(Format, err) {
			t.Errorf("%v: got %v, want format error", spec, err)
		}
		if _, err := NewReader(new(bytes.Reader), spec, nil); !Is(Format, err) {
			t.Errorf("%v: got %v, want format error", spec, err)
		}
	}
}

func TestSentinel(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32, Key: Text, Value: Text}
	parts := [][]record{
		{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}},
		{{[]byte("c"), []byte("3")}},
	}
	var b bytes.Buffer
	w := writeParts(t, &b, spec, parts)
	r, err := NewReader(bytes.NewReader(b.Bytes()), spec, w.Index(0))
	if err != nil {
		t.Fatal(err)
	}
	for i, part := range parts {
		ok, err := r.NextPartition()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("partition %d: no partition", i)
		}
		if got, want := r.Partition(), i; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		for range part {
			if _, ok, err := r.NextKey(); err != nil || !ok {
				t.Fatalf("got %v, %v, want true, nil", ok, err)
			}
		}
		if _, ok, err := r.NextKey(); err != nil || ok {
			t.Fatalf("got %v, %v, want false, nil", ok, err)
		}
		if got, want := r.ValueLen(), 0; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	for i := 0; i < 2; i++ {
		ok, err := r.NextPartition()
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("expected end of segment")
		}
	}
	if got, want := r.Records(), int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Fetching past the sentinel is a protocol violation.
	r, err = NewReader(bytes.NewReader(b.Bytes()), spec, w.Index(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	for {
		_, ok, err := r.NextKey()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
	}
	if _, _, err := r.NextKey(); !Is(Protocol, err) {
		t.Fatalf("got %v, want protocol violation", err)
	}
}

func TestEmptyPartition(t *testing.T) {
	for _, c := range allCodecs() {
		spec := Spec{Checksum: checksum.CRC32, Key: Raw, Value: Raw, Codec: c}
		var b bytes.Buffer
		w := writeParts(t, &b, spec, [][]record{{}})
		index := w.Index(0)
		if got, want := index.Len(), 1; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := index.Entries[0].RawLength, uint64(2); got != want {
			t.Errorf("%s: got %v, want %v", c, got, want)
		}
		if c == "" && !bytes.Equal(b.Bytes()[:2], []byte{0xff, 0xff}) {
			t.Errorf("got %x, want ffff", b.Bytes()[:2])
		}
		r, err := NewReader(bytes.NewReader(b.Bytes()), spec, index)
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := r.NextPartition(); err != nil || !ok {
			t.Fatalf("got %v, %v, want true, nil", ok, err)
		}
		if _, ok, err := r.NextKey(); err != nil || ok {
			t.Fatalf("got %v, %v, want false, nil", ok, err)
		}
		if ok, err := r.NextPartition(); err != nil || ok {
			t.Fatalf("got %v, %v, want false, nil", ok, err)
		}
	}
}

func TestFixedBytesEndianness(t *testing.T) {
	const n = 300000
	spec := Spec{Checksum: checksum.None, Key: FixedBytes, Value: Raw}
	key := bytes.Repeat([]byte{'k'}, n)
	var b bytes.Buffer
	w := writeParts(t, &b, spec, [][]record{{{key, nil}}})
	p := b.Bytes()
	t1, m, err := writable.VLong(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := t1, int64(n+4); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	t2, m2, err := writable.VLong(p[m:])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := t2, int64(0); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	hdr := p[m+m2 : m+m2+4]
	if got, want := hdr, []byte{0x00, 0x04, 0x93, 0xe0}; !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
	got := readParts(t, bytes.NewReader(p), spec, w.Index(0))
	if got, want := len(got[0][0].key), n; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTextBoundaries(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32C, Key: Text, Value: Text}
	for _, c := range []struct {
		n, hdr int
	}{
		{0, 1}, {127, 1}, {128, 2}, {16384, 3},
	} {
		key := bytes.Repeat([]byte{'x'}, c.n)
		var b bytes.Buffer
		w := writeParts(t, &b, spec, [][]record{{{key, key}}})
		p := b.Bytes()
		t1, m, err := writable.VLong(p)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := t1, int64(c.hdr+c.n); got != want {
			t.Errorf("%d: got %v, want %v", c.n, got, want)
		}
		_, m2, err := writable.VLong(p[m:])
		if err != nil {
			t.Fatal(err)
		}
		n, hdr, err := writable.VInt(p[m+m2:])
		if err != nil {
			t.Fatal(err)
		}
		if got, want := int(n), c.n; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := hdr, c.hdr; got != want {
			t.Errorf("%d: got %v, want %v", c.n, got, want)
		}
		got := readParts(t, bytes.NewReader(p), spec, w.Index(0))
		checkParts(t, got, [][]record{{{key, key}}})
	}
}

func TestBorrowWindow(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32, Key: Raw, Value: Raw}
	var b bytes.Buffer
	w := writeParts(t, &b, spec, [][]record{{
		{[]byte("k1"), []byte("v1")},
		{[]byte("k2"), []byte("v2")},
	}})
	r, err := NewReader(bytes.NewReader(b.Bytes()), spec, w.Index(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	key, _, err := r.NextKey()
	if err != nil {
		t.Fatal(err)
	}
	value, err := r.Value()
	if err != nil {
		t.Fatal(err)
	}
	saved := value.Copy()
	if _, _, err := r.NextKey(); err != nil {
		t.Fatal(err)
	}
	if got, want := string(saved), "v1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if key.Valid() || value.Valid() {
		t.Fatal("spans valid after NextKey")
	}
	for _, span := range []Span{key, value} {
		func() {
			defer func() {
				e := recover()
				err, ok := e.(error)
				if !ok || !Is(Protocol, err) {
					t.Errorf("got %v, want protocol violation", e)
				}
			}()
			span.Bytes()
		}()
	}
	if got, want := len(Span{}.Bytes()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIndexAccuracy(t *testing.T) {
	parts := fuzzPartitions(3, 6, 20)
	for _, c := range allCodecs() {
		spec := Spec{Checksum: checksum.CRC32, Key: Text, Value: Raw, Codec: c}
		var b bytes.Buffer
		w := writeParts(t, &b, spec, parts)
		index := w.Index(0)
		if got, want := index.Len(), len(parts); got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		var raw, stream uint64
		for i, e := range index.Entries {
			if e.RawOffset != raw || e.CompressedOffset != stream {
				t.Fatalf("entry %d: got %v, want offsets %d, %d", i, e, raw, stream)
			}
			raw += e.RawLength
			stream += e.CompressedLength
		}
		if got, want := stream, uint64(b.Len()); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		offset, realOffset := w.Statistics()
		if offset != raw || realOffset != stream {
			t.Errorf("got %v, %v, want %v, %v", offset, realOffset, raw, stream)
		}
		if c == "" {
			var n uint64
			for _, part := range parts {
				for _, r := range part {
					klen := writable.Size(int64(len(r.key))) + len(r.key)
					vlen := len(r.value)
					n += uint64(writable.Size(int64(klen)) + writable.Size(int64(vlen)) + klen + vlen)
				}
				n += 2
			}
			if got, want := raw, n; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
		// Each partition can be read from its own section.
		for i, e := range index.Entries {
			section := io.NewSectionReader(bytes.NewReader(b.Bytes()), int64(e.CompressedOffset), int64(e.CompressedLength))
			e.CompressedOffset = 0
			got := readParts(t, section, spec, &IndexRange{Entries: []IndexEntry{e}})
			checkParts(t, got, parts[i:i+1])
		}
	}
}

// streamReader hides the io.Seeker implementation of its reader.
type streamReader struct {
	io.Reader
}

func TestStreamSkip(t *testing.T) {
	parts := fuzzPartitions(4, 5, 20)
	spec := Spec{Checksum: checksum.CRC32C, Key: Raw, Value: Text, Codec: codec.Snappy}
	var b bytes.Buffer
	w := writeParts(t, &b, spec, parts)
	index := w.Index(0)
	sub := &IndexRange{Entries: []IndexEntry{index.Entries[0], index.Entries[2], index.Entries[4]}}
	got := readParts(t, streamReader{bytes.NewReader(b.Bytes())}, spec, sub)
	checkParts(t, got, [][]record{parts[0], parts[2], parts[4]})

	// Streams start at the first entry.
	start := index.Entries[2].CompressedOffset
	got = readParts(t, streamReader{bytes.NewReader(b.Bytes()[start:])}, spec,
		&IndexRange{Entries: index.Entries[2:]})
	checkParts(t, got, parts[2:])

	// Streams cannot rewind.
	back := &IndexRange{Entries: []IndexEntry{index.Entries[2], index.Entries[0]}}
	r, err := NewReader(streamReader{bytes.NewReader(b.Bytes()[start:])}, spec, back)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	if _, err := CopyPartition(CollectorFunc(func(k, v []byte) error { return nil }), r); err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); !Is(Format, err) {
		t.Fatalf("got %v, want format error", err)
	}
}

func TestConcatenated(t *testing.T) {
	var (
		parts1 = fuzzPartitions(5, 3, 10)
		parts2 = fuzzPartitions(6, 2, 10)
		spec   = Spec{Checksum: checksum.CRC32, Key: FixedBytes, Value: FixedBytes, Codec: codec.Gzip}
		b      bytes.Buffer
	)
	w1 := writeParts(t, &b, spec, parts1)
	_, start := w1.Statistics()
	if got, want := start, uint64(b.Len()); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	w2 := writeParts(t, &b, spec, parts2)
	index := w1.Index(0)
	index.Append(w2.Index(start))
	if got, want := index.Entries[3].CompressedOffset, start; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	got := readParts(t, bytes.NewReader(b.Bytes()), spec, index)
	checkParts(t, got, append(parts1, parts2...))
}

func TestWriterProtocol(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32, Key: Text, Value: Text}
	for _, c := range []struct {
		name string
		fn   func(w *Writer) error
	}{
		{"key without partition", func(w *Writer) error {
			return w.WriteKey([]byte("k"), 1)
		}},
		{"end without partition", func(w *Writer) error {
			return w.EndPartition()
		}},
		{"value without key", func(w *Writer) error {
			if err := w.StartPartition(); err != nil {
				return err
			}
			return w.WriteValue([]byte("v"))
		}},
		{"value length mismatch", func(w *Writer) error {
			if err := w.StartPartition(); err != nil {
				return err
			}
			if err := w.WriteKey([]byte("k"), 2); err != nil {
				return err
			}
			return w.WriteValue([]byte("v"))
		}},
		{"key instead of value", func(w *Writer) error {
			if err := w.StartPartition(); err != nil {
				return err
			}
			if err := w.WriteKey([]byte("k"), 1); err != nil {
				return err
			}
			return w.WriteKey([]byte("k"), 1)
		}},
		{"negative value length", func(w *Writer) error {
			if err := w.StartPartition(); err != nil {
				return err
			}
			return w.WriteKey([]byte("k"), -1)
		}},
		{"nested partition", func(w *Writer) error {
			if err := w.StartPartition(); err != nil {
				return err
			}
			return w.StartPartition()
		}},
		{"finish with open partition", func(w *Writer) error {
			if err := w.StartPartition(); err != nil {
				return err
			}
			return w.Finish()
		}},
		{"write after finish", func(w *Writer) error {
			if err := w.Finish(); err != nil {
				return err
			}
			return w.StartPartition()
		}},
	} {
		w, err := NewWriter(new(bytes.Buffer), spec)
		if err != nil {
			t.Fatal(err)
		}
		err = c.fn(w)
		if !Is(Protocol, err) {
			t.Errorf("%s: got %v, want protocol violation", c.name, err)
			continue
		}
		// Errors are sticky.
		if got, want := w.Finish(), err; got != want {
			t.Errorf("%s: got %v, want %v", c.name, got, want)
		}
	}

	w, err := NewWriter(new(bytes.Buffer), spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Errorf("second finish: %v", err)
	}
}

type errWriter struct{ err error }

func (w errWriter) Write(p []byte) (int, error) { return 0, w.err }

func TestWriterIOError(t *testing.T) {
	failure := fmt.Errorf("disk on fire")
	w, err := NewWriter(errWriter{failure}, Spec{Checksum: checksum.CRC32, Key: Raw, Value: Raw}, BufferSize(4))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.StartPartition(); err != nil {
		t.Fatal(err)
	}
	err = w.Write([]byte("a long key"), []byte("a long value"))
	if err == nil {
		err = w.EndPartition()
	}
	if err == nil || !Is(Other, err) {
		t.Fatalf("got %v, want I/O error", err)
	}
	if got, want := w.StartPartition(), err; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReaderProtocol(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32, Key: Raw, Value: Raw}
	var b bytes.Buffer
	w := writeParts(t, &b, spec, [][]record{{{[]byte("k"), []byte("v")}}, {}})
	open := func() *Reader {
		r, err := NewReader(bytes.NewReader(b.Bytes()), spec, w.Index(0))
		if err != nil {
			t.Fatal(err)
		}
		return r
	}

	r := open()
	if _, _, err := r.NextKey(); !Is(Protocol, err) {
		t.Errorf("got %v, want protocol violation", err)
	}

	r = open()
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Value(); !Is(Protocol, err) {
		t.Errorf("got %v, want protocol violation", err)
	}

	r = open()
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.NextKey(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); !Is(Protocol, err) {
		t.Errorf("got %v, want protocol violation", err)
	}

	r = open()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); !Is(Protocol, err) {
		t.Errorf("got %v, want protocol violation", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32, Key: Raw, Value: Raw}
	var b bytes.Buffer
	w := writeParts(t, &b, spec, [][]record{{{[]byte("k"), []byte("vvvv")}}})
	p := b.Bytes()
	// t1, t2, key, value...
	if got, want := p[3], byte('v'); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	p[3] = 'w'
	r, err := NewReader(bytes.NewReader(p), spec, w.Index(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	if _, err := CopyPartition(CollectorFunc(func(k, v []byte) error { return nil }), r); err != nil {
		t.Fatal(err)
	}
	_, err = r.NextPartition()
	if !Is(Checksum, err) {
		t.Fatalf("got %v, want checksum error", err)
	}
	if _, err2 := r.NextPartition(); err2 != err {
		t.Errorf("got %v, want %v", err2, err)
	}
}

func TestTruncated(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32, Key: Text, Value: Text}
	var b bytes.Buffer
	w := writeParts(t, &b, spec, [][]record{{
		{[]byte("key"), []byte("value")},
		{[]byte("key"), []byte("value")},
	}})
	p := b.Bytes()

	// Cut into the second record.
	r, err := NewReader(bytes.NewReader(p[:16]), spec, w.Index(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	_, err = CopyPartition(CollectorFunc(func(k, v []byte) error { return nil }), r)
	if !Is(Truncated, err) {
		t.Fatalf("got %v, want truncated stream", err)
	}

	// Cut into the checksum trailer.
	r, err = NewReader(bytes.NewReader(p[:len(p)-2]), spec, w.Index(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); err != nil {
		t.Fatal(err)
	}
	if _, err := CopyPartition(CollectorFunc(func(k, v []byte) error { return nil }), r); err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextPartition(); !Is(Truncated, err) {
		t.Fatalf("got %v, want truncated stream", err)
	}
}

func TestMalformed(t *testing.T) {
	spec := Spec{Checksum: checksum.None, Key: Text, Value: Raw}
	for _, c := range []struct {
		name string
		p    []byte
	}{
		// Key region of 3 bytes whose header declares 5.
		{"inconsistent header", []byte{0x03, 0x00, 0x05, 'a', 'b', 0xff, 0xff}},
		{"bad sentinel", []byte{0xff, 0x03}},
		{"negative length", []byte{0x01, 0xfe, 0x00, 0xff, 0xff}},
		{"trailing bytes", []byte{0x02, 0x00, 0x01, 'a', 0xff, 0xff, 0x00}},
	} {
		index := &IndexRange{Entries: []IndexEntry{{CompressedLength: uint64(len(c.p))}}}
		r, err := NewReader(bytes.NewReader(c.p), spec, index)
		if err != nil {
			t.Fatal(err)
		}
		err = readAllRecords(r)
		if !Is(Format, err) {
			t.Errorf("%s: got %v, want format error", c.name, err)
		}
	}
}

// readAllRecords reads and discards every record of r.
func readAllRecords(r *Reader) error {
	for {
		ok, err := r.NextPartition()
		if err != nil || !ok {
			return err
		}
		if _, err := CopyPartition(CollectorFunc(func(k, v []byte) error { return nil }), r); err != nil {
			return err
		}
	}
}

func TestBadSegmentLength(t *testing.T) {
	spec := Spec{Checksum: checksum.CRC32, Key: Raw, Value: Raw}
	var b bytes.Buffer
	w := writeParts(t, &b, spec, [][]record{{{[]byte("k"), []byte("v")}}})
	b.Write([]byte{1, 2, 3})
	index := w.Index(0)
	index.Entries[0].CompressedLength += 3
	r, err := NewReader(bytes.NewReader(b.Bytes()), spec, index)
	if err != nil {
		t.Fatal(err)
	}
	if err := readAllRecords(r); !Is(Format, err) {
		t.Fatalf("got %v, want format error", err)
	}
}

func TestCorruptCompressed(t *testing.T) {
	var part []record
	for i := 0; i < 200; i++ {
		part = append(part, record{[]byte(fmt.Sprintf("key%04d", i)), bytes.Repeat([]byte{byte(i)}, i%17)})
	}
	for _, c := range codec.Names() {
		for _, sum := range []checksum.Type{checksum.None, checksum.CRC32} {
			spec := Spec{Checksum: sum, Key: Text, Value: Text, Codec: c}
			var b bytes.Buffer
			w := writeParts(t, &b, spec, [][]record{part})
			p := b.Bytes()
			p[(len(p)-sum.Size())/2] ^= 0x5a
			r, err := NewReader(bytes.NewReader(p), spec, w.Index(0))
			if err != nil {
				t.Fatal(err)
			}
			err = readAllRecords(r)
			switch {
			case sum == checksum.None && err != nil && !Is(Format, err):
				t.Errorf("%v: got %v, want format error", spec, err)
			case sum != checksum.None && !Is(Checksum, err):
				t.Errorf("%v: got %v, want checksum error", spec, err)
			}
		}
	}
}

func TestRecordOverrun(t *testing.T) {
	// A record header declaring a (MaxInt32-1)-byte key.
	header := []byte{0x8c, 0x7f, 0xff, 0xff, 0xfe, 0x00}
	spec := Spec{Checksum: checksum.None, Key: Raw, Value: Raw}

	raw := append(append([]byte{}, header...), 0xff, 0xff)
	var compressed bytes.Buffer
	c, err := codec.Lookup(codec.Gzip)
	if err != nil {
		t.Fatal(err)
	}
	cw, err := c.NewWriter(&compressed)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cw.Write(header); err != nil {
		t.Fatal(err)
	}
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		codec string
		p     []byte
	}{
		{"", raw},
		{codec.Gzip, compressed.Bytes()},
	} {
		spec.Codec = test.codec
		index := &IndexRange{Entries: []IndexEntry{{CompressedLength: uint64(len(test.p))}}}
		r, err := NewReader(bytes.NewReader(test.p), spec, index)
		if err != nil {
			t.Fatal(err)
		}
		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		err = readAllRecords(r)
		runtime.ReadMemStats(&after)
		if !Is(Format, err) {
			t.Errorf("%v: got %v, want format error", spec, err)
		}
		if n := after.TotalAlloc - before.TotalAlloc; n > 16<<20 {
			t.Errorf("%v: allocated %d bytes", spec, n)
		}
	}
}

// closeCodec passes data through and counts closed writers.
type closeCodec struct{ closed int }

func (c *closeCodec) Name() string { return "closeCodec" }

func (c *closeCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return closeWriter{w, c}, nil
}

func (c *closeCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return ioutil.NopCloser(r), nil
}

type closeWriter struct {
	io.Writer
	c *closeCodec
}

func (w closeWriter) Close() error {
	w.c.closed++
	return nil
}

func TestWriterFailureClosesCompressor(t *testing.T) {
	w, err := NewWriter(new(bytes.Buffer), Spec{Checksum: checksum.CRC32, Key: Raw, Value: Raw, Codec: codec.Gzip})
	if err != nil {
		t.Fatal(err)
	}
	c := new(closeCodec)
	w.codec = c
	if err := w.StartPartition(); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteKey([]byte("k"), 2); err != nil {
		t.Fatal(err)
	}
	err = w.WriteValue([]byte("v"))
	if !Is(Protocol, err) {
		t.Fatalf("got %v, want protocol violation", err)
	}
	if got, want := c.closed, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.Finish(), err; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.closed, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMetrics(t *testing.T) {
	parts := fuzzPartitions(7, 3, 20)
	spec := Spec{Checksum: checksum.CRC32, Key: Text, Value: Text, Codec: codec.Zstd}
	var (
		scope metrics.Scope
		b     bytes.Buffer
	)
	w := writeParts(t, &b, spec, parts, Metrics(&scope))
	readParts(t, bytes.NewReader(b.Bytes()), spec, w.Index(0), Metrics(&scope))
	var n int64
	for _, part := range parts {
		n += int64(len(part))
	}
	if got, want := w.Records(), n; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	offset, realOffset := w.Statistics()
	for _, c := range []struct {
		counter metrics.Counter
		want    int64
	}{
		{RecordsWritten, n},
		{RecordsRead, n},
		{PartitionsWritten, int64(len(parts))},
		{PartitionsRead, int64(len(parts))},
		{RawBytesWritten, int64(offset)},
		{StreamBytesWritten, int64(realOffset)},
	} {
		if got, want := c.counter.Value(&scope), c.want; got != want {
			t.Errorf("%s: got %v, want %v", c.counter.Name(), got, want)
		}
	}
}

func TestCopyPartition(t *testing.T) {
	parts := fuzzPartitions(8, 3, 20)
	var (
		in  = Spec{Checksum: checksum.CRC32, Key: Text, Value: FixedBytes}
		out = Spec{Checksum: checksum.CRC32C, Key: Raw, Value: Raw, Codec: codec.Default}
		b   bytes.Buffer
	)
	w := writeParts(t, &b, in, parts)
	r, err := NewReader(bytes.NewReader(b.Bytes()), in, w.Index(0))
	if err != nil {
		t.Fatal(err)
	}
	var c bytes.Buffer
	w2, err := NewWriter(&c, out)
	if err != nil {
		t.Fatal(err)
	}
	var n int64
	for {
		ok, err := r.NextPartition()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if err := w2.StartPartition(); err != nil {
			t.Fatal(err)
		}
		m, err := CopyPartition(w2, r)
		if err != nil {
			t.Fatal(err)
		}
		n += m
		if err := w2.EndPartition(); err != nil {
			t.Fatal(err)
		}
	}
	if err := w2.Finish(); err != nil {
		t.Fatal(err)
	}
	if got, want := n, w2.Records(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	got := readParts(t, bytes.NewReader(c.Bytes()), out, w2.Index(0))
	checkParts(t, got, parts)
}
