// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package ifile implements IFile, the partitioned key/value container
	exchanged between the spill and merge stages of a shuffle. An IFile
	stream is a sequence of partitions; each partition is a sequence of
	length-framed records terminated by a sentinel:

		partition := record* sentinel checksum
		record :=
			t1:     vlong              // key region length (header + key)
			t2:     vlong              // value region length (header + value)
			key:    region
			value:  region
		sentinel :=
			t1:     vlong(-1)          // the byte 0xff
			t2:     vlong(-1)          // the byte 0xff
		checksum:   uint32             // big-endian digest of the partition's
		                               // (possibly compressed) bytes; absent
		                               // for checksum.None

	Regions are framed according to their KeyValueType:

		Text:        vint(n) uint8[n]
		FixedBytes:  uint32(n) uint8[n]   // big-endian
		Raw:         uint8[n]             // n is t1 (or t2) itself

	The record bytes of each partition (including the sentinel) may be
	compressed by a named codec (see package codec); compression is
	restarted at every partition boundary so that partitions can be
	read independently. Writers return an IndexRange describing where
	every partition lives in the stream; readers are driven by an
	IndexRange.

	Readers return borrowed views (Spans) into their internal buffer. A
	Span is valid only until the next call to NextKey or NextPartition
	on the reader that produced it; accessing a stale Span panics.

	Readers and writers never close the streams they are given.
*/
package ifile
