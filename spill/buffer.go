// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package spill

import (
	"bytes"
	"sort"

	"github.com/grailbio/ifile"
	"github.com/grailbio/ifile/internal/defaultsize"
	"github.com/spaolacci/murmur3"
)

// Partition returns the partition, out of nparts, to which key is
// assigned.
func Partition(key []byte, nparts int) int {
	return int(murmur3.Sum32(key) % uint32(nparts))
}

// partition holds the records of one partition. It implements
// sort.Interface, ordering records by key.
type partition struct {
	keys, values [][]byte
}

func (p *partition) Len() int           { return len(p.keys) }
func (p *partition) Less(i, j int) bool { return bytes.Compare(p.keys[i], p.keys[j]) < 0 }
func (p *partition) Swap(i, j int) {
	p.keys[i], p.keys[j] = p.keys[j], p.keys[i]
	p.values[i], p.values[j] = p.values[j], p.values[i]
}

// A Buffer is an unordered, hash-partitioned write buffer for
// records. It holds records in memory; these are then sorted by key
// within each partition and written to an IFile. Buffer implements
// ifile.Collector.
type Buffer struct {
	parts              []partition
	keySize, valueSize int
	n                  int
}

var _ ifile.Collector = (*Buffer)(nil)

// NewBuffer returns a Buffer with nparts partitions. If nparts is
// not positive, the default number of partitions is used.
func NewBuffer(nparts int) *Buffer {
	if nparts <= 0 {
		nparts = defaultsize.SpillPartitions
	}
	return &Buffer{parts: make([]partition, nparts)}
}

// NumPartition returns the number of partitions in the buffer.
func (b *Buffer) NumPartition() int { return len(b.parts) }

// Collect copies the given record into the buffer.
func (b *Buffer) Collect(key, value []byte) error {
	p := &b.parts[Partition(key, len(b.parts))]
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	p.keys = append(p.keys, keyCopy)
	p.values = append(p.values, valueCopy)
	b.keySize += len(keyCopy)
	b.valueSize += len(valueCopy)
	b.n++
	return nil
}

// Len returns the number of records in the buffer.
func (b *Buffer) Len() int { return b.n }

// Size returns the number of key and value bytes in the buffer.
func (b *Buffer) Size() int { return b.keySize + b.valueSize }

// Reset empties the buffer, retaining its partitioning.
func (b *Buffer) Reset() {
	for i := range b.parts {
		b.parts[i] = partition{}
	}
	b.keySize, b.valueSize, b.n = 0, 0, 0
}

// WriteTo sorts each partition and then writes all partitions, in
// order, to the provided writer. Every partition is written, even
// if it is empty, so that partition numbers are preserved in the
// writer's index.
func (b *Buffer) WriteTo(w *ifile.Writer) error {
	for i := range b.parts {
		p := &b.parts[i]
		sort.Stable(p)
		if err := w.StartPartition(); err != nil {
			return err
		}
		for j := range p.keys {
			if err := w.Write(p.keys[j], p.values[j]); err != nil {
				return err
			}
		}
		if err := w.EndPartition(); err != nil {
			return err
		}
	}
	return nil
}
