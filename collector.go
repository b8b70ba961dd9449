// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

// A Collector accepts key/value records. Writers are Collectors, as
// are in-memory spill buffers; upstream code emits records without
// regard to where they go. Collectors must not retain key or value
// after Collect returns.
type Collector interface {
	Collect(key, value []byte) error
}

// CollectorFunc adapts a function to a Collector.
type CollectorFunc func(key, value []byte) error

// Collect implements Collector.
func (f CollectorFunc) Collect(key, value []byte) error {
	return f(key, value)
}

// CopyPartition emits the remaining records of r's current partition
// to c, and returns the number of records copied. On success, r is
// positioned at the end of the partition and the caller should call
// NextPartition.
func CopyPartition(c Collector, r *Reader) (int64, error) {
	var n int64
	for {
		key, ok, err := r.NextKey()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		value, err := r.Value()
		if err != nil {
			return n, err
		}
		if err := c.Collect(key.Bytes(), value.Bytes()); err != nil {
			return n, err
		}
		n++
	}
}
