// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"github.com/grailbio/ifile/internal/defaultsize"
	"github.com/grailbio/ifile/metrics"
)

// Counters maintained by readers and writers in the scope provided
// by the Metrics option.
var (
	RecordsWritten     = metrics.NewCounter("ifile.records.written")
	PartitionsWritten  = metrics.NewCounter("ifile.partitions.written")
	RawBytesWritten    = metrics.NewCounter("ifile.bytes.raw.written")
	StreamBytesWritten = metrics.NewCounter("ifile.bytes.stream.written")
	RecordsRead        = metrics.NewCounter("ifile.records.read")
	PartitionsRead     = metrics.NewCounter("ifile.partitions.read")
)

type options struct {
	bufferSize int
	scope      *metrics.Scope
}

func makeOptions(opts []Option) options {
	o := options{bufferSize: defaultsize.Buffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferSize <= 0 {
		o.bufferSize = 128 << 10
	}
	return o
}

// Option represents a tunable reader or writer parameter.
type Option func(*options)

// BufferSize sets the size of the writer's append buffer, or the
// initial size of the reader's read buffer, to n bytes. The default
// is 128KB.
func BufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// Metrics directs the reader or writer to maintain its counters in
// the provided scope.
func Metrics(scope *metrics.Scope) Option {
	return func(o *options) {
		o.scope = scope
	}
}
