// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package defaultsize holds flag-tunable defaults shared by IFile
// readers and writers.
package defaultsize

import "flag"

var (
	// Buffer is the default size, in bytes, of the append buffer used
	// by writers and the initial size of the read buffer used by
	// readers.
	Buffer int
	// SpillPartitions is the default number of partitions of a spill
	// buffer.
	SpillPartitions int
)

func init() {
	flag.IntVar(&Buffer, "ifile-internal-default-buffer-bytes", 128<<10,
		"Default size of IFile read and append buffers.")
	flag.IntVar(&SpillPartitions, "ifile-internal-default-spill-partitions", 16,
		"Default number of partitions in a spill buffer.")
}
