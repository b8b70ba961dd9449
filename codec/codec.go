// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package codec provides the registry of named compression codecs
// that may be layered beneath IFile record framing. Codecs are
// identified by their Hadoop class names so that the codec string
// stored alongside spill metadata round-trips with Hadoop's.
//
// Each partition of an IFile is compressed as an independent stream:
// writers open a new compressing stream at the start of every
// partition and close it at the end; readers open a new decompressing
// stream for every partition.
package codec

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Names of the codecs registered by this package.
const (
	Default = "org.apache.hadoop.io.compress.DefaultCodec"
	Gzip    = "org.apache.hadoop.io.compress.GzipCodec"
	Snappy  = "org.apache.hadoop.io.compress.SnappyCodec"
	Zstd    = "org.apache.hadoop.io.compress.ZStandardCodec"
)

// A Codec creates compressing writers and decompressing readers.
// Neither the writer's Close nor the reader's Close closes the
// underlying stream; closing a writer completes its compressed
// stream.
type Codec interface {
	// Name returns the name under which the codec is registered.
	Name() string
	// NewWriter returns a writer that compresses into w.
	NewWriter(w io.Writer) (io.WriteCloser, error)
	// NewReader returns a reader that decompresses a single
	// compressed stream from r.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var (
	mu     sync.Mutex
	codecs = make(map[string]Codec)
)

// Register makes the codec available under its name. Register
// panics if a codec is already registered under the same name.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := codecs[c.Name()]; ok {
		panic(fmt.Sprintf("codec: %s registered twice", c.Name()))
	}
	codecs[c.Name()] = c
}

// Lookup returns the codec registered under name. The empty name
// denotes no compression, for which Lookup returns a nil Codec.
// Unknown names are errors of kind errors.NotSupported.
func Lookup(name string) (Codec, error) {
	if name == "" {
		return nil, nil
	}
	mu.Lock()
	c, ok := codecs[name]
	mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("codec %q is not registered", name))
	}
	return c, nil
}

// Names returns the sorted names of all registered codecs.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type funcCodec struct {
	name      string
	newWriter func(io.Writer) (io.WriteCloser, error)
	newReader func(io.Reader) (io.ReadCloser, error)
}

func (c funcCodec) Name() string                                  { return c.name }
func (c funcCodec) NewWriter(w io.Writer) (io.WriteCloser, error) { return c.newWriter(w) }
func (c funcCodec) NewReader(r io.Reader) (io.ReadCloser, error)  { return c.newReader(r) }

func init() {
	Register(funcCodec{
		name:      Default,
		newWriter: func(w io.Writer) (io.WriteCloser, error) { return zlib.NewWriter(w), nil },
		newReader: func(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) },
	})
	Register(funcCodec{
		name:      Gzip,
		newWriter: func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil },
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			z, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			// Each partition is a single gzip member.
			z.Multistream(false)
			return z, nil
		},
	})
	Register(funcCodec{
		name: Snappy,
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return newBlockWriter(w, snappyBlock{}, defaultBlockSize), nil
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return newBlockReader(r, snappyBlock{}), nil
		},
	})
	Register(funcCodec{
		name: Zstd,
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			zw, err := zstd.NewWriter(w)
			if err != nil {
				return nil, err
			}
			return zw, nil
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr, nil
		},
	})
}
