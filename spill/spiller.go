// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package spill writes in-memory record buffers to IFile spill files
// and reads them back. Each spill consists of a data file,
// "spillN.out", holding one IFile partition per buffer partition,
// and an index file, "spillN.out.index", in the layout written by
// ifile.IndexRange.WriteTo. Spill files may be stored at any URL
// supported by github.com/grailbio/base/file.
package spill

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/ifile"
	"golang.org/x/sync/errgroup"
)

// A Spill describes one spill file.
type Spill struct {
	// Path is the path of the data file.
	Path string
	// Index locates the spill's partitions in the data file.
	Index *ifile.IndexRange
	// Records is the number of records in the spill.
	Records int64
	// Size is the size of the data file in bytes.
	Size int64
}

// IndexPath returns the path of the index file of the spill stored
// at path.
func IndexPath(path string) string {
	return path + ".index"
}

// A Spiller manages a set of spill files in a directory. Spillers
// may be used concurrently.
type Spiller struct {
	dir  string
	spec ifile.Spec
	opts []ifile.Option
	temp bool

	mu     sync.Mutex
	next   int
	spills []Spill
}

// NewSpiller creates and returns a new spiller backed by a
// temporary directory. Spills are written according to spec.
func NewSpiller(name string, spec ifile.Spec, opts ...ifile.Option) (*Spiller, error) {
	dir, err := ioutil.TempDir("", fmt.Sprintf("spiller-%s-", name))
	if err != nil {
		return nil, err
	}
	s := NewSpillerDir(dir, spec, opts...)
	s.temp = true
	return s, nil
}

// NewSpillerDir returns a spiller that stores spill files under the
// provided directory or URL prefix.
func NewSpillerDir(dir string, spec ifile.Spec, opts ...ifile.Option) *Spiller {
	return &Spiller{dir: dir, spec: spec, opts: opts}
}

// Dir returns the spiller's directory.
func (s *Spiller) Dir() string { return s.dir }

// Spec returns the format of the spiller's files.
func (s *Spiller) Spec() ifile.Spec { return s.spec }

// Spill writes the provided buffer to a new spill file. The buffer
// is not modified other than by sorting its partitions.
func (s *Spiller) Spill(ctx context.Context, buf *Buffer) (Spill, error) {
	s.mu.Lock()
	n := s.next
	s.next++
	s.mu.Unlock()

	sp := Spill{Path: file.Join(s.dir, fmt.Sprintf("spill%d.out", n))}
	if err := s.writeData(ctx, &sp, buf); err != nil {
		return Spill{}, err
	}
	if err := writeIndex(ctx, IndexPath(sp.Path), sp.Index); err != nil {
		return Spill{}, err
	}
	log.Debug.Printf("spill %s: %d records in %d partitions, %d bytes", sp.Path, sp.Records, sp.Index.Len(), sp.Size)

	s.mu.Lock()
	s.spills = append(s.spills, sp)
	s.mu.Unlock()
	return sp, nil
}

func (s *Spiller) writeData(ctx context.Context, sp *Spill, buf *Buffer) (err error) {
	f, err := file.Create(ctx, sp.Path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, f, &err)
	w, err := ifile.NewWriter(f.Writer(ctx), s.spec, s.opts...)
	if err != nil {
		return err
	}
	if err = buf.WriteTo(w); err != nil {
		return err
	}
	if err = w.Finish(); err != nil {
		return err
	}
	_, size := w.Statistics()
	sp.Index = w.Index(0)
	sp.Records = w.Records()
	sp.Size = int64(size)
	return nil
}

func writeIndex(ctx context.Context, path string, index *ifile.IndexRange) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, f, &err)
	_, err = index.WriteTo(f.Writer(ctx))
	return err
}

// SpillAll spills each of the provided buffers concurrently. The
// returned spills are in buffer order.
func (s *Spiller) SpillAll(ctx context.Context, bufs []*Buffer) ([]Spill, error) {
	spills := make([]Spill, len(bufs))
	g, ctx := errgroup.WithContext(ctx)
	for i := range bufs {
		i := i
		g.Go(func() error {
			var err error
			spills[i], err = s.Spill(ctx, bufs[i])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return spills, nil
}

// Spills returns the spills written so far, in completion order.
func (s *Spiller) Spills() []Spill {
	s.mu.Lock()
	defer s.mu.Unlock()
	spills := make([]Spill, len(s.spills))
	copy(spills, s.spills)
	return spills
}

// Open returns a reader of the provided spill.
func (s *Spiller) Open(ctx context.Context, sp Spill) (*Reader, error) {
	return Open(ctx, sp.Path, sp.Index, s.spec, s.opts...)
}

// Cleanup removes the spiller's files. Cleanup attempts to remove
// every file, and returns the first error encountered.
func (s *Spiller) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	spills := s.spills
	s.spills = nil
	s.mu.Unlock()
	var first error
	remove := func(path string) {
		if err := file.Remove(ctx, path); err != nil {
			log.Error.Printf("spill: remove %s: %v", path, err)
			if first == nil {
				first = err
			}
		}
	}
	for _, sp := range spills {
		remove(sp.Path)
		remove(IndexPath(sp.Path))
	}
	if s.temp {
		if err := os.RemoveAll(s.dir); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// A Reader reads a spill file. It is an ifile.Reader that also
// closes the underlying file.
type Reader struct {
	*ifile.Reader
	ctx  context.Context
	file file.File
}

// Open opens the spill file at path for reading. If index is nil, it
// is read from the spill's index file.
func Open(ctx context.Context, path string, index *ifile.IndexRange, spec ifile.Spec, opts ...ifile.Option) (*Reader, error) {
	if index == nil {
		var err error
		if index, err = ReadIndex(ctx, IndexPath(path)); err != nil {
			return nil, err
		}
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := ifile.NewReader(f.Reader(ctx), spec, index, opts...)
	if err != nil {
		_ = f.Close(ctx)
		return nil, err
	}
	return &Reader{Reader: r, ctx: ctx, file: f}, nil
}

// Close releases the reader and closes the spill file.
func (r *Reader) Close() error {
	err := r.Reader.Close()
	if cerr := r.file.Close(r.ctx); err == nil {
		err = cerr
	}
	return err
}

// ReadIndex reads the index file at path.
func ReadIndex(ctx context.Context, path string) (index *ifile.IndexRange, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, f, &err)
	return ifile.ReadIndexRange(f.Reader(ctx))
}
