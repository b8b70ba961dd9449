// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command ifilecat prints the records of IFile spills. Each argument
// names a spill data file; its index is read from the file of the
// same name with the suffix ".index", unless -index is given. The
// record format is read from the "ifile" configuration profile (see
// package ifileconfig), and may be overridden with flags such as
// -set ifile.codec=snappy.
//
// Usage:
//
//	ifilecat [-partition n] [-count] [-hex] [-index path] path...
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/ifile"
	"github.com/grailbio/ifile/ifileconfig"
	"github.com/grailbio/ifile/spill"
)

var (
	partitionFlag = flag.Int("partition", -1, "print only this partition")
	countFlag     = flag.Bool("count", false, "print only per-partition record counts")
	hexFlag       = flag.Bool("hex", false, "print keys and values in hexadecimal")
	indexFlag     = flag.String("index", "", "path of the index file; valid only with a single path")
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	log.AddFlags()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: ifilecat [flags] path...\n")
		flag.PrintDefaults()
	}
	spec := ifileconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *indexFlag != "" && flag.NArg() != 1 {
		log.Fatal("-index requires a single path")
	}
	ctx := context.Background()
	w := bufio.NewWriter(os.Stdout)
	for _, path := range flag.Args() {
		if err := cat(ctx, w, path, *spec); err != nil {
			log.Fatalf("%s: %v", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		log.Fatal(err)
	}
}

func cat(ctx context.Context, w io.Writer, path string, spec ifile.Spec) error {
	indexPath := *indexFlag
	if indexPath == "" {
		indexPath = spill.IndexPath(path)
	}
	index, err := spill.ReadIndex(ctx, indexPath)
	if err != nil {
		return err
	}
	parts := make([]int, index.Len())
	for i := range parts {
		parts[i] = i
	}
	if p := *partitionFlag; p >= 0 {
		if p >= index.Len() {
			return fmt.Errorf("partition %d out of range: %d partitions", p, index.Len())
		}
		index = &ifile.IndexRange{Entries: index.Entries[p : p+1]}
		parts = []int{p}
	}
	r, err := spill.Open(ctx, path, index, spec)
	if err != nil {
		return err
	}
	defer r.Close()
	format := "%q\t%q\n"
	if *hexFlag {
		format = "%x\t%x\n"
	}
	emit := ifile.CollectorFunc(func(key, value []byte) error {
		if *countFlag {
			return nil
		}
		_, err := fmt.Fprintf(w, format, key, value)
		return err
	})
	for i := 0; ; i++ {
		ok, err := r.NextPartition()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n, err := ifile.CopyPartition(emit, r.Reader)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "# %s partition %d: %d records\n", path, parts[i], n)
	}
	return nil
}
