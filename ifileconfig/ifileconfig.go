// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ifileconfig provides the record format of IFile streams
// from a shared configuration. Ifileconfig uses the configuration
// mechanism in package github.com/grailbio/base/config: it registers
// the profile instance "ifile", which produces an *ifile.Spec, and
// reads a default profile from $HOME/.ifile/config.
//
// A profile might contain:
//
//	param ifile checksum = "crc32c"
//	param ifile key-type = "text"
//	param ifile value-type = "bytes"
//	param ifile codec = "snappy"
package ifileconfig

import (
	"flag"
	"os"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/ifile"
	"github.com/grailbio/ifile/checksum"
	"github.com/grailbio/ifile/codec"
)

// Path determines the location of the ifile profile read by Parse.
var Path = os.ExpandEnv("$HOME/.ifile/config")

// codecAliases maps short codec names to registered codec names.
var codecAliases = map[string]string{
	"none":    "",
	"default": codec.Default,
	"zlib":    codec.Default,
	"gzip":    codec.Gzip,
	"snappy":  codec.Snappy,
	"zstd":    codec.Zstd,
}

func init() {
	config.Register("ifile", func(constr *config.Constructor) {
		var sum, key, value, codecName string
		constr.StringVar(&sum, "checksum", "crc32", "the partition checksum: none, crc32, or crc32c")
		constr.StringVar(&key, "key-type", "text", "the framing of keys: text, bytes, or raw")
		constr.StringVar(&value, "value-type", "text", "the framing of values: text, bytes, or raw")
		constr.StringVar(&codecName, "codec", "none", "the compression codec, by short or registered name")
		constr.Doc = "ifile configures the record format of IFile streams"
		constr.New = func() (interface{}, error) {
			return ParseSpec(sum, key, value, codecName)
		}
	})
}

// ParseSpec returns the spec described by the provided checksum
// type, key and value types, and codec name. The codec may be given
// by its registered name or by a short name such as "snappy".
func ParseSpec(sum, key, value, codecName string) (*ifile.Spec, error) {
	var (
		spec ifile.Spec
		err  error
	)
	if spec.Checksum, err = checksum.ParseType(sum); err != nil {
		return nil, err
	}
	if spec.Key, err = ifile.ParseKeyValueType(key); err != nil {
		return nil, err
	}
	if spec.Value, err = ifile.ParseKeyValueType(value); err != nil {
		return nil, err
	}
	spec.Codec = codecName
	if name, ok := codecAliases[strings.ToLower(codecName)]; ok {
		spec.Codec = name
	}
	if _, err := codec.Lookup(spec.Codec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Parse registers configuration flags and calls flag.Parse. It reads
// the ifile configuration from Path, and returns the spec configured
// by the profile and any flags provided. Parse panics if the
// configuration is invalid.
func Parse() *ifile.Spec {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var spec *ifile.Spec
	config.Must("ifile", &spec)
	return spec
}
