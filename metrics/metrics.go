// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides named counters that are accumulated in
// scopes. IFile readers and writers increment counters in the scope
// they are given; callers aggregate scopes across instances with
// Merge.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// counters lists all registered counters by id. Index 0 is
	// reserved so that zero-valued Counters are never mistaken for
	// registered ones.
	counters = []string{""}
)

// A Counter is a monotonically increasing int64 metric. Counters
// must be created by NewCounter, usually at package initialization.
type Counter struct {
	id int
}

// NewCounter registers and returns a new counter with the provided
// name. Names are used only for reporting.
func NewCounter(name string) Counter {
	mu.Lock()
	defer mu.Unlock()
	counters = append(counters, name)
	return Counter{len(counters) - 1}
}

// Name returns the counter's registered name.
func (c Counter) Name() string {
	mu.Lock()
	defer mu.Unlock()
	return counters[c.id]
}

// Incr adds n to the counter's value in the provided scope. Incr is
// a no-op on a nil scope.
func (c Counter) Incr(scope *Scope, n int64) {
	if scope == nil {
		return
	}
	if c.id == 0 {
		panic("metrics: counter not registered")
	}
	atomic.AddInt64(scope.instance(c.id), n)
}

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) int64 {
	if scope == nil {
		return 0
	}
	p := scope.load(c.id)
	if p == nil {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (c Counter) String() string {
	return fmt.Sprintf("metrics.Counter(%s)", c.Name())
}
