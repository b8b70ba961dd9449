// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"context"
	"sync"
	"sync/atomic"
)

// Scope is a collection of counter values. The zero Scope is empty
// and ready for use. Scopes may be shared among goroutines.
type Scope struct {
	mu     sync.Mutex
	values []*int64
}

// instance returns the value cell for counter id, creating it if
// needed.
func (s *Scope) instance(id int) *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.values) <= id {
		s.values = append(s.values, nil)
	}
	if s.values[id] == nil {
		s.values[id] = new(int64)
	}
	return s.values[id]
}

func (s *Scope) load(id int) *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) <= id {
		return nil
	}
	return s.values[id]
}

// Merge adds the values of scope u into scope s.
func (s *Scope) Merge(u *Scope) {
	for id, v := range u.Snapshot() {
		atomic.AddInt64(s.instance(id), v)
	}
}

// Reset zeroes all values in the scope.
func (s *Scope) Reset() {
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
}

// Snapshot returns the current value of every counter with an
// instance in the scope, keyed by counter id.
func (s *Scope) Snapshot() map[int]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[int]int64)
	for id, p := range s.values {
		if p != nil {
			m[id] = atomic.LoadInt64(p)
		}
	}
	return m
}

// Each calls fn with the name and value of each counter with an
// instance in the scope, in registration order.
func (s *Scope) Each(fn func(name string, value int64)) {
	snap := s.Snapshot()
	mu.Lock()
	names := counters
	mu.Unlock()
	for id := 1; id < len(names); id++ {
		if v, ok := snap[id]; ok {
			fn(names[id], v)
		}
	}
}

// contextKeyType is used to create unique context key for scopes,
// available only to code in this package.
type contextKeyType struct{}

var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by ContextScope.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to the provided context,
// or nil if there is none.
func ContextScope(ctx context.Context) *Scope {
	s, _ := ctx.Value(contextKey).(*Scope)
	return s
}
