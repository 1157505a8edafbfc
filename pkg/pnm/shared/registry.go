// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm"
)

var (
	log = logger.Get("pnm-shared")
)

// Freer returns memory of an allocation to its pool.
type Freer interface {
	Free(pool pnm.PoolID, addr, size uint64) error
}

// Key identifies a shared allocation. Clients should treat it as opaque.
type Key struct {
	Pool pnm.PoolID
	Addr uint64
	Size uint64
}

// KeyFor returns the key of an allocation.
func KeyFor(a pnm.Allocation) Key {
	return Key{Pool: a.Pool, Addr: a.Addr, Size: a.Size}
}

// String returns the string representation of the key.
func (k Key) String() string {
	return fmt.Sprintf("%d:%x:%x", uint8(k.Pool), k.Addr, k.Size)
}

// ParseKey parses the string representation of a key.
func ParseKey(str string) (Key, error) {
	fields := strings.Split(str, ":")
	if len(fields) != 3 {
		return Key{}, fmt.Errorf("%w: invalid shared key %q", pnm.ErrInvalidArgument, str)
	}

	pool, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return Key{}, fmt.Errorf("%w: invalid shared key %q: %w", pnm.ErrInvalidArgument, str, err)
	}
	addr, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: invalid shared key %q: %w", pnm.ErrInvalidArgument, str, err)
	}
	size, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: invalid shared key %q: %w", pnm.ErrInvalidArgument, str, err)
	}

	return Key{Pool: pnm.PoolID(pool), Addr: addr, Size: size}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	key, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = key
	return nil
}

// Allocation returns the allocation the key refers to.
func (k Key) Allocation() pnm.Allocation {
	return pnm.Allocation{Pool: k.Pool, Addr: k.Addr, Size: k.Size, Global: true}
}

// Entry is a read-only snapshot of a shared allocation.
type Entry struct {
	Key        Key            `json:"key"`
	Allocation pnm.Allocation `json:"allocation"`
	RefCount   int            `json:"refCount"`
}

// Registry tracks allocations shared among sessions. It has no lock of
// its own: callers must hold the lock that serializes the Freer.
type Registry struct {
	freer   Freer
	entries map[Key]*entry
}

type entry struct {
	alloc pnm.Allocation
	refs  int
}

// NewRegistry creates a registry which frees released allocations using freer.
func NewRegistry(freer Freer) *Registry {
	return &Registry{
		freer:   freer,
		entries: make(map[Key]*entry),
	}
}

// MakeShared registers an allocation as shared, with its current owner
// holding the first reference.
func (r *Registry) MakeShared(a pnm.Allocation) (Key, error) {
	key := KeyFor(a)
	if _, ok := r.entries[key]; ok {
		return Key{}, fmt.Errorf("%w: %s", pnm.ErrAlreadyShared, a)
	}

	a.Global = true
	r.entries[key] = &entry{alloc: a, refs: 1}
	log.Debug("shared %s as %s", a, key)

	return key, nil
}

// GetShared takes a new reference to a shared allocation.
func (r *Registry) GetShared(key Key) (pnm.Allocation, error) {
	e, ok := r.entries[key]
	if !ok {
		return pnm.Allocation{}, fmt.Errorf("%w: shared allocation %s", pnm.ErrNotFound, key)
	}

	e.refs++
	log.Debug("new reference to shared %s (%d references)", e.alloc, e.refs)

	return e.alloc, nil
}

// ReleaseShared drops a reference to a shared allocation. Releasing the
// last reference removes the entry and frees the allocation, in which
// case last is returned as true.
func (r *Registry) ReleaseShared(key Key) (last bool, err error) {
	e, ok := r.entries[key]
	if !ok {
		return false, fmt.Errorf("%w: shared allocation %s", pnm.ErrNotFound, key)
	}

	if e.refs--; e.refs > 0 {
		log.Debug("dropped reference to shared %s (%d references)", e.alloc, e.refs)
		return false, nil
	}

	delete(r.entries, key)
	if err := r.freer.Free(e.alloc.Pool, e.alloc.Addr, e.alloc.Size); err != nil {
		return true, fmt.Errorf("failed to free shared %s: %w", e.alloc, err)
	}
	log.Debug("released last reference to shared %s", e.alloc)

	return true, nil
}

// Lookup returns a snapshot of the entry for key.
func (r *Registry) Lookup(key Key) (Entry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Key: key, Allocation: e.alloc, RefCount: e.refs}, true
}

// IsShared returns true if the allocation is registered as shared.
func (r *Registry) IsShared(a pnm.Allocation) bool {
	_, ok := r.entries[KeyFor(a)]
	return ok
}

// Len returns the number of shared allocations.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Entries returns a snapshot of all entries, sorted by key.
func (r *Registry) Entries() []Entry {
	result := make([]Entry, 0, len(r.entries))
	for key, e := range r.entries {
		result = append(result, Entry{Key: key, Allocation: e.alloc, RefCount: e.refs})
	}
	sort.Slice(result, func(i, j int) bool {
		ki, kj := result[i].Key, result[j].Key
		if ki.Pool != kj.Pool {
			return ki.Pool < kj.Pool
		}
		return ki.Addr < kj.Addr
	})
	return result
}

// Reset forgets all shared allocations without freeing them.
func (r *Registry) Reset() {
	clear(r.entries)
}
