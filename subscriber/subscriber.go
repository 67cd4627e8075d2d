/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package subscriber is the ordered callback registry that new offsets
are fanned out to. It owns entries by a stable, never-reused handle
instead of the linked-list iterators the original implementation used,
so removal is by handle and does not race with fan-out. Removal is not
O(1): it also scans the insertion-order slice for the handle.
*/
package subscriber

import (
	"net/netip"
	"sync"
)

// Callback observes one new offset for peer. If it sets *dropMe to
// true, the registry removes the subscription once the current
// fan-out completes. Callbacks run under the registry's lock and must
// be cheap; calling Unsubscribe from inside a callback would deadlock
// against that lock — use dropMe instead.
type Callback func(peer netip.AddrPort, rawOffset int32, smoothedOffset int32, dropMe *bool)

// Handle identifies one subscription. It stays valid from Subscribe
// until the matching Unsubscribe (or until the owning Registry is
// discarded); handles are never reused.
type Handle uint64

// Registry is the thread-safe, insertion-ordered subscriber list.
type Registry struct {
	mu      sync.Mutex
	next    Handle
	order   []Handle
	entries map[Handle]Callback
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[Handle]Callback)}
}

// Subscribe appends cb to the tail of the registry and returns a
// handle to later remove it.
func (r *Registry) Subscribe(cb Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := r.next
	r.order = append(r.order, h)
	r.entries[h] = cb
	return h
}

// Unsubscribe removes h, if present. Unknown handles are a silent
// no-op. Must not be called from inside a Callback; set *dropMe
// instead.
func (r *Registry) Unsubscribe(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(h)
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Fanout invokes every subscribed callback, in subscription order, for
// one newly observed offset. estimate is called once, under the same
// lock, to compute the smoothed offset to hand callbacks — the caller
// passes a closure over the offset store so the smoothed value
// reflects exactly the append that triggered this fan-out, with no
// subscribe/unsubscribe interleaving in between. This is the fixed
// lock order the design calls for: Registry's lock is always acquired
// before the offset store's.
func (r *Registry) Fanout(peer netip.AddrPort, rawOffset int32, estimate func() int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	smoothed := estimate()

	var drop []Handle
	for _, h := range r.order {
		cb, ok := r.entries[h]
		if !ok {
			continue
		}
		var dropMe bool
		cb(peer, rawOffset, smoothed, &dropMe)
		if dropMe {
			drop = append(drop, h)
		}
	}
	for _, h := range drop {
		r.remove(h)
	}
}

// remove deletes h from both the map and the order slice. Caller must
// hold r.mu.
func (r *Registry) remove(h Handle) {
	if _, ok := r.entries[h]; !ok {
		return
	}
	delete(r.entries, h)
	for i, o := range r.order {
		if o == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
