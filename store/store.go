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
Package store holds the bounded per-peer offset history and the
2-sigma-trimmed-mean smoothing estimator.
*/
package store

import (
	"container/ring"
	"math"
	"net/netip"
	"sync"
)

// Store is a thread-safe collection of bounded per-peer offset
// histories. The zero value is not usable; use New.
type Store struct {
	mu       sync.Mutex
	capacity int
	peers    map[netip.AddrPort]*history
}

// history is a fixed-capacity ring of offsets for one peer, newest at
// the current ring position. Empty slots hold a nil Value so a
// partially-filled ring never confuses "no sample" with "offset 0".
type history struct {
	cur   *ring.Ring
	count int
}

// New creates a Store where every peer's history holds at most
// capacity offsets. capacity < 1 is treated as 1.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		peers:    make(map[netip.AddrPort]*history),
	}
}

// Append pushes offset onto peer's history, evicting the oldest entry
// once the history is at capacity.
func (s *Store) Append(peer netip.AddrPort, offset int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.peers[peer]
	if !ok {
		h = &history{cur: ring.New(s.capacity)}
		s.peers[peer] = h
	}
	h.cur = h.cur.Next()
	if h.cur.Value == nil {
		h.count++
	}
	v := offset
	h.cur.Value = &v
}

// Estimate returns the 2-sigma-trimmed mean of peer's history, or 0 if
// the peer has no recorded offsets yet.
func (s *Store) Estimate(peer netip.AddrPort) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.peers[peer]
	if !ok {
		return 0
	}
	return trimmedMean(h.samples())
}

// Exists reports whether peer has at least one recorded offset.
func (s *Store) Exists(peer netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.peers[peer]
	return ok && h.count > 0
}

// Snapshot returns the current estimate for every known peer. Each
// peer's own estimate is computed without tearing, but different peers
// may be observed at slightly different instants relative to each
// other.
func (s *Store) Snapshot() map[netip.AddrPort]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[netip.AddrPort]int32, len(s.peers))
	for peer, h := range s.peers {
		out[peer] = trimmedMean(h.samples())
	}
	return out
}

// samples returns the history's current offsets. Order does not matter
// to the estimator below, so this walks backward from the most recent
// entry for exactly one lap of the ring, skipping still-empty slots.
// Caller must hold the Store's mutex.
func (h *history) samples() []int32 {
	out := make([]int32, 0, h.count)
	r := h.cur
	for i := 0; i < r.Len(); i++ {
		if v, ok := r.Value.(*int32); ok && v != nil {
			out = append(out, *v)
		}
		r = r.Prev()
	}
	return out
}

// trimmedMean computes mean - sum{o : |o - mean| > 2s}(o/n), where
// s = sqrt(sum(o^2)/n). This deliberately reuses the source's second
// raw moment rather than the central second moment (variance); see
// DESIGN.md for the open-question resolution.
func trimmedMean(offsets []int32) int32 {
	n := len(offsets)
	if n == 0 {
		return 0
	}
	var sum, sumSq float64
	for _, o := range offsets {
		f := float64(o)
		sum += f
		sumSq += f * f
	}
	nf := float64(n)
	mean := sum / nf
	s := math.Sqrt(sumSq / nf)

	result := mean
	for _, o := range offsets {
		f := float64(o)
		if math.Abs(f-mean) > 2*s {
			result -= f / nf
		}
	}
	return int32(result)
}
