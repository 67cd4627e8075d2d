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
Package service is the public facade: it wires the packet codec, the
offset store, the subscriber registry, the timer registry and the
reactor together behind the small API a caller (or cmd/clockoffsetd)
actually needs, the way responder/server.Server's constructor wires its
own collaborators before Serve is called.
*/
package service

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/facebook/clockoffset/config"
	"github.com/facebook/clockoffset/reactor"
	"github.com/facebook/clockoffset/stats"
	"github.com/facebook/clockoffset/store"
	"github.com/facebook/clockoffset/subscriber"
	"github.com/facebook/clockoffset/timer"
)

// Service is the clock-offset facade described by the public API: it
// owns one UDP socket and every peer's offset history, subscriptions
// and repeating probes.
type Service struct {
	reactor *reactor.Reactor
	store   *store.Store
	subs    *subscriber.Registry
	timers  *timer.Registry
	stats   *stats.JSONStats
}

// New constructs a Service bound to localPort, keeping up to
// offsetCounts offsets per peer and probing at up to
// maxRepetitionInterval apart.
func New(localPort int, offsetCounts int, maxRepetitionInterval time.Duration) (*Service, error) {
	st := store.New(offsetCounts)
	subs := subscriber.New()
	rep := stats.NewJSONStats()

	re, err := reactor.New(localPort, st, subs, rep)
	if err != nil {
		return nil, err
	}

	return &Service{
		reactor: re,
		store:   st,
		subs:    subs,
		timers:  timer.New(maxRepetitionInterval),
		stats:   rep,
	}, nil
}

// NewServiceFromConfig constructs a Service from a loaded config.Config.
func NewServiceFromConfig(cfg *config.Config) (*Service, error) {
	return New(cfg.LocalPort, cfg.OffsetCounts, cfg.MaxRepetitionIntervalDuration())
}

// LocalAddr returns the bound socket's local address.
func (s *Service) LocalAddr() net.Addr {
	return s.reactor.LocalAddr()
}

// InitIterativeTimeRequest starts a repeating probe against peer and
// returns a handle to cancel it later.
func (s *Service) InitIterativeTimeRequest(peer netip.AddrPort) timer.Handle {
	h := s.timers.Start(peer, func(p netip.AddrPort) {
		if err := s.reactor.SendInitiation(p); err != nil {
			s.stats.IncDrops()
		}
	})
	s.stats.SetIterativeCount(s.timers.Count())
	return h
}

// CancelIterativeTimeRequests stops the repeating probe identified by
// h. Unknown or already-cancelled handles are a silent no-op.
func (s *Service) CancelIterativeTimeRequests(h timer.Handle) {
	s.timers.Cancel(h)
	s.stats.SetIterativeCount(s.timers.Count())
}

// NumIterativeTimeRequest returns the number of active repeating
// probes.
func (s *Service) NumIterativeTimeRequest() int {
	return s.timers.Count()
}

// InitSingleTimeRequest sends a single state-0 packet to peer without
// installing a repeating probe.
func (s *Service) InitSingleTimeRequest(peer netip.AddrPort) error {
	return s.reactor.SendInitiation(peer)
}

// GetOffsetFor returns peer's current smoothed offset estimate, 0 for a
// peer with no recorded offsets yet. This matches get_offset_for's
// single-value return in the original implementation, which defaults to
// 0 on an unseen peer rather than reporting absence separately.
func (s *Service) GetOffsetFor(peer netip.AddrPort) int32 {
	if !s.store.Exists(peer) {
		return 0
	}
	return s.store.Estimate(peer)
}

// GetOffsets returns the current smoothed offset estimate for every
// peer with at least one recorded offset.
func (s *Service) GetOffsets() map[netip.AddrPort]int32 {
	return s.store.Snapshot()
}

// Subscribe registers cb to observe every future offset update and
// returns a handle to remove it later.
func (s *Service) Subscribe(cb subscriber.Callback) subscriber.Handle {
	h := s.subs.Subscribe(cb)
	s.stats.SetSubscriberCount(s.subs.Count())
	return h
}

// Unsubscribe removes the subscription identified by h. Unknown or
// already-removed handles are a silent no-op.
func (s *Service) Unsubscribe(h subscriber.Handle) {
	s.subs.Unsubscribe(h)
	s.stats.SetSubscriberCount(s.subs.Count())
}

// NumCallbacks returns the number of active subscriptions.
func (s *Service) NumCallbacks() int {
	return s.subs.Count()
}

// Stats returns the service's passive JSON/Prometheus-scrapable
// reporter.
func (s *Service) Stats() *stats.JSONStats {
	return s.stats
}

// Run drives the receive loop until ctx is done or the Service is
// closed.
func (s *Service) Run(ctx context.Context) error {
	return s.reactor.Run(ctx)
}

// RunFor drives the receive loop for at most d.
func (s *Service) RunFor(d time.Duration) error {
	return s.reactor.RunFor(d)
}

// Close cancels every repeating probe and shuts the reactor down: new
// receives stop, in-flight handlers and queued async replies are
// waited for, and finally the socket is closed. Subscriptions are left
// registered but will simply never fire again once the socket is
// closed; callers that want them cleared should Unsubscribe first.
func (s *Service) Close() error {
	s.timers.CancelAll()
	s.stats.SetIterativeCount(0)
	return s.reactor.Close()
}
