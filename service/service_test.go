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

package service

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRunningService(t *testing.T) *Service {
	t.Helper()
	s, err := New(0, 20, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()
	return s
}

func peerOf(t *testing.T, s *Service) netip.AddrPort {
	t.Helper()
	udpAddr, ok := s.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	// The socket is bound to the wildcard address; other services reach it
	// (and record offsets for it) as loopback on the same port.
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), udpAddr.AddrPort().Port())
}

// Once a probes b on loopback, a holds an offset estimate for b within
// a few ticks, and GetOffsetFor agrees with GetOffsets.
func TestTwoServicesExchangeOffsets(t *testing.T) {
	a := newRunningService(t)
	b := newRunningService(t)

	h := a.InitIterativeTimeRequest(peerOf(t, b))
	defer a.CancelIterativeTimeRequests(h)

	require.Eventually(t, func() bool {
		_, ok := a.GetOffsets()[peerOf(t, b)]
		return ok
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, a.GetOffsets()[peerOf(t, b)], a.GetOffsetFor(peerOf(t, b)))
}

// Cancelling an iterative request against an unreachable peer must not
// hang or panic, and leaves the count at zero.
func TestCancelAgainstUnreachablePeer(t *testing.T) {
	a := newRunningService(t)
	unreachable := netip.MustParseAddrPort("127.0.0.1:1")

	h := a.InitIterativeTimeRequest(unreachable)
	require.Equal(t, 1, a.NumIterativeTimeRequest())
	a.CancelIterativeTimeRequests(h)
	require.Equal(t, 0, a.NumIterativeTimeRequest())
}

// A subscriber observes at least one callback, then unsubscribing
// brings the count back to zero.
func TestSubscriberObservesThenUnsubscribes(t *testing.T) {
	a := newRunningService(t)
	b := newRunningService(t)

	var calls int32
	h := a.Subscribe(func(_ netip.AddrPort, _ int32, _ int32, _ *bool) {
		atomic.AddInt32(&calls, 1)
	})
	require.Equal(t, 1, a.NumCallbacks())

	th := a.InitIterativeTimeRequest(peerOf(t, b))
	defer a.CancelIterativeTimeRequests(th)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) > 0
	}, 2*time.Second, 20*time.Millisecond)

	a.Unsubscribe(h)
	require.Equal(t, 0, a.NumCallbacks())
}

// A subscriber that requests drop_me on its first invocation is
// removed after exactly one callback.
func TestDropMeSelfRemovesAfterOneCall(t *testing.T) {
	a := newRunningService(t)
	b := newRunningService(t)

	var calls int32
	a.Subscribe(func(_ netip.AddrPort, _ int32, _ int32, dropMe *bool) {
		atomic.AddInt32(&calls, 1)
		*dropMe = true
	})

	th := a.InitIterativeTimeRequest(peerOf(t, b))
	defer a.CancelIterativeTimeRequests(th)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) > 0
	}, 2*time.Second, 20*time.Millisecond)

	// Give the fan-out a moment to process the removal, then make sure
	// no further offset bumps the count again.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, a.NumCallbacks())
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// Concurrently adding and cancelling many timers and subscribers must
// not deadlock or race, and both counts return to zero.
func TestConcurrentTimersAndSubscribersStress(t *testing.T) {
	a := newRunningService(t)
	b := newRunningService(t)
	peer := peerOf(t, b)

	var wg sync.WaitGroup
	stop := time.After(2 * time.Second)

loop:
	for i := 0; i < 20; i++ {
		select {
		case <-stop:
			break loop
		default:
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := a.InitIterativeTimeRequest(peer)
			time.Sleep(5 * time.Millisecond)
			a.CancelIterativeTimeRequests(h)
		}()
		go func() {
			defer wg.Done()
			h := a.Subscribe(func(netip.AddrPort, int32, int32, *bool) {})
			time.Sleep(5 * time.Millisecond)
			a.Unsubscribe(h)
		}()
	}
	wg.Wait()

	require.Equal(t, 0, a.NumIterativeTimeRequest())
	require.Equal(t, 0, a.NumCallbacks())
}

// A malformed datagram must not corrupt history or halt the receive
// loop: a well-formed exchange right after must still succeed.
func TestMalformedDatagramDoesNotHaltService(t *testing.T) {
	a := newRunningService(t)
	b := newRunningService(t)

	aPeer := peerOf(t, a)
	raw, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: aPeer.Addr().AsSlice(), Port: int(aPeer.Port())})
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("garbage"))
	require.NoError(t, err)

	h := a.InitIterativeTimeRequest(peerOf(t, b))
	defer a.CancelIterativeTimeRequests(h)

	require.Eventually(t, func() bool {
		_, ok := a.GetOffsets()[peerOf(t, b)]
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}
