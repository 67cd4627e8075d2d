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

package timer

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var peerA = netip.MustParseAddrPort("127.0.0.1:3001")

func TestStartFiresImmediately(t *testing.T) {
	r := New(5 * time.Second)
	fired := make(chan struct{}, 1)
	h := r.Start(peerA, func(netip.AddrPort) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer r.Cancel(h)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire immediately")
	}
}

func TestCancelDecrementsCount(t *testing.T) {
	r := New(5 * time.Second)
	h1 := r.Start(peerA, func(netip.AddrPort) {})
	h2 := r.Start(peerA, func(netip.AddrPort) {})
	require.Equal(t, 2, r.Count())

	r.Cancel(h1)
	require.Equal(t, 1, r.Count())

	r.Cancel(h2)
	require.Equal(t, 0, r.Count())
}

func TestCancelUnknownHandleIsNoop(t *testing.T) {
	r := New(5 * time.Second)
	r.Cancel(Handle(12345))
	require.Equal(t, 0, r.Count())
}

func TestCancelStopsFurtherFires(t *testing.T) {
	r := New(1 * time.Second)
	var fires int64
	h := r.Start(peerA, func(netip.AddrPort) {
		atomic.AddInt64(&fires, 1)
	})
	time.Sleep(50 * time.Millisecond)
	r.Cancel(h)
	seenAtCancel := atomic.LoadInt64(&fires)
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, seenAtCancel, atomic.LoadInt64(&fires))
}

func TestJitterBoundsDefault(t *testing.T) {
	r := New(5 * time.Second)
	for i := 0; i < 100; i++ {
		d := r.jitter()
		require.GreaterOrEqual(t, d, 1*time.Second)
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestConcurrentStartCancel(t *testing.T) {
	r := New(5 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := r.Start(peerA, func(netip.AddrPort) {})
			time.Sleep(5 * time.Millisecond)
			r.Cancel(h)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, r.Count())
}
