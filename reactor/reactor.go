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
Package reactor owns the single UDP socket and the receive loop:
decode, advance the exchange state machine, optionally reply, and -
when an offset is derivable - append it to the offset store and fan it
out to subscribers, all generalized from the worker-pool UDP listener
in responder/server.Server down to one socket multiplexed across every
configured peer.
*/
package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/clockoffset/packet"
	"github.com/facebook/clockoffset/store"
	"github.com/facebook/clockoffset/subscriber"
)

// Reporter is the subset of stats.Reporter the reactor updates.
type Reporter interface {
	IncRequests()
	IncResponses()
	IncInvalidFormat()
	IncDrops()
	SetOffset(peer string, offsetNs int32)
}

// Reactor multiplexes one UDP socket among every peer this node talks
// to. Exactly one receive is in flight at a time; incoming state-1
// replies are sent synchronously to keep the round-trip measurement
// tight, every other reply is queued onto the same supervised goroutine
// group so shutdown can wait for it. Fresh initiations (SendInitiation)
// are sent synchronously on the caller's goroutine.
type Reactor struct {
	conn  *net.UDPConn
	store *store.Store
	subs  *subscriber.Registry
	rep   Reporter

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	eg        *errgroup.Group
}

// New binds a UDP socket on 0.0.0.0:localPort and returns a Reactor
// ready to Run. Bind failures are returned to the caller rather than
// treated as fatal, so library users (as opposed to cmd/clockoffsetd)
// can decide how to handle them.
func New(localPort int, st *store.Store, subs *subscriber.Registry, rep Reporter) (*Reactor, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("binding clock-offset udp socket on port %d: %w", localPort, err)
	}
	return &Reactor{
		conn:   conn,
		store:  st,
		subs:   subs,
		rep:    rep,
		stopCh: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound socket's local address.
func (r *Reactor) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// SendInitiation builds and sends a fresh state-0 packet to peer
// (init_single_time_request).
func (r *Reactor) SendInitiation(peer netip.AddrPort) error {
	p := packet.NewInitiation(time.Now())
	if err := r.send(p, net.UDPAddrFromAddrPort(peer)); err != nil {
		return fmt.Errorf("sending initiation to %s: %w", peer, err)
	}
	return nil
}

// Run starts the reactor if it isn't already running and blocks the
// calling goroutine until ctx is done or the reactor is closed.
// Multiple goroutines may call Run concurrently; each simply waits on
// the same shutdown signal.
func (r *Reactor) Run(ctx context.Context) error {
	r.start()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return nil
	}
}

// RunFor blocks for at most d.
func (r *Reactor) RunFor(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := r.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close stops issuing new receives, waits for in-flight handlers
// (including queued async sends) to finish, and closes the socket.
// Calling Close again is a no-op that returns nil.
func (r *Reactor) Close() error {
	r.start() // guarantee eg is non-nil even if Run was never called
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		err = r.eg.Wait()
		if cerr := r.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (r *Reactor) start() {
	r.startOnce.Do(func() {
		eg, _ := errgroup.WithContext(context.Background())
		r.eg = eg
		r.eg.Go(r.receiveLoop)
	})
}

func (r *Reactor) receiveLoop() error {
	buf := make([]byte, 2*packet.Size)
	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		// Bounded deadline so a closed stopCh is noticed promptly
		// instead of blocking forever on a quiet socket.
		_ = r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-r.stopCh:
				return nil
			default:
			}
			log.Debugf("reactor: receive error: %v", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		r.handle(datagram, addr)
	}
}

func (r *Reactor) handle(b []byte, addr *net.UDPAddr) {
	r.rep.IncRequests()

	p, err := packet.Decode(b)
	if err != nil {
		r.rep.IncInvalidFormat()
		log.Debugf("reactor: dropping malformed datagram (%d bytes) from %s: %v", len(b), addr, err)
		return
	}

	incomingState := p.PackageNr
	reply, ok := packet.Advance(&p, time.Now())
	if !ok {
		r.rep.IncDrops()
		log.Debugf("reactor: dropping packet in state %d from %s", incomingState, addr)
		return
	}

	if reply {
		if incomingState == 1 {
			// Latency-sensitive: sent synchronously, before the receive
			// is reposted, to keep initiator_round_trip_time tight.
			if err := r.send(p, addr); err != nil {
				log.Debugf("reactor: %v", err)
			}
		} else {
			r.eg.Go(func() error {
				if err := r.send(p, addr); err != nil {
					log.Debugf("reactor: %v", err)
				}
				return nil
			})
		}
	}

	if offset, ok := packet.DeriveOffset(p); ok {
		// The dual-stack socket reports IPv4 senders as IPv4-mapped IPv6
		// addresses; unmap them so peers are keyed as plain ip:port.
		from := addr.AddrPort()
		r.dispatchOffset(netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), offset)
	}
}

func (r *Reactor) dispatchOffset(peer netip.AddrPort, raw int32) {
	r.store.Append(peer, raw)
	var smoothed int32
	r.subs.Fanout(peer, raw, func() int32 {
		smoothed = r.store.Estimate(peer)
		return smoothed
	})
	r.rep.SetOffset(peer.String(), smoothed)
}

func (r *Reactor) send(p packet.Packet, addr *net.UDPAddr) error {
	b, err := p.Bytes()
	if err != nil {
		return fmt.Errorf("encoding reply to %s: %w", addr, err)
	}
	if _, err := r.conn.WriteToUDP(b, addr); err != nil {
		r.rep.IncDrops()
		return fmt.Errorf("sending reply to %s: %w", addr, err)
	}
	r.rep.IncResponses()
	return nil
}
