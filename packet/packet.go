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
Package packet implements the clock-offset wire packet: a fixed 28-byte
little-endian record exchanged between two peers to derive a signed
nanosecond clock offset. It provides encode/decode, the four-step
exchange state machine, and offset derivation.
*/
package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Size is the exact wire size of a Packet, in bytes.
const Size = 28

// Packet is the clock-offset wire record. Field order and widths are
// fixed and match the wire layout exactly; no padding is introduced
// since every field is already naturally aligned at 4 bytes.
type Packet struct {
	InitiatorTime          int64
	ReceiverTime           int64
	InitiatorRoundTripTime int32
	ReceiverRoundTripTime  int32
	PackageNr              int32
}

// byteOrder is fixed regardless of host endianness, per the wire format.
var byteOrder = binary.LittleEndian

// Bytes encodes p into a 28-byte little-endian datagram payload.
func (p Packet) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(Size)
	if err := binary.Write(&buf, byteOrder, p); err != nil {
		return nil, fmt.Errorf("encoding packet: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a datagram payload into a Packet. Any payload whose
// length is not exactly Size bytes is rejected; the caller is expected
// to drop it silently (see reactor), matching the codec's contract.
func Decode(b []byte) (Packet, error) {
	var p Packet
	if len(b) != Size {
		return p, fmt.Errorf("packet: got %d bytes, want %d", len(b), Size)
	}
	if err := binary.Read(bytes.NewReader(b), byteOrder, &p); err != nil {
		return p, fmt.Errorf("decoding packet: %w", err)
	}
	return p, nil
}

// NewInitiation builds a fresh state-0 packet for init_single_time_request:
// package_nr = 0, initiator_time = now, all other fields zero.
func NewInitiation(now time.Time) Packet {
	return Packet{
		InitiatorTime: now.UnixNano(),
		PackageNr:     0,
	}
}

// DeriveOffset returns the signed nanosecond offset (local - remote)
// carried by p, if p is in a derivable state (package_nr in {2,3,4}).
// The second return value reports whether an offset was derivable.
func DeriveOffset(p Packet) (int32, bool) {
	switch p.PackageNr {
	case 2: // handled by the initiator on second arrival
		offset := int32(p.ReceiverTime - p.InitiatorTime - int64(p.InitiatorRoundTripTime)/2)
		return offset, true
	case 3: // handled by the receiver
		offset := int32(p.InitiatorTime + int64(p.InitiatorRoundTripTime) - p.ReceiverTime - int64(p.ReceiverRoundTripTime)/2)
		return offset, true
	case 4: // handled by the initiator, third arrival; sign-flipped to align viewpoints
		offset := int32(p.InitiatorTime + int64(p.InitiatorRoundTripTime) - p.ReceiverTime - int64(p.ReceiverRoundTripTime)/2)
		return -offset, true
	default:
		return 0, false
	}
}

// Advance moves p through one step of the four-step exchange, stamping
// the field its current role owns and incrementing package_nr. It
// reports whether the caller must reply. Packets already at state 4 or
// beyond are not advanced further; the caller should drop them.
func Advance(p *Packet, now time.Time) (reply bool, ok bool) {
	switch p.PackageNr {
	case 0: // receiver stamps arrival
		p.ReceiverTime = now.UnixNano()
		p.PackageNr++
		return true, true
	case 1: // initiator stamps its own round trip
		p.InitiatorRoundTripTime = int32(now.UnixNano() - p.InitiatorTime)
		p.PackageNr++
		return true, true
	case 2: // receiver stamps its own round trip
		p.ReceiverRoundTripTime = int32(now.UnixNano() - p.ReceiverTime)
		p.PackageNr++
		return true, true
	case 3: // terminal hop: increment only, no reply
		p.PackageNr++
		return false, true
	default: // package_nr >= 4: drop
		return false, false
	}
}
