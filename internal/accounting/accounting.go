// Package accounting implements per-stream packet sequence accounting:
// classifying every received sequence number as in-order, lost (pending),
// recovered-out-of-order, or duplicated, and dispatching INIT/MEASUREMENT/
// LAST control messages against a per-stream slot.
//
// The core algorithm is taken from iperf3/rperf's UDP reordering heuristic:
// a gap ahead of the expected sequence counts provisionally as loss; a
// sequence number behind the expected one either cancels out a pending
// loss (reordering) or, if none is pending, counts as a duplicate.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package accounting

import (
	"time"

	"github.com/nperf-go/nperf/internal/wire"
)

// Slot tracks one stream's sequencing state across the life of a run.
type Slot struct {
	StreamID uint16

	NextSequence uint64

	AmountDatagrams           uint64
	AmountReorderedDatagrams  uint64
	AmountDuplicatedDatagrams uint64
	// AmountOmittedDatagrams is signed: a provisional loss can be
	// cancelled out by a later out-of-order arrival, but ProcessSequence
	// only decrements it while it is positive, so it never goes below
	// zero.
	AmountOmittedDatagrams int64

	FirstSeen bool
	StartTime time.Time
	LastSeen  time.Time

	// Terminated and EndTime record the LAST control message for this
	// stream; a worker is done with a slot once Terminated is true.
	Terminated bool
	EndTime    time.Time
}

// MarkLast records the stream's LAST control message, stamping EndTime to
// endTime (the caller subtracts the sender's deliberate CONTROL_WAIT quiet
// period so the measured rate excludes it).
func (s *Slot) MarkLast(endTime time.Time) {
	s.Terminated = true
	s.EndTime = endTime
}

// NewSlot returns a freshly zeroed Slot for the given stream.
func NewSlot(streamID uint16) *Slot {
	return &Slot{StreamID: streamID}
}

// ProcessSequence classifies one received sequence number against the
// slot's expected next sequence, updating the slot's counters in place and
// returning how many datagrams this call accounts for: always exactly 1
// for the arriving packet itself (an in-order or forward-gap arrival), 0
// for a reorder/duplicate resolved entirely by counter adjustment. The
// gap on a forward jump is accounted separately into
// AmountOmittedDatagrams — it is not part of the received count.
//
// On a forward gap (sequence > expected), the gap size is added to
// AmountOmittedDatagrams as a provisional loss and NextSequence jumps past
// the gap, assuming the skipped numbers are lost until proven otherwise.
// On a backward arrival (sequence < expected), a pending provisional loss
// is decremented and counted as recovered reordering; absent a pending
// loss, it counts as a duplicate.
func (s *Slot) ProcessSequence(sequence uint64) uint64 {
	switch {
	case sequence == s.NextSequence:
		s.NextSequence++
		return 1

	case sequence > s.NextSequence:
		gap := sequence - s.NextSequence
		s.AmountOmittedDatagrams += int64(gap)
		s.NextSequence = sequence + 1
		return 1

	default:
		if s.AmountOmittedDatagrams > 0 {
			s.AmountOmittedDatagrams--
			s.AmountReorderedDatagrams++
		} else {
			s.AmountDuplicatedDatagrams++
		}
		return 0
	}
}

// ProcessDatagram classifies a single sub-datagram payload against slot,
// bumping AmountDatagrams by the count ProcessSequence reports.
func (s *Slot) ProcessDatagram(payload []byte) error {
	hdr, err := wire.Deserialize(payload)
	if err != nil {
		return err
	}
	n := s.ProcessSequence(hdr.Sequence)
	s.AmountDatagrams += n
	return nil
}

// ProcessAggregate classifies every sub-datagram of a segmentation
// aggregate (a single read that UDP-GRO coalesced from multiple wire
// datagrams), chunking payload by subSize as reported by the GRO cmsg.
func (s *Slot) ProcessAggregate(payload []byte, subSize int) error {
	for _, sub := range wire.SplitSubDatagrams(payload, subSize) {
		if err := s.ProcessDatagram(sub); err != nil {
			return err
		}
	}
	return nil
}

// Registry lazily creates and looks up per-stream Slots, the receiver
// side's view of every stream it has received any message for.
type Registry struct {
	slots map[uint16]*Slot
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[uint16]*Slot)}
}

// Dispatch routes a received header to its stream's Slot, creating the
// slot lazily on whichever message type arrives first (INIT is the normal
// case, but a lost INIT must not block accounting: a MEASUREMENT or LAST
// seen first starts the slot too). Stamps LastSeen on every call. Returns
// the slot and whether this call was the stream's first-ever message.
func (r *Registry) Dispatch(hdr wire.Header, now time.Time) (*Slot, bool) {
	slot, exists := r.slots[hdr.StreamID]
	firstSeen := false
	if !exists {
		slot = NewSlot(hdr.StreamID)
		r.slots[hdr.StreamID] = slot
	}
	if !slot.FirstSeen {
		slot.FirstSeen = true
		slot.StartTime = now
		firstSeen = true
	}
	slot.LastSeen = now
	return slot, firstSeen
}

// Slot returns the stream's slot, or nil if no message for that stream has
// been dispatched yet.
func (r *Registry) Slot(streamID uint16) *Slot {
	return r.slots[streamID]
}

// Streams returns every stream id the registry has seen, for final
// per-stream statistics aggregation.
func (r *Registry) Streams() []uint16 {
	ids := make([]uint16, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	return ids
}
