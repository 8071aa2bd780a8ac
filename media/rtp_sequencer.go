// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"math/rand"
)

const (
	maxMisorder uint16 = 100
	maxDropout  uint16 = 3000
	maxSeqNum   uint16 = 65535
)

var (
	ErrSequenceBad       = errors.New("bad sequence")
	ErrSequenceDuplicate = errors.New("sequence duplicate")
)

// sequencer tracks extended RTP sequence numbers, both for generating and
// validating received ones (RFC 3550 appendix A.1). Not thread safe.
type sequencer struct {
	seq    uint16
	cycles uint16
	badSeq uint16

	started  bool
	received uint64
}

// newSendSequencer starts at random sequence number
func newSendSequencer() sequencer {
	return sequencer{
		seq:    uint16(rand.Uint32()),
		badSeq: maxSeqNum,
	}
}

func (s *sequencer) init(seq uint16) {
	s.seq = seq
	s.badSeq = maxSeqNum
	s.cycles = 0
	s.started = true
}

// next returns next sequence number for sending
func (s *sequencer) next() uint16 {
	s.seq++
	if s.seq == 0 {
		s.cycles++
	}
	return s.seq
}

// update validates received sequence number
func (s *sequencer) update(seq uint16) error {
	if !s.started {
		s.init(seq)
		s.received++
		return nil
	}

	udelta := seq - s.seq
	if udelta == 0 {
		return ErrSequenceDuplicate
	}

	if udelta < maxDropout {
		if seq < s.seq {
			s.cycles++
		}
		s.seq = seq
		s.received++
		return nil
	}

	if udelta <= maxSeqNum-maxMisorder {
		// very large jump, accept only when next packet confirms it
		if seq == s.badSeq {
			s.init(seq)
			s.received++
			return nil
		}
		s.badSeq = seq + 1
		return ErrSequenceBad
	}

	// reordered packet
	return ErrSequenceDuplicate
}

func (s *sequencer) extended() uint64 {
	return uint64(s.seq) + (uint64(maxSeqNum)+1)*uint64(s.cycles)
}
