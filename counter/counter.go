// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package counter implements the per-process message counters.
//
// A Store keeps, for each of three channels, a count of the messages
// received and the most recent message text. The count for a channel and its
// last message are always updated together, so a non-zero count implies that
// a last message is present.
package counter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// A Channel identifies the path by which a message arrived.
type Channel int

const (
	HTTP   Channel = iota // external requests
	Local                 // requests from this node
	Remote                // requests from another node
)

func (c Channel) String() string {
	switch c {
	case HTTP:
		return "HTTP"
	case Local:
		return "LOCAL"
	case Remote:
		return "REMOTE"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Channels lists the valid channels in order.
var Channels = []Channel{HTTP, Local, Remote}

// A Snapshot is a copy of the counter state at one point in time.
// A nil message pointer means no message has been recorded for the channel.
type Snapshot struct {
	HTTPCount         uint64  `json:"http_count"`
	HTTPLastMessage   *string `json:"http_last_message"`
	LocalCount        uint64  `json:"local_count"`
	LocalLastMessage  *string `json:"local_last_message"`
	RemoteCount       uint64  `json:"remote_count"`
	RemoteLastMessage *string `json:"remote_last_message"`
}

// Count reports the count for ch.
func (s Snapshot) Count(ch Channel) uint64 {
	switch ch {
	case HTTP:
		return s.HTTPCount
	case Local:
		return s.LocalCount
	case Remote:
		return s.RemoteCount
	}
	return 0
}

// LastMessage reports the last message recorded for ch, and whether there
// was one.
func (s Snapshot) LastMessage(ch Channel) (string, bool) {
	var p *string
	switch ch {
	case HTTP:
		p = s.HTTPLastMessage
	case Local:
		p = s.LocalLastMessage
	case Remote:
		p = s.RemoteLastMessage
	}
	if p == nil {
		return "", false
	}
	return *p, true
}

// Clone returns a copy of s that shares no storage with s.
func (s Snapshot) Clone() Snapshot {
	s.HTTPLastMessage = cloneString(s.HTTPLastMessage)
	s.LocalLastMessage = cloneString(s.LocalLastMessage)
	s.RemoteLastMessage = cloneString(s.RemoteLastMessage)
	return s
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}

// A Saver persists snapshots. It is called with the new state after each
// recorded message.
type Saver interface {
	Save(Snapshot) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(Snapshot) error

// Save implements the Saver interface.
func (f SaverFunc) Save(s Snapshot) error { return f(s) }

// Options are settings for a Store. A zero value is ready for use.
type Options struct {
	// Logger receives a line for each recorded message.
	// If zero, logging is disabled.
	Logger zerolog.Logger

	// Saver, if non-nil, is called after each recorded message.
	Saver Saver

	// Initial is the starting state of the store.
	Initial Snapshot
}

// A Store holds the counters for one process. It is safe for concurrent use.
type Store struct {
	log   zerolog.Logger
	saver Saver

	μ     sync.Mutex
	count [3]uint64
	last  [3]*string
}

// New constructs a new Store with the given options.
func New(opts Options) *Store {
	s := &Store{log: opts.Logger, saver: opts.Saver}
	start := opts.Initial.Clone()
	for i, ch := range Channels {
		s.count[i] = start.Count(ch)
		if msg, ok := start.LastMessage(ch); ok {
			s.last[i] = &msg
		} else if s.count[i] != 0 {
			// Repair a count without a message, which Record never produces.
			s.last[i] = new(string)
		}
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		HTTPCount:         s.count[HTTP],
		HTTPLastMessage:   cloneString(s.last[HTTP]),
		LocalCount:        s.count[Local],
		LocalLastMessage:  cloneString(s.last[Local]),
		RemoteCount:       s.count[Remote],
		RemoteLastMessage: cloneString(s.last[Remote]),
	}
}

// Record increments the count for ch by one, stores the trimmed msg as the
// last message for ch, and returns the resulting state. Record panics if ch
// is not a valid channel.
//
// If the store has a Saver, it is called with the new state before Record
// returns. A save failure is logged but does not affect the result.
func (s *Store) Record(ch Channel, msg string) Snapshot {
	if ch < HTTP || ch > Remote {
		panic(fmt.Sprintf("invalid channel %v", ch))
	}
	msg = strings.TrimSpace(msg)

	s.μ.Lock()
	defer s.μ.Unlock()
	s.count[ch]++
	s.last[ch] = &msg
	n := s.count[ch]

	s.log.Info().Stringer("channel", ch).Uint64("count", n).
		Msgf("[%s] #%d message: %s", ch, n, msg)

	snap := s.snapshotLocked()
	if s.saver != nil {
		if err := s.saver.Save(snap.Clone()); err != nil {
			s.log.Error().Err(err).Msg("save state")
		}
	}
	return snap
}
