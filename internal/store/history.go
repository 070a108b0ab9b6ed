package store

import (
	"maps"
	"os"
	"slices"
)

// SessionSummary describes one restorable point in time.
type SessionSummary struct {
	Time       int64
	Current    bool
	Increments int
	Bytes      int64
	// Info is the journal row for the session, if one was recorded.
	Info *SessionInfo
}

// History lists every restorable session, oldest first. Times come from the
// first-session stamp, the increments on disk and the journal.
func (s *Store) History() ([]SessionSummary, error) {
	byTime := make(map[int64]*SessionSummary)
	get := func(t int64) *SessionSummary {
		if e, ok := byTime[t]; ok {
			return e
		}
		e := &SessionSummary{Time: t}
		byTime[t] = e
		return e
	}

	if s.Empty() {
		return nil, nil
	}
	get(s.first)
	get(s.committedTime()).Current = true

	err := s.EachIncrement(func(inc Increment) error {
		if inc.Time > s.committedTime() {
			return nil
		}
		e := get(inc.Time)
		e.Increments++
		if fi, err := os.Stat(inc.Path); err == nil {
			e.Bytes += fi.Size()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	infos, err := s.journal.Sessions()
	if err != nil {
		return nil, err
	}
	for i := range infos {
		info := infos[i]
		if info.State != StateCommitted || info.Time < s.first || info.Time > s.committedTime() {
			continue
		}
		get(info.Time).Info = &info
	}

	times := slices.Sorted(maps.Keys(byTime))
	out := make([]SessionSummary, len(times))
	for i, t := range times {
		out[i] = *byTime[t]
	}
	return out, nil
}

// Sessions returns the restorable session times, oldest first.
func (s *Store) Sessions() ([]int64, error) {
	h, err := s.History()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(h))
	for i, e := range h {
		out[i] = e.Time
	}
	return out, nil
}
