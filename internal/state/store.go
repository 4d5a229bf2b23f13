// Package state keeps the set of tracked process records and persists it
// through a Persister after every change.
package state

import (
	"fmt"
	"log/slog"
	"sync"
)

// Store is the in-memory record cache. All mutations are serialized and
// written through to the persister before the call returns.
type Store struct {
	mu        sync.Mutex
	records   []Record
	persister Persister
	logger    *slog.Logger
}

func New(p Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{persister: p, logger: logger.With("component", "state")}
}

// Load reads the snapshot once. A missing or unreadable snapshot resets the
// store to empty and rewrites it; the returned error only reports a failed
// rewrite.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.persister.Load()
	if err == nil {
		s.records = dedupe(recs)
		return nil
	}
	if !isNotExist(err) {
		s.logger.Warn("state snapshot unreadable, starting empty", "error", err)
	}
	s.records = nil
	return s.saveLocked()
}

func dedupe(recs []Record) []Record {
	seen := make(map[int]struct{}, len(recs))
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.PID]; ok {
			continue
		}
		seen[r.PID] = struct{}{}
		if r.Phase == "" {
			if r.Status.Terminal() {
				r.Phase = PhaseDrained
			} else {
				r.Phase = PhaseRunning
			}
		}
		out = append(out, r)
	}
	return out
}

// Get returns a copy of all records.
func (s *Store) Get() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.records)
}

func (s *Store) FindByPID(pid int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(pid); i >= 0 {
		return s.records[i].Clone(), true
	}
	return Record{}, false
}

// Add appends rec unless its PID is already tracked. Persistence failures are
// logged.
func (s *Store) Add(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(rec.PID) >= 0 {
		s.logger.Warn("duplicate pid, record not added", "pid", rec.PID)
		return false
	}
	if rec.Phase == "" {
		rec.Phase = PhaseRunning
	}
	s.records = append(s.records, rec.Clone())
	if err := s.saveLocked(); err != nil {
		s.logger.Error("persist after add failed", "pid", rec.PID, "error", err)
	}
	return true
}

// Update merges p into the record for pid. Unknown pids are ignored.
func (s *Store) Update(pid int, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(pid)
	if i < 0 {
		s.logger.Warn("update for unknown pid ignored", "pid", pid)
		return nil
	}
	r := &s.records[i]

	if p.Status != nil && *p.Status != r.Status {
		switch {
		case r.Status.Terminal():
			s.logger.Warn("status change on finished record ignored",
				"pid", pid, "status", r.Status, "requested", *p.Status)
		default:
			r.Status = *p.Status
			if p.ExitCode != nil && r.ExitCode == nil {
				v := *p.ExitCode
				r.ExitCode = &v
			}
		}
	}
	if p.Phase != nil {
		if p.Phase.rank() >= r.Phase.rank() {
			r.Phase = *p.Phase
		} else {
			s.logger.Warn("phase regression ignored", "pid", pid, "phase", r.Phase, "requested", *p.Phase)
		}
	}
	if p.EndTime != nil {
		t := *p.EndTime
		r.EndTime = &t
	}
	if p.CapturedStdout != nil {
		r.CapturedStdout = *p.CapturedStdout
	}
	if p.CapturedStderr != nil {
		r.CapturedStderr = *p.CapturedStderr
	}
	if p.ReadOffsets != nil {
		r.ReadOffsets = *p.ReadOffsets
	}
	return s.saveLocked()
}

func (s *Store) Remove(pid int) error {
	return s.RemoveMany([]int{pid})
}

// RemoveMany drops every listed pid and persists once if anything changed.
func (s *Store) RemoveMany(pids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		drop[pid] = struct{}{}
	}
	kept := s.records[:0]
	for _, r := range s.records {
		if _, ok := drop[r.PID]; !ok {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(s.records) {
		return nil
	}
	s.records = kept
	return s.saveLocked()
}

// FindFirstReusableIndex returns the index of the first finished record, or -1.
func (s *Store) FindFirstReusableIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.Status.Terminal() {
			return i
		}
	}
	return -1
}

// RemoveAtIndex removes and returns the record at i. The bool is false when i
// is out of range.
func (s *Store) RemoveAtIndex(i int) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.records) {
		return Record{}, false, nil
	}
	removed := s.records[i]
	s.records = append(s.records[:i], s.records[i+1:]...)
	return removed.Clone(), true, s.saveLocked()
}

// EvictFirstReusable finds and removes the first finished record under one
// lock, so a record cannot change or vanish between the two steps.
func (s *Store) EvictFirstReusable() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if !r.Status.Terminal() {
			continue
		}
		s.records = append(s.records[:i], s.records[i+1:]...)
		return r.Clone(), true, s.saveLocked()
	}
	return Record{}, false, nil
}

func (s *Store) indexLocked(pid int) int {
	for i := range s.records {
		if s.records[i].PID == pid {
			return i
		}
	}
	return -1
}

func (s *Store) saveLocked() error {
	if err := s.persister.Save(cloneAll(s.records)); err != nil {
		return &WriteError{Err: fmt.Errorf("save %d records: %w", len(s.records), err)}
	}
	return nil
}
