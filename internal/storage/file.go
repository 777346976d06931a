package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcore/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.trips.snapshot.json (periodic snapshot)
//   - <prefix>.trips.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	tripSnapshotPath string
	tripJournalFile  *os.File
	trips            map[string]int64 // unix milli

	tripWrites int
}

// tripRecord is a journal line. Until=0 clears the key.
type tripRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".trips.snapshot.json"
	journalPath := prefix + ".trips.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load trips from snapshot + journal.
	trips := map[string]int64{}
	_ = loadTripSnapshot(snapPath, trips)
	_ = replayTripJournal(journalPath, trips)
	pruneExpiredTrips(trips)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		auditFile:        af,
		tripSnapshotPath: snapPath,
		tripJournalFile:  jf,
		trips:            trips,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.tripJournalFile != nil {
		err2 = s.tripJournalFile.Close()
		s.tripJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutTrip(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.writeTrip(key, until.UnixMilli())
}

func (s *fileStore) ClearTrip(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.writeTrip(key, 0)
}

func (s *fileStore) writeTrip(key string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tripJournalFile == nil {
		return errors.New("trip journal closed")
	}
	if ms == 0 {
		delete(s.trips, key)
	} else {
		s.trips[key] = ms
	}

	if err := json.NewEncoder(s.tripJournalFile).Encode(tripRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.tripWrites++
	if s.tripWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("trip compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) Trips(ctx context.Context) ([]Trip, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	pruneExpiredTrips(s.trips)
	out := make([]Trip, 0, len(s.trips))
	for k, ms := range s.trips {
		out = append(out, Trip{Key: k, Until: time.UnixMilli(ms)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredTrips(s.trips)

	tmp := s.tripSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.trips); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.tripSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.tripJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.tripJournalFile.Seek(0, 2)
	return err
}

func loadTripSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayTripJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r tripRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if r.Until == 0 {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredTrips(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
