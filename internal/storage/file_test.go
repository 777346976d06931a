package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentcore/pkg/logx"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestAppendAuditWritesJSONL(t *testing.T) {
	st, path := openTestStore(t)
	ctx := context.Background()

	entries := []AuditEntry{
		{Plugin: "token", Operation: "transfer", OperationID: "op-1", Success: true, TookMS: 12},
		{Plugin: "defi", Operation: "swap", OperationID: "op-2", Error: "network timeout", Decision: "retry", TookMS: 480},
	}
	for _, e := range entries {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	f, err := os.Open(path + ".audit.jsonl")
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var got []AuditEntry
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(got))
	}
	if got[0].OperationID != "op-1" || !got[0].Success || got[0].At.IsZero() {
		t.Fatalf("first entry = %+v", got[0])
	}
	if got[1].Decision != "retry" || got[1].Error != "network timeout" {
		t.Fatalf("second entry = %+v", got[1])
	}
}

func TestTripsRoundTrip(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	until := time.Now().Add(time.Minute)

	if err := st.PutTrip(ctx, "swap_jupiter", until); err != nil {
		t.Fatalf("PutTrip: %v", err)
	}
	if err := st.PutTrip(ctx, "lend_defi", until); err != nil {
		t.Fatalf("PutTrip: %v", err)
	}
	trips, err := st.Trips(ctx)
	if err != nil {
		t.Fatalf("Trips: %v", err)
	}
	if len(trips) != 2 || trips[0].Key != "lend_defi" || trips[1].Key != "swap_jupiter" {
		t.Fatalf("trips = %+v", trips)
	}

	if err := st.ClearTrip(ctx, "lend_defi"); err != nil {
		t.Fatalf("ClearTrip: %v", err)
	}
	trips, err = st.Trips(ctx)
	if err != nil {
		t.Fatalf("Trips after clear: %v", err)
	}
	if len(trips) != 1 || trips[0].Key != "swap_jupiter" {
		t.Fatalf("trips after clear = %+v", trips)
	}
}

func TestTripsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit")
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.PutTrip(ctx, "swap_jupiter", until); err != nil {
		t.Fatalf("PutTrip: %v", err)
	}
	if err := st.PutTrip(ctx, "mint_token", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutTrip expired: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	trips, err := st2.Trips(ctx)
	if err != nil {
		t.Fatalf("Trips: %v", err)
	}
	if len(trips) != 1 || trips[0].Key != "swap_jupiter" {
		t.Fatalf("trips after reopen = %+v (expired keys must be pruned)", trips)
	}
	if d := time.Until(trips[0].Until); d < 59*time.Minute {
		t.Fatalf("trip deadline drifted: %v", trips[0].Until)
	}
}
