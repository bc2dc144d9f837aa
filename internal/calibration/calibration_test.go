package calibration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibration.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Get(context.Background(), "device-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertThenGetRoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	in := Profile{DeviceID: "device-1", CalibrationOffsetMs: 42, LatencyCompMs: -15}
	if err := st.Upsert(ctx, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := st.Get(ctx, "device-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CalibrationOffsetMs != 42 || got.LatencyCompMs != -15 {
		t.Fatalf("got %+v", got)
	}
}

func TestUpsertOverwritesExisting(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Upsert(ctx, Profile{DeviceID: "device-1", CalibrationOffsetMs: 1, LatencyCompMs: 1})
	st.Upsert(ctx, Profile{DeviceID: "device-1", CalibrationOffsetMs: 99, LatencyCompMs: 5})

	got, err := st.Get(ctx, "device-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CalibrationOffsetMs != 99 || got.LatencyCompMs != 5 {
		t.Fatalf("expected overwritten values, got %+v", got)
	}
}

func TestDeleteRemovesProfile(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Upsert(ctx, Profile{DeviceID: "device-1"})
	if err := st.Delete(ctx, "device-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get(ctx, "device-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
