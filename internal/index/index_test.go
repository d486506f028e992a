package index_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/index"
	"github.com/audiolibrelab/jamwatch/internal/session"
)

func openStore(t *testing.T) *index.Store {
	t.Helper()
	store, err := index.Open(index.DefaultPath(t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func metadata(id string, status session.RepairStatus) *session.Metadata {
	start, _ := time.Parse(session.IDLayout, id)
	m := &session.Metadata{
		Version:      session.MetadataVersion,
		ID:           id,
		Timestamp:    start,
		EndedAt:      start.Add(90 * time.Second),
		Trigger:      "midi:keys",
		Host:         "studio-pc",
		RepairStatus: status,
		LockState:    session.LockReleased,
		Warnings:     []session.Warning{{Device: "cam", Message: "dropped frames"}},
	}
	m.SetFile(session.File{Device: "keys", Modality: session.ModalityMIDI, Name: "midi-keys.mid", DurationMs: 90000})
	m.SetFile(session.File{Device: "mic", Modality: session.ModalityAudio, Name: "audio-mic.wav", DurationMs: 89000})
	m.SetFile(session.File{Device: "cam", Modality: session.ModalityVideo, Name: "video-cam.webm", DurationMs: 88000, Dropped: 3})
	m.Recompute()
	return m
}

func TestUpsertAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	m := metadata("20260301-201500.000", session.RepairNone)
	if err := store.Upsert(ctx, m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Condition != "clean" || got.DurationMs != 90000 || got.FileCount != 3 || got.WarningCount != 1 {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if len(got.Devices) != 3 || got.Devices[0] != "cam" {
		t.Errorf("devices = %v", got.Devices)
	}
	if !got.StartedAt.Equal(m.Timestamp) || got.Duration() != 90*time.Second {
		t.Errorf("started %s duration %s", got.StartedAt, got.Duration())
	}
	if got.Metadata == nil || got.Metadata.Files[session.ModalityVideo][0].Dropped != 3 {
		t.Errorf("metadata not round-tripped: %+v", got.Metadata)
	}

	m.RepairStatus = session.RepairDone
	m.Title = "Tuesday jam"
	if err := store.Upsert(ctx, m); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, _ = store.Get(ctx, m.ID)
	if got.Condition != "repaired" || got.Title != "Tuesday jam" {
		t.Errorf("entry not replaced: %+v", got)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestGetUnknown(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, index.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestListOrderAndFilter(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	ids := []string{"20260301-100000.000", "20260302-100000.000", "20260303-100000.000"}
	statuses := []session.RepairStatus{session.RepairNone, session.RepairPending, session.RepairNone}
	for i, id := range ids {
		if err := store.Upsert(ctx, metadata(id, statuses[i])); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter index.Filter
		want   []string
	}{
		{"all newest first", index.Filter{}, []string{ids[2], ids[1], ids[0]}},
		{"limit", index.Filter{Limit: 1}, []string{ids[2]}},
		{"interrupted only", index.Filter{Condition: "interrupted"}, []string{ids[1]}},
		{"no match", index.Filter{Condition: "repaired"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(entries), len(tt.want))
			}
			for i, e := range entries {
				if e.ID != tt.want[i] {
					t.Errorf("entry %d = %s, want %s", i, e.ID, tt.want[i])
				}
			}
		})
	}
}

func TestRebuildReplacesEverything(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, metadata("20260301-100000.000", session.RepairNone)); err != nil {
		t.Fatal(err)
	}

	entries := []index.Entry{
		index.EntryFromMetadata(metadata("20260305-100000.000", session.RepairPending), "recording-elsewhere"),
		{ID: "20260306-100000.000", Condition: "interrupted", RepairStatus: session.RepairPending},
	}
	if err := store.Rebuild(ctx, entries); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	if _, err := store.Get(ctx, "20260301-100000.000"); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("stale entry survived rebuild: %v", err)
	}
	got, err := store.Get(ctx, "20260305-100000.000")
	if err != nil {
		t.Fatal(err)
	}
	if got.Condition != "recording-elsewhere" {
		t.Errorf("condition = %s", got.Condition)
	}
	bare, err := store.Get(ctx, "20260306-100000.000")
	if err != nil {
		t.Fatal(err)
	}
	if bare.Metadata != nil || !bare.StartedAt.IsZero() {
		t.Errorf("bare entry = %+v", bare)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	store, err := index.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(context.Background(), metadata("20260301-100000.000", session.RepairNone)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = index.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()
	if n, _ := store.Count(context.Background()); n != 1 {
		t.Errorf("Count after reopen = %d", n)
	}

	var nilStore *index.Store
	if err := nilStore.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
}
