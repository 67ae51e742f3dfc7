package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aeroscraper/internal/event"
	"aeroscraper/internal/persistence"
	"aeroscraper/internal/testutil"
)

func row(seq int64, opType string) persistence.OperationRow {
	return persistence.OperationRow{
		Sequence: seq,
		BatchID:  uuid.New().String(),
		OpType:   opType,
		Caller:   "alice",
		Payload:  []byte(`{"owner":"alice"}`),
		Ts:       time.Now().UnixNano(),
	}
}

// ============================================================
// Operation log writer (integration)
// ============================================================

func TestWriteBatchAndReadBack(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	w := persistence.NewOpLogWriter(db)

	rows := []persistence.OperationRow{row(0, "open_trove"), row(1, "adjust_trove"), row(2, "close_trove")}
	if err := w.WriteBatch(ctx, rows); err != nil {
		t.Fatal(err)
	}

	got, err := w.ReadFrom(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d rows, want 3", len(got))
	}
	for i, r := range got {
		if r.Sequence != int64(i) {
			t.Errorf("row %d sequence = %d, want %d", i, r.Sequence, i)
		}
	}
	if got[1].OpType != "adjust_trove" || got[1].Caller != "alice" {
		t.Errorf("row 1 = %+v, want adjust_trove by alice", got[1])
	}
}

func TestWriteBatchIdempotentOnSequence(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	w := persistence.NewOpLogWriter(db)

	first := row(5, "open_trove")
	if err := w.WriteBatch(ctx, []persistence.OperationRow{first}); err != nil {
		t.Fatal(err)
	}

	// A retried batch with the same sequence must not duplicate or
	// overwrite.
	dup := row(5, "close_trove")
	if err := w.WriteBatch(ctx, []persistence.OperationRow{dup}); err != nil {
		t.Fatal(err)
	}

	got, err := w.ReadFrom(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d rows, want 1", len(got))
	}
	if got[0].OpType != "open_trove" {
		t.Errorf("op_type = %q, first write must win", got[0].OpType)
	}
}

func TestLastSequence(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	w := persistence.NewOpLogWriter(db)

	last, err := w.LastSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last != -1 {
		t.Errorf("LastSequence on empty log = %d, want -1", last)
	}

	if err := w.WriteBatch(ctx, []persistence.OperationRow{row(0, "open_trove"), row(7, "liquidate")}); err != nil {
		t.Fatal(err)
	}
	last, err = w.LastSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last != 7 {
		t.Errorf("LastSequence = %d, want 7", last)
	}
}

// ============================================================
// Batching worker (integration)
// ============================================================

func TestWorkerDrainsOnChannelClose(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	input := make(chan event.Envelope, 64)
	w := persistence.NewWorker(db, input, 10, 20*time.Millisecond, zerolog.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	for i := int64(0); i < 25; i++ {
		input <- event.Envelope{
			Sequence:  i,
			BatchID:   uuid.New(),
			Type:      event.OpOpenTrove,
			Caller:    "alice",
			Timestamp: time.Now(),
			Payload:   []byte(`{}`),
		}
	}
	close(input)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain after channel close")
	}

	last, err := persistence.NewOpLogWriter(db).LastSequence(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if last != 24 {
		t.Errorf("LastSequence = %d, want 24 (all envelopes flushed)", last)
	}
}

func TestWorkerFlushesOnTimer(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	input := make(chan event.Envelope, 8)
	w := persistence.NewWorker(db, input, 100, 20*time.Millisecond, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// One envelope, far below the batch size: only the timer can flush it.
	input <- event.Envelope{
		Sequence:  0,
		BatchID:   uuid.New(),
		Type:      event.OpOpenTrove,
		Timestamp: time.Now(),
		Payload:   []byte(`{}`),
	}

	writer := persistence.NewOpLogWriter(db)
	deadline := time.Now().Add(5 * time.Second)
	for {
		last, err := writer.LastSequence(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if last == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer flush never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
