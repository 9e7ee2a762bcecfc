package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

type recordingWriter struct {
	entries []Entry
}

func (r *recordingWriter) WriteAudit(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func TestSink_SwallowsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rec := &recordingWriter{}
	failing := WriterFunc(func(context.Context, Entry) error { return errors.New("db down") })
	panicking := WriterFunc(func(context.Context, Entry) error { panic("boom") })

	s := New(zap.New(core), failing, panicking, rec)
	s.Append(context.Background(), Entry{SessionID: "s1", Phase: pipeline.PhaseReview, Outcome: "success"})

	assert.Len(t, rec.entries, 1, "later writers still run")
	assert.False(t, rec.entries[0].Timestamp.IsZero())
	assert.Equal(t, 2, logs.Len())
}

func TestSink_CancelledContextStillWrites(t *testing.T) {
	rec := &recordingWriter{}
	var sawErr error
	check := WriterFunc(func(ctx context.Context, _ Entry) error {
		sawErr = ctx.Err()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New(nil, check, rec).Append(ctx, Entry{SessionID: "s1", Outcome: "cancelled"})
	assert.NoError(t, sawErr)
	assert.Len(t, rec.entries, 1)
}

func TestSink_NilIsNoop(t *testing.T) {
	var s *Sink
	assert.NotPanics(t, func() { s.Append(context.Background(), Entry{}) })
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	err := LogWriter{Logger: zap.New(core)}.WriteAudit(context.Background(), Entry{SessionID: "s1", Outcome: "success"})
	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("audit").Len())
}
