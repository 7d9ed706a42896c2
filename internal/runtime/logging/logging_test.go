package logging

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watermillEntry struct {
	level  string
	msg    string
	err    error
	fields watermill.LogFields
}

type recordingWatermillLogger struct {
	mu      *sync.Mutex
	entries *[]watermillEntry
	fields  watermill.LogFields
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{mu: &sync.Mutex{}, entries: &[]watermillEntry{}}
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, watermillEntry{level: level, msg: msg, err: err, fields: r.fields.Add(fields)})
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &recordingWatermillLogger{mu: r.mu, entries: r.entries, fields: r.fields.Add(fields)}
}

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	child := logger.With(LogFields{"component": "poller"})
	child.Info("cycle finished", LogFields{"entities": 3})
	boom := errors.New("boom")
	child.Error("publish failed", boom, nil)
	logger.Trace("trace", nil)

	entries := *base.entries
	require.Len(t, entries, 3)
	assert.Equal(t, "info", entries[0].level)
	assert.Equal(t, "poller", entries[0].fields["component"])
	assert.Equal(t, 3, entries[0].fields["entities"])
	assert.Equal(t, boom, entries[1].err)
	assert.Equal(t, "trace", entries[2].level)
	assert.NotContains(t, entries[2].fields, "component")
}

func TestWithNoFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	assert.Same(t, logger, logger.With(nil))
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	base := newRecordingWatermillLogger()
	adapter := NewWatermillAdapter(NewWatermillServiceLogger(base))

	adapter.With(watermill.LogFields{"handler": "enrich"}).Debug("message received", watermill.LogFields{"uuid": "u1"})

	entries := *base.entries
	require.Len(t, entries, 1)
	assert.Equal(t, "enrich", entries[0].fields["handler"])
	assert.Equal(t, "u1", entries[0].fields["uuid"])
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestNewSlogLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := NewSlogLogger(buf, "warn", "json")
	require.NoError(t, err)

	svc := NewSlogServiceLogger(log)
	svc.Info("hidden", nil)
	svc.Error("visible", errors.New("boom"), LogFields{"entity": "Ada"})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"entity":"Ada"`)
}

func TestNewSlogLoggerRejectsBadInput(t *testing.T) {
	_, err := NewSlogLogger(&bytes.Buffer{}, "verbose", "text")
	assert.Error(t, err)

	_, err = NewSlogLogger(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}
