package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test doubles ---

type fakeCaller struct {
	mu        sync.Mutex
	connected bool
	payload   json.RawMessage
	err       error
	calls     []string // method per call
}

func (f *fakeCaller) Call(_ context.Context, method string, _ any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	return f.payload, f.err
}

func (f *fakeCaller) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type resultCollector struct {
	mu      sync.Mutex
	results []Result
}

func (rc *resultCollector) sink(r Result) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.results = append(rc.results, r)
}

func (rc *resultCollector) snapshot() []Result {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]Result, len(rc.results))
	copy(out, rc.results)
	return out
}

func newTestPoller(t *testing.T, caller *fakeCaller, ratePerMinute, burst int) (*Poller, *resultCollector) {
	t.Helper()
	rc := &resultCollector{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(caller, rc.sink, ratePerMinute, burst, logger)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, rc
}

// --- tests ---

func TestAddRejectsBadEntries(t *testing.T) {
	p := New(&fakeCaller{}, nil, 0, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Error(t, p.Add(Entry{Method: "status.get", Schedule: "1s"}))
	assert.Error(t, p.Add(Entry{Name: "status", Schedule: "1s"}))
	assert.Error(t, p.Add(Entry{Name: "status", Method: "status.get", Schedule: "every tuesday"}))
	assert.Error(t, p.Add(Entry{Name: "status", Method: "status.get"}))
}

func TestAddDuplicateName(t *testing.T) {
	p := New(&fakeCaller{}, nil, 0, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, p.Add(Entry{Name: "status", Method: "status.get", Schedule: "1m"}))
	assert.Error(t, p.Add(Entry{Name: "status", Method: "status.get", Schedule: "1m"}))
}

func TestRemove(t *testing.T) {
	p := New(&fakeCaller{}, nil, 0, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, p.Add(Entry{Name: "status", Method: "status.get", Schedule: "1m"}))
	require.NoError(t, p.Remove("status"))
	assert.Error(t, p.Remove("status"))

	// Name is reusable after removal.
	assert.NoError(t, p.Add(Entry{Name: "status", Method: "status.get", Schedule: "1m"}))
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"*/5 * * * *", "@every 1h", "30s", "50ms"} {
		_, err := parseSchedule(spec)
		assert.NoError(t, err, "schedule %q", spec)
	}
	for _, spec := range []string{"", "nonsense", "0s", "-5s", "* * *"} {
		_, err := parseSchedule(spec)
		assert.Error(t, err, "schedule %q", spec)
	}
}

func TestRunOnceDeliversResult(t *testing.T) {
	caller := &fakeCaller{connected: true, payload: json.RawMessage(`{"sessions":3}`)}
	p, rc := newTestPoller(t, caller, 600, 10)

	p.RunOnce(Entry{Name: "sessions", Method: "session.list", Params: json.RawMessage(`{}`)})

	results := rc.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, "sessions", results[0].Name)
	assert.Equal(t, "session.list", results[0].Method)
	assert.JSONEq(t, `{"sessions":3}`, string(results[0].Payload))
	assert.NoError(t, results[0].Err)
	assert.False(t, results[0].Started.IsZero())
}

func TestRunOnceDeliversError(t *testing.T) {
	callErr := errors.New("FORBIDDEN: nope")
	caller := &fakeCaller{connected: true, err: callErr}
	p, rc := newTestPoller(t, caller, 600, 10)

	p.RunOnce(Entry{Name: "sessions", Method: "session.list"})

	results := rc.snapshot()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, callErr)
	assert.Nil(t, results[0].Payload)
}

func TestTickSkippedWhileDisconnected(t *testing.T) {
	caller := &fakeCaller{connected: false}
	p, rc := newTestPoller(t, caller, 600, 10)

	p.RunOnce(Entry{Name: "sessions", Method: "session.list"})

	assert.Equal(t, 0, caller.callCount())
	assert.Empty(t, rc.snapshot())
}

func TestTickSkippedBeforeStart(t *testing.T) {
	caller := &fakeCaller{connected: true}
	rc := &resultCollector{}
	p := New(caller, rc.sink, 600, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p.RunOnce(Entry{Name: "sessions", Method: "session.list"})

	assert.Equal(t, 0, caller.callCount())
	assert.Empty(t, rc.snapshot())
}

func TestRateLimiterSkipsTicks(t *testing.T) {
	caller := &fakeCaller{connected: true, payload: json.RawMessage(`{}`)}
	// 1 request per minute with burst 1: only the first tick may pass.
	p, rc := newTestPoller(t, caller, 1, 1)

	p.RunOnce(Entry{Name: "a", Method: "status.get"})
	p.RunOnce(Entry{Name: "a", Method: "status.get"})
	p.RunOnce(Entry{Name: "a", Method: "status.get"})

	assert.Equal(t, 1, caller.callCount())
	assert.Len(t, rc.snapshot(), 1)
}

func TestScheduledEntryFires(t *testing.T) {
	caller := &fakeCaller{connected: true, payload: json.RawMessage(`{"ok":true}`)}
	p, rc := newTestPoller(t, caller, 6000, 100)

	require.NoError(t, p.Add(Entry{Name: "status", Method: "status.get", Schedule: "30ms"}))

	time.Sleep(200 * time.Millisecond)
	p.Stop()

	require.GreaterOrEqual(t, caller.callCount(), 1)
	results := rc.snapshot()
	require.NotEmpty(t, results)
	assert.Equal(t, "status", results[0].Name)
}

func TestStopHaltsScheduledEntries(t *testing.T) {
	caller := &fakeCaller{connected: true, payload: json.RawMessage(`{}`)}
	p, rc := newTestPoller(t, caller, 6000, 100)

	require.NoError(t, p.Add(Entry{Name: "status", Method: "status.get", Schedule: "30ms"}))
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	before := len(rc.snapshot())
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, len(rc.snapshot()))
}

func TestStartStopIdempotent(t *testing.T) {
	p := New(&fakeCaller{}, nil, 0, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p.Start(context.Background())
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
