package delivery

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/matchwatch/internal/model"
	"github.com/drblury/matchwatch/internal/runtime"
	configpkg "github.com/drblury/matchwatch/internal/runtime/config"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

type fakeResolver struct {
	channels map[string]string
	err      error
}

func (f *fakeResolver) ResolveActiveDestination(_ context.Context, groupID string) (Destination, bool, error) {
	if f.err != nil {
		return Destination{}, false, f.err
	}
	ch, ok := f.channels[groupID]
	if !ok {
		return Destination{}, false, nil
	}
	return Destination{GroupID: groupID, ChannelID: ch}, true, nil
}

type interval struct{ start, end time.Time }

// fakeConnector records when each connection was open and fails when two
// connections overlap.
type fakeConnector struct {
	mu          sync.Mutex
	active      int32
	overlap     atomic.Bool
	intervals   []interval
	connects    int
	connectErr  error
	streamErr   error
	streamDelay time.Duration
	streamed    [][]byte
}

func (f *fakeConnector) Connect(context.Context, Destination) (Connection, error) {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if atomic.AddInt32(&f.active, 1) > 1 {
		f.overlap.Store(true)
	}
	return &fakeConnection{parent: f, start: time.Now()}, nil
}

type fakeConnection struct {
	parent *fakeConnector
	start  time.Time
}

func (c *fakeConnection) Stream(_ context.Context, r io.Reader) error {
	data, _ := io.ReadAll(r)
	time.Sleep(c.parent.streamDelay)
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	c.parent.streamed = append(c.parent.streamed, data)
	return c.parent.streamErr
}

func (c *fakeConnection) Disconnect() error {
	c.parent.mu.Lock()
	c.parent.intervals = append(c.parent.intervals, interval{c.start, time.Now()})
	c.parent.mu.Unlock()
	atomic.AddInt32(&c.parent.active, -1)
	return nil
}

type fileRenderer struct {
	dir   string
	n     atomic.Int32
	err   error
	paths []string
	mu    sync.Mutex
}

func (r *fileRenderer) Render(_ context.Context, text string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	path := filepath.Join(r.dir, "artifact-"+string(rune('a'+r.n.Add(1)))+".ogg")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	return path, nil
}

func newConsumer(t *testing.T, resolver Resolver, connector Connector, renderer Renderer) (*Consumer, *[]State) {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	c, err := NewConsumer(Dependencies{Resolver: resolver, Connector: connector, Renderer: renderer, Metrics: metrics})
	require.NoError(t, err)

	var mu sync.Mutex
	states := &[]State{}
	c.observe = func(_ string, s State) {
		mu.Lock()
		defer mu.Unlock()
		*states = append(*states, s)
	}
	return c, states
}

func TestDeliverPlaysAndCleansUp(t *testing.T) {
	renderer := &fileRenderer{dir: t.TempDir()}
	conn := &fakeConnector{}
	c, states := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, renderer)

	require.NoError(t, c.Deliver(context.Background(), model.EnrichmentArtifact{Text: "Ada placed 8th", GroupID: "G1"}))

	require.Len(t, conn.streamed, 1)
	assert.Equal(t, "Ada placed 8th", string(conn.streamed[0]))
	assert.Equal(t, []State{
		StateReceived, StateResolvingDestination, StateAwaitingLock,
		StateConnected, StateStreaming, StateDisconnected,
	}, *states)
	assert.NoFileExists(t, renderer.paths[0])
	assert.True(t, c.lock.tryAcquire(), "lock must be free after delivery")
}

func TestMissingDestinationIsNoOp(t *testing.T) {
	renderer := &fileRenderer{dir: t.TempDir()}
	conn := &fakeConnector{}
	c, states := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, renderer)

	// Holding the lock proves the no-op path never waits on it.
	require.True(t, c.lock.tryAcquire())
	defer c.lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Deliver(ctx, model.EnrichmentArtifact{Text: "zinger", GroupID: "G2"}))

	assert.Zero(t, conn.connects)
	assert.Empty(t, renderer.paths)
	assert.Equal(t, []State{StateReceived, StateResolvingDestination, StateDisconnected}, *states)
}

func TestResolverErrorNacks(t *testing.T) {
	c, _ := newConsumer(t, &fakeResolver{err: errors.New("gateway closed")}, &fakeConnector{}, &fileRenderer{dir: t.TempDir()})
	require.Error(t, c.Deliver(context.Background(), model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"}))
}

func TestConnectFailureReleasesLockAndNacks(t *testing.T) {
	renderer := &fileRenderer{dir: t.TempDir()}
	conn := &fakeConnector{connectErr: errors.New("voice timeout")}
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, renderer)

	err := c.Deliver(context.Background(), model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"})
	require.Error(t, err)
	assert.True(t, c.lock.tryAcquire())
	c.lock.Release()
	assert.NoFileExists(t, renderer.paths[0], "inline renders are redone on redelivery")
}

func TestStreamFailureReleasesLockAndNacks(t *testing.T) {
	conn := &fakeConnector{streamErr: errors.New("udp write failed")}
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, &fileRenderer{dir: t.TempDir()})

	require.Error(t, c.Deliver(context.Background(), model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"}))
	assert.Zero(t, atomic.LoadInt32(&conn.active), "connection must be closed")
	assert.True(t, c.lock.tryAcquire())
	c.lock.Release()
}

func TestPrerenderedAudioSurvivesNack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pre.ogg")
	require.NoError(t, os.WriteFile(path, []byte("opus"), 0o600))
	conn := &fakeConnector{streamErr: errors.New("udp write failed")}
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, nil)

	require.Error(t, c.Deliver(context.Background(), model.EnrichmentArtifact{GroupID: "G1", AudioPath: path}))
	assert.FileExists(t, path)

	conn.streamErr = nil
	require.NoError(t, c.Deliver(context.Background(), model.EnrichmentArtifact{GroupID: "G1", AudioPath: path}))
	assert.NoFileExists(t, path)
}

func TestMissingSourceIsAcked(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, nil)

	missing := filepath.Join(t.TempDir(), "gone.ogg")
	require.NoError(t, c.Deliver(context.Background(), model.EnrichmentArtifact{GroupID: "G1", AudioPath: missing}))
	require.NoError(t, c.Deliver(context.Background(), model.EnrichmentArtifact{GroupID: "G1"}))
	assert.Zero(t, conn.connects)
	assert.True(t, c.lock.tryAcquire())
	c.lock.Release()
}

func TestInvalidAudioIsAckedAfterDisconnect(t *testing.T) {
	conn := &fakeConnector{streamErr: ErrSourceMissing}
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, &fileRenderer{dir: t.TempDir()})

	require.NoError(t, c.Deliver(context.Background(), model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"}))
	assert.Zero(t, atomic.LoadInt32(&conn.active))
	assert.True(t, c.lock.tryAcquire())
	c.lock.Release()
}

func TestRenderFailureNacksWithoutLock(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, &fileRenderer{err: errors.New("tts down")})

	require.Error(t, c.Deliver(context.Background(), model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"}))
	assert.Zero(t, conn.connects)
}

func TestConcurrentDeliveriesAreSerialized(t *testing.T) {
	conn := &fakeConnector{streamDelay: 20 * time.Millisecond}
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1", "G3": "voice-3"}}, conn, &fileRenderer{dir: t.TempDir()})

	var wg sync.WaitGroup
	for i := range 6 {
		group := "G1"
		if i%2 == 1 {
			group = "G3"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Deliver(context.Background(), model.EnrichmentArtifact{Text: "zinger", GroupID: group}))
		}()
	}
	wg.Wait()

	assert.False(t, conn.overlap.Load(), "two connections were open at once")
	require.Len(t, conn.intervals, 6)
	for i, a := range conn.intervals {
		for j, b := range conn.intervals {
			if i != j {
				assert.True(t, !a.start.Before(b.end) || !b.start.Before(a.end), "intervals %d and %d overlap", i, j)
			}
		}
	}
}

func TestLockHonoursContextAndOrder(t *testing.T) {
	lock := NewPlaybackLock()
	require.NoError(t, lock.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, lock.Acquire(ctx), context.DeadlineExceeded)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if assert.NoError(t, lock.Acquire(context.Background())) {
				order <- i
			}
			lock.Release()
		}()
		// Let each waiter enqueue before the next one.
		time.Sleep(10 * time.Millisecond)
	}
	lock.Release()
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

// gatedConnector streams until release is closed or the stream context ends.
type gatedConnector struct {
	started chan struct{}
	release chan struct{}
	result  chan error
}

func newGatedConnector() *gatedConnector {
	return &gatedConnector{started: make(chan struct{}, 1), release: make(chan struct{}), result: make(chan error, 1)}
}

func (g *gatedConnector) Connect(context.Context, Destination) (Connection, error) { return g, nil }

func (g *gatedConnector) Stream(ctx context.Context, _ io.Reader) error {
	g.started <- struct{}{}
	var err error
	select {
	case <-g.release:
	case <-ctx.Done():
		err = ctx.Err()
	}
	g.result <- err
	return err
}

func (g *gatedConnector) Disconnect() error { return nil }

func waitStarted(t *testing.T, g *gatedConnector) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not start")
	}
}

func TestInFlightPlaybackSurvivesCancellation(t *testing.T) {
	conn := newGatedConnector()
	c, _ := newConsumer(t, &fakeResolver{channels: map[string]string{"G1": "voice-1"}}, conn, &fileRenderer{dir: t.TempDir()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Deliver(ctx, model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"}) }()

	waitStarted(t, conn)
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(conn.release)

	require.NoError(t, <-done)
	assert.NoError(t, <-conn.result)
	assert.True(t, c.lock.tryAcquire())
}

func TestInFlightPlaybackBoundedByShutdownGrace(t *testing.T) {
	conn := newGatedConnector()
	c, err := NewConsumer(Dependencies{
		Resolver:      &fakeResolver{channels: map[string]string{"G1": "voice-1"}},
		Connector:     conn,
		Renderer:      &fileRenderer{dir: t.TempDir()},
		ShutdownGrace: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Deliver(ctx, model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"}) }()

	waitStarted(t, conn)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("playback outlived its shutdown grace")
	}
	assert.True(t, c.lock.tryAcquire())
}

func TestServiceShutdownLetsPlaybackFinish(t *testing.T) {
	svc, err := runtime.NewService(context.Background(), &configpkg.Config{PubSubSystem: "channel", CloseTimeout: 5 * time.Second},
		loggingpkg.Discard(), runtime.ServiceDependencies{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	conn := newGatedConnector()
	c, err := NewConsumer(Dependencies{
		Resolver:      &fakeResolver{channels: map[string]string{"G1": "voice-1"}},
		Connector:     conn,
		Renderer:      &fileRenderer{dir: t.TempDir()},
		ShutdownGrace: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, c.Register(svc, "zingers", 1))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- svc.Start(ctx) }()
	<-svc.Running()

	require.NoError(t, svc.PublishJSON(context.Background(), "zingers", &model.EnrichmentArtifact{Text: "zinger", GroupID: "G1"}, nil))
	waitStarted(t, conn)

	cancel()
	time.AfterFunc(200*time.Millisecond, func() { close(conn.release) })

	select {
	case err := <-conn.result:
		assert.NoError(t, err, "shutdown must not cut off a playback in progress")
	case <-time.After(5 * time.Second):
		t.Fatal("stream never finished")
	}
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_lock", StateAwaitingLock.String())
	assert.Equal(t, "unknown", State(42).String())
}
