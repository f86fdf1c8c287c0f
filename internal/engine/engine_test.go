package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/pointstream/pkg/config"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/logger"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewDefault()
	cfg.Global.Paths = []string{t.TempDir()}
	cfg.Engine.Workers = 3
	cfg.Pool.NumBuffers = 4
	cfg.Pool.BufferSize = 256
	return cfg
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{Config: testConfig(t), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.NumBuffers = 0
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg = testConfig(t)
	cfg.Codec.Algorithm = "brotli"
	_, err = New(Options{Config: cfg})
	require.Error(t, err)
}

func TestNewFallsBackToProcessLogger(t *testing.T) {
	e, err := New(Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.NotNil(t, e.Logger())
	assert.True(t, e.Logger().Core().Enabled(zap.InfoLevel))
	assert.Equal(t, logger.Get().Core().Enabled(zap.DebugLevel), e.Logger().Core().Enabled(zap.DebugLevel))
}

func TestDispatchOrderAndExclusivity(t *testing.T) {
	e := newEngine(t)

	var (
		mu      sync.Mutex
		got     []int
		running atomic.Int32
		overlap atomic.Bool
	)
	done := make(chan struct{})
	const n = 200

	require.NoError(t, e.Submit(context.Background(), func(ctx context.Context) {
		for i := 0; i < n; i++ {
			i := i
			e.Dispatch(func() {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
				running.Add(-1)
				if i == n-1 {
					close(done)
				}
			})
		}
	}, nil))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks not delivered")
	}
	assert.False(t, overlap.Load(), "callbacks never run concurrently")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, n)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestConcurrentDispatchFromWorkers(t *testing.T) {
	e := newEngine(t)

	var running atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, e.Submit(context.Background(), func(ctx context.Context) {
			for j := 0; j < 10; j++ {
				wg.Add(1)
				e.Dispatch(func() {
					defer wg.Done()
					if running.Add(1) > 1 {
						overlap.Store(true)
					}
					time.Sleep(time.Microsecond)
					running.Add(-1)
				})
			}
			wg.Done()
		}, nil))
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestWorkerPanicIsRecovered(t *testing.T) {
	e := newEngine(t)

	errs := make(chan error, 1)
	require.NoError(t, e.Submit(context.Background(), func(ctx context.Context) {
		panic("decoder exploded")
	}, func(err error) { errs <- err }))

	select {
	case err := <-errs:
		assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
		assert.Contains(t, err.Error(), "decoder exploded")
		assert.Equal(t, status.CodeInternal, status.FromError(err).Code)
	case <-time.After(5 * time.Second):
		t.Fatal("panic handler not called")
	}

	// The worker survives.
	ran := make(chan struct{})
	require.NoError(t, e.Submit(context.Background(), func(ctx context.Context) { close(ran) }, nil))
	<-ran
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	e := newEngine(t)

	ran := make(chan struct{})
	e.Dispatch(func() { panic("handler bug") })
	e.Dispatch(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher stopped after a panic")
	}
}

func TestRegistry(t *testing.T) {
	e := newEngine(t)

	ctx, c := e.Begin(context.Background(), "read", "s-1", "scan-001")
	_, _ = e.Begin(context.Background(), "hierarchy", "s-1", "scan-001")

	cmds := e.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "read", cmds[0].Kind)
	assert.NotEmpty(t, cmds[0].ID)

	s := e.Stats()
	assert.Equal(t, 2, s.LiveCommands)
	assert.Equal(t, 1, s.CommandsByKind["read"])
	assert.Equal(t, 4, s.Buffers.Size)
	assert.Equal(t, 3, s.Workers)

	e.Finish(c, status.OK)
	e.Finish(c, status.OK)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Len(t, e.Commands(), 1)
	assert.Equal(t, 1, e.Stats().LiveCommands)
}

func TestCloseCancelsAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, err := New(Options{Config: testConfig(t), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctx, c := e.Begin(e.Context(), "read", "s-1", "scan-001")
	started := make(chan struct{})
	var delivered atomic.Bool
	require.NoError(t, e.Submit(ctx, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		e.Dispatch(func() { delivered.Store(true) })
		e.Finish(c, status.OK)
	}, nil))
	<-started

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.True(t, delivered.Load(), "callbacks posted before close are delivered")

	err = e.Submit(context.Background(), func(context.Context) {}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, e.Dispatch(func() {}))
	assert.Empty(t, e.Commands())
}

func TestInitOnce(t *testing.T) {
	_, err := Default()
	assert.ErrorIs(t, err, ErrNotInitialized)

	e, err := Init(Options{Config: testConfig(t), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = Init(Options{Config: testConfig(t)})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, e, got)
}
