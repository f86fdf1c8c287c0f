package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/pointstream/internal/engine"
	"github.com/ajitpratap0/pointstream/pkg/codec"
	"github.com/ajitpratap0/pointstream/pkg/config"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/index"
	"github.com/ajitpratap0/pointstream/pkg/json"
	"github.com/ajitpratap0/pointstream/pkg/query"
	"github.com/ajitpratap0/pointstream/pkg/reader"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

// scanCSV has three points inside [0,10]^3 and two outside. Its native
// point is 27 bytes, so a 64-byte buffer holds two points.
const scanCSV = `X,Y,Z,Intensity,Classification
1,1,1,100,2
5,5,5,200,2
9,9,9,300,6
20,20,20,400,2
-5,15,3,500,9
`

const (
	dataset = "scan-001"
	timeout = 2 * time.Second
)

func newTestEngine(t *testing.T, buffers int) *engine.Engine {
	t.Helper()
	return newWrappedEngine(t, buffers, nil, nil)
}

// newWrappedEngine is newTestEngine with the index opener passed through
// wrap and, when log is non-nil, a caller-supplied logger.
func newWrappedEngine(t *testing.T, buffers int, log *zap.Logger, wrap func(reader.Opener) reader.Opener) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, dataset+".csv"), []byte(scanCSV), 0o600))

	cfg := config.NewDefault()
	cfg.Global.Paths = []string{dir}
	cfg.Global.CacheSize = 4
	cfg.Engine.Workers = 2
	cfg.Pool.NumBuffers = buffers
	cfg.Pool.BufferSize = 64
	cfg.Index.PointsPerNode = 2

	if log == nil {
		log = zaptest.NewLogger(t)
	}
	var opener reader.Opener = index.NewOpener(cfg.Index, log)
	if wrap != nil {
		opener = wrap(opener)
	}

	e, err := engine.New(engine.Options{Config: cfg, Logger: log, Opener: opener})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func create(t *testing.T, s *Session, name string) status.Status {
	t.Helper()
	done := make(chan status.Status, 1)
	s.Create(name, func(st status.Status) { done <- st })
	select {
	case st := <-done:
		return st
	case <-time.After(timeout):
		t.Fatal("create callback not delivered")
		return status.Status{}
	}
}

func boundSession(t *testing.T, e *engine.Engine) *Session {
	t.Helper()
	s := New(e)
	t.Cleanup(s.Destroy)
	require.True(t, create(t, s, dataset).Ok())
	return s
}

// recorder captures read callbacks. Chunks are kept, unreleased, for the
// test to inspect.
type recorder struct {
	inits  chan InitResult
	chunks chan *Chunk
}

func newRecorder() *recorder {
	return &recorder{inits: make(chan InitResult, 4), chunks: make(chan *Chunk, 64)}
}

func (r *recorder) handler() ReadHandler {
	return ReadHandlerFuncs{
		Init: func(res InitResult) { r.inits <- res },
		Data: func(c *Chunk) { r.chunks <- c },
	}
}

func (r *recorder) init(t *testing.T) InitResult {
	t.Helper()
	select {
	case res := <-r.inits:
		return res
	case <-time.After(timeout):
		t.Fatal("init callback not delivered")
		return InitResult{}
	}
}

func (r *recorder) next(t *testing.T) *Chunk {
	t.Helper()
	select {
	case c := <-r.chunks:
		return c
	case <-time.After(timeout):
		t.Fatal("data callback not delivered")
		return nil
	}
}

// drain collects chunk payloads through the final chunk, releasing each.
func (r *recorder) drain(t *testing.T) ([][]byte, *Chunk) {
	t.Helper()
	var payloads [][]byte
	for {
		c := r.next(t)
		payloads = append(payloads, append([]byte(nil), c.Bytes()...))
		c.Release()
		if c.Done {
			return payloads, c
		}
	}
}

func (r *recorder) assertQuiet(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-r.chunks:
		t.Fatalf("unexpected data callback: sequence %d", c.Sequence)
	case res := <-r.inits:
		t.Fatalf("unexpected init callback: %v", res.Status)
	case <-time.After(wait):
	}
}

// expected packs the points a direct reader query returns, in order.
func expected(t *testing.T, e *engine.Engine, raw string, c *codec.Codec) []byte {
	t.Helper()
	h, err := e.Cache().Acquire(context.Background(), dataset, e.Cache().Params())
	require.NoError(t, err)
	defer h.Release()

	q, err := query.Parse(raw)
	require.NoError(t, err)
	ids, err := h.Reader().ResolveIDs(context.Background(), q)
	require.NoError(t, err)

	var out []byte
	for _, id := range ids {
		values, err := h.Reader().Point(id, nil)
		require.NoError(t, err)
		out = c.Append(out, values)
	}
	return out
}

func TestCreateSharesOneReader(t *testing.T) {
	e := newTestEngine(t, 4)
	a := boundSession(t, e)
	b := boundSession(t, e)

	assert.Equal(t, dataset, a.Name())
	assert.Equal(t, dataset, b.Name())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, int64(1), e.Cache().Stats().Builds)
}

func TestConcurrentCreatesShareOneBuild(t *testing.T) {
	var opens atomic.Int32
	e := newWrappedEngine(t, 4, nil, func(o reader.Opener) reader.Opener {
		return reader.OpenerFunc(func(ctx context.Context, name string, p reader.OpenParams) (reader.Reader, error) {
			opens.Add(1)
			// Keep the build open long enough for the other creates to join it.
			time.Sleep(20 * time.Millisecond)
			return o.Open(ctx, name, p)
		})
	})

	const n = 16
	results := make(chan status.Status, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		s := New(e)
		t.Cleanup(s.Destroy)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.Create(dataset, func(st status.Status) { results <- st })
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case st := <-results:
			assert.True(t, st.Ok(), st.String())
		case <-time.After(timeout):
			t.Fatalf("only %d of %d create callbacks delivered", i, n)
		}
	}
	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, int64(1), e.Cache().Stats().Builds)
}

func TestCreateErrors(t *testing.T) {
	e := newTestEngine(t, 4)

	s := New(e)
	defer s.Destroy()
	st := create(t, s, "scan-404")
	assert.Equal(t, status.NotFound("Not found"), st)
	assert.False(t, s.Bound())

	st = create(t, s, "  ")
	assert.Equal(t, status.CodeBadRequest, st.Code)

	require.True(t, create(t, s, dataset).Ok(), "a failed create may be retried")
	st = create(t, s, dataset)
	assert.Equal(t, status.CodeConflict, st.Code)

	s.Destroy()
	assert.False(t, s.Bound())
	st = create(t, s, dataset)
	assert.Equal(t, status.CodeBadRequest, st.Code)
}

func TestUnboundQueries(t *testing.T) {
	e := newTestEngine(t, 4)
	s := New(e)
	defer s.Destroy()

	_, err := s.Info()
	require.Error(t, err)
	assert.Equal(t, status.CodeBadRequest, status.FromError(err).Code)

	_, err = s.Files(nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnbound)

	rec := newRecorder()
	s.Read(ReadRequest{}, rec.handler())
	assert.Equal(t, status.CodeBadRequest, rec.init(t).Status.Code)

	got := make(chan status.Status, 1)
	s.Hierarchy(nil, func(st status.Status, doc []byte) {
		assert.Nil(t, doc)
		got <- st
	})
	select {
	case st := <-got:
		assert.Equal(t, status.CodeBadRequest, st.Code)
	case <-time.After(timeout):
		t.Fatal("hierarchy callback not delivered")
	}
	rec.assertQuiet(t, 20*time.Millisecond)
}

func TestInfoAndFiles(t *testing.T) {
	e := newTestEngine(t, 4)
	s := boundSession(t, e)

	raw, err := s.Info()
	require.NoError(t, err)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.EqualValues(t, 5, info["numPoints"])

	raw, err = s.Files(nil, nil, nil)
	require.NoError(t, err)
	var files []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &files))
	require.Len(t, files, 1)
	assert.EqualValues(t, 5, files[0]["points"])
	assert.Equal(t, []interface{}{-5.0, 1.0, 1.0, 20.0, 20.0, 20.0}, files[0]["bounds"])

	// Zero scale components behave as 1.
	raw, err = s.Files(json.RawMessage(`{"origin":0}`), &geometry.Point{X: 2, Y: 0, Z: 2}, nil)
	require.NoError(t, err)
	files = nil
	require.NoError(t, json.Unmarshal(raw, &files))
	require.Len(t, files, 1)
	assert.Equal(t, []interface{}{-2.5, 1.0, 0.5, 10.0, 20.0, 10.0}, files[0]["bounds"])

	// Search bounds are given in the scaled space.
	raw, err = s.Files(json.RawMessage(`[100,100,100,200,200,200]`), &geometry.Point{X: 0.1, Y: 0.1, Z: 0.1}, nil)
	require.NoError(t, err)
	files = nil
	require.NoError(t, json.Unmarshal(raw, &files))
	assert.Len(t, files, 1)

	raw, err = s.Files(json.RawMessage(`3`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)))

	_, err = s.Files(json.RawMessage(`{"colour":1}`), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestReadBounds(t *testing.T) {
	e := newTestEngine(t, 4)
	s := boundSession(t, e)

	rec := newRecorder()
	s.Read(ReadRequest{Query: json.RawMessage(`{"bounds":[0,0,0,10,10,10]}`)}, rec.handler())

	res := rec.init(t)
	require.True(t, res.Status.Ok(), res.Status.Message)
	assert.Equal(t, uint64(3), res.NumPoints)

	payloads, last := rec.drain(t)
	assert.True(t, last.Status.Ok())
	assert.False(t, last.Terminated)

	c, err := codec.New(res.Schema, nil, nil, nil)
	require.NoError(t, err)
	var points [][]float64
	for i, p := range payloads {
		decoded, err := c.Decode(p)
		require.NoError(t, err, "chunk %d", i)
		points = append(points, decoded...)
	}
	require.Len(t, points, 3)
	for _, p := range points {
		assert.GreaterOrEqual(t, p[0], 0.0)
		assert.LessOrEqual(t, p[0], 10.0)
	}
	rec.assertQuiet(t, 20*time.Millisecond)
}

func TestReadLosslessConcatenation(t *testing.T) {
	for _, compress := range []bool{false, true} {
		compress := compress
		name := "raw"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, 4)
			s := boundSession(t, e)

			rec := newRecorder()
			s.Read(ReadRequest{
				Schema:   `[{"name":"X","type":"signed","size":4},{"name":"Intensity","type":"unsigned","size":2}]`,
				Compress: compress,
				Scale:    &geometry.Point{X: 0.01, Y: 0.01, Z: 0.01},
			}, rec.handler())

			res := rec.init(t)
			require.True(t, res.Status.Ok(), res.Status.Message)
			assert.Equal(t, uint64(5), res.NumPoints)

			comp := e.Compressor()
			if compress {
				assert.Equal(t, comp.Algorithm(), res.Compression)
			} else {
				comp = nil
			}
			h, err := e.Cache().Acquire(context.Background(), dataset, e.Cache().Params())
			require.NoError(t, err)
			native := h.Reader().Schema()
			h.Release()

			scaled := geometry.NewTransform(&geometry.Point{X: 0.01, Y: 0.01, Z: 0.01}, nil)
			c, err := codec.New(native, res.Schema, scaled, comp)
			require.NoError(t, err)
			assert.Equal(t, 6, c.PointSize())

			payloads, last := rec.drain(t)
			require.True(t, last.Status.Ok())
			require.NotEmpty(t, payloads)

			var got []byte
			for _, p := range payloads {
				raw, err := c.Unframe(p)
				require.NoError(t, err)
				got = append(got, raw...)
			}
			assert.Equal(t, expected(t, e, "", c), got)
		})
	}
}

func TestReadFilterAndEmpty(t *testing.T) {
	e := newTestEngine(t, 4)
	s := boundSession(t, e)

	rec := newRecorder()
	s.Read(ReadRequest{
		Query:  json.RawMessage(`{"bounds":[0,0,0,10,10,10]}`),
		Filter: `{"Classification":2}`,
	}, rec.handler())
	res := rec.init(t)
	require.True(t, res.Status.Ok(), res.Status.Message)
	assert.Equal(t, uint64(2), res.NumPoints)
	rec.drain(t)

	rec = newRecorder()
	s.Read(ReadRequest{Query: json.RawMessage(`{"bounds":[100,100,100,200,200,200]}`)}, rec.handler())
	res = rec.init(t)
	require.True(t, res.Status.Ok())
	assert.Equal(t, uint64(0), res.NumPoints)
	rec.assertQuiet(t, 50*time.Millisecond)
}

func TestReadRejections(t *testing.T) {
	e := newTestEngine(t, 4)
	s := boundSession(t, e)

	cases := map[string]ReadRequest{
		"unknown dimension": {Schema: `[{"name":"Red","type":"unsigned","size":2}]`},
		"invalid schema":    {Schema: `{"name":"X"}`},
		"query type":        {Query: json.RawMessage(`[0,0,0,1,1,1]`)},
		"bad filter":        {Filter: `{"Red":1}`},
		"bad bounds":        {Query: json.RawMessage(`{"bounds":[1,2]}`)},
	}
	for name, req := range cases {
		req := req
		t.Run(name, func(t *testing.T) {
			rec := newRecorder()
			s.Read(req, rec.handler())
			res := rec.init(t)
			assert.Equal(t, status.CodeBadRequest, res.Status.Code, res.Status.Message)
			rec.assertQuiet(t, 20*time.Millisecond)
		})
	}

	rec := newRecorder()
	s.Read(ReadRequest{Query: json.RawMessage(`"x"`)}, rec.handler())
	assert.Equal(t, "Invalid query type", rec.init(t).Status.Message)
}

func TestReadBackpressure(t *testing.T) {
	e := newTestEngine(t, 2)
	s := boundSession(t, e)

	rec := newRecorder()
	s.Read(ReadRequest{}, rec.handler())
	require.True(t, rec.init(t).Status.Ok())

	// Five 27-byte points need three chunks but only two buffers exist.
	first := rec.next(t)
	second := rec.next(t)
	assert.False(t, second.Done)
	rec.assertQuiet(t, 50*time.Millisecond)
	assert.LessOrEqual(t, e.Buffers().Stats().InUse, int64(2))

	first.Release()
	last := rec.next(t)
	assert.True(t, last.Done)
	assert.Equal(t, 2, last.Sequence)
	second.Release()
	last.Release()

	assert.LessOrEqual(t, e.Buffers().Stats().Peak, int64(2))
	assert.Eventually(t, func() bool { return e.Buffers().Stats().InUse == 0 }, timeout, 5*time.Millisecond)
}

func TestTerminateRead(t *testing.T) {
	e := newTestEngine(t, 1)
	s := boundSession(t, e)

	rec := newRecorder()
	cmd := s.Read(ReadRequest{}, rec.handler())
	require.True(t, rec.init(t).Status.Ok())

	held := rec.next(t)
	cmd.Terminate()
	last := rec.next(t)
	assert.True(t, last.Done)
	assert.True(t, last.Terminated)
	assert.Nil(t, last.Bytes())
	held.Release()

	rec.assertQuiet(t, 50*time.Millisecond)
	assert.True(t, s.Bound(), "terminating a read leaves the session bound")
	assert.Eventually(t, func() bool { return len(e.Commands()) == 0 }, timeout, 5*time.Millisecond)
	assert.Equal(t, Terminated, cmd.State())
}

func TestDestroyMidStream(t *testing.T) {
	e := newTestEngine(t, 2)
	s := New(e)
	require.True(t, create(t, s, dataset).Ok())

	rec := newRecorder()
	s.Read(ReadRequest{}, rec.handler())
	require.True(t, rec.init(t).Status.Ok())
	first := rec.next(t)
	second := rec.next(t)

	s.Destroy()
	last := rec.next(t)
	assert.True(t, last.Done)
	assert.True(t, last.Terminated)

	// Data already delivered stays readable after Destroy.
	assert.NotEmpty(t, first.Bytes())
	first.Release()
	second.Release()

	rec.assertQuiet(t, 50*time.Millisecond)
	assert.Eventually(t, func() bool {
		st := e.Cache().Stats()
		return len(e.Commands()) == 0 && st.Idle == 1
	}, timeout, 5*time.Millisecond, "the reader is idle once every reference is gone")
}

// corruptReader fails to decode the failAt-th point it is asked for.
type corruptReader struct {
	reader.Reader
	failAt int32
	calls  atomic.Int32
}

func (r *corruptReader) Point(id uint64, dst []float64) ([]float64, error) {
	if r.calls.Add(1)-1 == r.failAt {
		return dst, errors.Newf(errors.ErrorTypeData, "point %d is corrupt", id)
	}
	return r.Reader.Point(id, dst)
}

func TestReadDecodeFailure(t *testing.T) {
	tests := []struct {
		name   string
		failAt int32
		// full is the number of complete two-point chunks before the final one.
		full int
	}{
		{name: "mid stream", failAt: 3, full: 1},
		{name: "first point", failAt: 0, full: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)
			e := newWrappedEngine(t, 4, zap.New(core), func(o reader.Opener) reader.Opener {
				return reader.OpenerFunc(func(ctx context.Context, name string, p reader.OpenParams) (reader.Reader, error) {
					r, err := o.Open(ctx, name, p)
					if err != nil {
						return nil, err
					}
					return &corruptReader{Reader: r, failAt: tt.failAt}, nil
				})
			})
			s := boundSession(t, e)

			rec := newRecorder()
			cmd := s.Read(ReadRequest{}, rec.handler())
			res := rec.init(t)
			require.True(t, res.Status.Ok(), "decoding starts after the init callback")
			assert.Equal(t, uint64(5), res.NumPoints)

			var chunks []*Chunk
			for {
				c := rec.next(t)
				chunks = append(chunks, c)
				if c.Done {
					break
				}
			}
			require.Len(t, chunks, tt.full+1)

			for i, c := range chunks[:tt.full] {
				assert.Equal(t, i, c.Sequence)
				assert.True(t, c.Status.Ok())
				assert.Equal(t, 2, c.Points)
				assert.Len(t, c.Bytes(), 2*27)
			}

			last := chunks[tt.full]
			assert.Equal(t, status.Internal("Error during read"), last.Status)
			assert.False(t, last.Terminated)
			packed := int(tt.failAt) - 2*tt.full
			assert.Equal(t, packed, last.Points, "points packed before the failure are delivered")
			assert.Len(t, last.Bytes(), packed*27)

			for _, c := range chunks {
				c.Release()
			}
			rec.assertQuiet(t, 50*time.Millisecond)
			assert.Eventually(t, func() bool {
				return e.Buffers().Stats().InUse == 0 && len(e.Commands()) == 0
			}, timeout, 5*time.Millisecond)
			assert.Equal(t, Terminated, cmd.State())
			assert.Equal(t, status.CodeInternal, cmd.Status().Code)
			assert.Equal(t, 1, logs.FilterMessage("command failed").Len(), "the failure is logged once")
		})
	}
}

func TestHierarchy(t *testing.T) {
	e := newTestEngine(t, 4)
	s := boundSession(t, e)

	run := func(q string) (status.Status, []byte) {
		t.Helper()
		type result struct {
			st  status.Status
			doc []byte
		}
		got := make(chan result, 1)
		s.Hierarchy(json.RawMessage(q), func(st status.Status, doc []byte) { got <- result{st, doc} })
		select {
		case r := <-got:
			return r.st, r.doc
		case <-time.After(timeout):
			t.Fatal("hierarchy callback not delivered")
			return status.Status{}, nil
		}
	}

	st, doc := run(`{"bounds":[100,100,100,200,200,200]}`)
	require.True(t, st.Ok())
	assert.Equal(t, "{}", strings.TrimSpace(string(doc)))

	st, doc = run("")
	require.True(t, st.Ok())
	var tree map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &tree))
	assert.EqualValues(t, 2, tree["n"], "the root node holds two points")
	assert.NotEmpty(t, tree)

	st, doc = run(`"everything"`)
	assert.Equal(t, status.BadRequest("Invalid query type"), st)
	assert.Nil(t, doc)

	st, _ = run(`{"depthBegin":-1}`)
	assert.Equal(t, status.CodeBadRequest, st.Code)

	st, doc = run(`{"filter":{"Classification":7}}`)
	require.True(t, st.Ok())
	assert.Equal(t, "{}", strings.TrimSpace(string(doc)), "filtered counts exclude non-matching points")

	st, _ = run(`{"filter":{"Red":1}}`)
	assert.Equal(t, status.CodeBadRequest, st.Code)
}

func TestCommandStatesAreOrdered(t *testing.T) {
	assert.True(t, allowed(Created, Initializing))
	assert.True(t, allowed(Executing, Terminated))
	assert.False(t, allowed(Completed, Executing))
	assert.False(t, allowed(Terminated, Failed))
	assert.Equal(t, "executing", Executing.String())
	assert.Equal(t, "unknown", State(42).String())
}
