package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/pkg/codec"
	"github.com/ajitpratap0/pointstream/pkg/compression"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/json"
	"github.com/ajitpratap0/pointstream/pkg/metrics"
	"github.com/ajitpratap0/pointstream/pkg/observability"
	"github.com/ajitpratap0/pointstream/pkg/pool"
	"github.com/ajitpratap0/pointstream/pkg/query"
	"github.com/ajitpratap0/pointstream/pkg/schema"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

// cancelCheck is how many points are packed between cancellation checks.
const cancelCheck = 1024

// ReadRequest describes a streaming read.
type ReadRequest struct {
	// Schema is the requested output schema as JSON; empty selects the
	// dataset's native schema.
	Schema string
	// Filter is an attribute filter document applied in addition to any
	// filter inside Query.
	Filter string
	// Compress frames each chunk with the engine's compressor.
	Compress bool
	// Scale and Offset map native coordinates to output coordinates as
	// (v - offset) / scale. Zero scale components are treated as 1.
	Scale  *geometry.Point
	Offset *geometry.Point
	// Query is the query document; it must be a JSON object or empty.
	Query json.RawMessage
}

// InitResult is delivered once per read, before any data.
type InitResult struct {
	Status status.Status
	// NumPoints is the total number of points the read will deliver.
	NumPoints uint64
	// Schema is the output schema actually used.
	Schema schema.Schema
	// Compression names the algorithm framing each chunk, if any.
	Compression compression.Algorithm
}

// Chunk is one delivered piece of a read's point stream.
//
// Data holds whole serialized points, or one compressed frame of them. It
// belongs to the receiver until Release, which returns it to the engine's
// pool; chunks that are never released eventually stall every read. The
// final chunk of a stream has Done set and carries the stream's status.
type Chunk struct {
	Data     *pool.Buffer
	Sequence int
	Points   int
	Done     bool
	// Terminated marks a final chunk cut short by Terminate or Destroy.
	Terminated bool
	Status     status.Status
}

// Bytes returns the chunk payload; nil for an empty final chunk.
func (c *Chunk) Bytes() []byte {
	if c.Data == nil {
		return nil
	}
	return c.Data.B
}

// Release returns the chunk's buffer to the pool. Later calls are no-ops.
func (c *Chunk) Release() {
	if c.Data != nil {
		c.Data.Release()
		c.Data = nil
	}
}

// ReadHandler receives a read's callbacks on the dispatcher goroutine.
// OnInit is called exactly once. OnData is called only after a successful
// OnInit, zero or more times, and never after the chunk marked Done.
type ReadHandler interface {
	OnInit(InitResult)
	OnData(*Chunk)
}

// ReadHandlerFuncs adapts a pair of functions to ReadHandler.
type ReadHandlerFuncs struct {
	Init func(InitResult)
	Data func(*Chunk)
}

// OnInit implements ReadHandler.
func (f ReadHandlerFuncs) OnInit(r InitResult) {
	if f.Init != nil {
		f.Init(r)
	}
}

// OnData implements ReadHandler. Chunks are released if Data is nil.
func (f ReadHandlerFuncs) OnData(c *Chunk) {
	if f.Data == nil {
		c.Release()
		return
	}
	f.Data(c)
}

// ReadCommand is a streaming read in progress.
type ReadCommand struct {
	*command
	req     ReadRequest
	handler ReadHandler

	// Owned by the worker running the command.
	codec     *codec.Codec
	ids       []uint64
	sequence  int
	held      *pool.Buffer
	initSent  bool
	finalSent bool
}

// Read starts a streaming read on the bound dataset. Argument errors and
// init failures are reported through OnInit with a 4xx or 5xx status and
// no data follows. The returned command may be used to Terminate early.
func (s *Session) Read(req ReadRequest, handler ReadHandler) *ReadCommand {
	if handler == nil {
		handler = ReadHandlerFuncs{}
	}

	h, bindErr := s.borrow()
	name := ""
	if h != nil {
		name = h.Name()
	}
	c := &ReadCommand{
		command: newCommand(s, "read", h, name),
		req:     req,
		handler: handler,
	}

	if bindErr != nil {
		c.reject(c.fail(bindErr))
		return c
	}
	if err := validateReadRequest(req); err != nil {
		c.reject(c.fail(err))
		return c
	}

	err := c.engine.Submit(c.ctx, c.run, func(err error) {
		c.abort(c.fail(err))
	})
	if err != nil {
		c.reject(c.fail(err))
	}
	return c
}

// Terminate asks the read to stop. The chunk being filled is delivered as
// the final chunk; nothing follows it.
func (c *ReadCommand) Terminate() { c.requestStop() }

func validateReadRequest(req ReadRequest) error {
	var problems []string
	q := strings.TrimSpace(string(req.Query))
	if q != "" && !strings.HasPrefix(q, "{") {
		problems = append(problems, "Invalid query type")
	}
	for _, p := range []*geometry.Point{req.Scale, req.Offset} {
		if p == nil {
			continue
		}
		if _, err := geometry.ParsePoint([]float64{p.X, p.Y, p.Z}); err != nil {
			problems = append(problems, "'scale' and 'offset' must be finite")
			break
		}
	}
	if len(problems) > 0 {
		return errors.New(errors.ErrorTypeValidation, strings.Join(problems, "; "))
	}
	return nil
}

// reject reports a failure detected before the command reached a worker.
func (c *ReadCommand) reject(st status.Status) {
	c.deliverInit(InitResult{Status: st})
	c.terminate()
}

// abort ends a command whose worker task panicked. The init callback
// reports the failure if it has not been delivered yet; otherwise a final
// empty chunk does.
func (c *ReadCommand) abort(st status.Status) {
	if c.held != nil {
		c.held.Release()
		c.held = nil
	}
	switch {
	case c.finalSent:
	case c.initSent:
		c.deliverFinal(nil, 0, st)
	default:
		c.deliverInit(InitResult{Status: st})
	}
	c.terminate()
}

// run executes the command on a worker.
func (c *ReadCommand) run(ctx context.Context) {
	c.execute(ctx)
	c.terminate()
}

func (c *ReadCommand) execute(ctx context.Context) {
	if !c.transition(Initializing) {
		return
	}
	if err := c.init(ctx); err != nil {
		st := c.fail(err)
		c.deliverInit(InitResult{Status: st})
		return
	}
	c.transition(Initialized)

	result := InitResult{
		Status:    status.OK,
		NumPoints: uint64(len(c.ids)),
		Schema:    c.codec.Schema(),
	}
	if c.req.Compress {
		result.Compression = c.engine.Compressor().Algorithm()
	}
	c.deliverInit(result)
	c.span.SetAttributes(observability.PointsKey.Int(len(c.ids)))

	if len(c.ids) == 0 {
		c.transition(Completed)
		return
	}

	c.transition(Executing)
	if c.stream(ctx) {
		c.transition(Completed)
	}
}

func (c *ReadCommand) deliverInit(result InitResult) {
	c.initSent = true
	handler := c.handler
	c.engine.Dispatch(func() { handler.OnInit(result) })
}

// init validates the request against the dataset and resolves the ids.
func (c *ReadCommand) init(ctx context.Context) error {
	r := c.handle.Reader()

	q, err := query.Parse(string(c.req.Query))
	if err != nil {
		return err
	}
	if f := strings.TrimSpace(c.req.Filter); f != "" && f != "null" {
		if len(q.Filter) == 0 {
			q.Filter = json.RawMessage(f)
		} else {
			q.Filter = json.RawMessage(`{"$and":[` + string(q.Filter) + `,` + f + `]}`)
		}
	}

	out, err := schema.Parse(c.req.Schema)
	if err != nil {
		return err
	}
	var comp compression.Compressor
	if c.req.Compress {
		comp = c.engine.Compressor()
	}
	t := geometry.NewTransform(c.req.Scale, c.req.Offset)
	c.codec, err = codec.New(r.Schema(), out, t, comp)
	if err != nil {
		return err
	}

	ids, err := r.ResolveIDs(ctx, q.Resolve(t))
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []uint64{}
	}
	c.ids = ids
	c.logger.Debug("read initialized",
		zap.Int("points", len(ids)),
		zap.Int("point_size", c.codec.PointSize()),
		zap.Bool("compress", c.req.Compress))
	return nil
}

// stream packs points into pool buffers and delivers them in order. On a
// decode error it records the failure and delivers what was packed before
// it as the final chunk. It reports whether the stream ended without error.
func (c *ReadCommand) stream(ctx context.Context) bool {
	r := c.handle.Reader()
	buffers := c.engine.Buffers()
	target := buffers.BufferSize()

	valuesPtr := pool.Float64SlicePool.Get()
	defer pool.Float64SlicePool.Put(valuesPtr)
	var scratchPtr *[]byte
	if c.codec.Compressed() {
		scratchPtr = pool.ByteSlicePool.Get()
		defer pool.ByteSlicePool.Put(scratchPtr)
	}

	next := 0
	for next < len(c.ids) {
		buf, err := buffers.Acquire(ctx)
		if err != nil {
			// Stopped while waiting for a buffer: end the stream empty.
			c.deliverFinal(nil, 0, status.OK)
			return true
		}
		c.held = buf

		raw := buf.B[:0]
		if scratchPtr != nil {
			raw = (*scratchPtr)[:0]
		}

		start := next
		var decodeErr error
		for next < len(c.ids) {
			if next > start && len(raw)+c.codec.PointSize() > target {
				break
			}
			if n := next - start; n > 0 && n%cancelCheck == 0 && c.stopRequested() {
				break
			}
			*valuesPtr, decodeErr = r.Point(c.ids[next], *valuesPtr)
			if decodeErr != nil {
				break
			}
			raw = c.codec.Append(raw, *valuesPtr)
			next++
		}
		points := next - start

		if scratchPtr != nil {
			*scratchPtr = raw
			framed, err := c.codec.Frame(buf.B[:0], raw)
			if err != nil && decodeErr == nil {
				decodeErr = errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress chunk")
				framed = buf.B[:0]
				points = 0
			}
			buf.B = framed
		} else {
			buf.B = raw
		}

		metrics.PointsStreamed.Add(float64(points))
		metrics.BytesStreamed.Add(float64(len(buf.B)))

		switch {
		case decodeErr != nil:
			c.deliverFinal(buf, points, c.fail(decodeErr))
			return false
		case next == len(c.ids):
			c.deliverChunk(&Chunk{Data: buf, Points: points, Done: true, Status: status.OK})
			return true
		case c.stopRequested():
			c.deliverFinal(buf, points, status.OK)
			return true
		default:
			c.deliverChunk(&Chunk{Data: buf, Points: points, Status: status.OK})
		}
	}
	return true
}

// deliverFinal ends the stream with buf, which may be nil. A stream that
// ends because of a stop request is marked Terminated.
func (c *ReadCommand) deliverFinal(buf *pool.Buffer, points int, st status.Status) {
	c.deliverChunk(&Chunk{
		Data:       buf,
		Points:     points,
		Done:       true,
		Terminated: st.Ok() && c.stopRequested(),
		Status:     st,
	})
}

func (c *ReadCommand) deliverChunk(chunk *Chunk) {
	chunk.Sequence = c.sequence
	c.sequence++
	c.held = nil
	if chunk.Done {
		c.finalSent = true
	}
	handler := c.handler
	if !c.engine.Dispatch(func() { handler.OnData(chunk) }) {
		chunk.Release()
	}
}
