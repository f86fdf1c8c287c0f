// Package pointstream is an asynchronous, memory-bounded query engine for
// point cloud datasets.
//
// A dataset is one or more point files (CSV, optionally compressed)
// located through a storage arbiter that reads local files, S3, GCS and
// HTTP. The first session to name a dataset indexes it into an in-memory
// octree; every later session shares the same reader through a
// reference-counted cache, and idle readers are evicted least recently
// released first.
//
// # Architecture
//
//   - internal/engine: fixed worker goroutines for blocking work, one
//     dispatcher goroutine delivering every callback in order, and the
//     process-wide dataset cache and buffer pool.
//   - internal/session: sessions bound to one dataset, and the read and
//     hierarchy commands issued through them.
//   - pkg/pool: the fixed buffer pool. A read never holds more than N
//     buffers, so memory stays bounded however slowly consumers release.
//   - pkg/codec: packs points into an output schema, optionally scaled,
//     offset and compressed one frame per chunk.
//
// # Quick Start
//
//	e, err := engine.Init(engine.Options{Config: cfg, Logger: log})
//	if err != nil {
//		return err
//	}
//	defer e.Close()
//
//	s := session.New(e)
//	defer s.Destroy()
//	s.Create("scan-001", func(st status.Status) {
//		if !st.Ok() {
//			return
//		}
//		s.Read(session.ReadRequest{Query: json.RawMessage(`{"bounds":[0,0,0,10,10,10]}`)},
//			session.ReadHandlerFuncs{
//				Init: func(r session.InitResult) { log.Info("points", zap.Uint64("n", r.NumPoints)) },
//				Data: func(c *session.Chunk) {
//					defer c.Release()
//					out.Write(c.Bytes())
//				},
//			})
//	})
//
// # Status codes
//
// Every callback carries a status: 0 for success, 400 for invalid
// arguments or queries, 404 for unknown datasets, 409 for conflicting
// calls and 500 for internal failures, whose detail goes to the log
// rather than the caller.
//
// The pointstream command in cmd/pointstream exposes the same operations
// from the shell.
package pointstream
