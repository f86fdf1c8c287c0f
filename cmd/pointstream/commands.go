package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/internal/session"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/json"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

// transformFlags are the --scale and --offset flags shared by commands
// that work in a caller-defined coordinate space.
type transformFlags struct {
	scale  []float64
	offset []float64
}

func (f *transformFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64SliceVar(&f.scale, "scale", nil, "Output scale as x,y,z; zero components are treated as 1")
	cmd.Flags().Float64SliceVar(&f.offset, "offset", nil, "Output offset as x,y,z")
}

func (f *transformFlags) points() (scale, offset *geometry.Point, err error) {
	if len(f.scale) > 0 {
		p, err := geometry.ParsePoint(f.scale)
		if err != nil {
			return nil, nil, fmt.Errorf("--scale: %w", err)
		}
		scale = &p
	}
	if len(f.offset) > 0 {
		p, err := geometry.ParsePoint(f.offset)
		if err != nil {
			return nil, nil, fmt.Errorf("--offset: %w", err)
		}
		offset = &p
	}
	return scale, offset, nil
}

// bind creates a session on dataset and waits for the binding.
func (a *app) bind(ctx context.Context, dataset string) (*session.Session, error) {
	s := session.New(a.engine)
	done := make(chan status.Status, 1)
	s.Create(dataset, func(st status.Status) { done <- st })
	select {
	case st := <-done:
		if !st.Ok() {
			s.Destroy()
			return nil, st.Err()
		}
		return s, nil
	case <-ctx.Done():
		s.Destroy()
		return nil, ctx.Err()
	}
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func writeDocument(w io.Writer, doc []byte) error {
	_, err := w.Write(doc)
	return err
}

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <dataset>",
		Short: "Print dataset metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			s, err := a.bind(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Destroy()

			doc, err := s.Info()
			if err != nil {
				return status.FromError(err).Err()
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
}

func newFilesCommand(a *app) *cobra.Command {
	var (
		search string
		tf     transformFlags
	)
	cmd := &cobra.Command{
		Use:   "files <dataset>",
		Short: "List the source files of a dataset",
		Long: `List the source files of a dataset, optionally narrowed by --search:
a file index (3), a path ("a.csv"), bounds ([x0,y0,z0,x1,y1,z1]), or an
object combining "origin", "path" and "bounds".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scale, offset, err := tf.points()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			s, err := a.bind(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Destroy()

			doc, err := s.Files(json.RawMessage(search), scale, offset)
			if err != nil {
				return status.FromError(err).Err()
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "File search document")
	tf.register(cmd)
	return cmd
}

func newHierarchyCommand(a *app) *cobra.Command {
	var q string
	cmd := &cobra.Command{
		Use:   "hierarchy <dataset>",
		Short: "Print per-node point counts of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			s, err := a.bind(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Destroy()

			type result struct {
				st  status.Status
				doc []byte
			}
			done := make(chan result, 1)
			c := s.Hierarchy(json.RawMessage(q), func(st status.Status, doc []byte) {
				done <- result{st, doc}
			})
			select {
			case r := <-done:
				if !r.st.Ok() {
					return r.st.Err()
				}
				return writeDocument(cmd.OutOrStdout(), r.doc)
			case <-ctx.Done():
				c.Terminate()
				return ctx.Err()
			}
		},
	}
	cmd.Flags().StringVarP(&q, "query", "q", "", `Query document, e.g. {"bounds":[0,0,0,10,10,10],"depthEnd":4}`)
	return cmd
}

func newReadCommand(a *app) *cobra.Command {
	var (
		req    session.ReadRequest
		q      string
		output string
		tf     transformFlags
	)
	cmd := &cobra.Command{
		Use:   "read <dataset>",
		Short: "Stream the points of a query as binary chunks",
		Long: `Stream the points of a query. Points are written to --output (stdout by
default) in the output schema's binary layout; with --compress every chunk
is written as one length-prefixed compressed frame. A summary is logged
when the stream ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Scale, req.Offset, err = tf.points(); err != nil {
				return err
			}
			req.Query = json.RawMessage(q)

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			w := bufio.NewWriterSize(out, 1<<20)
			defer w.Flush()

			ctx, cancel := a.context(cmd)
			defer cancel()
			s, err := a.bind(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Destroy()

			return a.stream(ctx, s, req, w)
		},
	}
	cmd.Flags().StringVarP(&q, "query", "q", "", "Query document")
	cmd.Flags().StringVar(&req.Schema, "schema", "", "Output schema document; defaults to the native schema")
	cmd.Flags().StringVar(&req.Filter, "filter", "", `Attribute filter, e.g. {"Classification":{"$in":[2,6]}}`)
	cmd.Flags().BoolVar(&req.Compress, "compress", false, "Compress each chunk with the configured codec")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file")
	tf.register(cmd)
	return cmd
}

// stream runs one read, writing chunks to w as they arrive.
func (a *app) stream(ctx context.Context, s *session.Session, req session.ReadRequest, w io.Writer) error {
	var (
		initDone = make(chan session.InitResult, 1)
		end      = make(chan error, 1)
		werr     error
		written  int64
		points   int
		started  = time.Now()
	)
	handler := session.ReadHandlerFuncs{
		Init: func(r session.InitResult) { initDone <- r },
		Data: func(c *session.Chunk) {
			defer c.Release()
			// Keep draining after a write error so every buffer returns.
			if werr == nil {
				if req.Compress {
					werr = writeFrame(w, c.Bytes())
				} else {
					_, werr = w.Write(c.Bytes())
				}
				written += int64(len(c.Bytes()))
				points += c.Points
			}
			if !c.Done {
				return
			}
			if werr == nil && !c.Status.Ok() {
				werr = c.Status.Err()
			}
			end <- werr
		},
	}

	cmd := s.Read(req, handler)
	var init session.InitResult
	select {
	case init = <-initDone:
	case <-ctx.Done():
		cmd.Terminate()
		return ctx.Err()
	}
	if !init.Status.Ok() {
		return init.Status.Err()
	}
	a.logger.Info("read started",
		zap.Uint64("points", init.NumPoints),
		zap.String("schema", init.Schema.String()),
		zap.String("compression", string(init.Compression)))
	if init.NumPoints == 0 {
		return nil
	}

	var err error
	select {
	case err = <-end:
	case <-ctx.Done():
		cmd.Terminate()
		err = <-end
		if err == nil {
			err = ctx.Err()
		}
	}
	a.logger.Info("read finished",
		zap.Int("points", points),
		zap.Int64("bytes", written),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err))
	return err
}

// writeFrame writes a big-endian uint32 length followed by the frame.
func writeFrame(w io.Writer, frame []byte) error {
	n := len(frame)
	if _, err := w.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [dataset...]",
		Short: "Open datasets and print engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			for _, name := range args {
				s, err := a.bind(ctx, name)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				s.Destroy()
			}
			doc, err := json.MarshalStyled(a.engine.Stats())
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
}
