package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/json"
	"github.com/ajitpratap0/pointstream/pkg/query"
	"github.com/ajitpratap0/pointstream/pkg/status"
)

// HierarchyFunc receives a hierarchy command's result. doc is nil unless
// st is OK.
type HierarchyFunc func(st status.Status, doc []byte)

// HierarchyCommand summarizes point counts per index node.
type HierarchyCommand struct {
	*command
	query json.RawMessage
	cb    HierarchyFunc
	sent  bool
}

// Hierarchy reports, as nested JSON keyed by octant, how many points of
// the query fall in each index node. A query matching nothing yields "{}".
func (s *Session) Hierarchy(q json.RawMessage, cb HierarchyFunc) *HierarchyCommand {
	if cb == nil {
		cb = func(status.Status, []byte) {}
	}

	h, bindErr := s.borrow()
	name := ""
	if h != nil {
		name = h.Name()
	}
	c := &HierarchyCommand{
		command: newCommand(s, "hierarchy", h, name),
		query:   q,
		cb:      cb,
	}

	if bindErr != nil {
		c.finishWith(c.fail(bindErr), nil)
		return c
	}
	if text := strings.TrimSpace(string(q)); text != "" && !strings.HasPrefix(text, "{") {
		c.finishWith(c.fail(errors.New(errors.ErrorTypeValidation, "Invalid query type")), nil)
		return c
	}

	err := c.engine.Submit(c.ctx, c.run, func(err error) {
		c.finishWith(c.fail(err), nil)
	})
	if err != nil {
		c.finishWith(c.fail(err), nil)
	}
	return c
}

// Terminate asks the command to stop. If it has not produced its result
// yet, the callback reports 400 "Query terminated".
func (c *HierarchyCommand) Terminate() { c.requestStop() }

func (c *HierarchyCommand) run(ctx context.Context) {
	if !c.transition(Initializing) {
		c.finishWith(c.Status(), nil)
		return
	}
	doc, err := c.summarize(ctx)
	if err != nil {
		c.finishWith(c.fail(err), nil)
		return
	}
	c.transition(Initialized)
	c.transition(Completed)
	c.finishWith(status.OK, doc)
}

func (c *HierarchyCommand) summarize(ctx context.Context) ([]byte, error) {
	q, err := query.Parse(string(c.query))
	if err != nil {
		return nil, err
	}
	tree, err := c.handle.Reader().Summarize(ctx, q)
	if err != nil {
		return nil, err
	}
	doc, err := json.MarshalStyled(tree)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode hierarchy")
	}
	c.logger.Debug("hierarchy summarized", zap.Int("bytes", len(doc)))
	return doc, nil
}

// finishWith delivers the single callback and terminates the command.
func (c *HierarchyCommand) finishWith(st status.Status, doc []byte) {
	if !c.sent {
		c.sent = true
		cb := c.cb
		c.engine.Dispatch(func() { cb(st, doc) })
	}
	c.terminate()
}
