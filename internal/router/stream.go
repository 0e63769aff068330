package router

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/monitor"
	"github.com/vnmchuo/llm-router/internal/provider"
)

const abortedMessage = "stream aborted"

// maxRecordedFrames bounds the raw frames kept for the invocation record.
// Older frames are dropped first so the usage frame at the end survives.
const maxRecordedFrames = 64

func (e *Engine) StreamByIdentifier(ctx context.Context, providerName, modelName string, req *provider.Request, filter AccessFilter) (<-chan *provider.StreamChunk, error) {
	m, err := e.lookup(ctx, providerName, modelName, filter)
	if err != nil {
		return nil, err
	}
	return e.stream(ctx, m, req, filter)
}

func (e *Engine) StreamByTags(ctx context.Context, q catalog.Query, req *provider.Request, filter AccessFilter) (<-chan *provider.StreamChunk, error) {
	m, err := e.pick(ctx, q, filter)
	if err != nil {
		return nil, err
	}
	return e.stream(ctx, m, req, filter)
}

// stream opens the provider stream and relays it. The returned channel is
// closed after the record has been handed to the sink. A failure while
// streaming arrives as a final chunk whose Err is a *RoutingError.
func (e *Engine) stream(ctx context.Context, m *catalog.Model, req *provider.Request, filter AccessFilter) (<-chan *provider.StreamChunk, error) {
	ctx, span := e.startSpan(ctx, "router.stream", m)

	c, err := e.prepare(ctx, m, req, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	// The vendor side is torn down as soon as relaying stops.
	streamCtx, cancel := context.WithCancel(ctx)
	src, err := c.client.Stream(streamCtx, m, c.req)
	if err != nil {
		cancel()
		e.finalize(ctx, c, outcome{status: monitor.StatusError, err: err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, asRoutingError(err)
	}

	out := make(chan *provider.StreamChunk)
	r := &relay{engine: e, call: c, span: span}
	go func() {
		defer close(out)
		defer span.End()
		defer cancel()
		r.run(ctx, src, out)
	}()
	return out, nil
}

type relay struct {
	engine *Engine
	call   *call
	span   trace.Span

	text    strings.Builder
	raws    []any
	dropped int
	usage   map[string]any
	cost    *float64
	once    sync.Once
	status  monitor.Status
	errMsg  string
}

func (r *relay) run(ctx context.Context, src <-chan *provider.StreamChunk, out chan<- *provider.StreamChunk) {
	r.status = monitor.StatusSuccess
	defer r.finish(ctx)

	for {
		select {
		case <-ctx.Done():
			r.fail(abortedMessage)
			return
		case chunk, ok := <-src:
			if !ok {
				return
			}
			if chunk.Err != nil {
				rerr := asRoutingError(chunk.Err)
				r.fail(rerr.Error())
				r.span.RecordError(chunk.Err)
				r.finish(ctx)
				provider.Send(ctx, out, &provider.StreamChunk{Err: rerr})
				return
			}
			r.observe(chunk)
			if !provider.Send(ctx, out, chunk) {
				r.fail(abortedMessage)
				return
			}
			if chunk.IsFinal {
				return
			}
		}
	}
}

func (r *relay) observe(chunk *provider.StreamChunk) {
	if chunk.Text != nil {
		r.text.WriteString(*chunk.Text)
	}
	if chunk.Raw != nil {
		if len(r.raws) == maxRecordedFrames {
			r.raws = r.raws[1:]
			r.dropped++
		}
		r.raws = append(r.raws, chunk.Raw)
	}
	if chunk.Usage != nil && r.usage == nil {
		r.usage = chunk.Usage
		r.cost = monitor.CalculateCost(r.call.model.Config, monitor.UsageFromBlock(chunk.Usage))
		chunk.Cost = r.cost
	}
}

func (r *relay) fail(msg string) {
	r.status = monitor.StatusError
	r.errMsg = msg
	r.span.SetStatus(codes.Error, msg)
}

func (r *relay) finish(ctx context.Context) {
	r.once.Do(func() {
		var raw map[string]any
		if len(r.raws) > 0 {
			raw = map[string]any{"stream": r.raws}
			if r.dropped > 0 {
				raw["frames_dropped"] = r.dropped
			}
		}
		r.engine.finalize(ctx, r.call, outcome{
			status: r.status,
			err:    r.errMsg,
			text:   r.text.String(),
			raw:    raw,
			usage:  monitor.UsageFromBlock(r.usage),
			cost:   r.cost,
		})
	})
}
