package router

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/monitor"
	"github.com/vnmchuo/llm-router/internal/provider"
)

func chunks(items ...*provider.StreamChunk) func(context.Context, *catalog.Model, *provider.Request) (<-chan *provider.StreamChunk, error) {
	return func(ctx context.Context, _ *catalog.Model, _ *provider.Request) (<-chan *provider.StreamChunk, error) {
		ch := make(chan *provider.StreamChunk)
		go func() {
			defer close(ch)
			for _, c := range items {
				if !provider.Send(ctx, ch, c) {
					return
				}
			}
		}()
		return ch, nil
	}
}

func drain(ch <-chan *provider.StreamChunk) []*provider.StreamChunk {
	var out []*provider.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestStream_RelaysUntilFinal(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true, Config: map[string]any{"cost_per_1k_tokens": 1.0}})
	f.client.stream = chunks(
		&provider.StreamChunk{Text: provider.String("Hel"), Raw: map[string]any{"i": 1}},
		&provider.StreamChunk{Text: provider.String("lo"), Raw: map[string]any{"i": 2}},
		&provider.StreamChunk{Usage: map[string]any{"prompt_tokens": 10, "completion_tokens": 20}},
		&provider.StreamChunk{Usage: map[string]any{"prompt_tokens": 99, "completion_tokens": 99}},
		&provider.StreamChunk{IsFinal: true, FinishReason: provider.String("stop")},
		&provider.StreamChunk{Text: provider.String("after final")},
	)

	ch, err := f.engine.StreamByIdentifier(context.Background(), "p1", "m", &provider.Request{Prompt: "hi", Stream: true}, nil)
	require.NoError(t, err)
	got := drain(ch)

	require.Len(t, got, 5)
	assert.True(t, got[4].IsFinal)
	require.NotNil(t, got[2].Cost)
	assert.InDelta(t, 0.03, *got[2].Cost, 1e-9)
	assert.Nil(t, got[3].Cost, "cost is attached once")

	inv := f.sink.last(t)
	assert.Equal(t, monitor.StatusSuccess, inv.Status)
	assert.Equal(t, "Hello", inv.ResponseText)
	assert.Equal(t, 30, *inv.TotalTokens)
	assert.Len(t, inv.Raw["stream"], 2)
}

func TestStream_RecordedFramesAreCapped(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true})
	var items []*provider.StreamChunk
	for i := 0; i < maxRecordedFrames+10; i++ {
		items = append(items, &provider.StreamChunk{Text: provider.String("x"), Raw: map[string]any{"i": i}})
	}
	items = append(items, &provider.StreamChunk{Raw: map[string]any{"usage": true}, Usage: map[string]any{"total_tokens": 5}, IsFinal: true})
	f.client.stream = chunks(items...)

	ch, err := f.engine.StreamByIdentifier(context.Background(), "p1", "m", &provider.Request{Prompt: "hi", Stream: true}, nil)
	require.NoError(t, err)
	require.Len(t, drain(ch), maxRecordedFrames+11)

	inv := f.sink.last(t)
	frames, ok := inv.Raw["stream"].([]any)
	require.True(t, ok)
	require.Len(t, frames, maxRecordedFrames)
	assert.Equal(t, map[string]any{"i": 11}, frames[0])
	assert.Equal(t, map[string]any{"usage": true}, frames[len(frames)-1])
	assert.Equal(t, 11, inv.Raw["frames_dropped"])
	assert.Len(t, inv.ResponseText, maxRecordedFrames+10)
}

func TestStream_ProviderErrorMidStream(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true, Tags: []string{"chat"}})
	perr := &provider.Error{Provider: "p1", Status: http.StatusBadGateway, Message: "upstream reset"}
	f.client.stream = chunks(
		&provider.StreamChunk{Text: provider.String("partial")},
		&provider.StreamChunk{Err: perr},
	)

	ch, err := f.engine.StreamByTags(context.Background(), catalog.Query{Tags: []string{"chat"}}, &provider.Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	got := drain(ch)

	require.Len(t, got, 2)
	var re *RoutingError
	require.ErrorAs(t, got[1].Err, &re)
	assert.Equal(t, perr.Error(), re.Message)

	inv := f.sink.last(t)
	assert.Equal(t, monitor.StatusError, inv.Status)
	assert.Equal(t, "partial", inv.ResponseText)
	assert.Equal(t, perr.Error(), inv.ErrorMessage)
}

func TestStream_UnsupportedFailsBeforeStreaming(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true})

	_, err := f.engine.StreamByIdentifier(context.Background(), "p1", "m", &provider.Request{Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.True(t, IsRoutingError(err))
	assert.ErrorIs(t, err, provider.ErrStreamingUnsupported)
	assert.Equal(t, monitor.StatusError, f.sink.last(t).Status)
}

func TestStream_CallerAbort(t *testing.T) {
	f := newFixture(t, nil)
	f.addModel(t, &catalog.Model{Name: "m", Active: true})

	upstreamDone := make(chan struct{})
	f.client.stream = func(ctx context.Context, _ *catalog.Model, _ *provider.Request) (<-chan *provider.StreamChunk, error) {
		ch := make(chan *provider.StreamChunk)
		go func() {
			defer close(upstreamDone)
			defer close(ch)
			for {
				if !provider.Send(ctx, ch, &provider.StreamChunk{Text: provider.String("x")}) {
					return
				}
			}
		}()
		return ch, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.engine.StreamByIdentifier(ctx, "p1", "m", &provider.Request{Prompt: "hi"}, nil)
	require.NoError(t, err)
	<-ch
	cancel()
	for range ch {
	}

	select {
	case <-upstreamDone:
	case <-time.After(time.Second):
		t.Fatal("upstream stream was not torn down")
	}
	inv := f.sink.last(t)
	assert.Equal(t, monitor.StatusError, inv.Status)
	assert.Equal(t, "stream aborted", inv.ErrorMessage)
}
