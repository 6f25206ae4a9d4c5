package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/internal/events"
)

var (
	errStreamTimeout = errors.New("stream exceeded maximum duration")
	errTokenTimeout  = errors.New("timed out waiting for next token")
	errClientGone    = errors.New("client disconnected")
)

// streamChat runs the SSE path. The plan's content is already fully
// generated; this function only paces it out and accounts for it.
func (s *Server) streamChat(ctx *fasthttp.RequestCtx, plan *completionPlan) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	start := time.Now()
	s.prom.StreamOpened()
	s.bus.Publish(events.Event{
		Kind:      events.StreamStarted,
		RequestID: plan.requestID,
		StreamID:  plan.id,
		Request: &events.RequestPayload{
			Endpoint:    plan.endpoint,
			Model:       plan.model,
			APIKey:      plan.apiKey,
			Streaming:   true,
			InputTokens: plan.promptTokens,
		},
	})

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sw := &sseWriter{
			w:         w,
			ctx:       ctx,
			deadline:  start.Add(s.cfg.StreamTimeout()),
			keepAlive: s.cfg.KeepAliveInterval(),
			tokenMax:  s.cfg.TokenTimeout(),
			lastWrite: start,
		}
		err := s.runStream(sw, plan, start)
		switch {
		case err == nil:
		case errors.Is(err, errClientGone):
			s.streamCancelled(plan, start)
		default:
			s.streamFailed(sw, plan, start, err)
		}
	})
}

// runStream emits the chunk sequence: role, reasoning deltas, content
// deltas (or a tool-call delta), the finish chunk, the optional usage
// chunk and the [DONE] sentinel.
func (s *Server) runStream(sw *sseWriter, plan *completionPlan, start time.Time) error {
	// Nothing reaches the client until prefill has elapsed, so measured
	// time-to-first-byte tracks the sampled TTFT.
	ttft := plan.sampler.TTFT(plan.matchedTokens, plan.promptTokens)
	s.publishPrefill(plan, ttft)
	if err := sw.wait(ttft, s.keepAliveHook(plan)); err != nil {
		return err
	}

	if err := sw.sendJSON(s.chunk(plan, chunkDelta{Role: "assistant"}, nil)); err != nil {
		return err
	}

	// max_tokens: 0 produces no content at all.
	if plan.completionTokens() == 0 && len(plan.toolCalls) == 0 {
		return s.closeStream(sw, plan, start, ttft, 0)
	}

	if len(plan.toolCalls) > 0 {
		if err := sw.sendJSON(s.chunk(plan, chunkDelta{ToolCalls: plan.toolCalls}, nil)); err != nil {
			return err
		}
		s.publishFirstToken(plan, ttft)
		return s.closeStream(sw, plan, start, ttft, 0)
	}

	var decode time.Duration
	seq := 0
	emit := func(delta chunkDelta, token string, reasoning bool) error {
		if seq > 0 {
			itl := plan.sampler.ITL()
			decode += itl
			if err := sw.wait(itl, s.keepAliveHook(plan)); err != nil {
				return err
			}
			s.prom.ObserveITL(plan.model, itl.Seconds())
			s.bus.Publish(events.Event{
				Kind:      events.ITLRecorded,
				RequestID: plan.requestID,
				StreamID:  plan.id,
				Latency:   &events.LatencyPayload{Phase: "decode", DecodeMs: float64(itl) / float64(time.Millisecond)},
			})
		} else {
			s.publishDecodeStart(plan)
			s.publishFirstToken(plan, ttft)
		}
		if err := sw.sendJSON(s.chunk(plan, delta, nil)); err != nil {
			return err
		}
		s.bus.Publish(events.Event{
			Kind:      events.StreamTokenGenerated,
			RequestID: plan.requestID,
			StreamID:  plan.id,
			Stream: &events.StreamPayload{
				Sequence:  seq,
				Token:     token,
				ChunkSize: len(token),
				Reasoning: reasoning,
			},
		})
		seq++
		return nil
	}

	for i := range plan.reasoning {
		t := plan.reasoning[i]
		if err := emit(chunkDelta{ReasoningContent: &t}, t, true); err != nil {
			return err
		}
	}
	for i := range plan.content {
		t := plan.content[i]
		if err := emit(chunkDelta{Content: &t}, t, false); err != nil {
			return err
		}
	}
	return s.closeStream(sw, plan, start, ttft, decode)
}

// closeStream writes the finish chunk, the optional usage chunk and the
// [DONE] sentinel, then publishes terminal accounting.
func (s *Server) closeStream(sw *sseWriter, plan *completionPlan, start time.Time, ttft, decode time.Duration) error {
	finish := plan.finish
	if err := sw.sendJSON(s.chunk(plan, chunkDelta{}, &finish)); err != nil {
		return err
	}
	if plan.includeUsage {
		u := plan.usage()
		c := chatChunk{
			ID:      plan.id,
			Object:  "chat.completion.chunk",
			Created: plan.created,
			Model:   plan.model,
			Choices: []chunkChoice{},
			Usage:   &u,
		}
		if err := sw.sendJSON(c); err != nil {
			return err
		}
	}
	if err := sw.sendRaw("[DONE]"); err != nil {
		return err
	}

	n := plan.completionTokens()
	tps := 0.0
	if decode > 0 {
		tps = float64(n-1) / decode.Seconds()
	}
	s.bus.Publish(events.Event{
		Kind:      events.StreamCompleted,
		RequestID: plan.requestID,
		StreamID:  plan.id,
		Stream: &events.StreamPayload{
			Tokens: n,
			TTFTMs: float64(ttft) / float64(time.Millisecond),
			TPS:    tps,
		},
	})
	s.prom.StreamFinished("completed")
	s.finishCompleted(plan, start, ttft, decode)
	return nil
}

func (s *Server) publishFirstToken(plan *completionPlan, ttft time.Duration) {
	s.bus.Publish(events.Event{
		Kind:      events.StreamFirstToken,
		RequestID: plan.requestID,
		StreamID:  plan.id,
		Stream:    &events.StreamPayload{TTFTMs: float64(ttft) / float64(time.Millisecond)},
	})
	s.prom.ObserveTTFT(plan.model, ttft.Seconds())
}

func (s *Server) keepAliveHook(plan *completionPlan) func() {
	return func() {
		s.bus.Publish(events.Event{
			Kind:      events.StreamKeepAlive,
			RequestID: plan.requestID,
			StreamID:  plan.id,
			Stream:    &events.StreamPayload{},
		})
	}
}

func (s *Server) streamCancelled(plan *completionPlan, start time.Time) {
	s.bus.Publish(events.Event{
		Kind:      events.StreamCancelled,
		RequestID: plan.requestID,
		StreamID:  plan.id,
		Stream:    &events.StreamPayload{},
	})
	s.prom.StreamFinished("cancelled")
	s.finishCancelled(plan, start)
}

// streamFailed emits a terminal SSE error frame so well-behaved clients
// see a structured failure instead of a dropped connection.
func (s *Server) streamFailed(sw *sseWriter, plan *completionPlan, start time.Time, cause error) {
	frame := map[string]any{
		"error": map[string]any{
			"message": cause.Error(),
			"type":    "server_error",
			"code":    "stream_timeout",
		},
	}
	_ = sw.sendJSON(frame)
	_ = sw.sendRaw("[DONE]")

	s.bus.Publish(events.Event{
		Kind:      events.StreamFailed,
		RequestID: plan.requestID,
		StreamID:  plan.id,
		Error:     &events.ErrorPayload{Endpoint: plan.endpoint, ErrKind: "timeout", Message: cause.Error()},
	})
	s.bus.Publish(events.Event{
		Kind:      events.ErrorTimeout,
		RequestID: plan.requestID,
		Error:     &events.ErrorPayload{Endpoint: plan.endpoint, ErrKind: "timeout", Message: cause.Error()},
	})
	s.bus.Publish(events.Event{
		Kind:      events.RequestFailed,
		RequestID: plan.requestID,
		Request:   &events.RequestPayload{Endpoint: plan.endpoint, Model: plan.model, APIKey: plan.apiKey, Streaming: true},
	})
	s.prom.StreamFinished("failed")
	s.prom.ObserveRequest(plan.model, "failed", 0, 0, 0)
	s.releaseWorker(plan, start)
}

func (s *Server) chunk(plan *completionPlan, delta chunkDelta, finish *string) chatChunk {
	return chatChunk{
		ID:      plan.id,
		Object:  "chat.completion.chunk",
		Created: plan.created,
		Model:   plan.model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// sseWriter frames SSE events and enforces the stream's timing rules:
// keep-alive comments while idle, a hard stream deadline and a per-token
// timeout.
type sseWriter struct {
	w         *bufio.Writer
	ctx       *fasthttp.RequestCtx
	deadline  time.Time
	keepAlive time.Duration
	tokenMax  time.Duration
	lastWrite time.Time
}

func (sw *sseWriter) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sw.sendRaw(string(data))
}

func (sw *sseWriter) sendRaw(data string) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return errClientGone
	}
	if err := sw.w.Flush(); err != nil {
		return errClientGone
	}
	sw.lastWrite = time.Now()
	return nil
}

func (sw *sseWriter) comment() error {
	if _, err := fmt.Fprint(sw.w, ": keep-alive\n\n"); err != nil {
		return errClientGone
	}
	if err := sw.w.Flush(); err != nil {
		return errClientGone
	}
	sw.lastWrite = time.Now()
	return nil
}

// wait sleeps d, interleaving keep-alive comments and honoring the stream
// deadline, the token timeout and client disconnects.
func (sw *sseWriter) wait(d time.Duration, onKeepAlive func()) error {
	if sw.tokenMax > 0 && d > sw.tokenMax {
		return errTokenTimeout
	}
	remaining := d
	for remaining > 0 {
		if !sw.deadline.IsZero() && time.Now().After(sw.deadline) {
			return errStreamTimeout
		}
		step := remaining
		if sw.keepAlive > 0 {
			if idle := sw.keepAlive - time.Since(sw.lastWrite); idle < step {
				step = idle
			}
		}
		if step <= 0 {
			if err := sw.comment(); err != nil {
				return err
			}
			if onKeepAlive != nil {
				onKeepAlive()
			}
			continue
		}
		select {
		case <-time.After(step):
			remaining -= step
		case <-sw.ctx.Done():
			return errClientGone
		}
	}
	return nil
}
