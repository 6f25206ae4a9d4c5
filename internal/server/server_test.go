package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/fakeai/fakeai/internal/auth"
	"github.com/fakeai/fakeai/internal/config"
	"github.com/fakeai/fakeai/internal/events"
	"github.com/fakeai/fakeai/internal/kvcache"
	"github.com/fakeai/fakeai/internal/latency"
	"github.com/fakeai/fakeai/internal/metrics"
	"github.com/fakeai/fakeai/internal/model"
	"github.com/fakeai/fakeai/internal/ratelimit"
)

// --- helpers ----------------------------------------------------------------

// testConfig returns a config with zero latency so tests run instantly.
func testConfig() *config.Config {
	return &config.Config{
		Host:           "127.0.0.1",
		Port:           8000,
		LogLevel:       "error",
		MaxRequestSize: 10 * 1024 * 1024,
		KVCache: config.KVCacheConfig{
			Enabled:            true,
			BlockSize:          4,
			NumWorkers:         2,
			MaxBlocksPerWorker: 1000,
			OverlapWeight:      1.0,
			SpeedupWeight:      0.8,
		},
		Stream: config.StreamConfig{
			TimeoutSeconds:           300,
			TokenTimeoutSeconds:      30,
			KeepAliveIntervalSeconds: 15,
		},
		Metrics: config.MetricsConfig{
			WSPushIntervalSeconds: 1,
			NumGPUs:               1,
		},
		CORSOrigins: []string{"*"},
	}
}

type serverOpts struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	keys    []string
}

// startAPI starts the full server on an in-memory listener.
func startAPI(t *testing.T, opts serverOpts) *fasthttputil.InmemoryListener {
	t.Helper()

	cfg := opts.cfg
	if cfg == nil {
		cfg = testConfig()
	}
	log := slog.New(slog.DiscardHandler)

	bus := events.New(log)
	trackers := metrics.NewTrackers(0)
	trackers.Register(bus)
	bus.Start(t.Context())

	verifier, err := auth.New(opts.keys, "")
	require.NoError(t, err)

	var cache *kvcache.Router
	if cfg.KVCache.Enabled {
		cache = kvcache.NewRouter(cfg.KVCache.NumWorkers, cfg.KVCache.BlockSize,
			cfg.KVCache.MaxBlocksPerWorker, cfg.KVCache.OverlapWeight)
	}

	shaper := latency.New(latency.Config{
		TTFTMs:        cfg.Latency.TTFTMs,
		ITLMs:         cfg.Latency.ITLMs,
		SpeedupWeight: cfg.KVCache.SpeedupWeight,
	})

	srv := New(cfg, log, bus, trackers, metrics.NewRegistry("test"),
		model.NewRegistry(), shaper, cache, opts.limiter, verifier)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, srv.Handler()) }()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// serveAPI starts the full server and returns an HTTP client routed to it.
func serveAPI(t *testing.T, opts serverOpts) *http.Client {
	t.Helper()
	ln := startAPI(t, opts)
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doReq(t *testing.T, client *http.Client, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://test"+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func chatBody(t *testing.T, extra map[string]any) []byte {
	t.Helper()
	req := map[string]any{
		"model": "gpt-4o",
		"messages": []map[string]any{
			{"role": "user", "content": "Tell me about the weather today"},
		},
	}
	for k, v := range extra {
		req[k] = v
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

// wireResponse mirrors the response JSON with content as a plain string.
type wireResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
		PromptDetails    struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	} `json:"error"`
}

// --- chat completions -------------------------------------------------------

func TestChatCompletion_Basic(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var out wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))

	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gpt-4o", out.Model)
	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.NotEmpty(t, out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)

	assert.Positive(t, out.Usage.PromptTokens)
	assert.Positive(t, out.Usage.CompletionTokens)
	assert.Equal(t, out.Usage.PromptTokens+out.Usage.CompletionTokens, out.Usage.TotalTokens)
}

func TestChatCompletion_DeterministicByRequestID(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	hdr := map[string]string{"X-Request-ID": "req-fixed-seed"}

	var first, second wireResponse
	resp := doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(readBody(t, resp), &first))

	resp = doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(readBody(t, resp), &second))

	assert.Equal(t, first.Choices[0].Message.Content, second.Choices[0].Message.Content)

	resp = doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil),
		map[string]string{"X-Request-ID": "req-other-seed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var other wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &other))
	assert.NotEqual(t, first.Choices[0].Message.Content, other.Choices[0].Message.Content)
}

func TestChatCompletion_Validation(t *testing.T) {
	client := serveAPI(t, serverOpts{})

	resp := doReq(t, client, "POST", "/v1/chat/completions",
		[]byte(`{"messages":[{"role":"user","content":"hi"}]}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var we wireError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &we))
	assert.Equal(t, "invalid_request_error", we.Error.Type)

	resp = doReq(t, client, "POST", "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[]}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(readBody(t, resp), &we))
	require.NotNil(t, we.Error.Param)
	assert.Equal(t, "messages", *we.Error.Param)

	resp = doReq(t, client, "POST", "/v1/chat/completions", []byte(`{not json`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChatCompletion_MaxTokens(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/chat/completions",
		chatBody(t, map[string]any{"max_tokens": 5}), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	assert.Equal(t, "length", out.Choices[0].FinishReason)
	assert.Equal(t, 5, out.Usage.CompletionTokens)
}

func TestChatCompletion_ContextOverflow(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/chat/completions",
		chatBody(t, map[string]any{"model": "gpt-4", "max_tokens": 9000}), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var we wireError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &we))
	assert.Equal(t, "context_length_exceeded", we.Error.Code)
	assert.Contains(t, we.Error.Message, "maximum context length")
}

func TestChatCompletion_ReasoningModel(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/chat/completions",
		chatBody(t, map[string]any{"model": "deepseek-ai/DeepSeek-R1"}), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	assert.NotEmpty(t, out.Choices[0].Message.ReasoningContent)
	assert.NotEmpty(t, out.Choices[0].Message.Content)
}

func TestChatCompletion_ToolCalls(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	body := chatBody(t, map[string]any{
		"tool_choice": "required",
		"tools": []map[string]any{{
			"type": "function",
			"function": map[string]any{
				"name": "get_weather",
				"parameters": map[string]any{
					"type":     "object",
					"required": []string{"location"},
					"properties": map[string]any{
						"location": map[string]any{"type": "string"},
						"unit":     map[string]any{"type": "string", "enum": []string{"c", "f"}},
					},
				},
			},
		}},
	})
	resp := doReq(t, client, "POST", "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	assert.Equal(t, "tool_calls", out.Choices[0].FinishReason)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	tc := out.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "get_weather", tc.Function.Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Function.Arguments), &args))
	assert.Contains(t, args, "location")
}

func TestChatCompletion_StructuredOutput(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	body := chatBody(t, map[string]any{
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "answer",
				"strict": true,
				"schema": map[string]any{
					"type":     "object",
					"required": []string{"answer", "confidence"},
					"properties": map[string]any{
						"answer":     map[string]any{"type": "string"},
						"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
					},
				},
			},
		},
	})
	resp := doReq(t, client, "POST", "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.Choices[0].Message.Content), &doc))
	assert.Contains(t, doc, "answer")
	assert.Contains(t, doc, "confidence")
}

// --- streaming --------------------------------------------------------------

// sseData extracts the JSON payloads of all data frames, excluding [DONE].
func sseData(t *testing.T, raw []byte) (frames []json.RawMessage, sawDone bool) {
	t.Helper()
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		frames = append(frames, json.RawMessage(payload))
	}
	return frames, sawDone
}

type wireChunk struct {
	Object  string `json:"object"`
	Choices []struct {
		Delta struct {
			Role             string  `json:"role"`
			Content          *string `json:"content"`
			ReasoningContent *string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func TestChatStreaming_MatchesNonStreaming(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	hdr := map[string]string{"X-Request-ID": "req-stream-parity"}

	resp := doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var plain wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &plain))

	resp = doReq(t, client, "POST", "/v1/chat/completions",
		chatBody(t, map[string]any{"stream": true, "stream_options": map[string]any{"include_usage": true}}), hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames, sawDone := sseData(t, readBody(t, resp))
	require.True(t, sawDone, "stream must end with [DONE]")
	require.NotEmpty(t, frames)

	var (
		content    strings.Builder
		sawRole    bool
		sawFinish  bool
		usageSeen  bool
		usageCount int
	)
	for _, f := range frames {
		var c wireChunk
		require.NoError(t, json.Unmarshal(f, &c))
		assert.Equal(t, "chat.completion.chunk", c.Object)
		if c.Usage != nil && len(c.Choices) == 0 {
			usageSeen = true
			usageCount = c.Usage.CompletionTokens
			continue
		}
		require.Len(t, c.Choices, 1)
		ch := c.Choices[0]
		if ch.Delta.Role != "" {
			sawRole = true
		}
		if ch.Delta.Content != nil {
			content.WriteString(*ch.Delta.Content)
		}
		if ch.FinishReason != nil {
			sawFinish = true
			assert.Equal(t, "stop", *ch.FinishReason)
		}
	}

	assert.True(t, sawRole, "first chunk must carry the assistant role")
	assert.True(t, sawFinish)
	assert.True(t, usageSeen, "include_usage must append a usage chunk")
	assert.Equal(t, plain.Usage.CompletionTokens, usageCount)
	assert.Equal(t, plain.Choices[0].Message.Content, content.String(),
		"streaming and non-streaming content must match for one request id")
}

func TestChatStreaming_MaxTokensZero(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/chat/completions",
		chatBody(t, map[string]any{"stream": true, "max_tokens": 0}), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames, sawDone := sseData(t, readBody(t, resp))
	require.True(t, sawDone)

	var finish string
	for _, f := range frames {
		var c wireChunk
		require.NoError(t, json.Unmarshal(f, &c))
		for _, ch := range c.Choices {
			require.Nil(t, ch.Delta.Content, "no content chunks expected")
			if ch.FinishReason != nil {
				finish = *ch.FinishReason
			}
		}
	}
	assert.Equal(t, "length", finish)
}

func TestChatStreaming_FirstFrameAfterTTFT(t *testing.T) {
	cfg := testConfig()
	cfg.Latency.TTFTMs = 120 // zero variance: the sampled delay is exact
	client := serveAPI(t, serverOpts{cfg: cfg})

	start := time.Now()
	resp := doReq(t, client, "POST", "/v1/chat/completions",
		chatBody(t, map[string]any{"stream": true, "max_tokens": 3}), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	var first string
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			first = line
			break
		}
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 110*time.Millisecond,
		"no frame may reach the client before the sampled TTFT")
	assert.Contains(t, first, `"role":"assistant"`)
	_, _ = io.Copy(io.Discard, br)
}

func TestChatStreaming_ReasoningDeltasFirst(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/chat/completions",
		chatBody(t, map[string]any{"model": "deepseek-ai/DeepSeek-R1", "stream": true}), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames, _ := sseData(t, readBody(t, resp))
	firstContent, lastReasoning := -1, -1
	for i, f := range frames {
		var c wireChunk
		require.NoError(t, json.Unmarshal(f, &c))
		for _, ch := range c.Choices {
			if ch.Delta.ReasoningContent != nil {
				lastReasoning = i
			}
			if ch.Delta.Content != nil && firstContent == -1 {
				firstContent = i
			}
		}
	}
	require.GreaterOrEqual(t, lastReasoning, 0, "reasoning model must stream reasoning deltas")
	require.GreaterOrEqual(t, firstContent, 0)
	assert.Less(t, lastReasoning, firstContent, "all reasoning deltas precede content")
}

// --- auth and rate limiting -------------------------------------------------

func TestAuth_RequiredKey(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.RequireAPIKey = true
	client := serveAPI(t, serverOpts{cfg: cfg, keys: []string{"sk-test"}})

	resp := doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var we wireError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &we))
	assert.Equal(t, "invalid_api_key", we.Error.Code)

	resp = doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil),
		map[string]string{"Authorization": "Bearer sk-wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil),
		map[string]string{"Authorization": "Bearer sk-test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimit_RejectsWithHeaders(t *testing.T) {
	limiter := ratelimit.New(ratelimit.TierByName("tier-1"), 1, 0)
	client := serveAPI(t, serverOpts{limiter: limiter})

	resp := doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("x-ratelimit-limit-requests"))
	resp.Body.Close()

	resp = doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("retry-after"))
	assert.Equal(t, "0", resp.Header.Get("x-ratelimit-remaining-requests"))

	var we wireError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &we))
	assert.Equal(t, "rate_limit_error", we.Error.Type)
}

// --- other endpoints --------------------------------------------------------

func TestCompletions_Basic(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/completions",
		[]byte(`{"model":"gpt-3.5-turbo","prompt":"Once upon a time"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	assert.Equal(t, "text_completion", out.Object)
	require.Len(t, out.Choices, 1)
	assert.NotEmpty(t, out.Choices[0].Text)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
}

func TestEmbeddings_DeterministicUnitNorm(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	body := []byte(`{"model":"text-embedding-3-small","input":["hello world","another text"],"dimensions":8}`)

	resp := doReq(t, client, "POST", "/v1/embeddings", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	require.Len(t, out.Data, 2)
	require.Len(t, out.Data[0].Embedding, 8)
	assert.NotEqual(t, out.Data[0].Embedding, out.Data[1].Embedding)

	var norm float64
	for _, v := range out.Data[0].Embedding {
		norm += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)

	resp = doReq(t, client, "POST", "/v1/embeddings", body, nil)
	var again struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &again))
	assert.Equal(t, out.Data[0].Embedding, again.Data[0].Embedding)
}

func TestModerations_FlagsKeywords(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "POST", "/v1/moderations",
		[]byte(`{"input":"I want to attack someone"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []struct {
			Flagged    bool            `json:"flagged"`
			Categories map[string]bool `json:"categories"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Flagged)
	assert.True(t, out.Results[0].Categories["violence"])

	resp = doReq(t, client, "POST", "/v1/moderations", []byte(`{"input":"lovely sunny day"}`), nil)
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	assert.False(t, out.Results[0].Flagged)
}

func TestModels_ListAndGet(t *testing.T) {
	client := serveAPI(t, serverOpts{})

	resp := doReq(t, client, "GET", "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &list))
	assert.Equal(t, "list", list.Object)
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "gpt-4o")

	resp = doReq(t, client, "GET", "/v1/models/gpt-4o", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doReq(t, client, "GET", "/v1/models/not-registered-anywhere", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var we wireError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &we))
	assert.Equal(t, "model_not_found", we.Error.Code)
}

func TestHealth(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(readBody(t, resp), &out))
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["ready"])
	ts, ok := out["timestamp"].(float64)
	require.True(t, ok, "timestamp must be a unix integer, got %T", out["timestamp"])
	assert.Positive(t, ts)
}

func TestMetricsEndpoints(t *testing.T) {
	client := serveAPI(t, serverOpts{})

	// Generate a little traffic first.
	resp := doReq(t, client, "POST", "/v1/chat/completions", chatBody(t, nil), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doReq(t, client, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(readBody(t, resp), &snap))
	assert.Contains(t, snap, "requests")
	assert.Contains(t, snap, "kv_cache")
	assert.Contains(t, snap, "event_bus")
	assert.NotContains(t, snap, "dynamo")

	resp = doReq(t, client, "GET", "/metrics/aggregated", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(readBody(t, resp), &snap))
	assert.Contains(t, snap, "dynamo")

	resp = doReq(t, client, "GET", "/metrics/prometheus", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(readBody(t, resp)), "fakeai_build_info")

	resp = doReq(t, client, "GET", "/kv-cache/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var kv struct {
		Enabled bool `json:"enabled"`
		Router  *struct {
			Lookups int64 `json:"total_lookups"`
		} `json:"router"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &kv))
	assert.True(t, kv.Enabled)
	require.NotNil(t, kv.Router)
	assert.Positive(t, kv.Router.Lookups)

	resp = doReq(t, client, "GET", "/dynamo/metrics/json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doReq(t, client, "GET", "/dcgm/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(readBody(t, resp)), "DCGM_FI_DEV_GPU_UTIL")
}

func TestKVCache_RepeatPromptHits(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 4)
	body := chatBody(t, map[string]any{
		"messages": []map[string]any{{"role": "user", "content": long}},
	})

	resp := doReq(t, client, "POST", "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &first))
	assert.Zero(t, first.Usage.PromptDetails.CachedTokens)

	resp = doReq(t, client, "POST", "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second wireResponse
	require.NoError(t, json.Unmarshal(readBody(t, resp), &second))
	assert.Positive(t, second.Usage.PromptDetails.CachedTokens,
		"second identical prompt should hit cached blocks")
}

func TestCORSPreflight(t *testing.T) {
	client := serveAPI(t, serverOpts{})
	resp := doReq(t, client, "OPTIONS", "/v1/chat/completions", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	resp.Body.Close()
}
