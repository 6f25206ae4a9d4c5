package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/pkg/apierr"
)

// recovery catches panics in any handler and returns a 500 without
// crashing the server process.
func (s *Server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.WriteInternal(ctx, reqID(ctx))
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the
// client does not supply one a UUID v4 is generated. The ID seeds the
// deterministic token generator, so replaying a request with the same id
// reproduces the same completion.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func reqID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// instrument maintains the in-flight gauge and per-route HTTP metrics,
// and records the handler duration in X-Response-Time.
func (s *Server) instrument(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.active.Add(1)
		s.prom.IncInFlight()
		next(ctx)
		s.active.Add(-1)
		s.prom.DecInFlight()
		elapsed := time.Since(start)
		ctx.Response.Header.Set("X-Response-Time", elapsed.String())
		s.prom.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), elapsed.Seconds())
	}
}

// authed wraps an API handler with bearer-token verification. The
// resolved key lands in the "api_key" user value for rate limiting and
// cost attribution.
func (s *Server) authed(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		header := string(ctx.Request.Header.Peek("Authorization"))
		key, ok := s.verifier.Verify(header)
		if !ok || (s.cfg.Auth.RequireAPIKey && key == "anonymous") {
			s.publishAuthError(ctx)
			apierr.WriteAuth(ctx, "Incorrect API key provided. You can find your API key at https://platform.openai.com/account/api-keys.")
			return
		}
		ctx.SetUserValue("api_key", key)
		next(ctx)
	}
}

func apiKey(ctx *fasthttp.RequestCtx) string {
	k, _ := ctx.UserValue("api_key").(string)
	return k
}

// securityHeaders adds OWASP-recommended headers to every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware configured for the given allowed
// origins. OPTIONS preflight requests are answered with 204.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h with the given middleware chain; the first
// middleware becomes the outermost wrapper.
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
