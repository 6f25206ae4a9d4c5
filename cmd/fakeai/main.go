// Command fakeai runs an OpenAI-compatible simulation server: it speaks
// the real wire protocol (chat, completions, embeddings, moderations,
// SSE streaming) but fabricates every response, with configurable latency
// shaping, KV-cache routing and rate limiting. Useful for load-testing
// clients, dashboards and orchestration layers without burning GPU time.
//
// Quick-start:
//
//	fakeai server
//	curl localhost:8000/v1/chat/completions -d '{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}'
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

// errUsage marks argument/configuration mistakes so main can exit 2
// instead of 1.
var errUsage = errors.New("usage error")

func main() {
	root := &cobra.Command{
		Use:           "fakeai",
		Short:         "OpenAI-compatible LLM simulation server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServerCmd(), newMetricsCmd(), newStatusCmd(), newCacheStatsCmd())

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("fakeai: " + err.Error() + "\n")
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
