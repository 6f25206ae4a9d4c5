package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

const queryTimeout = 5 * time.Second

// addQueryFlags attaches the flags shared by all query commands.
func addQueryFlags(cmd *cobra.Command, server *string, asJSON *bool) {
	cmd.Flags().StringVar(server, "server", "http://localhost:8000", "base URL of a running server")
	cmd.Flags().BoolVar(asJSON, "json", false, "print the raw JSON document")
}

func newMetricsCmd() *cobra.Command {
	var (
		server string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Fetch the metrics snapshot from a running server",
		RunE: func(*cobra.Command, []string) error {
			return query(server+"/metrics", asJSON)
		},
	}
	addQueryFlags(cmd, &server, &asJSON)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		server string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the health of a running server",
		RunE: func(*cobra.Command, []string) error {
			return query(server+"/health", asJSON)
		},
	}
	addQueryFlags(cmd, &server, &asJSON)
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	var (
		server string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "cache-stats",
		Short: "Fetch KV-cache routing statistics from a running server",
		RunE: func(*cobra.Command, []string) error {
			return query(server+"/kv-cache/metrics", asJSON)
		},
	}
	addQueryFlags(cmd, &server, &asJSON)
	return cmd
}

// query GETs url and prints either the raw JSON or an aligned table of
// the document's leaves.
func query(url string, asJSON bool) error {
	status, body, err := (&fasthttp.Client{}).GetTimeout(nil, url, queryTimeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", url, status)
	}

	if asJSON {
		os.Stdout.Write(body)
		os.Stdout.WriteString("\n")
		return nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		os.Stdout.Write(body)
		return nil
	}
	return printTable(doc)
}

// printTable flattens a JSON document into sorted dotted-path rows.
// Arrays of objects are elided with a count; scalar values print as-is.
func printTable(doc any) error {
	rows := map[string]string{}
	flatten("", doc, rows)

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, rows[k])
	}
	return w.Flush()
}

func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flatten(p, child, out)
		}
	case []any:
		out[prefix] = "[" + strconv.Itoa(len(t)) + " items]"
	case float64:
		out[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(t)
	case nil:
		out[prefix] = "-"
	default:
		out[prefix] = fmt.Sprint(t)
	}
}
