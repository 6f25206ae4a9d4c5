// Package auth verifies client API keys against a configured allowlist.
// With an empty allowlist every request is accepted, which is the default
// for local testing.
package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Verifier checks bearer tokens against the allowlist.
type Verifier struct {
	keys    map[string]struct{}
	enabled bool
}

// New builds a Verifier from literal keys plus keys loaded from file (one
// per line; blank lines and lines starting with # are skipped). An empty
// combined set disables verification.
func New(keys []string, file string) (*Verifier, error) {
	v := &Verifier{keys: make(map[string]struct{})}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			v.keys[k] = struct{}{}
		}
	}
	if file != "" {
		if err := v.loadFile(file); err != nil {
			return nil, err
		}
	}
	v.enabled = len(v.keys) > 0
	return v, nil
}

func (v *Verifier) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open api key file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		v.keys[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read api key file: %w", err)
	}
	return nil
}

// Enabled reports whether verification is active.
func (v *Verifier) Enabled() bool { return v.enabled }

// KeyCount returns the number of loaded keys.
func (v *Verifier) KeyCount() int { return len(v.keys) }

// Verify checks an Authorization header value. When verification is
// disabled it accepts anything, returning the parsed token (or "anonymous"
// if none) so rate limiting still has a stable key.
func (v *Verifier) Verify(authorization string) (key string, ok bool) {
	token := ParseBearerToken(authorization)
	if !v.enabled {
		if token == "" {
			return "anonymous", true
		}
		return token, true
	}
	if token == "" {
		return "", false
	}
	_, ok = v.keys[token]
	return token, ok
}

// ParseBearerToken extracts the token from an "Authorization: Bearer x"
// header value. Returns "" for anything malformed.
func ParseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
