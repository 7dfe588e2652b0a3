// Package serverconfig defines the immutable description of one back-end
// tool server and a Fingerprint of its wire-relevant fields. The pool
// (mcppool) does not use the fingerprint.
package serverconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
)

// Kind identifies how a back-end server's transport is opened.
type Kind string

const (
	KindSTDIO           Kind = "STDIO"
	KindSSE             Kind = "SSE"
	KindStreamableHTTP  Kind = "STREAMABLE_HTTP"
)

// StderrMode controls how a STDIO child's stderr stream is handled.
type StderrMode string

const (
	StderrPipe    StderrMode = "pipe"
	StderrInherit StderrMode = "inherit"
	StderrIgnore  StderrMode = "ignore"
)

// OAuthTokens carries an access/refresh token pair for HTTP transports.
type OAuthTokens struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Config is an immutable value describing one back-end tool server.
type Config struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// STDIO branch.
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	StderrMode StderrMode        `json:"stderrMode,omitempty"`

	// HTTP branches.
	URL         string       `json:"url,omitempty"`
	BearerToken string       `json:"bearerToken,omitempty"`
	OAuthTokens *OAuthTokens `json:"oauthTokens,omitempty"`
}

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize maps s to s with all characters outside [A-Za-z0-9_-] removed.
func Sanitize(s string) string {
	return sanitizePattern.ReplaceAllString(s, "")
}

// wireForm is the canonical JSON shape restricted to fields that affect the
// wire-level connection, used for fingerprinting.
type wireForm struct {
	UUID    string   `json:"uuid"`
	Kind    Kind     `json:"kind"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []envKV  `json:"env,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type envKV struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Fingerprint computes a SHA-256 hash over a canonicalized JSON form
// restricted to the fields that affect the wire connection (kind; for
// STDIO: command, args, sorted env; for HTTP: url) plus the uuid. It is
// stable across changes to any other field (name, cwd, stderrMode,
// bearerToken, oauthTokens).
func (c Config) Fingerprint() string {
	wf := wireForm{UUID: c.UUID, Kind: c.Kind}
	switch c.Kind {
	case KindSTDIO:
		wf.Command = c.Command
		wf.Args = append([]string(nil), c.Args...)
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			wf.Env = append(wf.Env, envKV{K: k, V: c.Env[k]})
		}
	case KindSSE, KindStreamableHTTP:
		wf.URL = c.URL
	}
	// json.Marshal on a struct with a fixed field order is deterministic,
	// which is what makes this fingerprint stable and comparable.
	b, err := json.Marshal(wf)
	if err != nil {
		// Marshaling a plain value type cannot fail; treat as unreachable.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
