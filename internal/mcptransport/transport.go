// Package mcptransport implements C1: given a ServerConfig, open an MCP
// transport (subprocess stdio, SSE, or streamable HTTP) with auth and
// stderr capture.
package mcptransport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"metamcp/internal/observability"
	"metamcp/internal/poolerr"
	"metamcp/internal/serverconfig"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"
)

// StderrSink receives stderr lines from STDIO children, line-by-line.
type StderrSink interface {
	AddLog(serverName, level, message string, err error)
}

// Options configures transport construction for the ambient environment.
type Options struct {
	// DockerLocalhostRewrite rewrites localhost/127.0.0.1 to
	// host.docker.internal in HTTP URLs when true.
	DockerLocalhostRewrite bool
}

// Factory builds fresh MCP transports from ServerConfig values. A Factory
// is stateless and safe for concurrent use; every Open call constructs a
// brand-new transport, since reusing one after a failed connect is not
// safe (§4.1).
type Factory struct {
	opts  Options
	sink  StderrSink
}

// New constructs a Factory. sink may be nil to discard stderr output.
func New(opts Options, sink StderrSink) *Factory {
	return &Factory{opts: opts, sink: sink}
}

var posixAllowList = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}
var windowsAllowList = []string{
	"APPDATA", "HOMEDRIVE", "HOMEPATH", "LOCALAPPDATA", "PATH",
	"PROCESSOR_ARCHITECTURE", "SYSTEMDRIVE", "SYSTEMROOT", "TEMP", "USERNAME", "USERPROFILE",
}

func allowListFor(goos string) []string {
	if goos == "windows" {
		return windowsAllowList
	}
	return posixAllowList
}

// sanitizedEnv builds the child environment: the platform allow-list
// (dropping any `()`-prefixed function-shaped value), with cfg.Env merged
// on top.
func sanitizedEnv(cfg serverconfig.Config) []string {
	allow := allowListFor(runtime.GOOS)
	out := make([]string, 0, len(allow)+len(cfg.Env))
	seen := map[string]bool{}
	for _, k := range allow {
		v, ok := os.LookupEnv(k)
		if !ok || strings.HasPrefix(v, "()") {
			continue
		}
		out = append(out, k+"="+v)
		seen[k] = true
	}
	for k, v := range cfg.Env {
		if seen[k] {
			// replace the earlier allow-listed entry
			for i, e := range out {
				if strings.HasPrefix(e, k+"=") {
					out[i] = k + "=" + v
				}
			}
			continue
		}
		out = append(out, k+"="+v)
		seen[k] = true
	}
	return out
}

// detectCwd implements the best-effort "filesystem-like" auto-detect: the
// first positional argument that resolves to an existing directory becomes
// cwd. Absence of a directory is not an error.
func detectCwd(args []string) string {
	for _, a := range args {
		if a == "" || strings.HasPrefix(a, "-") {
			continue
		}
		if fi, err := os.Stat(a); err == nil && fi.IsDir() {
			return a
		}
	}
	return ""
}

func rewriteDockerLocalhost(url string, enabled bool) string {
	if !enabled {
		return url
	}
	url = strings.ReplaceAll(url, "localhost", "host.docker.internal")
	url = strings.ReplaceAll(url, "127.0.0.1", "host.docker.internal")
	return url
}

// refreshOAuthAccessToken exchanges a refresh token for a fresh access
// token when the config has both a refresh token and a token endpoint.
// Best-effort: on any failure the original (possibly stale) access token
// is kept, since authHeader's caller has no good recovery path here and
// the downstream handshake will surface an auth failure if it matters.
func refreshOAuthAccessToken(ctx context.Context, tok *serverconfig.OAuthTokens) {
	if tok == nil || tok.RefreshToken == "" || tok.TokenURL == "" {
		return
	}
	oc := &oauth2.Config{
		ClientID:     tok.ClientID,
		ClientSecret: tok.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tok.TokenURL},
	}
	src := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return
	}
	tok.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		tok.RefreshToken = fresh.RefreshToken
	}
}

func authHeader(cfg serverconfig.Config) (string, string) {
	if cfg.OAuthTokens != nil && cfg.OAuthTokens.AccessToken != "" {
		return "Authorization", "Bearer " + cfg.OAuthTokens.AccessToken
	}
	if cfg.BearerToken != "" {
		return "Authorization", "Bearer " + cfg.BearerToken
	}
	return "", ""
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func (f *Factory) httpClient(cfg serverconfig.Config) *http.Client {
	headers := map[string]string{
		"Accept":                 "application/json, text/event-stream",
		"Origin":                 cfg.URL,
		"MCP-Protocol-Version":   "2025-06-18",
	}
	if k, v := authHeader(cfg); k != "" {
		headers[k] = v
	}
	base := &http.Client{Transport: &headerRoundTripper{headers: headers}}
	return observability.NewHTTPClient(base)
}

// cmdStderrPipe wires a built exec.Cmd's stderr into the log sink,
// line-by-line, unless stderrMode requests otherwise.
func (f *Factory) cmdStderrPipe(cmd *exec.Cmd, cfg serverconfig.Config) error {
	switch cfg.StderrMode {
	case serverconfig.StderrIgnore:
		cmd.Stderr = nil
		return nil
	case serverconfig.StderrInherit:
		cmd.Stderr = os.Stderr
		return nil
	default:
		pr, pw, err := os.Pipe()
		if err != nil {
			return err
		}
		cmd.Stderr = pw
		go func() {
			defer pr.Close()
			scanner := bufio.NewScanner(pr)
			for scanner.Scan() {
				if f.sink != nil {
					f.sink.AddLog(cfg.Name, "error", scanner.Text(), nil)
				}
			}
		}()
		return nil
	}
}

// Open builds a fresh MCP transport for cfg. It returns only the transport
// and an error; once the transport is connected, its own lifecycle owns
// any transport-local resources (e.g. the stderr pipe writer).
func (f *Factory) Open(ctx context.Context, cfg serverconfig.Config) (mcp.Transport, error) {
	switch cfg.Kind {
	case serverconfig.KindSTDIO:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, poolerr.New(poolerr.TransportOpenFailed, cfg.Name, "", fmt.Errorf("empty command"))
		}
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Env = sanitizedEnv(cfg)
		cwd := cfg.Cwd
		if cwd == "" {
			cwd = detectCwd(cfg.Args)
		}
		cmd.Dir = cwd
		if err := f.cmdStderrPipe(cmd, cfg); err != nil {
			return nil, poolerr.New(poolerr.TransportOpenFailed, cfg.Name, "", err)
		}
		return &mcp.CommandTransport{Command: cmd}, nil

	case serverconfig.KindStreamableHTTP:
		url := rewriteDockerLocalhost(cfg.URL, f.opts.DockerLocalhostRewrite)
		if strings.TrimSpace(url) == "" {
			return nil, poolerr.New(poolerr.TransportOpenFailed, cfg.Name, "", fmt.Errorf("empty url"))
		}
		refreshOAuthAccessToken(ctx, cfg.OAuthTokens)
		return &mcp.StreamableClientTransport{Endpoint: url, HTTPClient: f.httpClient(cfg)}, nil

	case serverconfig.KindSSE:
		url := rewriteDockerLocalhost(cfg.URL, f.opts.DockerLocalhostRewrite)
		if strings.TrimSpace(url) == "" {
			return nil, poolerr.New(poolerr.TransportOpenFailed, cfg.Name, "", fmt.Errorf("empty url"))
		}
		refreshOAuthAccessToken(ctx, cfg.OAuthTokens)
		return &mcp.SSEClientTransport{Endpoint: url, HTTPClient: f.httpClient(cfg)}, nil

	default:
		return nil, poolerr.New(poolerr.UnsupportedKind, cfg.Name, "", fmt.Errorf("kind %q", cfg.Kind))
	}
}
