package capture

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// The headless CLI has no full-page flag; a tall window approximates one.
const fullPageWindowHeight = 10000

// DefaultCaptureTimeout bounds a single browser invocation end to end.
const DefaultCaptureTimeout = 30 * time.Second

var chromeCandidates = []string{
	"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "headless-shell",
}

// ChromeConfig parameterizes the headless-chromium backend.
type ChromeConfig struct {
	Binary  string        // explicit binary; empty means probe chromeCandidates
	Timeout time.Duration // per-capture hard deadline; zero means DefaultCaptureTimeout
}

// Chrome shells out to a headless chromium binary, one process per
// capture. It is safe for concurrent use; each capture is independent.
type Chrome struct {
	cfg        ChromeConfig
	log        *logrus.Entry
	lookupHost func(ctx context.Context, host string) ([]string, error)

	mu       sync.Mutex
	resolved string // absolute binary path once found
}

// NewChrome builds the backend. The binary is resolved lazily (or by
// Warmup), so construction never fails.
func NewChrome(cfg ChromeConfig, log *logrus.Entry) *Chrome {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCaptureTimeout
	}
	return &Chrome{
		cfg:        cfg,
		log:        log,
		lookupHost: net.DefaultResolver.LookupHost,
	}
}

// Warmup verifies a usable browser binary exists on PATH.
func (c *Chrome) Warmup(ctx context.Context) error {
	_, err := c.resolveBinary()
	return err
}

func (c *Chrome) resolveBinary() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved != "" {
		return c.resolved, nil
	}
	candidates := chromeCandidates
	if c.cfg.Binary != "" {
		candidates = []string{c.cfg.Binary}
	}
	for _, bin := range candidates {
		if path, err := exec.LookPath(bin); err == nil {
			c.resolved = path
			return path, nil
		}
	}
	return "", fmt.Errorf("no chromium binary on PATH (tried %s)", strings.Join(candidates, ", "))
}

// Capture renders req.Target to a PNG under outDir. Failures come back
// classified (*Error) wherever the cause is recognizable.
func (c *Chrome) Capture(ctx context.Context, outDir string, req Request) (*Result, error) {
	target, err := NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, &Error{Kind: KindOther, Detail: fmt.Sprintf("invalid dimensions %dx%d", req.Width, req.Height)}
	}

	bin, err := c.resolveBinary()
	if err != nil {
		return nil, err
	}

	// Resolve the host up front: a dead name fails in milliseconds here
	// instead of burning the full browser timeout.
	if u, perr := url.Parse(target); perr == nil && u.Hostname() != "" {
		if _, rerr := c.lookupHost(ctx, u.Hostname()); rerr != nil {
			return nil, Classify(rerr)
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	out := filepath.Join(outDir, artifactName(target, req))

	height := req.Height
	if req.FullPage {
		height = fullPageWindowHeight
	}
	args := []string{
		"--headless=new",
		"--disable-gpu",
		"--no-sandbox",
		"--hide-scrollbars",
		"--screenshot=" + out,
		fmt.Sprintf("--window-size=%d,%d", req.Width, height),
	}
	if req.Wait > 0 {
		args = append(args, fmt.Sprintf("--virtual-time-budget=%d", req.Wait.Milliseconds()))
	}
	args = append(args, target)

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.WithFields(logrus.Fields{"target": target, "out": out}).Debug("launching browser")
	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Detail: fmt.Sprintf("capture exceeded %s", c.cfg.Timeout)}
		}
		return nil, classifyBrowserFailure(err, stderr.String())
	}
	if _, err := os.Stat(out); err != nil {
		return nil, &Error{Kind: KindOther, Detail: "browser exited cleanly but wrote no artifact: " + tail(stderr.String(), 300)}
	}
	return &Result{ArtifactPath: out}, nil
}

// classifyBrowserFailure sniffs chromium's net error codes out of stderr.
func classifyBrowserFailure(err error, stderr string) *Error {
	switch {
	case strings.Contains(stderr, "ERR_NAME_NOT_RESOLVED"):
		return &Error{Kind: KindNameResolution, Detail: "browser: name not resolved"}
	case strings.Contains(stderr, "ERR_CONNECTION_TIMED_OUT"), strings.Contains(stderr, "ERR_TIMED_OUT"):
		return &Error{Kind: KindTimeout, Detail: "browser: connection timed out"}
	case strings.Contains(stderr, "ERR_INVALID_URL"):
		return &Error{Kind: KindMalformedTarget, Detail: "browser: invalid url"}
	default:
		return &Error{Kind: KindOther, Detail: fmt.Sprintf("browser failed: %v: %s", err, tail(stderr, 300))}
	}
}

// artifactName derives a stable, filesystem-safe name from the request.
// (target, dimension, mode) is unique within a task, so names cannot
// collide inside one task's output directory.
func artifactName(target string, req Request) string {
	mode := "viewport"
	if req.FullPage {
		mode = "full_page"
	}
	stem := "page"
	if u, err := url.Parse(target); err == nil {
		stem = slugify(u.Hostname() + u.Path)
	}
	return fmt.Sprintf("%s_%dx%d_%s.png", stem, req.Width, req.Height, mode)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "page"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
