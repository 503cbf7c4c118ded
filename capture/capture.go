// Package capture defines the contract between the task runner and the
// thing that actually renders webpages to images. The engine sits behind
// the Backend interface; everything else here is the shared vocabulary
// for requests, results, and failure classification.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxWaitMs caps the post-load settle delay a job may request.
const DefaultMaxWaitMs = 7000

// Request describes a single capture: one target at one dimension in one
// mode. Wait is the settle delay after load, already clamped by the
// caller; backends may clamp again.
type Request struct {
	Target   string
	Width    int
	Height   int
	FullPage bool
	Wait     time.Duration
}

// Result reports where the backend wrote the artifact.
type Result struct {
	ArtifactPath string
}

// Backend renders one page to one image file under outDir.
type Backend interface {
	Capture(ctx context.Context, outDir string, req Request) (*Result, error)
}

// Warmer is an optional backend capability: a cheap readiness probe run
// before a task's first capture. A Warmup failure means no capture can
// possibly succeed, so the runner fails the whole task instead of
// grinding through every job.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// ErrorKind buckets capture failures for reporting on the job record.
type ErrorKind string

const (
	KindNameResolution  ErrorKind = "name-resolution-failure"
	KindTimeout         ErrorKind = "timeout"
	KindMalformedTarget ErrorKind = "malformed-target"
	KindOther           ErrorKind = "other"
)

// Error is a classified capture failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Classify folds an arbitrary capture failure into the taxonomy. Errors
// that are already classified pass through unchanged.
func Classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindNameResolution, Detail: dnsErr.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Detail: netErr.Error()}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: KindMalformedTarget, Detail: urlErr.Error()}
	}
	return &Error{Kind: KindOther, Detail: err.Error()}
}

// NormalizeTarget trims the raw target and coerces a missing scheme to
// https. Unparseable, hostless, or non-http(s) targets are rejected as
// malformed.
func NormalizeTarget(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &Error{Kind: KindMalformedTarget, Detail: "empty target"}
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", &Error{Kind: KindMalformedTarget, Detail: fmt.Sprintf("parse %q: %v", raw, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &Error{Kind: KindMalformedTarget, Detail: fmt.Sprintf("unsupported scheme %q in %q", u.Scheme, raw)}
	}
	if u.Host == "" {
		return "", &Error{Kind: KindMalformedTarget, Detail: fmt.Sprintf("no host in %q", raw)}
	}
	return u.String(), nil
}

// ClampWaitMs bounds a requested settle delay to [0, ceiling]. A
// non-positive ceiling falls back to DefaultMaxWaitMs.
func ClampWaitMs(ms, ceiling int) int {
	if ceiling <= 0 {
		ceiling = DefaultMaxWaitMs
	}
	if ms < 0 {
		return 0
	}
	if ms > ceiling {
		return ceiling
	}
	return ms
}
