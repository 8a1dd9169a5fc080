// Package retry classifies errors and computes backoff delays per
// spec.md §4.4 (C5). It is pure and side-effect free except for the
// jitter draw; the loops that actually sleep and retry live in
// scheduler: the per-chunk loop sleeps for Policy.Delay itself, and the
// commit step drives github.com/avast/retry-go/v4 with Policy.Delay as
// its delay function.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/filechunkpro/engine/ferrors"
)

// Policy holds the tunables of spec.md §4.4. Zero value is not usable;
// use Default() or fill in every field.
type Policy struct {
	BaseDelay   time.Duration
	Backoff     float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// Default returns the spec.md §4.4 defaults.
func Default() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		Backoff:     2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// Classify maps a raw error (and, when available, an HTTP status code)
// into the taxonomy of spec.md §7. statusCode of 0 means "no HTTP
// response was received" (network/timeout territory).
func Classify(err error, statusCode int) ferrors.Kind {
	if err == nil && statusCode == 0 {
		return ferrors.KindInvalidArgument
	}

	var fe *ferrors.Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ferrors.KindTransportTimeout
		}
		return ferrors.KindTransportNetwork
	}

	switch {
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return ferrors.KindServerTransient
	case statusCode >= 500:
		return ferrors.KindServerTransient
	case statusCode >= 400:
		return ferrors.KindServerPermanent
	default:
		return ferrors.KindTransportNetwork
	}
}

// Retriable reports whether attempt n (1-based) of a Retriable-class
// error should be retried at all under this policy's MaxAttempts.
func (p Policy) Retriable(kind ferrors.Kind, attempt int) bool {
	return kind.Retriable() && attempt < p.MaxAttempts
}

// Delay computes the backoff for the n-th attempt (1-based), following
// spec.md §4.4 exactly: min(max_delay, base*backoff^(n-1)*jitter), with
// jitter drawn uniformly from [0.85, 1.15] on every call.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Backoff, float64(attempt-1))
	jitter := 0.85 + rand.Float64()*0.30
	d := time.Duration(raw * jitter)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	if d < 0 {
		return p.MaxDelay
	}
	return d
}
