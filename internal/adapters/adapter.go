// Package adapters contains pluggable auction site connectors.
//
// All site-specific navigation and parsing lives behind SiteAdapter; the
// scheduler depends only on the interface and the error kinds below.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"harvester/internal/auction"
	"harvester/internal/config"
)

// SearchParams describes one paginated inventory search.
type SearchParams struct {
	Page       int
	SearchDate time.Time
}

// FetchMeta provides request-level telemetry without leaking connector details.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
}

// SiteAdapter abstracts all auction-site-specific logic.
type SiteAdapter interface {
	// SearchLots returns listing rows for one search page.
	SearchLots(ctx context.Context, params SearchParams) ([]auction.Lot, FetchMeta, error)

	// FetchLot fetches and parses a single lot detail page by URL.
	FetchLot(ctx context.Context, lotURL string) (auction.LotDetail, FetchMeta, error)
}

// ErrorKind classifies adapter failures for the scheduler's retry policy.
type ErrorKind string

const (
	// KindTransient covers timeouts, resets and 5xx responses; retried up
	// to the site's retry budget.
	KindTransient ErrorKind = "transient"
	// KindThrottled means the site signalled rate limiting; retried, and
	// the site's limiter backs off.
	KindThrottled ErrorKind = "throttled"
	// KindValidation means the payload is structurally invalid; never
	// retried.
	KindValidation ErrorKind = "validation"
	// KindAuth means the site rejected our credentials; never retried.
	KindAuth ErrorKind = "auth"
)

// SiteError is the typed failure every adapter returns.
type SiteError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *SiteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SiteError) Unwrap() error { return e.Err }

func Transient(status int, err error) *SiteError {
	return &SiteError{Kind: KindTransient, StatusCode: status, Err: err}
}

func Throttled(status int, err error) *SiteError {
	return &SiteError{Kind: KindThrottled, StatusCode: status, Err: err}
}

func Validation(err error) *SiteError {
	return &SiteError{Kind: KindValidation, Err: err}
}

func Auth(status int, err error) *SiteError {
	return &SiteError{Kind: KindAuth, StatusCode: status, Err: err}
}

// KindOf classifies an arbitrary error. Untyped errors (including context
// timeouts around the adapter call) count as transient.
func KindOf(err error) ErrorKind {
	var se *SiteError
	if errors.As(err, &se) {
		return se.Kind
	}
	var fe *auction.FieldError
	if errors.As(err, &fe) {
		return KindValidation
	}
	return KindTransient
}

// classify maps an HTTP status to a SiteError.
func classify(status int, err error) *SiteError {
	switch {
	case status == 429 || status == 503:
		return Throttled(status, err)
	case status == 401 || status == 403:
		return Auth(status, err)
	default:
		return Transient(status, err)
	}
}

// New builds the adapter variant a site is configured with.
func New(site config.Site) (SiteAdapter, error) {
	switch site.Adapter {
	case "httpjson":
		return NewHTTPJSON(site)
	case "html":
		return NewHTML(site)
	case "rendered":
		return NewRendered(site)
	case "mock":
		return NewMock(site.Name, site.BaseURL, 0), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q for site %s", site.Adapter, site.Name)
	}
}
