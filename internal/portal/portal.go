// Package portal abstracts authenticated interaction with the fund
// administrator's portal. Two interchangeable transports produce report
// files in a private scratch directory: a web session that navigates the
// portal's HTML the way an operator's browser would, and a direct session
// against the portal's JSON API. The download orchestrator depends only
// on the Session interface.
package portal

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bloko-capital/fundsync/internal/catalog"
	"github.com/bloko-capital/fundsync/internal/report"
)

// ErrAuth marks a credential rejection. Never retried: bad credentials do
// not become good ones on the next attempt.
var ErrAuth = eris.New("portal: authentication rejected")

// Locator is an opaque handle to one fund's detail view, produced by
// LocateFund and consumed by TriggerReport. Web sessions fill URL, API
// sessions fill ID.
type Locator struct {
	FundName string
	URL      string
	ID       string
}

// Session is one authenticated portal connection bound to a private
// scratch directory.
type Session interface {
	// Authenticate establishes credentials. Returns ErrAuth for rejected
	// credentials, a transient-classified error for connectivity failure.
	// Idempotent: calling again after success is a no-op.
	Authenticate(ctx context.Context) error

	// Valid reports whether the session still looks authenticated, i.e.
	// the portal is not presenting a login prompt again.
	Valid(ctx context.Context) bool

	// LocateFund finds the fund's navigation target by its search token.
	// Returns (nil, nil) when the fund is absent from the current portal
	// snapshot; absence is not an error.
	LocateFund(ctx context.Context, fund catalog.Fund) (*Locator, error)

	// TriggerReport invokes the portal action that produces the report.
	// Equal from/to dates request a single-date report; a differing pair
	// runs the portal's batch sub-protocol and yields one archive for the
	// whole range. The resulting file lands in ScratchDir; completion is
	// observed by the caller, not by this method.
	TriggerReport(ctx context.Context, loc *Locator, typ report.Type, from, to time.Time) error

	// ScratchDir is the private directory this session downloads into.
	ScratchDir() string

	// Close releases the session. Safe to call multiple times; never
	// propagates failures from the underlying resources.
	Close() error
}

// Credentials identify the operator on the portal.
type Credentials struct {
	BaseURL  string
	Username string
	Password string
}

// Factory creates a numbered session bound to scratchDir. The
// orchestrator uses one factory call for the shared discovery session and
// one per pooled worker.
type Factory func(id int, scratchDir string) (Session, error)
