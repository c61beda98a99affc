// Package sessions persists try-on sessions and guards every status change.
package sessions

import (
	"context"
	"time"

	"github.com/garmaxai/backend/internal/models"
)

// Changes lists the fields a transition may set. Nil pointers leave the field
// untouched.
type Changes struct {
	Progress         *int
	PreviewExpiresAt *time.Time
	BaseImageRef     *string
	PreviewImageRef  *string
	GuidanceRefs     map[string]string
	RenderedImageRef *string
	UpgradeCharged   *int64
	UpgradedToAIOnly *bool
	CreditsRefunded  *int64
	QuotaRestored    *bool
	FailureReason    *string
}

// ListFilter narrows ListByOwner results.
type ListFilter struct {
	Statuses []models.Status
	Limit    int
	Offset   int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Normalize clamps pagination to sane bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether a status passes the filter.
func (f ListFilter) Matches(status models.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Store persists sessions. UpdateStatus is the only mutator.
type Store interface {
	Create(ctx context.Context, session models.Session) (models.Session, error)
	Get(ctx context.Context, id string) (models.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to models.Status, changes Changes) (models.Session, error)
	ListByOwner(ctx context.Context, ownerID string, filter ListFilter) ([]models.Session, error)
	// ListStale returns sessions in one of statuses whose last update is
	// older than before, oldest first.
	ListStale(ctx context.Context, statuses []models.Status, before time.Time, limit int) ([]models.Session, error)
}

// PrepareNew validates a session and sets its initial state.
func PrepareNew(s models.Session, now time.Time) (models.Session, error) {
	if err := ValidateNew(s); err != nil {
		return models.Session{}, err
	}
	out := s.Clone()
	if out.Scene == "" {
		out.Scene = models.DefaultScene
	}
	out.Status = models.StatusQueued
	out.Progress = 0
	out.PreviewExpiresAt = nil
	out.CompletedAt = nil
	out.CreditsRefunded = 0
	out.QuotaRestored = false
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now.UTC()
	}
	out.UpdatedAt = out.CreatedAt
	return out, nil
}

// Apply runs the transition guard against current and returns the updated
// copy. current is never modified, so a rejected transition leaves no trace.
func Apply(current models.Session, from, to models.Status, ch Changes, now time.Time) (models.Session, error) {
	if current.Status.Terminal() {
		return models.Session{}, ErrTerminal
	}
	if current.Status != from {
		return models.Session{}, ErrStatusConflict
	}
	if !models.CanTransition(from, to, current.RequireConfirmation) {
		return models.Session{}, ErrIllegalTransition
	}

	next := current.Clone()
	next.Status = to

	if from == to {
		if ch.Progress != nil {
			p := clampProgress(*ch.Progress)
			if p < current.Progress {
				return models.Session{}, ErrProgressRegression
			}
			next.Progress = p
		}
	} else {
		next.Progress = 0
		if ch.Progress != nil {
			next.Progress = clampProgress(*ch.Progress)
		}
	}

	if ch.BaseImageRef != nil {
		next.BaseImageRef = *ch.BaseImageRef
	}
	if ch.PreviewImageRef != nil {
		next.PreviewImageRef = *ch.PreviewImageRef
	}
	if ch.GuidanceRefs != nil {
		next.GuidanceRefs = make(map[string]string, len(ch.GuidanceRefs))
		for k, v := range ch.GuidanceRefs {
			next.GuidanceRefs[k] = v
		}
	}
	if ch.RenderedImageRef != nil {
		next.RenderedImageRef = *ch.RenderedImageRef
	}
	if ch.UpgradeCharged != nil {
		next.UpgradeCharged = *ch.UpgradeCharged
	}
	if ch.UpgradedToAIOnly != nil {
		next.UpgradedToAIOnly = *ch.UpgradedToAIOnly
	}
	if ch.QuotaRestored != nil {
		next.QuotaRestored = *ch.QuotaRestored
	}
	if ch.FailureReason != nil {
		next.FailureReason = *ch.FailureReason
	}
	if ch.CreditsRefunded != nil {
		if *ch.CreditsRefunded < 0 || *ch.CreditsRefunded > next.CreditsCharged+next.UpgradeCharged {
			return models.Session{}, ErrRefundExceedsCharge
		}
		next.CreditsRefunded = *ch.CreditsRefunded
	}

	switch {
	case to == models.StatusAwaitingConfirmation:
		if ch.PreviewExpiresAt != nil {
			t := ch.PreviewExpiresAt.UTC()
			next.PreviewExpiresAt = &t
		}
	default:
		next.PreviewExpiresAt = nil
	}

	now = now.UTC()
	if to == models.StatusCompleted {
		next.Progress = 100
	}
	if to.Terminal() {
		next.CompletedAt = &now
	}
	next.UpdatedAt = now
	return next, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// IntPtr and friends keep Changes literals short at call sites.
func IntPtr(v int) *int          { return &v }
func Int64Ptr(v int64) *int64    { return &v }
func StringPtr(v string) *string { return &v }
func BoolPtr(v bool) *bool       { return &v }
func TimePtr(v time.Time) *time.Time {
	return &v
}
