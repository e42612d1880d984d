package service

import (
	"context"
	"errors"

	"notehub/internal/notify"
)

// Maintenance runs the idempotent cleanup deletes. The worker, the admin
// endpoint and authctl all go through it.
type Maintenance struct {
	sessions *SessionService
	resets   *PasswordResetService
	tokens   *APITokenService
}

func NewMaintenance(sessions *SessionService, resets *PasswordResetService, tokens *APITokenService) *Maintenance {
	return &Maintenance{sessions: sessions, resets: resets, tokens: tokens}
}

// AllCleanupTargets is the order targets run in when none are named.
var AllCleanupTargets = []string{notify.CleanupSessions, notify.CleanupResetTokens, notify.CleanupAPITokens}

// Run cleans each target and reports rows removed per target. Every target is
// attempted even if an earlier one fails.
func (m *Maintenance) Run(ctx context.Context, targets []string) (map[string]int64, error) {
	if len(targets) == 0 {
		targets = AllCleanupTargets
	}
	for _, target := range targets {
		if !validCleanupTarget(target) {
			return nil, validationError("unknown cleanup target %q", target)
		}
	}

	removed := make(map[string]int64, len(targets))
	var errs []error
	for _, target := range targets {
		var (
			n   int64
			err error
		)
		switch target {
		case notify.CleanupSessions:
			n, err = m.sessions.CleanupExpiredSessions(ctx)
		case notify.CleanupResetTokens:
			n, err = m.resets.CleanupExpiredResetTokens(ctx)
		case notify.CleanupAPITokens:
			n, err = m.tokens.CleanupStale(ctx)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed[target] = n
	}
	return removed, errors.Join(errs...)
}

func validCleanupTarget(target string) bool {
	for _, t := range AllCleanupTargets {
		if t == target {
			return true
		}
	}
	return false
}
