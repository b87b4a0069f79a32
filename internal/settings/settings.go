// Package settings is the read-only boundary to the platform settings
// store. The fulfillment core only consumes check-in policy from it;
// everything else the settings service holds is out of scope here.
package settings

import (
	"context"

	"ms-fulfillment/internal/config"
)

// Store supplies per-event check-in policy: rate-limit threshold, PII
// disclosure level and whether undoing a check-in is allowed.
type Store interface {
	Checkin(ctx context.Context, eventID string) (config.CheckinConfig, error)
}

// Static serves the same policy for every event, taken from the
// environment. It is the default until the settings service exposes
// per-event overrides.
type Static struct {
	Config config.CheckinConfig
}

func NewStatic(cfg config.CheckinConfig) *Static {
	return &Static{Config: cfg}
}

func (s *Static) Checkin(ctx context.Context, eventID string) (config.CheckinConfig, error) {
	return s.Config, nil
}
