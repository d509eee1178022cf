//go:build !stepup_dev_bypass

package service

import (
	"context"

	"stepup-service/internal/autherr"
)

// BypassEnabled reports whether this binary links the development bypass.
// Production builds compile this stub, so the bypass is unreachable even
// if a route were mounted.
const BypassEnabled = false

func (s *StepUpService) CompleteStepUpBypass(ctx context.Context, in BypassInput) (*StepUpResult, error) {
	return nil, autherr.ErrBypassDisabled
}
