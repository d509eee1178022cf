//go:build !stepup_dev_bypass

package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"stepup-service/internal/autherr"
)

func TestBypassDisabledInDefaultBuild(t *testing.T) {
	assert.False(t, BypassEnabled)

	fx := newEngine(t, nil)
	score := 0.99

	// Even a perfectly formed request against a live pending session is
	// refused: the default build carries only the stub.
	_, err := fx.service.CompleteStepUpBypass(context.Background(), BypassInput{
		LoginID: fx.session.LoginID,
		Nonce:   fx.session.Nonce,
		Score:   &score,
	})
	assert.ErrorIs(t, err, autherr.ErrBypassDisabled)
	assert.Equal(t, 0, fx.log.Len())
}
