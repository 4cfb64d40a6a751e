package webpush

import (
	"context"
	"errors"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotype/keypulse/internal/delivery"
	"github.com/velotype/keypulse/internal/domain"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantNil  bool
		wantGone bool
	}{
		{"200 ok", 200, true, false},
		{"201 created", 201, true, false},
		{"404 not found", 404, false, true},
		{"410 gone", 410, false, true},
		{"429 rate limited", 429, false, false},
		{"500 server error", 500, false, false},
		{"503 unavailable", 503, false, false},
		{"400 bad request", 400, false, false},
		{"401 unauthorized", 401, false, false},
		{"413 payload too large", 413, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus(tt.code)

			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantGone, errors.Is(err, delivery.ErrSubscriptionGone))
		})
	}
}

func TestNewSender_ValidatesWhenEnabled(t *testing.T) {
	_, err := NewSender(Config{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAPID")

	_, err = NewSender(Config{
		Enabled:        true,
		VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber")

	sender, err := NewSender(Config{
		Enabled:        true,
		VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv",
		Subscriber: "mailto:push@velotype.dev",
	})
	require.NoError(t, err)
	assert.NotNil(t, sender)
}

func TestNewSender_AppliesRateDefaults(t *testing.T) {
	sender, err := NewSender(Config{})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, sender.config.RateLimit, 0)
	assert.Equal(t, 100, sender.config.RateBurst)
}

func TestSender_SendDisabledSurfacesAsSkip(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false})
	require.NoError(t, err)

	err = sender.Send(context.Background(), domain.Subscription{Endpoint: "https://push.example.com/x"}, []byte("{}"), delivery.SendOptions{})
	assert.ErrorIs(t, err, delivery.ErrTransportDisabled)
}

func TestUrgencyFor(t *testing.T) {
	assert.Equal(t, webpush.UrgencyHigh, urgencyFor("high"))
	assert.Equal(t, webpush.UrgencyLow, urgencyFor("low"))
	assert.Equal(t, webpush.UrgencyNormal, urgencyFor("normal"))
	assert.Equal(t, webpush.UrgencyNormal, urgencyFor(""))
}

func TestClassifyStatus_RetryTaxonomy(t *testing.T) {
	assert.True(t, delivery.IsRetryable(ClassifyStatus(500)))
	assert.True(t, delivery.IsRetryable(ClassifyStatus(429)))
	assert.False(t, delivery.IsRetryable(ClassifyStatus(400)))
	assert.False(t, delivery.IsRetryable(ClassifyStatus(413)))
}