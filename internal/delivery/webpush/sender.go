// Package webpush implements the push transport on the Web Push protocol
// with VAPID authentication.
package webpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/velotype/keypulse/internal/delivery"
	"github.com/velotype/keypulse/internal/domain"
)

// Config holds web push sender configuration.
type Config struct {
	Enabled         bool
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // contact mailto: or URL required by VAPID
	RateLimit       float64
	RateBurst       int
}

// Sender implements delivery.Pusher over HTTP web push endpoints. Sends are
// rate limited and run behind a circuit breaker so a misbehaving push
// gateway cannot stall whole batches.
type Sender struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewSender creates a new web push sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.VAPIDPublicKey == "" || config.VAPIDPrivateKey == "" {
			return nil, errors.New("webpush sender: VAPID key pair is required when enabled")
		}
		if config.Subscriber == "" {
			return nil, errors.New("webpush sender: subscriber contact is required when enabled")
		}
	}

	if config.RateLimit <= 0 {
		config.RateLimit = 50
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 100
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "webpush",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	slog.Info("webpush sender configured",
		"enabled", config.Enabled,
		"subscriber", config.Subscriber,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:  config,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		breaker: cb,
	}, nil
}

// Send pushes one payload to one subscription endpoint. A disabled
// transport returns delivery.ErrTransportDisabled. Permanently gone
// endpoints (404/410) surface as delivery.ErrSubscriptionGone; everything
// else is classified retryable or not via delivery.RetryableError.
func (s *Sender) Send(ctx context.Context, sub domain.Subscription, payload []byte, opts delivery.SendOptions) error {
	if !s.config.Enabled {
		return delivery.ErrTransportDisabled
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return delivery.NewRetryableError(fmt.Errorf("rate limiter: %w", err))
	}

	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := s.breaker.Execute(func() (*http.Response, error) {
		return webpush.SendNotificationWithContext(ctx, payload, target, &webpush.Options{
			HTTPClient:      s.client,
			Subscriber:      s.config.Subscriber,
			VAPIDPublicKey:  s.config.VAPIDPublicKey,
			VAPIDPrivateKey: s.config.VAPIDPrivateKey,
			TTL:             opts.TTLSeconds,
			Urgency:         urgencyFor(opts.Urgency),
		})
	})
	if err != nil {
		// Network trouble or open breaker: worth retrying later.
		return delivery.NewRetryableError(fmt.Errorf("push send: %w", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return ClassifyStatus(resp.StatusCode)
}

// ClassifyStatus maps a push service response code onto the engine's error
// taxonomy.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return delivery.ErrSubscriptionGone
	case code == http.StatusTooManyRequests || code >= 500:
		return delivery.NewRetryableError(fmt.Errorf("push service returned %d", code))
	default:
		// 400/401/413 and friends: a broken request will not get better.
		return delivery.NewNonRetryableError(fmt.Errorf("push service returned %d", code))
	}
}

func urgencyFor(urgency string) webpush.Urgency {
	switch urgency {
	case "high":
		return webpush.UrgencyHigh
	case "low":
		return webpush.UrgencyLow
	default:
		return webpush.UrgencyNormal
	}
}
