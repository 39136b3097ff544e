package sso

import (
	"context"
	"time"
)

// slowDownStep is the minimum increase applied to the poll interval when the
// provider answers slow_down, per RFC 8628. Variable so tests can shorten it.
var slowDownStep = 5 * time.Second

// RunDevicePoll drives a device flow to completion: it polls the provider's
// token endpoint on the session's interval until success, denial, or expiry.
// slow_down cancels the active timer and restarts it with a strictly larger
// interval; exactly one timer exists at any moment. Cancel the context to
// abort the loop.
func (m *Manager) RunDevicePoll(ctx context.Context, session *DeviceAuthSession) (*SSOAuthResult, error) {
	if session.PollInterval <= 0 {
		session.PollInterval = 5 * time.Second
	}

	timer := time.NewTimer(session.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
			return nil, ErrDeviceCodeExpired
		}

		poll, err := m.PollDeviceFlow(ctx, session.ProviderID, session.DeviceCode)
		if err != nil {
			return nil, err
		}

		switch poll.Status {
		case PollSuccess:
			return poll.Result, nil
		case PollDenied:
			return nil, ErrAccessDenied
		case PollExpired:
			return nil, ErrDeviceCodeExpired
		case PollSlowDown:
			session.PollInterval += slowDownStep
			m.logger.Info("provider requested slow down",
				"provider", session.ProviderID, "interval", session.PollInterval)
			timer.Reset(session.PollInterval)
		default: // PollPending
			timer.Reset(session.PollInterval)
		}
	}
}
