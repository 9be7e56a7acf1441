package qpay

import (
	"context"
	"time"
)

const (
	tokenSkew          = 60 * time.Second
	defaultTokenExpiry = 30 * time.Minute
	// expires_in values above this are unix timestamps rather than durations.
	epochThreshold = int64(1_000_000_000)
)

type token struct {
	access           string
	refresh          string
	expiresAt        time.Time
	refreshExpiresAt time.Time
}

func (t *token) valid(now time.Time) bool {
	return t != nil && t.access != "" && now.Before(t.expiresAt)
}

func (t *token) refreshable(now time.Time) bool {
	return t != nil && t.refresh != "" && now.Before(t.refreshExpiresAt)
}

// expiryFrom resolves an expires_in value, which the gateway sends either as
// seconds from now or as an absolute unix timestamp, less a safety margin.
func expiryFrom(now time.Time, expiresIn int64) time.Time {
	var expiry time.Time
	switch {
	case expiresIn <= 0:
		expiry = now.Add(defaultTokenExpiry)
	case expiresIn > epochThreshold:
		expiry = time.Unix(expiresIn, 0).UTC()
	default:
		expiry = now.Add(time.Duration(expiresIn) * time.Second)
	}
	return expiry.Add(-tokenSkew)
}

// accessToken returns a cached token or acquires one. Concurrent callers
// share a single acquisition.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	now := c.clock.Now()
	c.mu.Lock()
	current := c.token
	c.mu.Unlock()
	if current.valid(now) {
		return current.access, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		c.mu.Lock()
		current := c.token
		c.mu.Unlock()
		now := c.clock.Now()
		if current.valid(now) {
			return current, nil
		}
		acquireCtx := context.WithoutCancel(ctx)
		if current.refreshable(now) {
			refreshed, err := c.requestToken(acquireCtx, "refresh_token", current.refresh)
			if err == nil {
				c.storeToken(refreshed)
				return refreshed, nil
			}
			c.log.Info("token refresh failed, re-authenticating")
		}
		fresh, err := c.requestToken(acquireCtx, "auth_token", "")
		if err != nil {
			return nil, err
		}
		c.storeToken(fresh)
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return "", &Error{Op: "auth_token", Profile: c.profile.Name, Kind: ErrUnavailable, Cause: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*token).access, nil
	}
}

func (c *Client) storeToken(t *token) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// invalidateToken drops the cached token when the gateway rejects it.
func (c *Client) invalidateToken(access string) {
	c.mu.Lock()
	if c.token != nil && c.token.access == access {
		c.token = nil
	}
	c.mu.Unlock()
}

func (c *Client) requestToken(ctx context.Context, op, refreshToken string) (*token, error) {
	var out tokenResponse
	var apiErr apiError
	req := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr)

	path := "/auth/token"
	if refreshToken != "" {
		path = "/auth/refresh"
		req.SetAuthToken(refreshToken)
	} else {
		req.SetBasicAuth(c.profile.ClientID, c.profile.ClientSecret)
	}

	resp, err := req.Post(path)
	if err != nil {
		return nil, &Error{Op: op, Profile: c.profile.Name, Kind: ErrUnavailable, Cause: err}
	}
	if resp.IsError() {
		return nil, &Error{
			Op:         op,
			Profile:    c.profile.Name,
			StatusCode: resp.StatusCode(),
			Code:       apiErr.Error,
			Message:    apiErr.Message,
			Kind:       kindForStatus(resp.StatusCode()),
		}
	}
	if out.AccessToken == "" {
		return nil, &Error{Op: op, Profile: c.profile.Name, StatusCode: resp.StatusCode(), Message: "empty access token", Kind: ErrUnauthorized}
	}

	now := c.clock.Now()
	t := &token{
		access:    out.AccessToken,
		refresh:   out.RefreshToken,
		expiresAt: expiryFrom(now, out.ExpiresIn),
	}
	if out.RefreshToken != "" {
		t.refreshExpiresAt = expiryFrom(now, out.RefreshExpiresIn)
	}
	return t, nil
}
