// Package actions implements the per-task-type platform handlers invoked
// by the worker pool. Handlers drive the page through the session's Conn
// and classify their failures with the domain error wrappers so the
// executor can decide between retry, terminal failure and account ban.
//
// Selector-level logic here tracks the target platform's markup and is
// expected to churn; everything above it (scheduling, retries, limits)
// must not care.
package actions

import (
	"context"
	"fmt"
	"strings"

	"botflow/internal/domain"
	"botflow/internal/session"
)

const defaultBaseURL = "https://www.example-social.com"

// Config is shared by every handler.
type Config struct {
	// BaseURL is the platform root, overridable for staging mirrors.
	BaseURL string
}

func (c Config) baseURL() string {
	if c.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// pace waits for the session's action limiter so page operations inside
// one session keep a human-ish cadence.
func pace(ctx context.Context, sess *session.Session) error {
	if sess.Pace == nil {
		return nil
	}
	return sess.Pace.Wait(ctx)
}

// checkBlocked inspects the page for the platform's account-action
// banners after navigation and converts them into classified errors.
func checkBlocked(ctx context.Context, sess *session.Session) error {
	banner, err := sess.Conn.Text(ctx, "[data-testid='account-status-banner']")
	if err != nil {
		// Banner probing is best-effort; a missing element is the
		// normal case.
		return nil
	}
	switch {
	case strings.Contains(banner, "suspended"), strings.Contains(banner, "banned"):
		return domain.Banned(fmt.Errorf("platform reports account blocked: %s", banner))
	case strings.Contains(banner, "log in"), strings.Contains(banner, "sign in"):
		return domain.Terminalf("account not logged in")
	case strings.Contains(banner, "rate limit"), strings.Contains(banner, "try again later"):
		return domain.Transient(fmt.Errorf("platform throttling: %s", banner))
	}
	return nil
}

// navigate opens a platform path and screens it for block banners.
func navigate(ctx context.Context, sess *session.Session, url string) error {
	if err := pace(ctx, sess); err != nil {
		return err
	}
	if err := sess.Conn.Navigate(ctx, url); err != nil {
		return domain.SessionFailure(fmt.Errorf("navigate %s: %w", url, err))
	}
	return checkBlocked(ctx, sess)
}
