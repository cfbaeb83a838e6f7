package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"botflow/internal/domain"
	"botflow/internal/session"
)

// Credentials resolves platform credentials for an account. Kept out of
// the task payload so passwords never land in the task table.
type Credentials interface {
	Lookup(ctx context.Context, accountID string) (username, password string, err error)
}

// Login establishes a logged-in platform session, refreshing the cookie
// state the session manager persists on release.
type Login struct {
	Config
	Creds Credentials
}

func (h Login) Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
	v, err := domain.DecodePayload(domain.TypeLogin, payload)
	if err != nil {
		return nil, err
	}
	p := v.(domain.LoginPayload)

	if err := navigate(ctx, sess, h.baseURL()+"/login"); err != nil {
		return nil, err
	}

	// A restored cookie jar may already be valid.
	if !p.Force {
		var loggedIn bool
		if err := sess.Conn.Evaluate(ctx, "document.body.hasAttribute('data-logged-in')", &loggedIn); err == nil && loggedIn {
			return json.Marshal(map[string]string{"action": "session_reused"})
		}
	}

	if h.Creds == nil {
		return nil, domain.Terminalf("no credential source configured")
	}
	username, password, err := h.Creds.Lookup(ctx, sess.AccountID)
	if err != nil {
		return nil, domain.Terminalf("credentials for %s: %v", sess.AccountID, err)
	}

	steps := []struct {
		sel, text string
	}{
		{"input[name='username']", username},
		{"input[name='password']", password},
	}
	for _, st := range steps {
		if err := pace(ctx, sess); err != nil {
			return nil, err
		}
		if err := sess.Conn.SendKeys(ctx, st.sel, st.text); err != nil {
			return nil, domain.Transient(fmt.Errorf("fill %s: %w", st.sel, err))
		}
	}
	if err := pace(ctx, sess); err != nil {
		return nil, err
	}
	if err := sess.Conn.Click(ctx, "button[type='submit']"); err != nil {
		return nil, domain.Transient(fmt.Errorf("submit login: %w", err))
	}

	if msg, err := sess.Conn.Text(ctx, "[data-testid='login-error']"); err == nil && msg != "" {
		if strings.Contains(msg, "suspended") {
			return nil, domain.Banned(fmt.Errorf("login rejected: %s", msg))
		}
		return nil, domain.Terminalf("login rejected: %s", msg)
	}

	return json.Marshal(map[string]string{"action": "logged_in"})
}
