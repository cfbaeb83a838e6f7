package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"botflow/internal/domain"
	"botflow/internal/session"
)

// Publish creates a new post.
type Publish struct {
	Config
}

func (h Publish) Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
	v, err := domain.DecodePayload(domain.TypePublish, payload)
	if err != nil {
		return nil, err
	}
	p := v.(domain.PublishPayload)

	if err := navigate(ctx, sess, h.baseURL()+"/compose"); err != nil {
		return nil, err
	}

	if p.Text != "" {
		if err := pace(ctx, sess); err != nil {
			return nil, err
		}
		if err := sess.Conn.SendKeys(ctx, "[data-testid='compose-text']", p.Text); err != nil {
			return nil, domain.Transient(fmt.Errorf("type post text: %w", err))
		}
	}
	for _, media := range p.MediaURL {
		if err := pace(ctx, sess); err != nil {
			return nil, err
		}
		js := fmt.Sprintf("window.__attachMedia(%q)", media)
		if err := sess.Conn.Evaluate(ctx, js, nil); err != nil {
			return nil, domain.Transient(fmt.Errorf("attach media %s: %w", media, err))
		}
	}

	if err := pace(ctx, sess); err != nil {
		return nil, err
	}
	if err := sess.Conn.Click(ctx, "[data-testid='compose-submit']"); err != nil {
		return nil, domain.Transient(fmt.Errorf("submit post: %w", err))
	}

	// The platform redirects to the new post; capture its id.
	var postURL string
	if err := sess.Conn.Evaluate(ctx, "window.location.pathname", &postURL); err != nil {
		postURL = ""
	}
	return json.Marshal(map[string]string{"action": "published", "post_path": postURL})
}
