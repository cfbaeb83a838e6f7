package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"botflow/internal/domain"
	"botflow/internal/session"
)

// Comment posts a reply under a post.
type Comment struct {
	Config
}

func (h Comment) Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
	v, err := domain.DecodePayload(domain.TypeComment, payload)
	if err != nil {
		return nil, err
	}
	p := v.(domain.CommentPayload)

	url := fmt.Sprintf("%s/p/%s", h.baseURL(), p.PostID)
	if err := navigate(ctx, sess, url); err != nil {
		return nil, err
	}

	if err := pace(ctx, sess); err != nil {
		return nil, err
	}
	if err := sess.Conn.Click(ctx, "[data-testid='comment-box']"); err != nil {
		return nil, domain.Transient(fmt.Errorf("focus comment box: %w", err))
	}
	if err := sess.Conn.SendKeys(ctx, "[data-testid='comment-box']", p.Text); err != nil {
		return nil, domain.Transient(fmt.Errorf("type comment: %w", err))
	}
	if err := pace(ctx, sess); err != nil {
		return nil, err
	}
	if err := sess.Conn.Click(ctx, "[data-testid='comment-submit']"); err != nil {
		return nil, domain.Transient(fmt.Errorf("submit comment: %w", err))
	}

	return json.Marshal(map[string]string{"post_id": p.PostID, "action": "commented"})
}
