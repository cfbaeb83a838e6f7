package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"botflow/internal/domain"
	"botflow/internal/session"
)

// Like presses the like control on a post.
type Like struct {
	Config
}

func (h Like) Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
	v, err := domain.DecodePayload(domain.TypeLike, payload)
	if err != nil {
		return nil, err
	}
	p := v.(domain.LikePayload)

	url := fmt.Sprintf("%s/p/%s", h.baseURL(), p.PostID)
	if err := navigate(ctx, sess, url); err != nil {
		return nil, err
	}

	if err := pace(ctx, sess); err != nil {
		return nil, err
	}
	if err := sess.Conn.Click(ctx, "[data-testid='like-button']"); err != nil {
		return nil, domain.Transient(fmt.Errorf("click like on %s: %w", p.PostID, err))
	}

	return json.Marshal(map[string]string{"post_id": p.PostID, "action": "liked"})
}
