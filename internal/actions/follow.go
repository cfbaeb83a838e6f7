package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"botflow/internal/domain"
	"botflow/internal/session"
)

// Follow follows a user profile.
type Follow struct {
	Config
}

func (h Follow) Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
	v, err := domain.DecodePayload(domain.TypeFollow, payload)
	if err != nil {
		return nil, err
	}
	p := v.(domain.FollowPayload)

	url := fmt.Sprintf("%s/u/%s", h.baseURL(), p.UserID)
	if err := navigate(ctx, sess, url); err != nil {
		return nil, err
	}

	// Already following is success, not an error worth a retry.
	if label, err := sess.Conn.Text(ctx, "[data-testid='follow-button']"); err == nil &&
		strings.EqualFold(strings.TrimSpace(label), "following") {
		return json.Marshal(map[string]string{"user_id": p.UserID, "action": "already_following"})
	}

	if err := pace(ctx, sess); err != nil {
		return nil, err
	}
	if err := sess.Conn.Click(ctx, "[data-testid='follow-button']"); err != nil {
		return nil, domain.Transient(fmt.Errorf("click follow on %s: %w", p.UserID, err))
	}

	return json.Marshal(map[string]string{"user_id": p.UserID, "action": "followed"})
}
