package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload shapes, one per task type. Submissions are checked against the
// shape for their type so malformed work is rejected at the API boundary
// instead of burning a worker slot.

type PublishPayload struct {
	Text     string   `json:"text"`
	MediaURL []string `json:"media_urls,omitempty"`
}

type LikePayload struct {
	PostID string `json:"post_id"`
}

type CommentPayload struct {
	PostID string `json:"post_id"`
	Text   string `json:"text"`
}

type FollowPayload struct {
	UserID string `json:"user_id"`
}

type ScrapePayload struct {
	Query    string `json:"query,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	MaxPosts int    `json:"max_posts,omitempty"`
}

type LoginPayload struct {
	Force bool `json:"force,omitempty"`
}

// DecodePayload parses and validates raw payload bytes for the given task
// type. Unknown fields are rejected so typos surface at submission time.
func DecodePayload(t TaskType, raw json.RawMessage) (any, error) {
	decode := func(v any) error {
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("payload for %s: %v: %w", t, err, ErrNotValid)
		}
		return nil
	}

	switch t {
	case TypePublish:
		var p PublishPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.Text == "" && len(p.MediaURL) == 0 {
			return nil, fmt.Errorf("publish requires text or media: %w", ErrNotValid)
		}
		return p, nil
	case TypeLike:
		var p LikePayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.PostID == "" {
			return nil, fmt.Errorf("like requires post_id: %w", ErrNotValid)
		}
		return p, nil
	case TypeComment:
		var p CommentPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.PostID == "" || p.Text == "" {
			return nil, fmt.Errorf("comment requires post_id and text: %w", ErrNotValid)
		}
		return p, nil
	case TypeFollow:
		var p FollowPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("follow requires user_id: %w", ErrNotValid)
		}
		return p, nil
	case TypeScrape:
		var p ScrapePayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.Query == "" && p.UserID == "" {
			return nil, fmt.Errorf("scrape requires query or user_id: %w", ErrNotValid)
		}
		return p, nil
	case TypeLogin:
		var p LoginPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown task type %q: %w", t, ErrNotValid)
	}
}

// TargetID extracts the interaction target from a payload for the audit
// log. Empty for types without a single target.
func TargetID(t TaskType, raw json.RawMessage) string {
	v, err := DecodePayload(t, raw)
	if err != nil {
		return ""
	}
	switch p := v.(type) {
	case LikePayload:
		return p.PostID
	case CommentPayload:
		return p.PostID
	case FollowPayload:
		return p.UserID
	}
	return ""
}
