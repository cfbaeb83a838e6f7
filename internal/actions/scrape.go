package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"botflow/internal/domain"
	"botflow/internal/session"
)

// Scrape collects post data from a search or a profile feed.
type Scrape struct {
	Config
}

func (h Scrape) Handle(ctx context.Context, sess *session.Session, payload json.RawMessage) (json.RawMessage, error) {
	v, err := domain.DecodePayload(domain.TypeScrape, payload)
	if err != nil {
		return nil, err
	}
	p := v.(domain.ScrapePayload)

	target := h.baseURL() + "/u/" + p.UserID
	if p.Query != "" {
		target = h.baseURL() + "/search?q=" + url.QueryEscape(p.Query)
	}
	if err := navigate(ctx, sess, target); err != nil {
		return nil, err
	}

	maxPosts := p.MaxPosts
	if maxPosts <= 0 {
		maxPosts = 20
	}

	js := fmt.Sprintf(`
Array.from(document.querySelectorAll("[data-testid='post']"))
  .slice(0, %d)
  .map(el => ({
    id: el.getAttribute("data-post-id"),
    author: el.querySelector("[data-testid='author']")?.textContent ?? "",
    text: el.querySelector("[data-testid='post-text']")?.textContent ?? "",
  }))`, maxPosts)

	var posts []map[string]string
	if err := sess.Conn.Evaluate(ctx, js, &posts); err != nil {
		return nil, domain.Transient(fmt.Errorf("extract posts: %w", err))
	}

	return json.Marshal(map[string]any{"count": len(posts), "posts": posts})
}
