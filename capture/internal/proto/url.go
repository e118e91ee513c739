package proto

import (
	"context"
	"encoding/json"
	"time"
)

// CurrentURL reports the page's current location. It prefers the
// navigation history, which survives pages that shadow window.location,
// and falls back to evaluating location.href.
func (c *Client) CurrentURL(ctx context.Context) string {
	res, err := c.SendAndWait(ctx, "Page.getNavigationHistory", nil, 3*time.Second)
	if err == nil {
		var h struct {
			CurrentIndex int `json:"currentIndex"`
			Entries      []struct {
				URL string `json:"url"`
			} `json:"entries"`
		}
		if json.Unmarshal(res, &h) == nil && h.CurrentIndex >= 0 && h.CurrentIndex < len(h.Entries) {
			return h.Entries[h.CurrentIndex].URL
		}
	}

	res, err = c.SendAndWait(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "window.location.href",
		"returnByValue": true,
	}, 3*time.Second)
	if err != nil {
		c.logger.Debug("proto: current url unavailable", "error", err)
		return ""
	}
	var ev struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if json.Unmarshal(res, &ev) != nil {
		return ""
	}
	return ev.Result.Value
}
