package proto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// ResolveSession attaches to the first page target and records its session
// id, after which page-level commands are routed through it. If an
// attachedToTarget event already supplied a session (first writer wins)
// the resolved one is discarded.
func (c *Client) ResolveSession(ctx context.Context) (string, error) {
	res, err := c.SendAndWait(ctx, "Target.getTargets", nil, 5*time.Second)
	if err != nil {
		return "", err
	}
	var out struct {
		TargetInfos []targetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return "", fmt.Errorf("proto: parse getTargets: %w", err)
	}
	var page *targetInfo
	for i := range out.TargetInfos {
		if out.TargetInfos[i].Type == "page" {
			page = &out.TargetInfos[i]
			break
		}
	}
	if page == nil {
		return "", fmt.Errorf("proto: no page target among %d targets", len(out.TargetInfos))
	}

	res, err = c.SendAndWait(ctx, "Target.attachToTarget", map[string]any{
		"targetId": page.TargetID,
		"flatten":  true,
	}, 5*time.Second)
	if err != nil {
		return "", err
	}
	var att struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &att); err != nil {
		return "", fmt.Errorf("proto: parse attachToTarget: %w", err)
	}
	if att.SessionID == "" {
		return "", fmt.Errorf("proto: attachToTarget returned empty session for %s", page.TargetID)
	}
	c.setSession(att.SessionID, page.URL)
	return c.SessionID(), nil
}

// observeAttached captures the session id from a Target.attachedToTarget
// push event when the browser attaches us before ResolveSession runs.
func (c *Client) observeAttached(f *Frame) {
	var p struct {
		SessionID  string     `json:"sessionId"`
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(f.Params, &p); err != nil || p.SessionID == "" {
		return
	}
	if p.TargetInfo.Type != "page" {
		return
	}
	c.setSession(p.SessionID, p.TargetInfo.URL)
}

func (c *Client) setSession(id, url string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.sessionID != "" {
		if c.sessionID != id {
			c.logger.Debug("proto: ignoring second page session", "session", id)
		}
		return
	}
	c.sessionID = id
	c.logger.Info("proto: page session attached", "session", id, "url", url)
	close(c.sessionSet)
}

// SessionID returns the attached page session id, or "" before attach.
func (c *Client) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// WaitSessionID blocks until a page session is attached or ctx expires.
func (c *Client) WaitSessionID(ctx context.Context) (string, error) {
	select {
	case <-c.sessionSet:
		return c.SessionID(), nil
	case <-ctx.Done():
		return "", fmt.Errorf("proto: waiting for session: %w", ctx.Err())
	}
}
