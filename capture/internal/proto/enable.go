package proto

import (
	"context"
	"fmt"
	"time"
)

// EnableDomain sends <domain>.enable exactly once per domain for the life
// of the connection. Repeat calls are no-ops. A failed enable is not
// recorded, so the next caller retries it. When waitReply is false the
// command is fired without blocking and failures surface only through the
// reply table log.
func (c *Client) EnableDomain(ctx context.Context, domain string, params any, waitReply bool) error {
	c.enableMu.Lock()
	if c.enabled[domain] {
		c.enableMu.Unlock()
		return nil
	}
	c.enableMu.Unlock()

	method := domain + ".enable"
	if !waitReply {
		if _, err := c.Send(method, params); err != nil {
			return err
		}
		c.markEnabled(domain)
		return nil
	}
	if _, err := c.SendAndWait(ctx, method, params, 5*time.Second); err != nil {
		return fmt.Errorf("proto: enable %s: %w", domain, err)
	}
	c.markEnabled(domain)
	return nil
}

func (c *Client) markEnabled(domain string) {
	c.enableMu.Lock()
	c.enabled[domain] = true
	c.enableMu.Unlock()
}

// DomainEnabled reports whether EnableDomain has succeeded for domain.
func (c *Client) DomainEnabled(domain string) bool {
	c.enableMu.Lock()
	defer c.enableMu.Unlock()
	return c.enabled[domain]
}
