package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("config: ListenAddress %q: %w", c.ListenAddress, err)
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("config: RateLimit.RequestsPerMinute must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: RateLimit.Burst must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acct := range c.Accounts {
		id := strings.TrimSpace(acct.ID)
		if id == "" {
			return fmt.Errorf("config: Accounts[%d]: ID is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: Accounts[%d]: duplicate ID %s", i, id)
		}
		seen[id] = struct{}{}
		if _, err := acct.Amount(); err != nil {
			return fmt.Errorf("config: Accounts[%d]: %w", i, err)
		}
	}
	return nil
}
