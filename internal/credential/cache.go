package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Source string

const (
	SourcePrimary Source = "primary"
	SourceBackup  Source = "backup"
)

type Credential struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Source     Source    `json:"source"`
}

// Redacted is safe to log.
func (c Credential) Redacted() string {
	if len(c.Token) <= 8 {
		return "***"
	}
	return c.Token[:8] + "..."
}

// Cache holds the primary credential with TTL ttl and a backup copy with
// TTL 2*ttl. Entries are always replaced wholesale.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(store Store, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, ttl: ttl, now: now}
}

func (c *Cache) Primary(ctx context.Context) (Credential, bool, error) {
	return c.get(ctx, SourcePrimary)
}

func (c *Cache) Backup(ctx context.Context) (Credential, bool, error) {
	return c.get(ctx, SourceBackup)
}

func (c *Cache) get(ctx context.Context, src Source) (Credential, bool, error) {
	cred, err := c.store.Get(ctx, string(src))
	if errors.Is(err, ErrNotFound) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	cred.Source = src
	return cred, true, nil
}

// Put stores token as both the primary and the backup credential.
func (c *Cache) Put(ctx context.Context, token string) (Credential, error) {
	now := c.now()
	primary := Credential{Token: token, AcquiredAt: now, ExpiresAt: now.Add(c.ttl), Source: SourcePrimary}
	backup := Credential{Token: token, AcquiredAt: now, ExpiresAt: now.Add(2 * c.ttl), Source: SourceBackup}

	if err := c.store.Set(ctx, string(SourcePrimary), primary, c.ttl); err != nil {
		return Credential{}, fmt.Errorf("failed to cache primary credential: %w", err)
	}
	if err := c.store.Set(ctx, string(SourceBackup), backup, 2*c.ttl); err != nil {
		return Credential{}, fmt.Errorf("failed to cache backup credential: %w", err)
	}
	return primary, nil
}

// Invalidate drops the primary credential, e.g. after a 401. The backup
// is left for fallback.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.store.Delete(ctx, string(SourcePrimary))
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}
