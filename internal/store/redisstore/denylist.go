package redisstore

import (
	"context"
	"time"

	"cdb.platformcommons.org/internal/auth"
)

// Denylist implements auth.Denylist with one expiring key per token id.
type Denylist struct {
	rdb Cmdable
	opt options
}

var _ auth.Denylist = (*Denylist)(nil)

// NewDenylist wraps rdb.
func NewDenylist(rdb Cmdable, opts ...Option) *Denylist {
	return &Denylist{rdb: rdb, opt: buildOptions(opts)}
}

func (d *Denylist) key(id string) string { return d.opt.prefix + "denylist:" + id }

// Revoke records id until the token's own expiry; already expired tokens are
// not stored.
func (d *Denylist) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	if tokenID == "" || !until.After(d.opt.now()) {
		return nil
	}
	return d.rdb.Set(ctx, d.key(tokenID), "1", ttlUntil(d.opt.now(), until)).Err()
}

func (d *Denylist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	n, err := d.rdb.Exists(ctx, d.key(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
