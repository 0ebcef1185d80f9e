// Package directory resolves display info for identities from redis.
package directory

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ringline/ringline/internal/domain"
)

// Redis implements core.Directory over a redis hash per identity
// (profile data is written by the account service, not by this core).
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func profileKey(id domain.Identity) string {
	return fmt.Sprintf("user:%s:profile", id)
}

func (d *Redis) ResolveDisplayInfo(ctx context.Context, id domain.Identity) (domain.DisplayInfo, error) {
	vals, err := d.rdb.HGetAll(ctx, profileKey(id)).Result()
	if err != nil {
		return domain.DisplayInfo{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	if len(vals) == 0 {
		// Unknown identity is not an error; the caller falls back to
		// whatever the endpoint supplied.
		return domain.DisplayInfo{Name: id.String()}, nil
	}
	return domain.DisplayInfo{
		Name:      vals["name"],
		AvatarURL: vals["avatar_url"],
	}, nil
}
