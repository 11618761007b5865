package permission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAdmin is returned when the acting user may not change grants.
	ErrNotAdmin = errors.New("admin permission required to modify permissions")

	// ErrRemoveSelf is returned when an admin list would drop the acting user.
	ErrRemoveSelf = errors.New("cannot remove current user from admin permissions")

	// ErrViewRevoke is returned when a view grant would be withdrawn.
	ErrViewRevoke = errors.New("view permission cannot be removed once granted")
)

var ErrInvalidLevel = errors.New("invalid permission level")

// RedisGrants stores explicit grants as one hash per document and one hash
// per user, kept in step.
type RedisGrants struct {
	client *redis.Client
	prefix string
}

// NewRedisGrants connects to redisURL and verifies the connection.
func NewRedisGrants(redisURL, prefix string) (*RedisGrants, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisGrantsWithClient(client, prefix), nil
}

// NewRedisGrantsWithClient wraps an existing client.
func NewRedisGrantsWithClient(client *redis.Client, prefix string) *RedisGrants {
	if prefix == "" {
		prefix = "perm:"
	}
	return &RedisGrants{client: client, prefix: prefix}
}

func (g *RedisGrants) documentKey(uuid string) string {
	return g.prefix + "doc:" + uuid
}

func (g *RedisGrants) userKey(userID string) string {
	return g.prefix + "user:" + userID
}

func (g *RedisGrants) superKey() string {
	return g.prefix + "super"
}

// Level returns the level userID holds on uuid, or "" when none is granted.
func (g *RedisGrants) Level(ctx context.Context, userID, uuid string) (Level, error) {
	level, err := g.client.HGet(ctx, g.userKey(userID), uuid).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read permission: %w", err)
	}
	return Level(level), nil
}

// HasPermission reports whether userID holds level or higher on uuid.
// Superusers hold every permission.
func (g *RedisGrants) HasPermission(ctx context.Context, userID, uuid string, level Level) (bool, error) {
	if userID == "" {
		return false, nil
	}
	super, err := g.client.SIsMember(ctx, g.superKey(), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check superuser: %w", err)
	}
	if super {
		return true, nil
	}
	held, err := g.Level(ctx, userID, uuid)
	if err != nil {
		return false, err
	}
	return Can(held, level), nil
}

// Grant sets userID's level on uuid, replacing any previous level.
func (g *RedisGrants) Grant(ctx context.Context, userID, uuid string, level Level) error {
	if !Valid(string(level)) {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	pipe := g.client.TxPipeline()
	pipe.HSet(ctx, g.documentKey(uuid), userID, string(level))
	pipe.HSet(ctx, g.userKey(userID), uuid, string(level))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// InitializePermissionsFor makes userID the admin of a newly created uuid.
func (g *RedisGrants) InitializePermissionsFor(ctx context.Context, userID, uuid string) error {
	return g.Grant(ctx, userID, uuid, LevelAdmin)
}

// UsersWith lists users holding exactly level on uuid.
func (g *RedisGrants) UsersWith(ctx context.Context, uuid string, level Level) ([]string, error) {
	return g.users(ctx, uuid, func(held Level) bool { return held == level })
}

// UsersAtLeast lists users holding level or higher on uuid.
func (g *RedisGrants) UsersAtLeast(ctx context.Context, uuid string, level Level) ([]string, error) {
	return g.users(ctx, uuid, func(held Level) bool { return Can(held, level) })
}

func (g *RedisGrants) users(ctx context.Context, uuid string, match func(Level) bool) ([]string, error) {
	grants, err := g.client.HGetAll(ctx, g.documentKey(uuid)).Result()
	if err != nil {
		return nil, fmt.Errorf("list document permissions: %w", err)
	}
	out := make([]string, 0, len(grants))
	for userID, level := range grants {
		if match(Level(level)) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReplaceDocumentPermissions sets the user list for one level of uuid.
// Users dropped from the list fall back to view; view itself can only grow.
func (g *RedisGrants) ReplaceDocumentPermissions(ctx context.Context, actorID, uuid string, level Level, userIDs []string) error {
	if !Valid(string(level)) {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	allowed, err := g.HasPermission(ctx, actorID, uuid, LevelAdmin)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAdmin
	}
	if level == LevelAdmin && !slices.Contains(userIDs, actorID) {
		return ErrRemoveSelf
	}

	existing, err := g.UsersWith(ctx, uuid, level)
	if err != nil {
		return err
	}
	var relegate []string
	for _, userID := range existing {
		if !slices.Contains(userIDs, userID) {
			relegate = append(relegate, userID)
		}
	}
	if level == LevelView && len(relegate) > 0 {
		return ErrViewRevoke
	}
	for _, userID := range relegate {
		if err := g.Grant(ctx, userID, uuid, LevelView); err != nil {
			return err
		}
	}

	atLeast, err := g.UsersAtLeast(ctx, uuid, level)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if slices.Contains(atLeast, userID) {
			continue
		}
		if err := g.Grant(ctx, userID, uuid, level); err != nil {
			return err
		}
	}
	return nil
}

// UserPermissions returns every grant held by userID keyed by document uuid.
func (g *RedisGrants) UserPermissions(ctx context.Context, userID string) (map[string]Level, error) {
	grants, err := g.client.HGetAll(ctx, g.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user permissions: %w", err)
	}
	out := make(map[string]Level, len(grants))
	for uuid, level := range grants {
		out[uuid] = Level(level)
	}
	return out, nil
}

// SetSuperuser adds or removes userID from the superuser set.
func (g *RedisGrants) SetSuperuser(ctx context.Context, userID string, enabled bool) error {
	var err error
	if enabled {
		err = g.client.SAdd(ctx, g.superKey(), userID).Err()
	} else {
		err = g.client.SRem(ctx, g.superKey(), userID).Err()
	}
	if err != nil {
		return fmt.Errorf("update superuser: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (g *RedisGrants) Close() error {
	return g.client.Close()
}

// Ping checks if Redis is reachable
func (g *RedisGrants) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
