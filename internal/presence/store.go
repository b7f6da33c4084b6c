// Package presence mirrors which users are online to Redis so other
// services (and the presence endpoint) can read it without touching
// the hub. The hub stays authoritative; Redis is a TTL-guarded copy
// that self-heals if a process dies without cleaning up.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey  = "presence:online"
	userKeyPrefix = "presence:user:"
	DefaultTTL    = 60 * time.Second
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, ttl: DefaultTTL}
}

// UserOnline marks a user online: set membership plus a per-user
// heartbeat key whose expiry bounds staleness.
func (s *Store) UserOnline(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, onlineSetKey, userID.String())
	pipe.Set(ctx, userKeyPrefix+userID.String(), 1, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: failed to mark %s online: %v", userID, err)
	}
}

// UserOffline removes a user from the online set.
func (s *Store) UserOffline(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, onlineSetKey, userID.String())
	pipe.Del(ctx, userKeyPrefix+userID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: failed to mark %s offline: %v", userID, err)
	}
}

// Refresh re-arms heartbeat keys for users that still hold live
// sessions and prunes set members whose heartbeat expired.
func (s *Store) Refresh(ctx context.Context, online []uuid.UUID) error {
	pipe := s.rdb.Pipeline()
	for _, id := range online {
		pipe.SAdd(ctx, onlineSetKey, id.String())
		pipe.Set(ctx, userKeyPrefix+id.String(), 1, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	members, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		exists, err := s.rdb.Exists(ctx, userKeyPrefix+m).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			if err := s.rdb.SRem(ctx, onlineSetKey, m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnlineUsers returns the ids currently marked online.
func (s *Store) OnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	members, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RunJanitor refreshes heartbeats until ctx is done. snapshot supplies
// the users the hub currently considers online.
func (s *Store) RunJanitor(ctx context.Context, snapshot func() []uuid.UUID) error {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx, snapshot()); err != nil {
				log.Printf("presence: refresh failed: %v", err)
			}
		}
	}
}
