package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "room:"
	connKeyPrefix = "conn:"
)

// connRecord is the wire form of Metadata in Redis.
type connRecord struct {
	UserID         string `json:"user_id"`
	Room           string `json:"room,omitempty"`
	LastVerifiedAt int64  `json:"last_verified_at"`
}

// Redis is the multi-instance backend. Room membership lives in sets under
// room:<id>; connection metadata is a JSON value under conn:<id>. Redis
// deletes a set when its last member is removed, which is exactly the emptied
// room semantics Verify relies on.
type Redis struct {
	client redis.UniversalClient
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// NewRedisFromURL dials the Redis instance at rawURL (redis:// or rediss://)
// and verifies connectivity before returning.
func NewRedisFromURL(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client), nil
}

func roomKey(room string) string   { return roomKeyPrefix + room }
func connKey(connID string) string { return connKeyPrefix + connID }

func (r *Redis) Join(ctx context.Context, connID, room, userID string) error {
	prev, found, err := r.Metadata(ctx, connID)
	if err != nil {
		return err
	}

	record := connRecord{
		UserID:         userID,
		Room:           room,
		LastVerifiedAt: time.Now().Unix(),
	}
	if found {
		record.LastVerifiedAt = prev.LastVerifiedAt.Unix()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal connection metadata: %w", err)
	}

	// The leave-old/join-new/update-metadata steps ship as one MULTI/EXEC so
	// a partial join cannot leave the connection in two rooms at once.
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if found && prev.Room != "" && prev.Room != room {
			pipe.SRem(ctx, roomKey(prev.Room), connID)
		}
		pipe.SAdd(ctx, roomKey(room), connID)
		pipe.Set(ctx, connKey(connID), payload, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("join room %s: %w", room, err)
	}
	return nil
}

func (r *Redis) Verify(ctx context.Context, room string) (bool, error) {
	n, err := r.client.SCard(ctx, roomKey(room)).Result()
	if err != nil {
		return false, fmt.Errorf("verify room %s: %w", room, err)
	}
	return n > 0, nil
}

func (r *Redis) Members(ctx context.Context, room string) ([]string, error) {
	members, err := r.client.SMembers(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("room %s members: %w", room, err)
	}
	return members, nil
}

func (r *Redis) Metadata(ctx context.Context, connID string) (Metadata, bool, error) {
	raw, err := r.client.Get(ctx, connKey(connID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("get connection metadata: %w", err)
	}

	var record connRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return Metadata{}, false, fmt.Errorf("decode connection metadata: %w", err)
	}
	return Metadata{
		UserID:         record.UserID,
		Room:           record.Room,
		LastVerifiedAt: time.Unix(record.LastVerifiedAt, 0),
	}, true, nil
}

func (r *Redis) SetMetadata(ctx context.Context, connID string, md Metadata) error {
	payload, err := json.Marshal(connRecord{
		UserID:         md.UserID,
		Room:           md.Room,
		LastVerifiedAt: md.LastVerifiedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal connection metadata: %w", err)
	}
	if err := r.client.Set(ctx, connKey(connID), payload, 0).Err(); err != nil {
		return fmt.Errorf("set connection metadata: %w", err)
	}
	return nil
}

func (r *Redis) RemoveFromRoom(ctx context.Context, room, connID string) error {
	if err := r.client.SRem(ctx, roomKey(room), connID).Err(); err != nil {
		return fmt.Errorf("remove %s from room %s: %w", connID, room, err)
	}
	return nil
}

func (r *Redis) RemoveConnection(ctx context.Context, connID string) error {
	md, found, err := r.Metadata(ctx, connID)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if found && md.Room != "" {
			pipe.SRem(ctx, roomKey(md.Room), connID)
		}
		pipe.Del(ctx, connKey(connID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove connection %s: %w", connID, err)
	}
	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
