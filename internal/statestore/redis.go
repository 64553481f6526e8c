package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces architect keys in a shared redis.
const DefaultRedisPrefix = "architect"

// Redis stores each envelope under <prefix>:state:<ns>.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. The caller owns the client unless
// Close is called.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedis(client, prefix), nil
}

func (r *Redis) Kind() Kind { return KindRedis }

func (r *Redis) key(ns Namespace) string {
	return fmt.Sprintf("%s:state:%s", r.prefix, ns)
}

func (r *Redis) Read(ctx context.Context, ns Namespace) (*Envelope, error) {
	raw, err := r.client.Get(ctx, r.key(ns)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key(ns), err)
	}
	return decodeStored(ns, raw)
}

func (r *Redis) Write(ctx context.Context, env *Envelope, expected int64) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	key := r.key(env.Namespace)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		prev, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get %s: %w", key, err)
		default:
			stored, err := decodeStored(env.Namespace, prev)
			if err != nil {
				return err
			}
			if stored != nil {
				current = stored.Revision
			}
		}
		if current != expected {
			return mismatch(env.Namespace, expected, current)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed during transaction", ErrRevisionMismatch, key)
	}
	return err
}

func (r *Redis) WriteRaw(ctx context.Context, ns Namespace, raw []byte) error {
	return r.client.Set(ctx, r.key(ns), raw, 0).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
