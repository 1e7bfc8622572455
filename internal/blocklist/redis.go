package blocklist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps the block set in Redis so blocks survive process
// restarts. Membership lives in a set under <prefix>:ips; reason and
// timestamp live in a hash per IP under <prefix>:ip:<addr>.
type redisStore struct {
	client *redis.Client
	prefix string
}

func NewRedis(url, prefix string) (Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if prefix == "" {
		prefix = "marketguard:blocked"
	}
	return &redisStore{client: redis.NewClient(opt), prefix: prefix}, nil
}

func (s *redisStore) setKey() string {
	return s.prefix + ":ips"
}

func (s *redisStore) entryKey(ip string) string {
	return s.prefix + ":ip:" + ip
}

func (s *redisStore) Block(ctx context.Context, ip, reason string) error {
	if ip == "" {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.setKey(), ip)
	pipe.HSet(ctx, s.entryKey(ip),
		"reason", reason,
		"blocked_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Unblock(ctx context.Context, ip string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.setKey(), ip)
	pipe.Del(ctx, s.entryKey(ip))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return s.client.SIsMember(ctx, s.setKey(), ip).Result()
}

func (s *redisStore) List(ctx context.Context) ([]Entry, error) {
	ips, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ips))
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ips))
	for _, ip := range ips {
		cmds[ip] = pipe.HGetAll(ctx, s.entryKey(ip))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	for _, ip := range ips {
		e := Entry{IP: ip}
		if fields, err := cmds[ip].Result(); err == nil {
			e.Reason = fields["reason"]
			if ts, perr := time.Parse(time.RFC3339Nano, fields["blocked_at"]); perr == nil {
				e.BlockedAt = ts
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
