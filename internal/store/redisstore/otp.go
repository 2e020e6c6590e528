package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"cdb.platformcommons.org/internal/auth"
)

// OTPStore implements auth.OTPStore. Pending and validated entries live under
// separate keys; GETDEL makes the pending to validated move and the final
// consume single-winner operations.
type OTPStore struct {
	rdb Cmdable
	opt options
}

var _ auth.OTPStore = (*OTPStore)(nil)

// NewOTPStore wraps rdb.
func NewOTPStore(rdb Cmdable, opts ...Option) *OTPStore {
	return &OTPStore{rdb: rdb, opt: buildOptions(opts)}
}

type otpRecord struct {
	Key       string    `json:"key"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *OTPStore) pendingKey(key string) string   { return s.opt.prefix + "otp:pending:" + key }
func (s *OTPStore) validatedKey(key string) string { return s.opt.prefix + "otp:validated:" + key }
func (s *OTPStore) emailKey(email string) string   { return s.opt.prefix + "otp:email:" + email }

func (s *OTPStore) PutPending(ctx context.Context, otp auth.PendingOTP) error {
	data, err := json.Marshal(otpRecord(otp))
	if err != nil {
		return err
	}
	ttl := ttlUntil(s.opt.now(), otp.ExpiresAt)
	if err := s.rdb.Set(ctx, s.pendingKey(otp.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set pending: %w", err)
	}
	idx := s.emailKey(otp.Email)
	if err := s.rdb.SAdd(ctx, idx, otp.Key).Err(); err != nil {
		return fmt.Errorf("redis index otp: %w", err)
	}
	return s.rdb.Expire(ctx, idx, ttl).Err()
}

func (s *OTPStore) GetPending(ctx context.Context, key string) (auth.PendingOTP, bool, error) {
	return s.get(ctx, s.rdb.Get(ctx, s.pendingKey(key)))
}

func (s *OTPStore) DeletePending(ctx context.Context, key string) error {
	entry, ok, err := s.get(ctx, s.rdb.GetDel(ctx, s.pendingKey(key)))
	if err != nil || !ok {
		return err
	}
	return s.rdb.SRem(ctx, s.emailKey(entry.Email), key).Err()
}

func (s *OTPStore) Promote(ctx context.Context, key string) (bool, error) {
	entry, ok, err := s.get(ctx, s.rdb.GetDel(ctx, s.pendingKey(key)))
	if err != nil || !ok {
		return false, err
	}
	if err := s.rdb.SRem(ctx, s.emailKey(entry.Email), key).Err(); err != nil {
		return false, err
	}
	data, err := json.Marshal(otpRecord(entry))
	if err != nil {
		return false, err
	}
	if err := s.rdb.Set(ctx, s.validatedKey(key), data, ttlUntil(s.opt.now(), entry.ExpiresAt)).Err(); err != nil {
		return false, fmt.Errorf("redis set validated: %w", err)
	}
	return true, nil
}

func (s *OTPStore) GetValidated(ctx context.Context, key string) (auth.PendingOTP, bool, error) {
	return s.get(ctx, s.rdb.Get(ctx, s.validatedKey(key)))
}

func (s *OTPStore) Consume(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.validatedKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PendingByEmail returns live entries oldest first and prunes index members
// whose entry has already expired out of Redis.
func (s *OTPStore) PendingByEmail(ctx context.Context, email string) ([]auth.PendingOTP, error) {
	idx := s.emailKey(email)
	keys, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}
	var out []auth.PendingOTP
	for _, key := range keys {
		entry, ok, err := s.GetPending(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok || entry.Email != email {
			if err := s.rdb.SRem(ctx, idx, key).Err(); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *OTPStore) get(_ context.Context, cmd *redis.StringCmd) (auth.PendingOTP, bool, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.PendingOTP{}, false, nil
	}
	if err != nil {
		return auth.PendingOTP{}, false, err
	}
	var rec otpRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return auth.PendingOTP{}, false, fmt.Errorf("decode otp entry: %w", err)
	}
	return auth.PendingOTP(rec), true, nil
}
