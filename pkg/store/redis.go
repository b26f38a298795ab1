package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Redis-backed Store for multi-node deployments.
// Entities are stored as JSON values under prefixed keys; version-checked
// updates use WATCH transactions, and the single-active-session invariant
// is enforced with an index key written in the same transaction as the
// session itself.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (r *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// casJSON performs a version-checked update: the stored version must equal
// expectVersion, and the new value is written with version expectVersion+1
// under WATCH so a concurrent writer fails the transaction.
func (r *RedisStore) casJSON(ctx context.Context, key string, expectVersion uint64, readVersion func([]byte) (uint64, error), newValue any) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		stored, err := readVersion([]byte(data))
		if err != nil {
			return err
		}
		if stored != expectVersion {
			return ErrVersionMismatch
		}
		encoded, err := json.Marshal(newValue)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Key changed between read and write; callers re-read and retry.
		return ErrVersionMismatch
	}
	return err
}

func (r *RedisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return keys, nil
}

// GetPrincipal returns a principal by ID.
func (r *RedisStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	var p Principal
	if err := r.getJSON(ctx, principalKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPrincipal stores a principal.
func (r *RedisStore) PutPrincipal(ctx context.Context, p *Principal) error {
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	return r.putJSON(ctx, principalKey(cp.ID), &cp)
}

// SetPrincipalStatus changes a principal's administrative status.
func (r *RedisStore) SetPrincipalStatus(ctx context.Context, id string, status PrincipalStatus) error {
	p, err := r.GetPrincipal(ctx, id)
	if err != nil {
		return err
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return r.putJSON(ctx, principalKey(id), p)
}

// GetCredential returns a credential by username.
func (r *RedisStore) GetCredential(ctx context.Context, username string) (*Credential, error) {
	var c Credential
	if err := r.getJSON(ctx, credentialKey(username), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutCredential stores a credential.
func (r *RedisStore) PutCredential(ctx context.Context, c *Credential) error {
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	return r.putJSON(ctx, credentialKey(cp.Username), &cp)
}

// UpdateCredential applies a version-checked update.
func (r *RedisStore) UpdateCredential(ctx context.Context, c *Credential) error {
	cp := *c
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	return r.casJSON(ctx, credentialKey(c.Username), c.Version, func(data []byte) (uint64, error) {
		var cur Credential
		if err := json.Unmarshal(data, &cur); err != nil {
			return 0, fmt.Errorf("decode credential: %w", err)
		}
		return cur.Version, nil
	}, &cp)
}

// AppendAuthEvent appends an immutable auth event to the audit log.
func (r *RedisStore) AppendAuthEvent(ctx context.Context, ev *AuthEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode auth event: %w", err)
	}
	if err := r.client.RPush(ctx, keyAuthLog, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// QueryAuthEvents returns matching events, newest first.
func (r *RedisStore) QueryAuthEvents(ctx context.Context, q *AuthEventQuery) ([]*AuthEvent, error) {
	raw, err := r.client.LRange(ctx, keyAuthLog, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var matches []*AuthEvent
	// The log is appended in time order; walk it backwards for
	// newest-first results.
	for i := len(raw) - 1; i >= 0; i-- {
		var ev AuthEvent
		if err := json.Unmarshal([]byte(raw[i]), &ev); err != nil {
			r.logger.Warn("Skipping undecodable auth event", zap.Error(err))
			continue
		}
		if matchesEventQuery(&ev, q) {
			matches = append(matches, &ev)
		}
	}
	return paginateEvents(matches, q), nil
}

// GetServer returns a server by ID.
func (r *RedisStore) GetServer(ctx context.Context, id string) (*AaaServer, error) {
	var s AaaServer
	if err := r.getJSON(ctx, serverKey(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PutServer stores a server.
func (r *RedisStore) PutServer(ctx context.Context, s *AaaServer) error {
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	return r.putJSON(ctx, serverKey(cp.ID), &cp)
}

// UpdateServer applies a version-checked update.
func (r *RedisStore) UpdateServer(ctx context.Context, s *AaaServer) error {
	cp := *s
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	return r.casJSON(ctx, serverKey(s.ID), s.Version, func(data []byte) (uint64, error) {
		var cur AaaServer
		if err := json.Unmarshal(data, &cur); err != nil {
			return 0, fmt.Errorf("decode server: %w", err)
		}
		return cur.Version, nil
	}, &cp)
}

// ListServers returns all servers.
func (r *RedisStore) ListServers(ctx context.Context) ([]*AaaServer, error) {
	keys, err := r.scanKeys(ctx, prefixServer)
	if err != nil {
		return nil, err
	}
	result := make([]*AaaServer, 0, len(keys))
	for _, key := range keys {
		var s AaaServer
		if err := r.getJSON(ctx, key, &s); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, &s)
	}
	return result, nil
}

// GetPolicy returns a policy by ID.
func (r *RedisStore) GetPolicy(ctx context.Context, id string) (*NetworkPolicy, error) {
	var p NetworkPolicy
	if err := r.getJSON(ctx, policyKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPolicy stores a policy.
func (r *RedisStore) PutPolicy(ctx context.Context, p *NetworkPolicy) error {
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	return r.putJSON(ctx, policyKey(cp.ID), &cp)
}

// DeletePolicy removes a policy.
func (r *RedisStore) DeletePolicy(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, policyKey(id)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPolicies returns all policies.
func (r *RedisStore) ListPolicies(ctx context.Context) ([]*NetworkPolicy, error) {
	keys, err := r.scanKeys(ctx, prefixPolicy)
	if err != nil {
		return nil, err
	}
	result := make([]*NetworkPolicy, 0, len(keys))
	for _, key := range keys {
		var p NetworkPolicy
		if err := r.getJSON(ctx, key, &p); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, &p)
	}
	return result, nil
}

// GetSession returns a session by ID.
func (r *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.getJSON(ctx, sessionKey(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession stores a new session. The triple index key and the session
// value are written in one transaction under WATCH on the index key, so
// two concurrent opens for the same triple yield exactly one success.
func (r *RedisStore) CreateSession(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if s.Status != SessionActive {
		return r.putJSON(ctx, sessionKey(s.ID), s)
	}

	idxKey := activeIdxKey(s.TripleKey())
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, idxKey).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if exists > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(s.ID), data, 0)
			pipe.Set(ctx, idxKey, s.ID, 0)
			return nil
		})
		return err
	}, idxKey)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// UpdateSession applies a version-checked update, clearing the triple
// index when the session leaves the active state.
func (r *RedisStore) UpdateSession(ctx context.Context, s *Session) error {
	key := sessionKey(s.ID)
	cp := *s
	cp.Version++

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var cur Session
		if err := json.Unmarshal([]byte(data), &cur); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if cur.Version != s.Version {
			return ErrVersionMismatch
		}
		encoded, err := json.Marshal(&cp)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if cur.Status == SessionActive && cp.Status != SessionActive {
				pipe.Del(ctx, activeIdxKey(cur.TripleKey()))
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionMismatch
	}
	return err
}

// FindActiveSession returns the active session for a triple, if any.
func (r *RedisStore) FindActiveSession(ctx context.Context, username string, nasIP net.IP, nasPort int) (*Session, error) {
	id, err := r.client.Get(ctx, activeIdxKey(TripleKey(username, nasIP, nasPort))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r.GetSession(ctx, id)
}

// ListActiveSessions returns all sessions with active status.
func (r *RedisStore) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	keys, err := r.scanKeys(ctx, prefixActiveIdx)
	if err != nil {
		return nil, err
	}
	result := make([]*Session, 0, len(keys))
	for _, key := range keys {
		id, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
