package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"patient-record-access/internal/domain/accessgrants"
)

const (
	grantKeyPrefix   = "access_grant:"
	patientKeyPrefix = "patient_grants:"
)

// consumeScript es el CAS del consumo: Redis ejecuta scripts de a uno, así
// que bajo N verificaciones concurrentes del mismo código exactamente una ve
// 'ok'. Borde inclusivo: now >= expires_unix cuenta como vencido.
var consumeScript = goredis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return 'notfound'
	end
	if state == 'consumed' then
		return 'used'
	end
	if state == 'revoked' then
		return 'revoked'
	end
	if state == 'expired' then
		return 'expired'
	end
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_unix'))
	if tonumber(ARGV[1]) >= expires then
		redis.call('HSET', KEYS[1], 'state', 'expired')
		return 'expired'
	end
	redis.call('HSET', KEYS[1], 'state', 'consumed', 'consumed_at', ARGV[2])
	return 'ok'
`)

// revokeScript solo transiciona desde 'active' (idempotente).
var revokeScript = goredis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return 'notfound'
	end
	if state ~= 'active' then
		return 'terminal'
	end
	redis.call('HSET', KEYS[1], 'state', 'revoked', 'revoked_at', ARGV[1])
	return 'ok'
`)

// expireScript marca expired si sigue activo y vencido (barrido del reaper).
var expireScript = goredis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if state ~= 'active' then
		return 0
	end
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_unix'))
	if tonumber(ARGV[1]) >= expires then
		redis.call('HSET', KEYS[1], 'state', 'expired')
		return 1
	end
	return 0
`)

type GrantsRepo struct {
	rdb *goredis.Client
}

func NewGrantsRepo(rdb *goredis.Client) *GrantsRepo {
	return &GrantsRepo{rdb: rdb}
}

// Open conecta a Redis desde una URL (redis://...).
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func grantKey(code string) string { return grantKeyPrefix + code }

func patientKey(id string) string { return patientKeyPrefix + id }

func storeErr(op string, e error) error {
	return fmt.Errorf("redis %s: %w", op, errors.Join(accessgrants.ErrStoreUnavailable, e))
}

func (r *GrantsRepo) Create(ctx context.Context, g accessgrants.Grant) error {
	key := grantKey(g.Code)

	// HSETNX sobre 'code' reclama la key; si ya existía, el código está tomado.
	claimed, err := r.rdb.HSetNX(ctx, key, "code", g.Code).Result()
	if err != nil {
		return storeErr("create claim", err)
	}
	if !claimed {
		return accessgrants.ErrDuplicateCode
	}

	fields := map[string]any{
		"patient_id":   g.PatientID,
		"method":       string(g.Method),
		"state":        string(g.State),
		"created_at":   g.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":   g.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"expires_unix": g.ExpiresAt.UTC().Unix(),
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	// La key muere sola al final de la ventana de retención: la purga de
	// Redis es el propio TTL de la key.
	pipe.PExpireAt(ctx, key, g.ExpiresAt.Add(accessgrants.RetentionWindow))
	pipe.SAdd(ctx, patientKey(g.PatientID), g.Code)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("create", err)
	}
	return nil
}

func (r *GrantsRepo) GetAndConsume(ctx context.Context, code string, now time.Time) (accessgrants.Grant, error) {
	res, err := consumeScript.Run(ctx, r.rdb, []string{grantKey(code)},
		now.UTC().Unix(),
		now.UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return accessgrants.Grant{}, storeErr("consume", err)
	}

	switch res {
	case "notfound":
		return accessgrants.Grant{}, accessgrants.ErrNotFound
	case "used":
		return accessgrants.Grant{}, accessgrants.ErrAlreadyUsed
	case "revoked":
		return accessgrants.Grant{}, accessgrants.ErrRevoked
	case "expired":
		return accessgrants.Grant{}, accessgrants.ErrExpired
	}

	// 'ok': el grant quedó consumed y sus campos ya son inmutables.
	return r.GetByCode(ctx, code)
}

func (r *GrantsRepo) GetByCode(ctx context.Context, code string) (accessgrants.Grant, error) {
	fields, err := r.rdb.HGetAll(ctx, grantKey(code)).Result()
	if err != nil {
		return accessgrants.Grant{}, storeErr("get", err)
	}
	if len(fields) == 0 {
		return accessgrants.Grant{}, accessgrants.ErrNotFound
	}
	return grantFromFields(fields)
}

func (r *GrantsRepo) Revoke(ctx context.Context, code string, now time.Time) (accessgrants.Grant, error) {
	res, err := revokeScript.Run(ctx, r.rdb, []string{grantKey(code)},
		now.UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return accessgrants.Grant{}, storeErr("revoke", err)
	}
	if res == "notfound" {
		return accessgrants.Grant{}, accessgrants.ErrNotFound
	}
	return r.GetByCode(ctx, code)
}

func (r *GrantsRepo) ListByPatient(ctx context.Context, patientID string, limit int) ([]accessgrants.Grant, error) {
	codes, err := r.rdb.SMembers(ctx, patientKey(patientID)).Result()
	if err != nil {
		return nil, storeErr("list", err)
	}

	out := make([]accessgrants.Grant, 0, len(codes))
	for _, code := range codes {
		g, err := r.GetByCode(ctx, code)
		if errors.Is(err, accessgrants.ErrNotFound) {
			// la key venció por retención; el set se limpia en PurgeBefore
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *GrantsRepo) CountActiveByPatient(ctx context.Context, patientID string, now time.Time) (int, error) {
	items, err := r.ListByPatient(ctx, patientID, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, g := range items {
		if g.State == accessgrants.StateActive && !g.ExpiredAt(now) {
			count++
		}
	}
	return count, nil
}

func (r *GrantsRepo) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	iter := r.rdb.Scan(ctx, 0, grantKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := expireScript.Run(ctx, r.rdb, []string{iter.Val()}, now.UTC().Unix()).Int()
		if err != nil {
			return expired, storeErr("expire stale", err)
		}
		expired += n
	}
	if err := iter.Err(); err != nil {
		return expired, storeErr("expire scan", err)
	}
	return expired, nil
}

// PurgeBefore: las keys de grant mueren solas por TTL; acá solo se limpian
// las referencias colgantes en los sets por paciente.
func (r *GrantsRepo) PurgeBefore(ctx context.Context, _ time.Time) (int, error) {
	pruned := 0
	iter := r.rdb.Scan(ctx, 0, patientKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		codes, err := r.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return pruned, storeErr("purge members", err)
		}
		for _, code := range codes {
			exists, err := r.rdb.Exists(ctx, grantKey(code)).Result()
			if err != nil {
				return pruned, storeErr("purge exists", err)
			}
			if exists == 0 {
				if err := r.rdb.SRem(ctx, setKey, code).Err(); err != nil {
					return pruned, storeErr("purge srem", err)
				}
				pruned++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, storeErr("purge scan", err)
	}
	return pruned, nil
}

func grantFromFields(fields map[string]string) (accessgrants.Grant, error) {
	g := accessgrants.Grant{
		Code:      fields["code"],
		PatientID: fields["patient_id"],
		Method:    accessgrants.Method(fields["method"]),
		State:     accessgrants.State(fields["state"]),
	}

	var err error
	if g.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return accessgrants.Grant{}, storeErr("decode created_at", err)
	}
	if g.ExpiresAt, err = time.Parse(time.RFC3339Nano, fields["expires_at"]); err != nil {
		return accessgrants.Grant{}, storeErr("decode expires_at", err)
	}
	if raw := fields["consumed_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return accessgrants.Grant{}, storeErr("decode consumed_at", err)
		}
		g.ConsumedAt = &t
	}
	if raw := fields["revoked_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return accessgrants.Grant{}, storeErr("decode revoked_at", err)
		}
		g.RevokedAt = &t
	}

	return g, nil
}
