package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => gob-encoded instance (lease fields empty)
//	<prefix>lease:<id>           => owner, expiring with the lease TTL
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:repo:<repo>      => SET of instance IDs for a repository
//	<prefix>idx:status:<status>  => SET of instance IDs for a status
//	<prefix>activity:<id>        => LIST of JSON activity records
//	<prefix>steps:<id>           => HASH stepID -> gob result
//	<prefix>wakes:<id>           => HASH sleepID -> unix nanos
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "gitfix:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gitfix:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyInstance(id string) string { return r.prefix + "inst:" + id }
func (r *RedisStore) keyLease(id string) string    { return r.prefix + "lease:" + id }
func (r *RedisStore) keyAll() string               { return r.prefix + "idx:all" }
func (r *RedisStore) keyRepo(repo string) string   { return r.prefix + "idx:repo:" + repo }
func (r *RedisStore) keyActivity(id string) string { return r.prefix + "activity:" + id }
func (r *RedisStore) keySteps(id string) string    { return r.prefix + "steps:" + id }
func (r *RedisStore) keyWakes(id string) string    { return r.prefix + "wakes:" + id }

func (r *RedisStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func encodeRedisInstance(inst *api.WorkflowInstance) ([]byte, error) {
	cp := inst.Clone()
	cp.LeaseOwner = ""
	cp.LeaseExpiresAt = time.Time{}
	return EncodeResult(*cp)
}

func (r *RedisStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}

	created, err := r.client.SetNX(ctx, r.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return api.StorageError("create instance", err)
	}
	if !created {
		return ErrInstanceExists
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.keyAll(), inst.ID)
		pipe.SAdd(ctx, r.keyRepo(inst.RepositoryID), inst.ID)
		pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.ID)
		return nil
	})
	return api.StorageError("create instance", err)
}

func (r *RedisStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	prev, err := r.loadInstance(ctx, inst.ID)
	if err != nil {
		return err
	}

	data, err := encodeRedisInstance(inst)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyInstance(inst.ID), data, 0)
		if prev.Status != inst.Status {
			pipe.SRem(ctx, r.keyStatus(prev.Status), inst.ID)
			pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.ID)
		}
		if prev.RepositoryID != inst.RepositoryID {
			pipe.SRem(ctx, r.keyRepo(prev.RepositoryID), inst.ID)
			pipe.SAdd(ctx, r.keyRepo(inst.RepositoryID), inst.ID)
		}
		return nil
	})
	return api.StorageError("update instance", err)
}

func (r *RedisStore) loadInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := r.client.Get(ctx, r.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, api.StorageError("get instance", err)
	}
	inst, err := DecodeResult[api.WorkflowInstance](data)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// fillLease copies the live lease key onto inst.
func (r *RedisStore) fillLease(ctx context.Context, inst *api.WorkflowInstance) error {
	key := r.keyLease(inst.ID)
	var (
		owner *redis.StringCmd
		ttl   *redis.DurationCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		owner = pipe.Get(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return api.StorageError("get lease", err)
	}
	if o, err := owner.Result(); err == nil && ttl.Val() > 0 {
		inst.LeaseOwner = o
		inst.LeaseExpiresAt = time.Now().Add(ttl.Val())
	}
	return nil
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := r.loadInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.fillLease(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var (
		ids []string
		err error
	)
	switch {
	case filter.RepositoryID != "" && filter.Status != "":
		ids, err = r.client.SInter(ctx, r.keyRepo(filter.RepositoryID), r.keyStatus(filter.Status)).Result()
	case filter.RepositoryID != "":
		ids, err = r.client.SMembers(ctx, r.keyRepo(filter.RepositoryID)).Result()
	case filter.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Status)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, api.StorageError("list instances", err)
	}

	var instances []*api.WorkflowInstance
	for _, id := range ids {
		inst, err := r.GetInstance(ctx, id)
		if errors.Is(err, ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// Index sets are maintained best-effort; re-check the filter.
		if filter.matches(inst) {
			instances = append(instances, inst)
		}
	}
	slices.SortFunc(instances, func(a, b *api.WorkflowInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return instances, nil
}

var (
	// Acquire with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquire = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur or cur == owner then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
return 0
`)

	// Release only if owned. Returns 1 if released, 0 otherwise.
	redisLeaseRelease = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

if redis.call('GET', key) == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

func (r *RedisStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	n, err := r.client.Exists(ctx, r.keyInstance(instanceID)).Result()
	if err != nil {
		return false, api.StorageError("acquire lease", err)
	}
	if n == 0 {
		return false, ErrInstanceNotFound
	}

	res, err := redisLeaseAcquire.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, api.StorageError("acquire lease", err)
	}
	return res == 1, nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	err := redisLeaseRelease.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return api.StorageError("release lease", err)
	}
	return nil
}

func (r *RedisStore) AppendActivity(ctx context.Context, instanceID string, d api.Details) (api.ActivityRecord, error) {
	rec := api.ActivityRecord{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Type:       d.Topic(),
		Details:    d,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return api.ActivityRecord{}, err
	}
	if err := r.client.RPush(ctx, r.keyActivity(instanceID), data).Err(); err != nil {
		return api.ActivityRecord{}, api.StorageError("append activity", err)
	}
	return rec, nil
}

func (r *RedisStore) ListActivity(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	raw, err := r.client.LRange(ctx, r.keyActivity(instanceID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, api.StorageError("list activity", err)
	}
	out := make([]api.ActivityRecord, 0, len(raw))
	for _, item := range raw {
		var rec api.ActivityRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) LoadStep(ctx context.Context, instanceID, stepID string) ([]byte, bool, error) {
	data, err := r.client.HGet(ctx, r.keySteps(instanceID), stepID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, api.StorageError("load step", err)
	}
	return data, true, nil
}

func (r *RedisStore) SaveStep(ctx context.Context, instanceID, stepID string, data []byte) error {
	return api.StorageError("save step", r.client.HSetNX(ctx, r.keySteps(instanceID), stepID, data).Err())
}

func (r *RedisStore) LoadWake(ctx context.Context, instanceID, sleepID string) (time.Time, bool, error) {
	raw, err := r.client.HGet(ctx, r.keyWakes(instanceID), sleepID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, api.StorageError("load wake", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, n).UTC(), true, nil
}

func (r *RedisStore) SaveWake(ctx context.Context, instanceID, sleepID string, wakeAt time.Time) (time.Time, error) {
	key := r.keyWakes(instanceID)
	if err := r.client.HSetNX(ctx, key, sleepID, strconv.FormatInt(wakeAt.UnixNano(), 10)).Err(); err != nil {
		return time.Time{}, api.StorageError("save wake", err)
	}
	stored, _, err := r.LoadWake(ctx, instanceID, sleepID)
	return stored, err
}
