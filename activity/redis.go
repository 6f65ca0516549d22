package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/round-cube/parking-gate/shared"
)

var ErrLocked = errors.New("vehicle is locked by another writer")

type Options struct {
	// Prefix namespaces every key written by the store.
	Prefix string
	// LockTTL bounds how long a writer may hold a vehicle lock.
	LockTTL time.Duration
	// LockRetries is the number of extra attempts to obtain a busy lock.
	LockRetries int
	// PingAttempts is how many times NewRedisStore pings before giving up.
	PingAttempts int
	// PendingTTL is how long an exit that arrived before its entry is kept.
	PendingTTL time.Duration
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "gate"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Second
	}
	if o.LockRetries <= 0 {
		o.LockRetries = 3
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = 5
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = 24 * time.Hour
	}
}

// RedisStore keeps activities as hashes, indexes them by entry time in two
// sorted sets (all and open) and tracks the open activity of each plate in a
// plain key.
// Writes for a plate are serialised through a redislock lock.
type RedisStore struct {
	rdb      *redis.Client
	locker   *redislock.Client
	lockOpts *redislock.Options
	opts     Options
}

// NewRedisStore returns once Redis answers a ping, or with the last error
// after opts.PingAttempts tries.
func NewRedisStore(ctx context.Context, rdb *redis.Client, opts Options) (*RedisStore, error) {
	opts.setDefaults()

	var err error
	for attempt := 1; attempt <= opts.PingAttempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			break
		}
		log.WithField("attempt", attempt).Warnf("redis not ready: %s", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return &RedisStore{
		rdb:    rdb,
		locker: redislock.New(rdb),
		lockOpts: &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), opts.LockRetries),
		},
		opts: opts,
	}, nil
}

func (s *RedisStore) activityKey(id string) string { return s.opts.Prefix + ":activity:" + id }
func (s *RedisStore) openKey(plate string) string { return s.opts.Prefix + ":open:" + plate }
func (s *RedisStore) lockKey(plate string) string { return s.opts.Prefix + ":lock:" + plate }
func (s *RedisStore) indexKey() string { return s.opts.Prefix + ":activities" }
func (s *RedisStore) openIndexKey() string { return s.opts.Prefix + ":open-activities" }

func (s *RedisStore) pendingKey(plate string, entry time.Time) string {
	return s.opts.Prefix + ":pending:" + plate + ":" + strconv.FormatInt(entry.UnixNano(), 10)
}

func (s *RedisStore) obtain(ctx context.Context, plate string) (*redislock.Lock, error) {
	lock, err := s.locker.Obtain(ctx, s.lockKey(plate), s.opts.LockTTL, s.lockOpts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", plate, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock: %w", err)
	}
	return lock, nil
}

// release frees the lock even when the caller's context is already done.
func release(ctx context.Context, lock *redislock.Lock) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		log.Warnf("failed to release lock %s: %s", lock.Key(), err)
	}
}

// Enter opens an activity for the vehicle. When an exit for the same plate
// and entry time was parked earlier by Exit, the activity is closed right
// away with the fee from price.
func (s *RedisStore) Enter(ctx context.Context, e Entry, price PriceFunc) (Activity, error) {
	plate := NormalizePlate(e.VehicleNumber)
	if plate == "" {
		return Activity{}, errors.New("vehicle number is required")
	}
	if e.Time.IsZero() {
		return Activity{}, errors.New("entry time is required")
	}

	lock, err := s.obtain(ctx, plate)
	if err != nil {
		return Activity{}, err
	}
	defer release(ctx, lock)

	id, err := uuid.NewV7()
	if err != nil {
		return Activity{}, err
	}
	a := Activity{
		ID:            id.String(),
		VehicleNumber: plate,
		VehicleType:   strings.ToLower(strings.TrimSpace(e.VehicleType)),
		EntryTime:     e.Time.UTC(),
		EnteredBy:     e.Operator,
	}

	open, err := s.rdb.Exists(ctx, s.openKey(plate)).Result()
	if err != nil {
		return Activity{}, fmt.Errorf("failed to check open activity: %w", err)
	}
	if open > 0 {
		return Activity{}, fmt.Errorf("%s: %w", plate, ErrDuplicateOpenActivity)
	}

	pendingKey := s.pendingKey(plate, a.EntryTime)
	pending, err := s.pendingExit(ctx, pendingKey)
	if err != nil {
		return Activity{}, err
	}
	if pending != nil && price != nil {
		fee, err := price(a, *pending.ExitTime)
		if err == nil {
			a.ExitTime = pending.ExitTime
			a.ExitedBy = pending.ExitedBy
			a.Fee = &fee
			_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, s.activityKey(a.ID), encode(a))
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(a.EntryTime.UnixMilli()), Member: a.ID})
				pipe.Del(ctx, pendingKey)
				return nil
			})
			if err != nil {
				return Activity{}, fmt.Errorf("failed to save activity: %w", err)
			}
			return a, nil
		}
		log.Warnf("discarding pending exit of %s: %s", plate, err)
	}

	claimed, err := s.rdb.SetNX(ctx, s.openKey(plate), a.ID, 0).Result()
	if err != nil {
		return Activity{}, fmt.Errorf("failed to claim open slot: %w", err)
	}
	if !claimed {
		return Activity{}, fmt.Errorf("%s: %w", plate, ErrDuplicateOpenActivity)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		score := float64(a.EntryTime.UnixMilli())
		pipe.HSet(ctx, s.activityKey(a.ID), encode(a))
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: a.ID})
		pipe.ZAdd(ctx, s.openIndexKey(), redis.Z{Score: score, Member: a.ID})
		pipe.Del(ctx, pendingKey)
		return nil
	})
	if err != nil {
		s.rdb.Del(ctx, s.openKey(plate))
		return Activity{}, fmt.Errorf("failed to save activity: %w", err)
	}
	return a, nil
}

// pendingExit returns the exit parked under key, or nil.
func (s *RedisStore) pendingExit(ctx context.Context, key string) (*Activity, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending exit: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	exit, err := time.Parse(time.RFC3339Nano, fields["exit_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse pending exit time: %w", err)
	}
	return &Activity{
		ExitTime: &exit,
		ExitedBy: &shared.Operator{ID: fields["exited_by_id"], Name: fields["exited_by_name"]},
	}, nil
}

// Exit closes the open activity of the vehicle. An exit that names its entry
// time but finds no open activity is parked for PendingTTL and applied by the
// matching Enter; ErrExitPending is returned in that case.
func (s *RedisStore) Exit(ctx context.Context, d Departure, price PriceFunc) (Activity, error) {
	plate := NormalizePlate(d.VehicleNumber)

	lock, err := s.obtain(ctx, plate)
	if err != nil {
		return Activity{}, err
	}
	defer release(ctx, lock)

	exit := d.Time.UTC()
	a, err := s.Open(ctx, plate)
	if errors.Is(err, ErrNoOpenActivity) && !d.ExpectedEntry.IsZero() {
		key := s.pendingKey(plate, d.ExpectedEntry.UTC())
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"exit_time":      formatTime(&exit),
				"exited_by_id":   d.Operator.ID,
				"exited_by_name": d.Operator.Name,
			})
			pipe.Expire(ctx, key, s.opts.PendingTTL)
			return nil
		})
		if err != nil {
			return Activity{}, fmt.Errorf("failed to park exit: %w", err)
		}
		return Activity{}, fmt.Errorf("%s: %w", plate, ErrExitPending)
	}
	if err != nil {
		return Activity{}, err
	}
	if !d.ExpectedEntry.IsZero() && !a.EntryTime.Equal(d.ExpectedEntry) {
		return Activity{}, fmt.Errorf("%s entered at %s: %w", plate, shared.FormatTs(a.EntryTime), ErrEntryMismatch)
	}
	if !a.IsOpen() {
		return Activity{}, fmt.Errorf("activity %s is indexed as open but already closed", a.ID)
	}

	fee, err := price(a, exit)
	if err != nil {
		return Activity{}, err
	}
	operator := d.Operator
	a.ExitTime = &exit
	a.Fee = &fee
	a.ExitedBy = &operator

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.activityKey(a.ID), encode(a))
		pipe.Del(ctx, s.openKey(plate))
		pipe.ZRem(ctx, s.openIndexKey(), a.ID)
		return nil
	})
	if err != nil {
		return Activity{}, fmt.Errorf("failed to close activity: %w", err)
	}
	return a, nil
}

func (s *RedisStore) Open(ctx context.Context, vehicleNumber string) (Activity, error) {
	plate := NormalizePlate(vehicleNumber)
	id, err := s.rdb.Get(ctx, s.openKey(plate)).Result()
	if errors.Is(err, redis.Nil) {
		return Activity{}, fmt.Errorf("%s: %w", plate, ErrNoOpenActivity)
	}
	if err != nil {
		return Activity{}, err
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Get(ctx context.Context, id string) (Activity, error) {
	fields, err := s.rdb.HGetAll(ctx, s.activityKey(id)).Result()
	if err != nil {
		return Activity{}, fmt.Errorf("failed to fetch activity from redis: %w", err)
	}
	if len(fields) == 0 {
		return Activity{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return decode(fields)
}

// List returns the whole log ordered by entry time.
func (s *RedisStore) List(ctx context.Context) ([]Activity, error) {
	return s.listIndex(ctx, s.indexKey())
}

// ListOpen returns the records of activities without an exit, ordered by
// entry time.
func (s *RedisStore) ListOpen(ctx context.Context) ([]Activity, error) {
	return s.listIndex(ctx, s.openIndexKey())
}

func (s *RedisStore) listIndex(ctx context.Context, index string) ([]Activity, error) {
	ids, err := s.rdb.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.activityKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activities: %w", err)
	}

	activities := make([]Activity, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			log.Warnf("activity %s is indexed but missing", ids[i])
			continue
		}
		a, err := decode(fields)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func encode(a Activity) map[string]any {
	fields := map[string]any{
		"id":              a.ID,
		"vehicle_number":  a.VehicleNumber,
		"vehicle_type":    a.VehicleType,
		"entry_time":      formatTime(&a.EntryTime),
		"exit_time":       formatTime(a.ExitTime),
		"fee":             "",
		"entered_by_id":   a.EnteredBy.ID,
		"entered_by_name": a.EnteredBy.Name,
		"exited_by_id":    "",
		"exited_by_name":  "",
	}
	if a.Fee != nil {
		fields["fee"] = a.Fee.String()
	}
	if a.ExitedBy != nil {
		fields["exited_by_id"] = a.ExitedBy.ID
		fields["exited_by_name"] = a.ExitedBy.Name
	}
	return fields
}

func decode(fields map[string]string) (Activity, error) {
	a := Activity{
		ID:            fields["id"],
		VehicleNumber: fields["vehicle_number"],
		VehicleType:   fields["vehicle_type"],
		EnteredBy:     shared.Operator{ID: fields["entered_by_id"], Name: fields["entered_by_name"]},
	}

	var err error
	if a.EntryTime, err = time.Parse(time.RFC3339Nano, fields["entry_time"]); err != nil {
		return Activity{}, fmt.Errorf("failed to parse entry time of %s: %w", a.ID, err)
	}
	if raw := fields["exit_time"]; raw != "" {
		exit, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Activity{}, fmt.Errorf("failed to parse exit time of %s: %w", a.ID, err)
		}
		a.ExitTime = &exit
		a.ExitedBy = &shared.Operator{ID: fields["exited_by_id"], Name: fields["exited_by_name"]}
	}
	if raw := fields["fee"]; raw != "" {
		fee, err := decimal.NewFromString(raw)
		if err != nil {
			return Activity{}, fmt.Errorf("failed to parse fee of %s: %w", a.ID, err)
		}
		a.Fee = &fee
	}
	return a, nil
}
