package activity

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/round-cube/parking-gate/shared"
)

var (
	gateA = shared.Operator{ID: "op-1", Name: "Gate A"}
	gateB = shared.Operator{ID: "op-2", Name: "Gate B"}
	nine  = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store, err := NewRedisStore(context.Background(), rdb, Options{Prefix: "test"})
	require.NoError(t, err)
	return store, mr
}

func flatRate(a Activity, exit time.Time) (decimal.Decimal, error) {
	return decimal.NewFromInt(5000), nil
}

func TestEnterCreatesOpenActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.Enter(ctx, Entry{VehicleNumber: "b 1234 xy", VehicleType: "Car", Time: nine, Operator: gateA}, flatRate)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "B1234XY", a.VehicleNumber)
	assert.Equal(t, "car", a.VehicleType)
	assert.True(t, a.IsOpen())
	assert.Nil(t, a.Fee)

	open, err := store.Open(ctx, "B1234XY")
	require.NoError(t, err)
	assert.Equal(t, a.ID, open.ID)
	assert.True(t, open.EntryTime.Equal(nine))
	assert.Equal(t, gateA, open.EnteredBy)
}

func TestEnterRejectsSecondOpenActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "car", Time: nine}, flatRate)
	require.NoError(t, err)

	_, err = store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "car", Time: nine.Add(time.Hour)}, flatRate)
	assert.ErrorIs(t, err, ErrDuplicateOpenActivity)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnterValidatesInput(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enter(ctx, Entry{VehicleNumber: "  ", Time: nine}, flatRate)
	assert.Error(t, err)

	_, err = store.Enter(ctx, Entry{VehicleNumber: "B1"}, flatRate)
	assert.Error(t, err)
}

func TestExitClosesActivityOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entered, err := store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "car", Time: nine, Operator: gateA}, flatRate)
	require.NoError(t, err)

	calls := 0
	price := func(a Activity, exit time.Time) (decimal.Decimal, error) {
		calls++
		assert.Equal(t, entered.ID, a.ID)
		return decimal.NewFromInt(10000), nil
	}
	closed, err := store.Exit(ctx, Departure{VehicleNumber: "B1234XY", Time: nine.Add(2 * time.Hour), Operator: gateB}, price)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.NotNil(t, closed.ExitTime)
	require.NotNil(t, closed.Fee)
	assert.Equal(t, "10000", closed.Fee.String())
	assert.Equal(t, gateB, *closed.ExitedBy)

	_, err = store.Exit(ctx, Departure{VehicleNumber: "B1234XY", Time: nine.Add(3 * time.Hour)}, price)
	assert.ErrorIs(t, err, ErrNoOpenActivity)
	assert.Equal(t, 1, calls)

	stored, err := store.Get(ctx, entered.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOpen())
	assert.True(t, stored.ExitTime.Equal(nine.Add(2*time.Hour)))
	assert.Equal(t, "10000", stored.Fee.String())

	_, err = store.Open(ctx, "B1234XY")
	assert.ErrorIs(t, err, ErrNoOpenActivity)
}

func TestExitChecksExpectedEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "car", Time: nine}, flatRate)
	require.NoError(t, err)

	_, err = store.Exit(ctx, Departure{VehicleNumber: "B1234XY", Time: nine.Add(time.Hour), ExpectedEntry: nine.Add(-time.Hour)}, flatRate)
	assert.ErrorIs(t, err, ErrEntryMismatch)

	_, err = store.Exit(ctx, Departure{VehicleNumber: "B1234XY", Time: nine.Add(time.Hour), ExpectedEntry: nine}, flatRate)
	assert.NoError(t, err)
}

func TestExitKeepsActivityOpenWhenPricingFails(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "hovercraft", Time: nine}, flatRate)
	require.NoError(t, err)

	failing := func(Activity, time.Time) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("no rate")
	}
	_, err = store.Exit(ctx, Departure{VehicleNumber: "B1234XY", Time: nine.Add(time.Hour)}, failing)
	assert.EqualError(t, err, "no rate")

	open, err := store.Open(ctx, "B1234XY")
	require.NoError(t, err)
	assert.True(t, open.IsOpen())
}

func TestListOrdersByEntryTime(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i, plate := range []string{"C3", "A1", "B2"} {
		_, err := store.Enter(ctx, Entry{VehicleNumber: plate, VehicleType: "car", Time: nine.Add(time.Duration(2-i) * time.Minute)}, flatRate)
		require.NoError(t, err)
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "B2", all[0].VehicleNumber)
	assert.Equal(t, "A1", all[1].VehicleNumber)
	assert.Equal(t, "C3", all[2].VehicleNumber)
}

func TestHistoricalActivitiesAreKept(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for day := 0; day < 3; day++ {
		entry := nine.AddDate(0, 0, day)
		_, err := store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "car", Time: entry}, flatRate)
		require.NoError(t, err)
		_, err = store.Exit(ctx, Departure{VehicleNumber: "B1234XY", Time: entry.Add(time.Hour)}, flatRate)
		require.NoError(t, err)
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, a := range all {
		assert.False(t, a.IsOpen())
	}
}

func TestConcurrentEntriesKeepOneOpenActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "car", Time: nine.Add(time.Duration(i) * time.Second)}, flatRate)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExitFailsWhileLockIsHeld(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enter(ctx, Entry{VehicleNumber: "B1234XY", VehicleType: "car", Time: nine}, flatRate)
	require.NoError(t, err)

	require.NoError(t, mr.Set("test:lock:B1234XY", "someone-else"))
	mr.SetTTL("test:lock:B1234XY", time.Minute)

	_, err = store.Exit(ctx, Departure{VehicleNumber: "B1234XY", Time: nine.Add(time.Hour)}, flatRate)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestNewRedisStoreFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer rdb.Close()

	_, err := NewRedisStore(context.Background(), rdb, Options{PingAttempts: 2})
	assert.Error(t, err)
}

func TestExitBeforeEntryIsAppliedOnEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Exit(ctx, Departure{VehicleNumber: "A1", Time: nine.Add(time.Hour), ExpectedEntry: nine, Operator: gateB}, flatRate)
	require.ErrorIs(t, err, ErrExitPending)

	a, err := store.Enter(ctx, Entry{VehicleNumber: "A1", VehicleType: "car", Time: nine, Operator: gateA}, flatRate)
	require.NoError(t, err)
	assert.False(t, a.IsOpen())
	assert.True(t, a.ExitTime.Equal(nine.Add(time.Hour)))
	assert.Equal(t, "5000", a.Fee.String())
	assert.Equal(t, gateB, *a.ExitedBy)

	_, err = store.Open(ctx, "A1")
	assert.ErrorIs(t, err, ErrNoOpenActivity)

	open, err := store.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// the parked exit is consumed; the next stay opens normally
	next, err := store.Enter(ctx, Entry{VehicleNumber: "A1", VehicleType: "car", Time: nine}, flatRate)
	require.NoError(t, err)
	assert.True(t, next.IsOpen())
}

func TestPendingExitOnlyMatchesItsEntryTime(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Exit(ctx, Departure{VehicleNumber: "A1", Time: nine.Add(time.Hour), ExpectedEntry: nine}, flatRate)
	require.ErrorIs(t, err, ErrExitPending)
	assert.Greater(t, mr.TTL("test:pending:A1:"+strconv.FormatInt(nine.UnixNano(), 10)), time.Duration(0))

	a, err := store.Enter(ctx, Entry{VehicleNumber: "A1", VehicleType: "car", Time: nine.Add(time.Minute)}, flatRate)
	require.NoError(t, err)
	assert.True(t, a.IsOpen())
}

func TestExitWithoutEntryTimeIsNotParked(t *testing.T) {
	store, mr := newTestStore(t)

	_, err := store.Exit(context.Background(), Departure{VehicleNumber: "A1", Time: nine}, flatRate)
	assert.ErrorIs(t, err, ErrNoOpenActivity)
	assert.Empty(t, mr.Keys())
}

func TestPendingExitWithInvalidDurationLeavesActivityOpen(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Exit(ctx, Departure{VehicleNumber: "A1", Time: nine.Add(-time.Minute), ExpectedEntry: nine}, flatRate)
	require.ErrorIs(t, err, ErrExitPending)

	rejecting := func(Activity, time.Time) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("exit before entry")
	}
	a, err := store.Enter(ctx, Entry{VehicleNumber: "A1", VehicleType: "car", Time: nine}, rejecting)
	require.NoError(t, err)
	assert.True(t, a.IsOpen())
}

func TestListOpenSkipsClosedHistory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for day := 0; day < 5; day++ {
		entry := nine.AddDate(0, 0, day)
		_, err := store.Enter(ctx, Entry{VehicleNumber: "A1", VehicleType: "car", Time: entry}, flatRate)
		require.NoError(t, err)
		_, err = store.Exit(ctx, Departure{VehicleNumber: "A1", Time: entry.Add(time.Hour)}, flatRate)
		require.NoError(t, err)
	}
	_, err := store.Enter(ctx, Entry{VehicleNumber: "B2", VehicleType: "car", Time: nine}, flatRate)
	require.NoError(t, err)

	open, err := store.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "B2", open[0].VehicleNumber)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestLockIsReleasedWhenContextIsCancelled(t *testing.T) {
	store, mr := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	price := func(Activity, time.Time) (decimal.Decimal, error) {
		cancel()
		return decimal.NewFromInt(5000), nil
	}
	_, err := store.Enter(context.Background(), Entry{VehicleNumber: "A1", VehicleType: "car", Time: nine}, flatRate)
	require.NoError(t, err)

	_, _ = store.Exit(ctx, Departure{VehicleNumber: "A1", Time: nine.Add(time.Hour)}, price)
	assert.False(t, mr.Exists("test:lock:A1"))
}
