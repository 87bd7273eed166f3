// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "signaged.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClientUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &model.Client{
		ID:         "C1",
		Name:       "Lobby",
		MacAddress: "AA:BB:CC:DD:EE:01",
		IPAddress:  "192.168.1.50",
		Status:     model.StatusOnline,
		LastSeenAt: time.Now(),
		DeviceInfo: json.RawMessage(`{"os":"linux"}`),
		Metadata:   map[string]string{"floor": "1"},
	}
	require.NoError(t, s.Clients().Upsert(ctx, c))

	got, err := s.Clients().Get(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, "Lobby", got.Name)
	require.Equal(t, "AA:BB:CC:DD:EE:01", got.MacAddress)
	require.Equal(t, model.StatusOnline, got.Status)
	require.Equal(t, "1", got.Metadata["floor"])

	byMac, err := s.Clients().GetByMac(ctx, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	require.Equal(t, "C1", byMac.ID)
}

func TestClientGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Clients().Get(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientMacUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Clients().Upsert(ctx, &model.Client{ID: "C1", MacAddress: "AA:BB:CC:DD:EE:01"}))
	err := s.Clients().Upsert(ctx, &model.Client{ID: "C2", MacAddress: "AA:BB:CC:DD:EE:01"})
	require.Error(t, err, "duplicate mac must be rejected")

	// Empty macs do not collide.
	require.NoError(t, s.Clients().Upsert(ctx, &model.Client{ID: "C3"}))
	require.NoError(t, s.Clients().Upsert(ctx, &model.Client{ID: "C4"}))
}

func TestClientUpdateStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Clients().Upsert(ctx, &model.Client{ID: "C1", Status: model.StatusOnline}))
	seen := time.Now()
	require.NoError(t, s.Clients().UpdateStatus(ctx, "C1", model.StatusOffline, nil, seen))

	got, err := s.Clients().Get(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, model.StatusOffline, got.Status)
	require.WithinDuration(t, seen, got.LastSeenAt, time.Second)

	require.ErrorIs(t, s.Clients().UpdateStatus(ctx, "ghost", model.StatusOffline, nil, seen), store.ErrNotFound)
}

func TestTokenConsumeLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutToken(ctx, &model.RegistrationToken{
		Fingerprint: "fp-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		MaxUses:     2,
		IsActive:    true,
	}))

	res, err := s.Tokens().Consume(ctx, "fp-1", time.Now())
	require.NoError(t, err)
	require.True(t, res.Consumed)
	require.Equal(t, 1, res.Token.UsedCount)

	res, err = s.Tokens().Consume(ctx, "fp-1", time.Now())
	require.NoError(t, err)
	require.True(t, res.Consumed)

	res, err = s.Tokens().Consume(ctx, "fp-1", time.Now())
	require.NoError(t, err)
	require.False(t, res.Consumed)
	require.Equal(t, "exhausted", res.Reason)

	tok, err := s.Tokens().GetByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, 2, tok.UsedCount)
}

// Expiry is judged against the caller's clock, not the wall clock.
func TestTokenConsumeExpiryFollowsCallerClock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expiry := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutToken(ctx, &model.RegistrationToken{
		Fingerprint: "fp-old",
		ExpiresAt:   expiry,
		MaxUses:     5,
		IsActive:    true,
	}))

	res, err := s.Tokens().Consume(ctx, "fp-old", expiry.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, res.Consumed)
	require.Equal(t, "expired", res.Reason)

	res, err = s.Tokens().Consume(ctx, "fp-old", expiry.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, res.Consumed)
}

func TestTokenConsumeUnknown(t *testing.T) {
	s := openTestStore(t)
	res, err := s.Tokens().Consume(context.Background(), "fp-missing", time.Now())
	require.NoError(t, err)
	require.False(t, res.Consumed)
	require.Equal(t, "not_found", res.Reason)
}

// A one-use token consumed concurrently must yield exactly one success.
func TestTokenConsumeConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutToken(ctx, &model.RegistrationToken{
		Fingerprint: "fp-race",
		ExpiresAt:   time.Now().Add(time.Hour),
		MaxUses:     1,
		IsActive:    true,
	}))

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Tokens().Consume(ctx, "fp-race", time.Now())
			if err != nil {
				results <- false
				return
			}
			results <- res.Consumed
		}()
	}
	wg.Wait()
	close(results)

	consumed := 0
	for ok := range results {
		if ok {
			consumed++
		}
	}
	require.Equal(t, 1, consumed)

	tok, err := s.Tokens().GetByFingerprint(ctx, "fp-race")
	require.NoError(t, err)
	require.Equal(t, 1, tok.UsedCount)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutToken(ctx, &model.RegistrationToken{
		Fingerprint: "fp-tx",
		ExpiresAt:   time.Now().Add(time.Hour),
		MaxUses:     1,
		IsActive:    true,
	}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Clients().Upsert(ctx, &model.Client{ID: "C1"}); err != nil {
			return err
		}
		res, err := tx.Tokens().Consume(ctx, "fp-tx", time.Now())
		if err != nil {
			return err
		}
		require.True(t, res.Consumed)
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Neither the client row nor the token consumption survived.
	_, err = s.Clients().Get(ctx, "C1")
	require.ErrorIs(t, err, store.ErrNotFound)
	tok, err := s.Tokens().GetByFingerprint(ctx, "fp-tx")
	require.NoError(t, err)
	require.Equal(t, 0, tok.UsedCount)
}

func TestSchedulesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutSchedule(ctx, &model.Schedule{
		ID:         "S1",
		Name:       "morning",
		LayoutID:   "L2",
		ClientID:   "C1",
		Priority:   10,
		StartTime:  "08:00",
		EndTime:    "12:00",
		DaysOfWeek: []model.Weekday{time.Monday, time.Tuesday},
		ValidFrom:  &from,
		IsActive:   true,
		Modified:   time.Now(),
	}))

	list, err := s.Schedules().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "L2", list[0].LayoutID)
	require.Equal(t, []model.Weekday{time.Monday, time.Tuesday}, list[0].DaysOfWeek)
	require.NotNil(t, list[0].ValidFrom)
	require.Nil(t, list[0].ValidUntil)
}

func TestOperatorsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutOperator(ctx, &model.OperatorRegistration{
		ID:               "app-1",
		DeviceIdentifier: "pixel-9",
		Status:           model.OperatorApproved,
		TokenFingerprint: "op-fp",
		Permissions:      []model.Permission{model.PermissionView, model.PermissionControl},
		RegisteredAt:     time.Now(),
	}))

	got, err := s.Operators().Get(ctx, "app-1")
	require.NoError(t, err)
	require.True(t, got.HasPermission(model.PermissionControl))
	require.False(t, got.HasPermission(model.PermissionManage))

	byFp, err := s.Operators().GetByTokenFingerprint(ctx, "op-fp")
	require.NoError(t, err)
	require.Equal(t, "app-1", byFp.ID)

	require.NoError(t, s.Operators().UpdateLastSeen(ctx, "app-1", time.Now()))
	got, err = s.Operators().Get(ctx, "app-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSeenAt)
}
