// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/protocol"
	"github.com/signagekit/signaged/internal/session"
	"github.com/signagekit/signaged/internal/store/sqlite"
)

type rig struct {
	store *sqlite.Store
	reg   *session.Registry
	sched *Scheduler
	now   time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "sched.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	r := &rig{
		store: st,
		reg:   session.NewRegistry(),
		now:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), // Tuesday noon
	}
	r.sched = New(st, r.reg, time.Minute, WithClock(func() time.Time { return r.now }))
	return r
}

func (r *rig) connectClient(t *testing.T, clientID, connID string) *session.Session {
	t.Helper()
	s := session.New(connID, "", 16, nil)
	r.reg.Attach(s)
	_, err := r.reg.Bind(connID, session.KindClient, clientID, nil)
	require.NoError(t, err)
	return s
}

// drainLayouts collects the layout ids of all queued display updates.
func drainLayouts(t *testing.T, s *session.Session) []string {
	t.Helper()
	var out []string
	for {
		select {
		case data := <-s.Outbound():
			var du protocol.DisplayUpdate
			require.NoError(t, json.Unmarshal(data, &du))
			require.Equal(t, protocol.TypeDisplayUpdate, du.Type)
			out = append(out, du.LayoutID)
		default:
			return out
		}
	}
}

func (r *rig) seed(t *testing.T, clientID string, layouts ...*model.Layout) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.store.Clients().Upsert(ctx, &model.Client{
		ID: clientID, Status: model.StatusOnline, LastSeenAt: r.now,
	}))
	for _, l := range layouts {
		require.NoError(t, r.store.PutLayout(ctx, l))
	}
}

func TestEvaluatePushesScheduledLayout(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1", &model.Layout{ID: "L1", Name: "noon", Elements: json.RawMessage(`[{"kind":"clock"}]`)})
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "09:00", EndTime: "17:00",
	}))
	s := r.connectClient(t, "C1", "conn-1")

	r.sched.Evaluate(ctx)
	if diff := cmp.Diff([]string{"L1"}, drainLayouts(t, s)); diff != "" {
		t.Fatalf("pushed layouts mismatch (-want +got):\n%s", diff)
	}

	// Same resolution again: no repush.
	r.sched.Evaluate(ctx)
	require.Empty(t, drainLayouts(t, s))
}

func TestEvaluatePushesOnWindowChange(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1",
		&model.Layout{ID: "L-day", Name: "day"},
		&model.Layout{ID: "L-night", Name: "night"})
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S-day", LayoutID: "L-day", ClientID: "C1", IsActive: true,
		StartTime: "08:00", EndTime: "18:00",
	}))
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S-night", LayoutID: "L-night", ClientID: "C1", IsActive: true,
		StartTime: "18:00", EndTime: "23:59",
	}))
	s := r.connectClient(t, "C1", "conn-1")

	r.sched.Evaluate(ctx)
	require.Equal(t, []string{"L-day"}, drainLayouts(t, s))

	r.now = time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	r.sched.Evaluate(ctx)
	require.Equal(t, []string{"L-night"}, drainLayouts(t, s))
}

func TestEvaluateSkipsDisconnectedClients(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1", &model.Layout{ID: "L1"})
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "00:00", EndTime: "23:59",
	}))

	// No session; must not panic or push.
	r.sched.Evaluate(ctx)
}

func TestRecordPushSuppressesRepush(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1", &model.Layout{ID: "L1"})
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "00:00", EndTime: "23:59",
	}))
	s := r.connectClient(t, "C1", "conn-1")

	// The layout was already delivered elsewhere, e.g. during registration.
	r.sched.RecordPush("C1", "L1")

	r.sched.Evaluate(ctx)
	require.Empty(t, drainLayouts(t, s), "recorded push must not be repeated")
}

func TestForgetTriggersRepush(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1", &model.Layout{ID: "L1"})
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "00:00", EndTime: "23:59",
	}))
	s := r.connectClient(t, "C1", "conn-1")

	r.sched.Evaluate(ctx)
	require.Equal(t, []string{"L1"}, drainLayouts(t, s))

	r.sched.Forget("C1")
	r.sched.Evaluate(ctx)
	require.Equal(t, []string{"L1"}, drainLayouts(t, s), "reconnect gets a fresh push")
}

func TestActiveLayoutDanglingReference(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1")
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S1", LayoutID: "L-missing", ClientID: "C1", IsActive: true,
		StartTime: "00:00", EndTime: "23:59",
	}))

	c, err := r.store.Clients().Get(ctx, "C1")
	require.NoError(t, err)
	layout, err := r.sched.ActiveLayout(ctx, c)
	require.NoError(t, err)
	require.Nil(t, layout)
}

func operatorSession(t *testing.T, r *rig) *session.Session {
	t.Helper()
	s := session.New("conn-op", "", 16, nil)
	r.reg.Attach(s)
	_, err := r.reg.Bind("conn-op", session.KindOperator, "op-1",
		[]model.Permission{model.PermissionView, model.PermissionManage})
	require.NoError(t, err)
	return s
}

func TestAssignLayoutPersistsAndPushes(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1", &model.Layout{ID: "L1", Elements: json.RawMessage(`[]`)})
	op := operatorSession(t, r)
	cl := r.connectClient(t, "C1", "conn-1")

	msg, _ := json.Marshal(protocol.AssignLayout{
		Type: protocol.TypeAssignLayout, DeviceID: "C1", LayoutID: "L1",
	})
	require.NoError(t, r.sched.HandleAssignLayout(ctx, op, msg))

	c, err := r.store.Clients().Get(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, "L1", c.AssignedLayoutID)
	require.Equal(t, []string{"L1"}, drainLayouts(t, cl), "assignment takes effect immediately")
}

func TestAssignLayoutUnknownLayout(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1")
	op := operatorSession(t, r)

	msg, _ := json.Marshal(protocol.AssignLayout{
		Type: protocol.TypeAssignLayout, DeviceID: "C1", LayoutID: "L-missing",
	})
	require.Error(t, r.sched.HandleAssignLayout(ctx, op, msg))

	c, err := r.store.Clients().Get(ctx, "C1")
	require.NoError(t, err)
	require.Empty(t, c.AssignedLayoutID)
}

func TestAssignLayoutUnknownDevice(t *testing.T) {
	r := newRig(t)
	op := operatorSession(t, r)
	msg, _ := json.Marshal(protocol.AssignLayout{
		Type: protocol.TypeAssignLayout, DeviceID: "ghost", LayoutID: "L1",
	})
	require.Error(t, r.sched.HandleAssignLayout(context.Background(), op, msg))
}

func TestScheduleOverridesAssignment(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seed(t, "C1",
		&model.Layout{ID: "L-pinned"},
		&model.Layout{ID: "L-sched"})
	c, err := r.store.Clients().Get(ctx, "C1")
	require.NoError(t, err)
	c.AssignedLayoutID = "L-pinned"
	require.NoError(t, r.store.Clients().Upsert(ctx, c))
	require.NoError(t, r.store.PutSchedule(ctx, &model.Schedule{
		ID: "S1", LayoutID: "L-sched", ClientID: "C1", IsActive: true,
		StartTime: "09:00", EndTime: "17:00",
	}))
	s := r.connectClient(t, "C1", "conn-1")

	r.sched.Evaluate(ctx)
	require.Equal(t, []string{"L-sched"}, drainLayouts(t, s))

	// Outside the window the pinned assignment applies again.
	r.now = time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	r.sched.Evaluate(ctx)
	require.Equal(t, []string{"L-pinned"}, drainLayouts(t, s))
}
