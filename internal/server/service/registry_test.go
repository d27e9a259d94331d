package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/server/service"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRegister_SameHostnameReturnsSameID(t *testing.T) {
	store := newFakeStore()
	reg := service.NewRegistry(store, discardLogger())
	ctx := context.Background()

	first, err := reg.Register(ctx, api.AgentRegistration{Hostname: "web-01", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	second, err := reg.Register(ctx, api.AgentRegistration{Hostname: "web-01", IPAddress: "10.0.0.2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "10.0.0.2", second.IPAddress)
	assert.True(t, second.IsOnline)
}

func TestRegister_TrimsHostname(t *testing.T) {
	store := newFakeStore()
	reg := service.NewRegistry(store, discardLogger())

	a, err := reg.Register(context.Background(), api.AgentRegistration{Hostname: "  db-01 \n"})
	require.NoError(t, err)
	assert.Equal(t, "db-01", a.Hostname)
}

func TestRegister_Validation(t *testing.T) {
	reg := service.NewRegistry(newFakeStore(), discardLogger())
	ctx := context.Background()

	tests := []struct {
		name  string
		in    api.AgentRegistration
		field string
	}{
		{"empty hostname", api.AgentRegistration{Hostname: "   "}, "hostname"},
		{"long hostname", api.AgentRegistration{Hostname: strings.Repeat("h", 256)}, "hostname"},
		{"bad ip", api.AgentRegistration{Hostname: "h", IPAddress: "not-an-ip"}, "ip_address"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Register(ctx, tc.in)
			var ve *service.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestHeartbeat_UnknownAgentIsNotFound(t *testing.T) {
	reg := service.NewRegistry(newFakeStore(), discardLogger())

	_, err := reg.Heartbeat(context.Background(), 42, api.AgentHeartbeat{})
	assert.True(t, errors.Is(err, service.ErrNotFound), "got %v", err)
}

func TestHeartbeat_PublishesStatusOnlyWhenExplicit(t *testing.T) {
	store := newFakeStore()
	rec := &recorder{}
	reg := service.NewRegistry(store, discardLogger(), service.WithEvents(rec))
	ctx := context.Background()

	a, err := reg.Register(ctx, api.AgentRegistration{Hostname: "web-01"})
	require.NoError(t, err)

	_, err = reg.Heartbeat(ctx, a.ID, api.AgentHeartbeat{})
	require.NoError(t, err)
	offline := false
	got, err := reg.Heartbeat(ctx, a.ID, api.AgentHeartbeat{IsOnline: &offline})
	require.NoError(t, err)

	assert.False(t, got.IsOnline)
	assert.Equal(t, []string{service.EventAgentStatusChanged, service.EventAgentStatusChanged}, rec.events())
}

func TestList_RejectsBadPage(t *testing.T) {
	reg := service.NewRegistry(newFakeStore(), discardLogger())

	_, err := reg.List(context.Background(), storage.AgentFilter{Skip: -1})
	assert.True(t, service.IsValidation(err))
	_, err = reg.List(context.Background(), storage.AgentFilter{Limit: service.MaxLimit + 1})
	assert.True(t, service.IsValidation(err))
}

func TestSweepStale(t *testing.T) {
	store := newFakeStore()
	rec := &recorder{}
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := service.NewRegistry(store, discardLogger(),
		service.WithEvents(rec),
		service.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	_, err := reg.Register(ctx, api.AgentRegistration{Hostname: "a"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, api.AgentRegistration{Hostname: "b"})
	require.NoError(t, err)

	n, err := reg.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.AgentStats{Total: 2, Online: 0, Offline: 2}, st)
}

func TestDelete_PublishesEvent(t *testing.T) {
	store := newFakeStore()
	rec := &recorder{}
	reg := service.NewRegistry(store, discardLogger(), service.WithEvents(rec))
	ctx := context.Background()

	a, err := reg.Register(ctx, api.AgentRegistration{Hostname: "gone"})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, a.ID))

	_, err = reg.Get(ctx, a.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
	assert.Contains(t, rec.events(), service.EventAgentDeleted)
}
