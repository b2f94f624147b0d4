package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-service/auth"
	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newTestClient(t *testing.T, h http.Handler, token string) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, staticToken(token), srv.Client(), utils.NewNopLogger())
	require.NoError(t, err)
	return c, srv
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", staticToken("t"), nil, utils.NewNopLogger())
	assert.Error(t, err)

	_, err = New("://", staticToken("t"), nil, utils.NewNopLogger())
	assert.Error(t, err)
}

func TestHeartbeatSendsBearer(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(models.HeartbeatResponse{Status: "ok", LastSeenAt: time.Now()})
	}), "tok-1")

	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/presence/heartbeat", gotPath)
}

func TestListOnlineDecodesUsers(t *testing.T) {
	now := time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.OnlineUsersResponse{
			Count: 2,
			Users: []models.EnrichedPresence{
				{SubjectID: "b", LastSeenAt: now, DisplayName: "Bee"},
				{SubjectID: "a", LastSeenAt: now.Add(-time.Second), DisplayName: "Unknown user", Placeholder: true},
			},
			AsOf: now,
		})
	}), "tok")

	users, err := c.ListOnline(context.Background())

	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "b", users[0].SubjectID)
	assert.True(t, users[1].Placeholder)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, models.ErrUnauthenticated},
		{"unavailable", http.StatusServiceUnavailable, models.ErrTransient},
		{"internal", http.StatusInternalServerError, models.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"x"}`))
			}), "tok")

			assert.ErrorIs(t, c.Heartbeat(context.Background()), tt.want)
			_, err := c.ListOnline(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnexpectedStatusIsNeitherKind(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "tok")

	err := c.Heartbeat(context.Background())

	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrTransient)
	assert.NotErrorIs(t, err, models.ErrUnauthenticated)
}

func TestMissingTokenNeverCallsServer(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}), "")

	assert.ErrorIs(t, c.Heartbeat(context.Background()), models.ErrUnauthenticated)
	assert.Zero(t, hits.Load())
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), "tok")
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Heartbeat(ctx), models.ErrTransient)
}

func TestServerDownIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, staticToken("tok"), nil, utils.NewNopLogger())
	require.NoError(t, err)

	_, err = c.ListOnline(context.Background())
	assert.ErrorIs(t, err, models.ErrTransient)
}

func changeServer(t *testing.T, events chan models.ChangeEvent) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.ExtractToken(r) != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	})
}

func TestSubscribeDeliversPresenceChanges(t *testing.T) {
	events := make(chan models.ChangeEvent, 3)
	c, _ := newTestClient(t, changeServer(t, events), "tok")

	events <- models.ChangeEvent{Type: models.ChangeEventPresenceChanged, Table: models.PresenceTable}
	events <- models.ChangeEvent{Type: "other_changed", Table: "other"}
	events <- models.ChangeEvent{Type: models.ChangeEventPresenceChanged, Table: models.PresenceTable}
	close(events)

	var hints atomic.Int32
	err := c.Subscribe(context.Background(), func() { hints.Add(1) })

	assert.ErrorIs(t, err, models.ErrTransient, "stream closed by server")
	assert.EqualValues(t, 2, hints.Load())
}

func TestSubscribeStopsWithContext(t *testing.T) {
	events := make(chan models.ChangeEvent)
	defer close(events)
	c, _ := newTestClient(t, changeServer(t, events), "tok")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Subscribe(ctx, func() {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestSubscribeUnauthorized(t *testing.T) {
	c, _ := newTestClient(t, changeServer(t, make(chan models.ChangeEvent)), "wrong")

	err := c.Subscribe(context.Background(), func() {})

	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}
