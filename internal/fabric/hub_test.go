package fabric

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/store"
)

type stubAuth struct {
	keys map[string]struct {
		actorID string
		role    core.ActorRole
	}
}

func (a *stubAuth) Authenticate(ctx context.Context, apiKey string) (string, core.ActorRole, error) {
	entry, ok := a.keys[apiKey]
	if !ok {
		return "", "", core.Ef(core.Unauthorized, "auth", "unknown api key")
	}
	return entry.actorID, entry.role, nil
}

type wsFixture struct {
	hub    *Hub
	bus    *LocalBus
	server *httptest.Server
	target *core.Target
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	mem := store.NewMemory()
	target := &core.Target{
		ID: "tgt-1", OwnerID: "owner-1", Name: "example", URL: "https://example.com",
		Kind: core.KindHTTPS, IntervalSec: 60, TimeoutMs: 5000, Active: true,
		Regions: []string{"us-east"}, AlertThreshold: 3,
	}
	require.NoError(t, mem.CreateTarget(context.Background(), target))

	auth := &stubAuth{keys: map[string]struct {
		actorID string
		role    core.ActorRole
	}{
		"owner-key": {"owner-1", core.RoleOwner},
		"other-key": {"owner-2", core.RoleOwner},
		"admin-key": {"admin-1", core.RoleAdmin},
	}}

	hub := NewHub()
	srv := httptest.NewServer(NewWSHandler(hub, auth, mem))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &wsFixture{hub: hub, bus: NewLocalBus(hub), server: srv, target: target}
}

func (f *wsFixture) dial(t *testing.T, apiKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{}
	if apiKey != "" {
		header.Set("X-API-Key", apiKey)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string) serverAck {
	t.Helper()
	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Topic: topic}))
	var ack serverAck
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	return ack
}

func TestOwnerReceivesUpdatesForOwnTarget(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "owner-key")

	topic := TopicMonitorUpdate + "/" + f.target.ID
	ack := subscribe(t, conn, topic)
	require.Equal(t, "subscribed", ack.Status)
	require.Eventually(t, func() bool { return f.hub.SubscriberCount(topic) == 1 }, time.Second, 5*time.Millisecond)

	update := &core.PushUpdate{TargetID: f.target.ID, Status: "up", ResponseTimeMs: 42, Region: "us-east", Timestamp: time.Now()}
	require.NoError(t, f.bus.Publish(context.Background(), topic, update))

	var env Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, topic, env.Topic)
	require.NotNil(t, env.Update)
	assert.Equal(t, "up", env.Update.Status)
	assert.EqualValues(t, 42, env.Update.ResponseTimeMs)
}

func TestForeignOwnerMayNotSubscribe(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "other-key")

	ack := subscribe(t, conn, TopicMonitorUpdate+"/"+f.target.ID)
	assert.Equal(t, "error", ack.Status)
	assert.Zero(t, f.hub.SubscriberCount(TopicMonitorUpdate+"/"+f.target.ID))
}

func TestAdminSubscribesToAnyTarget(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "admin-key")

	ack := subscribe(t, conn, TopicIncidentOpened+"/"+f.target.ID)
	assert.Equal(t, "subscribed", ack.Status)
}

func TestBadAPIKeyRejectedAtHandshake(t *testing.T) {
	f := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{}
	header.Set("X-API-Key", "bogus")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownTopicFamilyRejected(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "admin-key")

	ack := subscribe(t, conn, "bogus:family/"+f.target.ID)
	assert.Equal(t, "error", ack.Status)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "owner-key")
	topic := TopicMonitorUpdate + "/" + f.target.ID

	require.Equal(t, "subscribed", subscribe(t, conn, topic).Status)
	require.NoError(t, conn.WriteJSON(clientMessage{Action: "unsubscribe", Topic: topic}))

	var ack serverAck
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "unsubscribed", ack.Status)
	assert.Zero(t, f.hub.SubscriberCount(topic))
}

func TestSplitTopic(t *testing.T) {
	family, id := SplitTopic("monitor:update/tgt-1")
	assert.Equal(t, TopicMonitorUpdate, family)
	assert.Equal(t, "tgt-1", id)

	family, id = SplitTopic("malformed")
	assert.Equal(t, "malformed", family)
	assert.Empty(t, id)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Topic:  "incident:opened/tgt-9",
		Update: &core.PushUpdate{TargetID: "tgt-9", Status: "down", Region: "eu-west", Reason: "timeout"},
		SentAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, env.Topic, got.Topic)
	assert.Equal(t, "down", got.Update.Status)
}
