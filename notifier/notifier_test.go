package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eddielth/agri-pipeline/broker"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/event"
	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	err      error
	sent     [][]byte
	attempts int
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) sendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func TestRegistrySubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}

	r.Subscribe(c, "f1")
	r.Subscribe(c, "f1")
	assert.Equal(t, 1, r.Count("f1"))

	r.Unsubscribe(c, "f1")
	r.Unsubscribe(c, "f1")
	assert.Equal(t, 0, r.Count("f1"))
	assert.Empty(t, r.Stats())
}

func TestRegistryBroadcastPrunesFailedConnections(t *testing.T) {
	r := NewRegistry()
	good := &fakeConn{}
	bad := &fakeConn{err: errors.New("broken pipe")}
	other := &fakeConn{}

	r.Subscribe(good, "f1")
	r.Subscribe(bad, "f1")
	r.Subscribe(other, "f2")

	assert.Equal(t, 1, r.Broadcast("f1", []byte("m1")))
	assert.Equal(t, 1, r.Count("f1"))
	assert.Len(t, good.messages(), 1)
	assert.Empty(t, other.messages())

	assert.Equal(t, 1, bad.sendAttempts())

	assert.Equal(t, 1, r.Broadcast("f1", []byte("m2")))
	assert.Equal(t, 1, bad.sendAttempts())
	assert.Len(t, good.messages(), 2)

	assert.Equal(t, 0, r.Broadcast("missing", []byte("m3")))
	assert.Equal(t, map[string]int{"f1": 1, "f2": 1}, r.Stats())
}

func TestHandleReadingUsesBodyField(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Subscribe(c, "f1")
	s := NewService(config.NotifierConfig{}, r)

	body := []byte(`{"sensor_id":"s1","field_id":"f1","sensor_type":"temperature","value":21.5}`)
	require.NoError(t, s.HandleReading(context.Background(), amqp.Delivery{RoutingKey: "field.f9.device.s1", Body: body}))

	msgs := c.messages()
	require.Len(t, msgs, 1)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, event.TypeReading, env.Type)
	assert.JSONEq(t, string(body), string(env.Data))
}

func TestHandleAlertFallsBackToRoutingKey(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Subscribe(c, "f2")
	s := NewService(config.NotifierConfig{}, r)

	require.NoError(t, s.HandleAlert(context.Background(), amqp.Delivery{RoutingKey: "alerts.f2", Body: []byte(`{"message":"hot"}`)}))

	msgs := c.messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"type":"alert","data":{"message":"hot"}}`, string(msgs[0]))
}

func TestHandleDropsMalformedMessages(t *testing.T) {
	s := NewService(config.NotifierConfig{}, NewRegistry())

	err := s.HandleReading(context.Background(), amqp.Delivery{RoutingKey: "field.f1.device.s1", Body: []byte(`not json`)})
	assert.True(t, broker.IsDrop(err))

	err = s.HandleAlert(context.Background(), amqp.Delivery{RoutingKey: "bogus", Body: []byte(`{}`)})
	assert.True(t, broker.IsDrop(err))
}

func TestConsumersBindServerNamedQueues(t *testing.T) {
	s := NewService(config.NotifierConfig{}, NewRegistry())
	cs := s.Consumers(func() (broker.Channel, error) { return nil, errors.New("unused") }, config.AMQPConfig{
		SensorExchange: "sensor_data.topic",
		AlertExchange:  "alerts.topic",
		ReadingBinding: "field.*.device.*",
		AlertBinding:   "alerts.*",
	})
	assert.Len(t, cs, 2)
}

func dialNotifier(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServeWSDeliversFieldMessages(t *testing.T) {
	r := NewRegistry()
	s := NewService(config.NotifierConfig{WriteWait: time.Second, PongWait: 5 * time.Second}, r)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialNotifier(t, srv, "?field=f1")
	defer conn.Close()

	require.Eventually(t, func() bool { return r.Count("f1") == 1 }, 2*time.Second, 10*time.Millisecond)

	body := []byte(`{"field_id":"f1","message":"too dry"}`)
	require.NoError(t, s.HandleAlert(context.Background(), amqp.Delivery{RoutingKey: "alerts.f1", Body: body}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"alert","data":{"field_id":"f1","message":"too dry"}}`, string(msg))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return r.Count("f1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWSClosesSubscriberAfterFailedSend(t *testing.T) {
	r := NewRegistry()
	s := NewService(config.NotifierConfig{WriteWait: time.Nanosecond, PongWait: time.Minute}, r)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialNotifier(t, srv, "?field=f1")
	defer conn.Close()

	require.Eventually(t, func() bool { return r.Count("f1") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.Broadcast("f1", []byte(`{"type":"alert","data":{}}`)))
	assert.Equal(t, 0, r.Count("f1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection left open: %v", err)
	}
}

func TestServeWSRequiresField(t *testing.T) {
	s := NewService(config.NotifierConfig{}, NewRegistry())
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialNotifier(t, srv, "")
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestHealth(t *testing.T) {
	r := NewRegistry()
	r.Subscribe(&fakeConn{}, "f1")
	s := NewService(config.NotifierConfig{}, r)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","subscribers":{"f1":1}}`, rec.Body.String())
}
