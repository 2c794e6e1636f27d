package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eddielth/agri-pipeline/broker"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/event"
	"github.com/eddielth/agri-pipeline/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
)

var log = logger.For("notifier")

// Service delivers broker readings and alerts to the WebSocket subscribers of each field
type Service struct {
	registry *Registry
	cfg      config.NotifierConfig
	upgrader websocket.Upgrader
}

// NewService creates the service around registry
func NewService(cfg config.NotifierConfig, registry *Registry) *Service {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = 4096
	}
	return &Service{
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// only the gateway reaches this listener
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Consumers builds the readings and alerts consumers, each on its own
// server-named exclusive queue so a slow exchange never stalls the other.
func (s *Service) Consumers(open broker.Opener, cfg config.AMQPConfig) []*broker.Consumer {
	exchanges := broker.DefaultTopology(cfg).ExchangesOnly()
	common := broker.ConsumerConfig{
		Prefetch:       cfg.Prefetch,
		HandlerTimeout: cfg.HandlerTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		Topology:       &exchanges,
	}

	readings := common
	readings.Name = cfg.ConsumerTagBase + "-notifier-readings"
	readings.Source = broker.Source{Bindings: []broker.Binding{{Exchange: cfg.SensorExchange, Key: cfg.ReadingBinding}}}

	alerts := common
	alerts.Name = cfg.ConsumerTagBase + "-notifier-alerts"
	alerts.Source = broker.Source{Bindings: []broker.Binding{{Exchange: cfg.AlertExchange, Key: cfg.AlertBinding}}}

	return []*broker.Consumer{
		broker.NewConsumer(open, readings, s.HandleReading),
		broker.NewConsumer(open, alerts, s.HandleAlert),
	}
}

// Run runs every consumer concurrently until ctx is done
func Run(ctx context.Context, consumers []*broker.Consumer) {
	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *broker.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				log.Error("consumer stopped: %v", err)
			}
		}(c)
	}
	wg.Wait()
}

// HandleReading broadcasts a reading envelope to the reading's field
func (s *Service) HandleReading(_ context.Context, d amqp.Delivery) error {
	return s.forward(event.TypeReading, d, func(key string) (string, error) {
		field, _, err := event.ParseReadingKey(key)
		return field, err
	})
}

// HandleAlert broadcasts an alert envelope to the alert's field
func (s *Service) HandleAlert(_ context.Context, d amqp.Delivery) error {
	return s.forward(event.TypeAlert, d, event.ParseAlertKey)
}

func (s *Service) forward(kind string, d amqp.Delivery, fieldFromKey func(string) (string, error)) error {
	var body struct {
		FieldID string `json:"field_id"`
	}
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return broker.Drop(fmt.Errorf("decode %s %s: %w", kind, d.RoutingKey, err))
	}

	field := body.FieldID
	if field == "" {
		var err error
		if field, err = fieldFromKey(d.RoutingKey); err != nil {
			return broker.Drop(err)
		}
	}

	msg, err := event.NewEnvelope(kind, d.Body)
	if err != nil {
		return broker.Drop(err)
	}

	n := s.registry.Broadcast(field, msg)
	log.Debug("%s for %s delivered to %d subscriber(s)", kind, field, n)
	return nil
}

// Router returns the HTTP routes of the service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws/notifications", s.ServeWS)
	r.Get("/health", s.Health)
	return r
}

// ServeWS subscribes the connection to the field named in the query until the peer goes away
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	field := r.URL.Query().Get("field")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := newWSConn(conn, s.cfg.WriteWait)

	if field == "" {
		c.close(websocket.ClosePolicyViolation, "missing field parameter")
		return
	}

	s.registry.Subscribe(c, field)
	log.Info("subscriber %s joined %s (%d)", r.RemoteAddr, field, s.registry.Count(field))

	done := make(chan struct{})
	go c.keepAlive(s.cfg.PongWait*9/10, done)

	err = c.readUntilClosed(s.cfg.MaxMessage, s.cfg.PongWait)
	close(done)
	s.registry.Unsubscribe(c, field)
	_ = conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug("subscriber %s of %s: %v", r.RemoteAddr, field, err)
	}
	log.Info("subscriber %s left %s", r.RemoteAddr, field)
}

// Health reports subscriber counts per field
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"subscribers": s.registry.Stats(),
	})
}
