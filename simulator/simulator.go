package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/logger"
	"github.com/eddielth/agri-pipeline/mqtt"
)

var log = logger.For("simulator")

// ErrNotReady is returned when the bridge never announced itself
var ErrNotReady = errors.New("bridge did not report ready")

// Metric bounds a simulated measurement
type Metric struct {
	Unit  string
	Min   float64
	Max   float64
	Noise float64
}

// Metrics are the measurements the simulator knows how to produce
var Metrics = map[string]Metric{
	"temperature":   {Unit: "celsius", Min: 15, Max: 35, Noise: 0.5},
	"humidity":      {Unit: "%", Min: 30, Max: 90, Noise: 1.5},
	"soil_moisture": {Unit: "%", Min: 10, Max: 60, Noise: 1.0},
}

// DefaultFields is used when the configuration names no fields
var DefaultFields = map[string]map[string][]string{
	"field1": {
		"sensor01": {"temperature", "humidity"},
		"sensor02": {"temperature", "soil_moisture"},
	},
	"field2": {
		"sensor03": {"temperature", "humidity"},
		"sensor04": {"temperature"},
	},
}

// Payload is what a device publishes
type Payload struct {
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Timestamp  string  `json:"timestamp"`
}

// Generator random-walks each series inside its metric bounds
type Generator struct {
	mu    sync.Mutex
	rnd   *rand.Rand
	state map[string]float64
}

// NewGenerator creates a generator seeded with seed
func NewGenerator(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed)), state: make(map[string]float64)}
}

// Next returns the next value of series key, rounded to two decimals
func (g *Generator) Next(key string, m Metric) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, ok := g.state[key]
	if !ok {
		v = m.Min + g.rnd.Float64()*(m.Max-m.Min)
	}
	v += (g.rnd.Float64()*2 - 1) * m.Noise
	v = math.Max(m.Min, math.Min(m.Max, v))
	g.state[key] = v
	return math.Round(v*100) / 100
}

// Publisher is the device-side transport
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Simulator publishes readings for a field/sensor/metric matrix
type Simulator struct {
	mqttCfg config.MQTTConfig
	cfg     config.SimulatorConfig
	gen     *Generator
	now     func() time.Time
	ready   chan struct{}
	once    sync.Once
}

// New creates a simulator
func New(mqttCfg config.MQTTConfig, cfg config.SimulatorConfig) *Simulator {
	if len(cfg.Fields) == 0 {
		cfg.Fields = DefaultFields
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Second
	}
	if mqttCfg.ClientID != "" {
		mqttCfg.ClientID += "-simulator"
	}
	return &Simulator{
		mqttCfg: mqttCfg,
		cfg:     cfg,
		gen:     NewGenerator(time.Now().UnixNano()),
		now:     time.Now,
		ready:   make(chan struct{}),
	}
}

// Run waits for the bridge's retained ready status, then publishes a round every interval until ctx is done
func (s *Simulator) Run(ctx context.Context) error {
	client, err := mqtt.NewClient(s.mqttCfg, func(c *mqtt.Client) {
		if err := c.Subscribe(s.mqttCfg.StatusTopic, 1, s.onStatus); err != nil {
			log.Error("subscribe to %s: %v", s.mqttCfg.StatusTopic, err)
		}
	})
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	log.Info("bridge is ready, publishing every %s", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		n, err := s.PublishRound(client)
		if err != nil {
			log.Warn("published %d readings: %v", n, err)
		} else {
			log.Info("published %d readings", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Simulator) onStatus(_ paho.Client, msg paho.Message) {
	if string(msg.Payload()) == mqtt.ReadyPayload {
		s.markReady()
	}
}

func (s *Simulator) markReady() {
	s.once.Do(func() { close(s.ready) })
}

// WaitReady blocks until the ready status arrives, ctx ends or the ready timeout expires
func (s *Simulator) WaitReady(ctx context.Context) error {
	timeout := s.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w on %s within %s", ErrNotReady, s.mqttCfg.StatusTopic, timeout)
	}
}

// PublishRound publishes one reading per configured series and returns how many were sent
func (s *Simulator) PublishRound(pub Publisher) (int, error) {
	var errs []error
	sent := 0
	for _, field := range sortedKeys(s.cfg.Fields) {
		sensors := s.cfg.Fields[field]
		for _, sensor := range sortedKeys(sensors) {
			for _, metric := range sensors[sensor] {
				m, ok := Metrics[metric]
				if !ok {
					log.Warn("no generator for metric %s", metric)
					continue
				}

				payload, err := json.Marshal(Payload{
					SensorType: metric,
					Value:      s.gen.Next(field+":"+sensor+":"+metric, m),
					Unit:       m.Unit,
					Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
				})
				if err != nil {
					errs = append(errs, err)
					continue
				}

				topic := fmt.Sprintf("sensors/%s/%s/%s", field, sensor, metric)
				if err := pub.Publish(topic, 1, s.cfg.Retain, payload); err != nil {
					errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
					continue
				}
				log.Debug("published %s: %s", topic, payload)
				sent++
			}
		}
	}
	return sent, errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
