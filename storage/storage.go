package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/agri-pipeline/event"
	"github.com/eddielth/agri-pipeline/logger"
)

var log = logger.For("storage")

// StorageBackend persists readings
type StorageBackend interface {
	Store(ctx context.Context, reading event.Reading) error
	Close() error
}

// RuleStore lists the rules of a field
type RuleStore interface {
	RulesForField(ctx context.Context, fieldID string) ([]event.Rule, error)
}

// AlertStore persists alerts; a batch is committed atomically or not at all
type AlertStore interface {
	SaveAlerts(ctx context.Context, alerts []event.Alert) error
}

// Database is a relational backend holding readings, rules and alerts
type Database interface {
	StorageBackend
	RuleStore
	AlertStore
	// InitDatabase creates the tables if they do not exist
	InitDatabase(ctx context.Context) error
}

// Manager fans readings out to several backends
type Manager struct {
	backends []StorageBackend
	mutex    sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(backends ...StorageBackend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Store writes reading to every backend. Every backend is tried; the failures are joined.
func (m *Manager) Store(ctx context.Context, reading event.Reading) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(m.backends) == 0 {
		return fmt.Errorf("no storage backend configured")
	}

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(ctx, reading); err != nil {
			log.Error("store reading from %s/%s: %v", reading.FieldID, reading.SensorID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every backend
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			log.Error("close storage backend: %v", err)
		}
	}
}

// AddBackend adds a backend
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
