package transformer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/logger"
)

var log = logger.For("transformer")

// Manager holds one payload transformer per metric
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer runs a script's transform(payload, topic) function.
// A goja runtime is not safe for concurrent use, so calls are serialized.
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager creates a manager with a transformer for every configured metric
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	manager := &Manager{
		transformers: make(map[string]*Transformer),
	}

	for metric, cfg := range configs {
		t, err := load(cfg)
		if err != nil {
			return nil, fmt.Errorf("transformer for %s: %w", metric, err)
		}
		manager.transformers[metric] = t
		log.Info("loaded transformer for metric %s", metric)
	}

	return manager, nil
}

func load(cfg config.Transformer) (*Transformer, error) {
	scriptCode := cfg.ScriptCode
	if scriptCode == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("neither script_code nor script_path is set")
		}
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	}
	return newTransformer(scriptCode, cfg.ScriptPath)
}

func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		log.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			log.Warn("parseJSON: %v", err)
			return nil
		}
		return data
	})

	// unix seconds to an RFC3339 UTC instant, for devices that report epoch time
	_ = vm.Set("isoTime", func(timestamp int64) string {
		return time.Unix(timestamp, 0).UTC().Format(time.RFC3339)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("clamp", func(value, min, max float64) float64 {
		if value < min {
			return min
		}
		if value > max {
			return max
		}
		return value
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, fmt.Errorf("script does not define 'transform'")
	}
	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, fmt.Errorf("'transform' is not a function")
	}

	return &Transformer{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

func convertTemperature(value float64, fromUnit, toUnit string) float64 {
	var celsius float64
	switch strings.ToUpper(fromUnit) {
	case "C", "CELSIUS":
		celsius = value
	case "F", "FAHRENHEIT":
		celsius = (value - 32) * 5 / 9
	case "K", "KELVIN":
		celsius = value - 273.15
	default:
		return value
	}

	switch strings.ToUpper(toUnit) {
	case "F", "FAHRENHEIT":
		return celsius*9/5 + 32
	case "K", "KELVIN":
		return celsius + 273.15
	default:
		return celsius
	}
}

// Has reports whether a transformer is registered for metric
func (m *Manager) Has(metric string) bool {
	if m == nil {
		return false
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.transformers[metric]
	return ok
}

// Transform runs the metric's script over payload and returns the re-encoded JSON object.
// Payloads for metrics without a script are returned unchanged.
func (m *Manager) Transform(metric, topic string, payload []byte) ([]byte, error) {
	if m == nil {
		return payload, nil
	}
	m.mutex.RLock()
	t, exists := m.transformers[metric]
	m.mutex.RUnlock()

	if !exists {
		return payload, nil
	}

	t.mu.Lock()
	result, err := t.transform(goja.Undefined(), t.vm.ToValue(string(payload)), t.vm.ToValue(topic))
	var exported interface{}
	if err == nil {
		exported = result.Export()
	}
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", metric, err)
	}

	if _, ok := exported.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("transform %s returned %T, want an object", metric, exported)
	}

	out, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", metric, err)
	}
	return out, nil
}

// ReloadTransformer replaces the transformer of one metric
func (m *Manager) ReloadTransformer(metric string, cfg config.Transformer) error {
	t, err := load(cfg)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.transformers[metric] = t
	m.mutex.Unlock()

	log.Info("reloaded transformer for metric %s", metric)
	return nil
}

// Remove drops the transformer of metric, if any
func (m *Manager) Remove(metric string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.transformers, metric)
}

// Reload applies a new transformer set: changed entries are rebuilt, missing ones removed.
// A script that fails to load keeps its previous version.
func (m *Manager) Reload(configs map[string]config.Transformer) {
	m.mutex.RLock()
	var stale []string
	for metric := range m.transformers {
		if _, ok := configs[metric]; !ok {
			stale = append(stale, metric)
		}
	}
	m.mutex.RUnlock()

	for _, metric := range stale {
		m.Remove(metric)
		log.Info("removed transformer for metric %s", metric)
	}
	for metric, cfg := range configs {
		if err := m.ReloadTransformer(metric, cfg); err != nil {
			log.Error("reload transformer %s: %v", metric, err)
		}
	}
}
