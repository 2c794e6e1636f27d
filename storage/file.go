package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eddielth/agri-pipeline/event"
)

// FileStorage writes every reading as a JSON file under basePath/<field>/<sensor>/
type FileStorage struct {
	basePath string
}

// NewFileStorage creates the base directory and returns the backend
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	log.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Store saves reading to its own file named after the reading timestamp and sensor type
func (fs *FileStorage) Store(_ context.Context, reading event.Reading) error {
	dir := filepath.Join(fs.basePath, filepath.Base(reading.FieldID), filepath.Base(reading.SensorID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", dir, err)
	}

	name := fmt.Sprintf("%s-%s.json", reading.Timestamp.UTC().Format("20060102-150405.000000"), filepath.Base(reading.SensorType))
	filename := filepath.Join(dir, name)

	jsonData, err := json.MarshalIndent(reading, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize reading failed: %w", err)
	}

	if err := os.WriteFile(filename, jsonData, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	log.Debug("stored reading to file: %s", filename)
	return nil
}

// Close implements StorageBackend
func (fs *FileStorage) Close() error {
	return nil
}
