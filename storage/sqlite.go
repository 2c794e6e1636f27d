package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/eddielth/agri-pipeline/event"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ReadingRecord is the stored form of a reading
type ReadingRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	SensorID   string    `gorm:"not null;size:255"`
	Field      string    `gorm:"index:idx_readings_field_ts;not null;size:255"`
	SensorType string    `gorm:"not null;size:255"`
	Value      float64   `gorm:"not null"`
	Unit       string    `gorm:"not null;size:50"`
	Timestamp  time.Time `gorm:"index:idx_readings_field_ts;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// TableName customizes the table name
func (ReadingRecord) TableName() string { return "readings" }

// RuleRecord is the stored form of a rule
type RuleRecord struct {
	ID         int64   `gorm:"primaryKey;autoIncrement"`
	SensorType string  `gorm:"uniqueIndex:uix_rule_unique_per_user;not null;size:255"`
	Comparison string  `gorm:"uniqueIndex:uix_rule_unique_per_user;not null;size:2"`
	Threshold  float64 `gorm:"uniqueIndex:uix_rule_unique_per_user;not null"`
	Message    string  `gorm:"uniqueIndex:uix_rule_unique_per_user;not null"`
	Field      string  `gorm:"uniqueIndex:uix_rule_unique_per_user;index;not null;size:255"`
	OwnerID    int64   `gorm:"uniqueIndex:uix_rule_unique_per_user;not null"`
}

// TableName customizes the table name
func (RuleRecord) TableName() string { return "rules" }

// AlertRecord is the stored form of an alert
type AlertRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	SensorType string    `gorm:"not null;size:255"`
	Message    string    `gorm:"not null"`
	Field      string    `gorm:"index:idx_alerts_owner_field_ts;not null;size:255"`
	OwnerID    int64     `gorm:"index:idx_alerts_owner_field_ts;not null"`
	Timestamp  time.Time `gorm:"index:idx_alerts_owner_field_ts;not null"`
	Active     bool      `gorm:"not null;default:true"`
}

// TableName customizes the table name
func (AlertRecord) TableName() string { return "alerts" }

func allModels() []interface{} {
	return []interface{}{&ReadingRecord{}, &RuleRecord{}, &AlertRecord{}}
}

// GormStore is the embedded sqlite backend
type GormStore struct {
	db *gorm.DB
}

// NewSQLiteStorage opens (or creates) the sqlite database at dsn and migrates it
func NewSQLiteStorage(ctx context.Context, dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLog(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	s := &GormStore{db: db}
	if err := s.InitDatabase(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Info("sqlite storage ready: %s", dsn)
	return s, nil
}

// InitDatabase migrates the readings, rules and alerts tables
func (s *GormStore) InitDatabase(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Store inserts one reading
func (s *GormStore) Store(ctx context.Context, r event.Reading) error {
	rec := ReadingRecord{
		SensorID:   r.SensorID,
		Field:      r.FieldID,
		SensorType: r.SensorType,
		Value:      r.Value,
		Unit:       r.Unit,
		Timestamp:  r.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// RulesForField lists the rules of fieldID
func (s *GormStore) RulesForField(ctx context.Context, fieldID string) ([]event.Rule, error) {
	var recs []RuleRecord
	if err := s.db.WithContext(ctx).Where("field = ?", fieldID).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query rules for %s: %w", fieldID, err)
	}

	rules := make([]event.Rule, 0, len(recs))
	for _, rec := range recs {
		rules = append(rules, event.Rule{
			ID:         rec.ID,
			SensorType: rec.SensorType,
			Condition:  rec.Comparison,
			Threshold:  rec.Threshold,
			Message:    rec.Message,
			FieldID:    rec.Field,
			OwnerID:    rec.OwnerID,
		})
	}
	return rules, nil
}

// AddRule stores a rule, used by tools and tests seeding the embedded store
func (s *GormStore) AddRule(ctx context.Context, r event.Rule) (int64, error) {
	rec := RuleRecord{
		SensorType: r.SensorType,
		Comparison: r.Condition,
		Threshold:  r.Threshold,
		Message:    r.Message,
		Field:      r.FieldID,
		OwnerID:    r.OwnerID,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	return rec.ID, nil
}

// SaveAlerts inserts alerts in a single transaction
func (s *GormStore) SaveAlerts(ctx context.Context, alerts []event.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	recs := make([]AlertRecord, 0, len(alerts))
	for _, a := range alerts {
		recs = append(recs, AlertRecord{
			SensorType: a.SensorType,
			Message:    a.Message,
			Field:      a.FieldID,
			OwnerID:    a.OwnerID,
			Timestamp:  a.Timestamp.UTC(),
			Active:     true,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&recs).Error
	})
	if err != nil {
		return fmt.Errorf("save alerts: %w", err)
	}
	return nil
}

// ActiveAlerts lists the active alerts of a field, newest first
func (s *GormStore) ActiveAlerts(ctx context.Context, fieldID string) ([]event.Alert, error) {
	var recs []AlertRecord
	err := s.db.WithContext(ctx).
		Where("field = ? AND active = ?", fieldID, true).
		Order("timestamp DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query alerts for %s: %w", fieldID, err)
	}

	alerts := make([]event.Alert, 0, len(recs))
	for _, rec := range recs {
		alerts = append(alerts, event.Alert{
			SensorType: rec.SensorType,
			Message:    rec.Message,
			FieldID:    rec.Field,
			OwnerID:    rec.OwnerID,
			Timestamp:  rec.Timestamp,
		})
	}
	return alerts, nil
}

// Close closes the database connection
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
