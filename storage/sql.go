package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddielth/agri-pipeline/event"
)

// dialect holds what differs between the SQL servers
type dialect struct {
	name   string
	driver string
	// numbered placeholders ($1, $2 ...) instead of ?
	numbered bool
	schema   []string
}

// SQLStore is a database/sql backend for readings, rules and alerts
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func openSQLStore(ctx context.Context, d dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.name, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	s := newSQLStore(db, d)
	if err := s.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("%s storage ready", d.name)
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// rebind rewrites ? placeholders for dialects with numbered parameters
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InitDatabase creates the readings, rules and alerts tables
func (s *SQLStore) InitDatabase(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

const insertReading = `INSERT INTO readings (sensor_id, field, sensor_type, value, unit, timestamp) VALUES (?, ?, ?, ?, ?, ?)`

// Store inserts one reading
func (s *SQLStore) Store(ctx context.Context, r event.Reading) error {
	_, err := s.db.ExecContext(ctx, s.rebind(insertReading),
		r.SensorID, r.FieldID, r.SensorType, r.Value, r.Unit, r.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

const selectRules = `SELECT id, sensor_type, comparison, threshold, message, field, owner_id FROM rules WHERE field = ? ORDER BY id`

// RulesForField lists the rules of fieldID
func (s *SQLStore) RulesForField(ctx context.Context, fieldID string) ([]event.Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectRules), fieldID)
	if err != nil {
		return nil, fmt.Errorf("query rules for %s: %w", fieldID, err)
	}
	defer rows.Close()

	var rules []event.Rule
	for rows.Next() {
		var r event.Rule
		if err := rows.Scan(&r.ID, &r.SensorType, &r.Condition, &r.Threshold, &r.Message, &r.FieldID, &r.OwnerID); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules for %s: %w", fieldID, err)
	}
	return rules, nil
}

const insertAlert = `INSERT INTO alerts (sensor_type, message, field, owner_id, timestamp) VALUES (?, ?, ?, ?, ?)`

// SaveAlerts inserts alerts in a single transaction
func (s *SQLStore) SaveAlerts(ctx context.Context, alerts []event.Alert) (err error) {
	if len(alerts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("%s rollback: %v", s.dialect.name, rbErr)
			}
		}
	}()

	query := s.rebind(insertAlert)
	for _, a := range alerts {
		if _, err = tx.ExecContext(ctx, query, a.SensorType, a.Message, a.FieldID, a.OwnerID, a.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit alerts: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.dialect.name, err)
	}
	log.Info("%s connection closed", s.dialect.name)
	return nil
}
