package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/eddielth/agri-pipeline/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, d dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLStore(db, d), mock
}

var ts = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestRebind(t *testing.T) {
	pg := newSQLStore(nil, postgresDialect)
	assert.Equal(t, "INSERT INTO x (a, b) VALUES ($1, $2)", pg.rebind("INSERT INTO x (a, b) VALUES (?, ?)"))

	my := newSQLStore(nil, mysqlDialect)
	assert.Equal(t, "SELECT ? FROM x", my.rebind("SELECT ? FROM x"))
}

func TestSQLStoreInitDatabase(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	for range postgresDialect.schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.InitDatabase(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreStoreReading(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	r := event.Reading{SensorID: "dev3", FieldID: "field7", SensorType: "temperature", Value: 42, Unit: "celsius", Timestamp: ts}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO readings (sensor_id, field, sensor_type, value, unit, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs("dev3", "field7", "temperature", 42.0, "celsius", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Store(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRulesForField(t *testing.T) {
	s, mock := newMockStore(t, mysqlDialect)

	rows := sqlmock.NewRows([]string{"id", "sensor_type", "comparison", "threshold", "message", "field", "owner_id"}).
		AddRow(1, "temperature", ">", 40.0, "too hot", "field7", 9).
		AddRow(2, "humidity", "<", 20.0, "too dry", "field7", 9)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, sensor_type, comparison, threshold, message, field, owner_id FROM rules WHERE field = ? ORDER BY id`)).
		WithArgs("field7").
		WillReturnRows(rows)

	rules, err := s.RulesForField(context.Background(), "field7")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, event.Rule{ID: 1, SensorType: "temperature", Condition: ">", Threshold: 40, Message: "too hot", FieldID: "field7", OwnerID: 9}, rules[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRulesQueryError(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))

	_, err := s.RulesForField(context.Background(), "field7")
	assert.Error(t, err)
}

func TestSQLStoreSaveAlertsCommits(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	alerts := []event.Alert{
		{SensorType: "temperature", Message: "too hot", FieldID: "field7", OwnerID: 9, Timestamp: ts},
		{SensorType: "temperature", Message: "way too hot", FieldID: "field7", OwnerID: 9, Timestamp: ts},
	}
	insert := regexp.QuoteMeta(`INSERT INTO alerts (sensor_type, message, field, owner_id, timestamp) VALUES ($1, $2, $3, $4, $5)`)

	mock.ExpectBegin()
	mock.ExpectExec(insert).WithArgs("temperature", "too hot", "field7", int64(9), ts).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insert).WithArgs("temperature", "way too hot", "field7", int64(9), ts).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveAlerts(context.Background(), alerts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveAlertsRollsBack(t *testing.T) {
	s, mock := newMockStore(t, mysqlDialect)
	alerts := []event.Alert{
		{SensorType: "a", Message: "1", FieldID: "f", OwnerID: 1, Timestamp: ts},
		{SensorType: "b", Message: "2", FieldID: "f", OwnerID: 1, Timestamp: ts},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO alerts").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	assert.Error(t, s.SaveAlerts(context.Background(), alerts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveAlertsCommitFailure(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := s.SaveAlerts(context.Background(), []event.Alert{{SensorType: "a", Timestamp: ts}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveNoAlerts(t *testing.T) {
	s, mock := newMockStore(t, postgresDialect)
	require.NoError(t, s.SaveAlerts(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParsePostgreSQLDSN(t *testing.T) {
	db, server, err := parsePostgreSQLDSN("postgres://u:p@localhost:5432/agri?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "agri", db)
	assert.Equal(t, "postgres://u:p@localhost:5432/postgres?sslmode=disable", server)

	db, server, err = parsePostgreSQLDSN("host=localhost user=u dbname=agri sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "agri", db)
	assert.Equal(t, "host=localhost user=u sslmode=disable dbname=postgres", server)

	_, _, err = parsePostgreSQLDSN("host=localhost user=u")
	assert.Error(t, err)
	_, _, err = parsePostgreSQLDSN("postgres://u:p@localhost:5432/")
	assert.Error(t, err)
}

func TestNewDatabaseStorageUnknownType(t *testing.T) {
	_, err := NewDatabaseStorage(context.Background(), "oracle", "x")
	assert.Error(t, err)
}
