package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name:   "MySQL",
	driver: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sensor_id VARCHAR(255) NOT NULL,
			field VARCHAR(255) NOT NULL,
			sensor_type VARCHAR(255) NOT NULL,
			value DOUBLE NOT NULL,
			unit VARCHAR(50) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_readings_field_ts (field, timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sensor_type VARCHAR(255) NOT NULL,
			comparison VARCHAR(2) NOT NULL,
			threshold DOUBLE NOT NULL,
			message TEXT NOT NULL,
			field VARCHAR(255) NOT NULL,
			owner_id BIGINT NOT NULL,
			INDEX idx_rules_field (field)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sensor_type VARCHAR(255) NOT NULL,
			message TEXT NOT NULL,
			field VARCHAR(255) NOT NULL,
			owner_id BIGINT NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			INDEX idx_alerts_owner_field_ts (owner_id, field, timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
}

// NewMySQLStorage creates the database if needed, then opens it
func NewMySQLStorage(ctx context.Context, dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("parse MySQL DSN: no database name")
	}
	cfg.ParseTime = true

	database := cfg.DBName
	server := cfg.Clone()
	server.DBName = ""
	if err := ensureMySQLDatabase(ctx, server.FormatDSN(), database); err != nil {
		return nil, err
	}
	return openSQLStore(ctx, mysqlDialect, cfg.FormatDSN())
}

func ensureMySQLDatabase(ctx context.Context, serverDSN, database string) error {
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return fmt.Errorf("connect MySQL server: %w", err)
	}
	defer serverDB.Close()

	quoted := "`" + strings.ReplaceAll(database, "`", "``") + "`"
	_, err = serverDB.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+quoted+" CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci")
	if err != nil {
		return fmt.Errorf("create database %s: %w", database, err)
	}
	log.Info("ensured MySQL database %s exists", database)
	return nil
}
