package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormLog sends gorm's messages and query traces to the storage logger
type gormLog struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newGormLog(level gormlogger.LogLevel) gormLog {
	return gormLog{level: level, slowThreshold: 200 * time.Millisecond}
}

func (l gormLog) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	l.level = level
	return l
}

func (l gormLog) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		log.Info("gorm: "+msg, args...)
	}
}

func (l gormLog) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		log.Warn("gorm: "+msg, args...)
	}
}

func (l gormLog) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		log.Error("gorm: "+msg, args...)
	}
}

// Trace logs failed queries, slow queries at Warn, and every query at Info
func (l gormLog) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		log.Error("query failed after %s (rows %d): %v: %s", elapsed, rows, err, sql)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		log.Warn("slow query %s (rows %d): %s", elapsed, rows, sql)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		log.Debug("query %s (rows %d): %s", elapsed, rows, sql)
	}
}
