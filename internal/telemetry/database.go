package telemetry

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	dbSystemKey    = "db.system"
	dbTableKey     = "db.table"
	dbOperationKey = "db.operation"
	dbStatementKey = "db.statement"
)

// GORMTracingPlugin returns a GORM plugin that traces the node and revision
// queries of the SQL store. system is the db.system attribute value.
func GORMTracingPlugin(system string) gorm.Plugin {
	return &tracingPlugin{
		tracer: otel.Tracer("gorm"),
		system: system,
	}
}

type tracingPlugin struct {
	tracer trace.Tracer
	system string
}

func (p *tracingPlugin) Name() string {
	return "telemetry:tracing"
}

func (p *tracingPlugin) Initialize(db *gorm.DB) error {
	before := []struct {
		name string
		cb   func(string, func(*gorm.DB)) error
		op   string
	}{
		{"telemetry:before_query", db.Callback().Query().Before("gorm:query").Register, "SELECT"},
		{"telemetry:before_create", db.Callback().Create().Before("gorm:create").Register, "INSERT"},
		{"telemetry:before_update", db.Callback().Update().Before("gorm:update").Register, "UPDATE"},
		{"telemetry:before_delete", db.Callback().Delete().Before("gorm:delete").Register, "DELETE"},
		{"telemetry:before_raw", db.Callback().Raw().Before("gorm:raw").Register, "RAW"},
	}
	for _, b := range before {
		op := b.op
		if err := b.cb(b.name, func(tx *gorm.DB) { p.startSpan(tx, op) }); err != nil {
			return fmt.Errorf("failed to register %s callback: %w", b.name, err)
		}
	}

	after := []struct {
		name string
		cb   func(string, func(*gorm.DB)) error
	}{
		{"telemetry:after_query", db.Callback().Query().After("gorm:query").Register},
		{"telemetry:after_create", db.Callback().Create().After("gorm:create").Register},
		{"telemetry:after_update", db.Callback().Update().After("gorm:update").Register},
		{"telemetry:after_delete", db.Callback().Delete().After("gorm:delete").Register},
		{"telemetry:after_raw", db.Callback().Raw().After("gorm:raw").Register},
	}
	for _, a := range after {
		if err := a.cb(a.name, p.endSpan); err != nil {
			return fmt.Errorf("failed to register %s callback: %w", a.name, err)
		}
	}
	return nil
}

func (p *tracingPlugin) startSpan(db *gorm.DB, operation string) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}

	table := db.Statement.Table
	if table == "" {
		table = "unknown"
	}

	_, span := p.tracer.Start(ctx, fmt.Sprintf("db.%s", strings.ToLower(operation)),
		trace.WithAttributes(
			attribute.String(dbSystemKey, p.system),
			attribute.String(dbTableKey, table),
			attribute.String(dbOperationKey, operation),
		),
	)

	db.InstanceSet("otel:span", span)
	db.InstanceSet("otel:startTime", time.Now())
}

func (p *tracingPlugin) endSpan(db *gorm.DB) {
	spanRaw, exists := db.InstanceGet("otel:span")
	if !exists {
		return
	}
	span, ok := spanRaw.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	if startTimeRaw, exists := db.InstanceGet("otel:startTime"); exists {
		if startTime, ok := startTimeRaw.(time.Time); ok {
			span.SetAttributes(attribute.Int64("db.duration_ms", time.Since(startTime).Milliseconds()))
		}
	}

	if sql := db.Statement.SQL.String(); sql != "" {
		if len(sql) > 500 {
			sql = sql[:500] + "... (truncated)"
		}
		span.SetAttributes(attribute.String(dbStatementKey, sql))
	}

	if db.RowsAffected > 0 {
		span.SetAttributes(attribute.Int64("db.rows_affected", db.RowsAffected))
	}

	if db.Error != nil {
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error, trace.WithStackTrace(true))
	}
}
