package config

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/mmdatafocus/mileage_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCrossTenantWrite is returned when a row is created for a tenant other than the request's.
var ErrCrossTenantWrite = errors.New("row tenant_id does not match the request tenant")

// TenantGuardPlugin keeps every tenant-owned mileage table (mileage_models, odometer_events,
// mileage_audit_logs, pending_reviews, idempotency_keys, vehicles) inside the request's
// tenant. Reads, updates and deletes get a tenant_id condition; creates get tenant_id
// stamped when empty and are rejected when it names another tenant.
//
// Raw SQL is not scoped. The review queue depth is the one deliberate cross-tenant read and
// goes through WithCrossTenantScope; admin sessions bypass the guard entirely.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().Before("gorm:create").Register("tenant_guard:create", tenantGuardCreateCallback); err != nil {
		return err
	}
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	// First/Take through Row
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return nil
}

// WithCrossTenantScope marks ctx for queries that aggregate over all tenants, such as the
// shared review queue depth.
func WithCrossTenantScope(ctx context.Context) context.Context {
	return appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)
}

func tenantGuardCreateCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil || db.Statement.Context == nil {
		return
	}
	ctx := db.Statement.Context
	if shouldBypassTenantScope(ctx) {
		return
	}
	tenantID := tenantIdFromContext(ctx)
	field := db.Statement.Schema.LookUpField("tenant_id")
	if tenantID == "" || field == nil {
		return
	}

	stamp := func(rv reflect.Value) {
		rv = reflect.Indirect(rv)
		if rv.Kind() != reflect.Struct {
			return
		}
		v, zero := field.ValueOf(ctx, rv)
		if zero {
			if err := field.Set(ctx, rv, tenantID); err != nil {
				_ = db.AddError(err)
			}
			return
		}
		if s, ok := v.(string); ok && s != tenantID {
			_ = db.AddError(ErrCrossTenantWrite)
		}
	}

	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			stamp(rv.Index(i))
		}
	default:
		stamp(rv)
	}
}

func tenantGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassTenantScope(ctx) {
		return
	}
	tenantID := tenantIdFromContext(ctx)
	if tenantID == "" {
		return
	}

	// Only apply if the current model/table includes a tenant_id column.
	if db.Statement.Schema == nil {
		return
	}
	hasTenantID := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "tenant_id") {
			hasTenantID = true
			break
		}
	}
	if !hasTenantID {
		return
	}

	// Don't duplicate an explicit tenant filter.
	if whereHasTenantID(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "tenant_id"},
				Value:  tenantID,
			},
		},
	})
}

func tenantIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyTenantId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func whereHasTenantID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasTenantID(e) {
			return true
		}
	}
	return false
}

func exprHasTenantID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsTenantID(v.Column)
	case clause.Neq:
		return colIsTenantID(v.Column)
	case clause.Gt:
		return colIsTenantID(v.Column)
	case clause.Gte:
		return colIsTenantID(v.Column)
	case clause.Lt:
		return colIsTenantID(v.Column)
	case clause.Lte:
		return colIsTenantID(v.Column)
	case clause.IN:
		return colIsTenantID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasTenantID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasTenantID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "tenant_id")
	default:
		return false
	}
}

func colIsTenantID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "tenant_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "tenant_id")
	default:
		return false
	}
}
