package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin adds "tenant_id = <session tenant>" to every query, row,
// update and delete on a model that carries a tenant_id column. Raw SQL is not
// covered. Admin sessions and contexts flagged SkipTenantScope are left unscoped.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	steps := []struct {
		name     string
		register func() error
	}{
		{"query", func() error { return cb.Query().Before("gorm:query").Register("tenant_guard:query", scopeToTenant) }},
		{"row", func() error { return cb.Row().Before("gorm:row").Register("tenant_guard:row", scopeToTenant) }},
		{"update", func() error { return cb.Update().Before("gorm:update").Register("tenant_guard:update", scopeToTenant) }},
		{"delete", func() error { return cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", scopeToTenant) }},
	}
	for _, s := range steps {
		if err := s.register(); err != nil {
			return err
		}
	}
	return nil
}

func scopeToTenant(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	tenantId, ok := scopedTenant(db.Statement.Context)
	if !ok || !hasTenantColumn(db.Statement) {
		return
	}
	if where, ok := db.Statement.Clauses["WHERE"].Expression.(clause.Where); ok && anyTenantCondition(where.Exprs) {
		return
	}
	db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: "tenant_id"}, Value: tenantId},
	}})
}

// scopedTenant returns the tenant a statement must be limited to, or false
// when the context is unscoped.
func scopedTenant(ctx context.Context) (string, bool) {
	if skip, _ := utils.GetSkipTenantScopeFromContext(ctx); skip {
		return "", false
	}
	if admin, _ := utils.GetIsAdminFromContext(ctx); admin {
		return "", false
	}
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	return tenantId, tenantId != ""
}

func hasTenantColumn(stmt *gorm.Statement) bool {
	if stmt.Schema == nil {
		return false
	}
	_, ok := stmt.Schema.FieldsByDBName["tenant_id"]
	return ok
}

func anyTenantCondition(exprs []clause.Expression) bool {
	for _, e := range exprs {
		if isTenantCondition(e) {
			return true
		}
	}
	return false
}

func isTenantCondition(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return isTenantColumn(v.Column)
	case clause.Neq:
		return isTenantColumn(v.Column)
	case clause.IN:
		return isTenantColumn(v.Column)
	case clause.AndConditions:
		return anyTenantCondition(v.Exprs)
	case clause.OrConditions:
		return anyTenantCondition(v.Exprs)
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), "tenant_id")
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), "tenant_id")
	}
	return false
}

func isTenantColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "tenant_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "tenant_id")
	}
	return false
}
