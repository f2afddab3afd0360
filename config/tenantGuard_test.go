package config

import (
	"context"
	"strings"
	"testing"

	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

type guardedRow struct {
	ID       uint
	TenantId string
	Name     string
}

type sharedRow struct {
	ID   uint
	Name string
}

// dryRunDB never dials MySQL; statements are only rendered.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "guard:guard@tcp(127.0.0.1:1)/guard?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Use(NewTenantGuardPlugin()); err != nil {
		t.Fatalf("register guard: %v", err)
	}
	return db
}

func tenantCtx(tenantId string) context.Context {
	return utils.SetTenantIdInContext(context.Background(), tenantId)
}

func TestTenantGuardScopesStatements(t *testing.T) {
	db := dryRunDB(t)
	admin := utils.SetIsAdminInContext(tenantCtx("t1"), true)
	worker := utils.SetSkipTenantScopeInContext(tenantCtx("t1"), true)

	cases := []struct {
		name string
		run  func(tx *gorm.DB) *gorm.DB
		want string
	}{
		{
			name: "session tenant on select",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(tenantCtx("t1")).Where("name = ?", "x").Find(&[]guardedRow{})
			},
			want: "`tenant_id` = 't1'",
		},
		{
			name: "session tenant on first by id",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(tenantCtx("t1")).First(&guardedRow{}, 7)
			},
			want: "`tenant_id` = 't1'",
		},
		{
			name: "session tenant on update",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(tenantCtx("t1")).Model(&guardedRow{ID: 3}).Update("name", "y")
			},
			want: "`tenant_id` = 't1'",
		},
		{
			name: "session tenant on delete",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(tenantCtx("t1")).Delete(&guardedRow{ID: 3})
			},
			want: "`tenant_id` = 't1'",
		},
		{
			name: "admin sees every tenant",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(admin).First(&guardedRow{}, 7)
			},
		},
		{
			name: "worker context is unscoped",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(worker).Find(&[]guardedRow{})
			},
		},
		{
			name: "no session tenant",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(context.Background()).Find(&[]guardedRow{})
			},
		},
		{
			name: "table without tenant column",
			run: func(tx *gorm.DB) *gorm.DB {
				return tx.WithContext(tenantCtx("t1")).Find(&[]sharedRow{})
			},
		},
	}
	for _, tc := range cases {
		sql := db.ToSQL(tc.run)
		if tc.want == "" {
			if strings.Contains(sql, "tenant_id") {
				t.Fatalf("%s: expected no tenant filter, got %s", tc.name, sql)
			}
			continue
		}
		if !strings.Contains(sql, tc.want) {
			t.Fatalf("%s: expected %q in %s", tc.name, tc.want, sql)
		}
	}
}

func TestTenantGuardKeepsExplicitTenantFilter(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.WithContext(tenantCtx("t1")).Where("tenant_id = ?", "t2").Find(&[]guardedRow{})
	})
	if strings.Count(sql, "tenant_id") != 1 || !strings.Contains(sql, "'t2'") || strings.Contains(sql, "'t1'") {
		t.Fatalf("explicit tenant filter must be kept alone, got %s", sql)
	}
}
