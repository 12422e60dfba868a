// Package testutil 提供测试用的内存数据库与数据构造
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"paybridge/internal/infrastructure/database"
	"paybridge/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 每个测试独享一个内存 SQLite 库
//
// 单连接：事务内外的查询必须使用同一个 tx，否则会互相等待。
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func SeedUser(t *testing.T, db *gorm.DB) *model.User {
	t.Helper()
	u := &model.User{Name: "Maria Silva", Email: "maria@example.com", CPF: "12345678909"}
	require.NoError(t, db.Create(u).Error)
	return u
}

func SeedPlan(t *testing.T, db *gorm.DB, price string) *model.Plan {
	t.Helper()
	p := &model.Plan{
		Name:        "Mensal",
		Price:       decimal.RequireFromString(price),
		Periodicity: model.PeriodicityMonthly,
		Active:      true,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

// SeedTransaction 写入一条 PENDING 交易
func SeedTransaction(t *testing.T, db *gorm.DB, userID, planID int64, method model.PaymentMethod, provider model.Provider, correlationID, amount string) *model.Transaction {
	t.Helper()
	cid := correlationID
	tr := &model.Transaction{
		OrderNo:       "PAY" + correlationID,
		UserID:        userID,
		PlanID:        planID,
		Method:        method,
		Provider:      provider,
		CorrelationID: &cid,
		Amount:        decimal.RequireFromString(amount),
		Status:        model.TransactionStatusPending,
	}
	require.NoError(t, db.Create(tr).Error)
	return tr
}
