package database

import (
	"fmt"
	"time"

	"paybridge/internal/config"
	applog "paybridge/internal/infrastructure/logger"
	"paybridge/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InitMySQL 初始化 MySQL 连接并迁移本服务拥有的表
func InitMySQL(cfg *config.MySQLConfig, log *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: applog.NewGormLogger(log, gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return db, nil
}

// Migrate 自动迁移表结构
//
// plans / coupons / users 由其他服务维护，这里迁移只为保证本地与测试环境可用。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Plan{},
		&model.Coupon{},
		&model.User{},
		&model.Transaction{},
		&model.PixCharge{},
		&model.OutboxMessage{},
		&model.WebhookEvent{},
	)
}
