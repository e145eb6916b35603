package service

import (
	"testing"

	"settlement/internal/config"
	"settlement/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 内存 SQLite，单连接避免 :memory: 多连接各见各库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.LedgerEntry{},
		&model.EscrowLock{},
		&model.Wallet{},
		&model.PayoutJobRun{},
		&model.OutboxMessage{},
	))

	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				EscrowEvent: "settlement_escrow_event",
				PayoutEvent: "settlement_payout_event",
			},
		},
		Business: config.BusinessConfig{
			OtpMaxAttempts:    3,
			PayoutIntervalSec: 60,
			LeaseStaleSec:     600,
			ClaimStaleSec:     300,
			PayoutBatchSize:   100,
			Commission: config.CommissionConfig{
				CurrentVersion: "v2",
				Versions: map[string]config.RateTableConfig{
					"v1": {DefaultBps: 1000, Rates: map[string]int64{"FOOD": 1200, "GENERAL": 1000}},
					"v2": {DefaultBps: 1000, Rates: map[string]int64{"FOOD": 1500, "GENERAL": 1000}},
				},
			},
		},
	}
}

// walletNet 全部钱包两个桶的总和，复式记账下恒为零
func walletNet(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var wallets []*model.Wallet
	require.NoError(t, db.Find(&wallets).Error)
	var net int64
	for _, w := range wallets {
		net += w.Available + w.Pending
	}
	return net
}

func countEntries(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.LedgerEntry{}).Count(&count).Error)
	return count
}

func countOutbox(t *testing.T, db *gorm.DB, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("event_type = ?", eventType).
		Count(&count).Error)
	return count
}
