package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	EscrowEvent string `mapstructure:"escrow_event"`
	PayoutEvent string `mapstructure:"payout_event"`
}

// BusinessConfig 结算业务参数
type BusinessConfig struct {
	OtpMaxAttempts    int              `mapstructure:"otp_max_attempts"`        // OTP 失败次数上限，超限进入 LOCKED_FOR_REVIEW
	PayoutIntervalSec int              `mapstructure:"payout_interval_seconds"` // 结算任务触发间隔
	LeaseStaleSec     int              `mapstructure:"lease_stale_seconds"`     // 运行租约过期时限，超时的 RUNNING 记录可被接管
	ClaimStaleSec     int              `mapstructure:"claim_stale_seconds"`     // 订单认领过期时限，超时的 CLAIMED 回退 UNLOCKED
	PayoutBatchSize   int              `mapstructure:"payout_batch_size"`       // 单次运行扫描的订单数上限
	Commission        CommissionConfig `mapstructure:"commission"`
}

// CommissionConfig 佣金费率配置
// 费率是配置不是逻辑：引擎只应用 store_type 对应的费率。
// 费率表按版本保存，已计算的分成快照了所用版本，调整费率不影响历史
type CommissionConfig struct {
	CurrentVersion string                     `mapstructure:"current_version"`
	Versions       map[string]RateTableConfig `mapstructure:"versions"`
}

// RateTableConfig 单个版本的费率表（基点，1% = 100 bps）
type RateTableConfig struct {
	DefaultBps int64            `mapstructure:"default_bps"`
	Rates      map[string]int64 `mapstructure:"rates"` // store_type -> bps
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
