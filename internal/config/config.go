package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
//
// 通过构造函数显式传递给各组件，不再保留进程级的全局配置变量。
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	MySQL        MySQLConfig        `mapstructure:"mysql"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Business     BusinessConfig     `mapstructure:"business"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	MercadoPago  MercadoPagoConfig  `mapstructure:"mercadopago"`
	Efi          EfiConfig          `mapstructure:"efi"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Mail         MailConfig         `mapstructure:"mail"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"required,gt=0"`
	// WorkerID 雪花算法机器 ID，多实例部署时必须不同
	WorkerID int64 `mapstructure:"worker_id" validate:"gte=0,lte=1023"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
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
	GroupID string           `mapstructure:"group_id"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentConfirmed string `mapstructure:"payment_confirmed" validate:"required"`
	PixChargeCreated string `mapstructure:"pix_charge_created" validate:"required"`
}

type BusinessConfig struct {
	MaxRetryCount         int `mapstructure:"max_retry_count" validate:"gt=0"`
	ReconcileAfterMinutes int `mapstructure:"reconcile_after_minutes" validate:"gt=0"`
	OutboxIntervalMillis  int `mapstructure:"outbox_interval_ms" validate:"gt=0"`
	// LockBackend redis 适用于多实例部署，local 仅限单实例
	LockBackend string `mapstructure:"lock_backend" validate:"oneof=redis local"`
}

func (c BusinessConfig) ReconcileAfter() time.Duration {
	return time.Duration(c.ReconcileAfterMinutes) * time.Minute
}

func (c BusinessConfig) OutboxInterval() time.Duration {
	return time.Duration(c.OutboxIntervalMillis) * time.Millisecond
}

type SubscriptionConfig struct {
	RenewalPeriodDays int `mapstructure:"renewal_period_days" validate:"gt=0"`
	GracePeriodDays   int `mapstructure:"grace_period_days" validate:"gte=0"`
}

// RenewalPeriod 续费周期
func (c SubscriptionConfig) RenewalPeriod() time.Duration {
	return time.Duration(c.RenewalPeriodDays) * 24 * time.Hour
}

func (c SubscriptionConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// GatewayConfig 支付方式到 PSP 的路由
type GatewayConfig struct {
	Pix            string `mapstructure:"pix" validate:"oneof=efi mercadopago"`
	Card           string `mapstructure:"card" validate:"oneof=mercadopago"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
}

func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type MercadoPagoConfig struct {
	AccessToken     string `mapstructure:"access_token" validate:"required"`
	NotificationURL string `mapstructure:"notification_url"`
	BackURL         string `mapstructure:"back_url"`
	PayerEmail      string `mapstructure:"payer_email"`
}

type EfiConfig struct {
	// Environment sandbox | production，决定证书与 API 主机
	Environment  string              `mapstructure:"environment" validate:"oneof=sandbox production"`
	Sandbox      EfiCredentialConfig `mapstructure:"sandbox"`
	Production   EfiCredentialConfig `mapstructure:"production"`
	PixKey       string              `mapstructure:"pix_key"`
	BaseURL      string              `mapstructure:"base_url"`
	ChargeExpiry int                 `mapstructure:"charge_expiry_seconds"`
}

type EfiCredentialConfig struct {
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	CertificatePath string `mapstructure:"certificate_path"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

// Validate 校验配置的取值范围
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.group_id", "paybridge-mail")
	v.SetDefault("kafka.topic.payment_confirmed", "payment_confirmed")
	v.SetDefault("kafka.topic.pix_charge_created", "pix_charge_created")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.reconcile_after_minutes", 30)
	v.SetDefault("business.outbox_interval_ms", 500)
	v.SetDefault("business.lock_backend", "redis")
	v.SetDefault("subscription.renewal_period_days", 30)
	v.SetDefault("subscription.grace_period_days", 7)
	v.SetDefault("gateway.pix", "efi")
	v.SetDefault("gateway.card", "mercadopago")
	v.SetDefault("gateway.timeout_seconds", 30)
	v.SetDefault("efi.environment", "sandbox")
	v.SetDefault("efi.charge_expiry_seconds", 3600)
}

const envPrefix = "PAYBRIDGE"

// secretKeys 不写进配置文件的键，只能从环境变量读取
//
// AutomaticEnv 只覆盖 viper 已知的键，这些键需要显式绑定才能进入 Unmarshal。
var secretKeys = []string{
	"mercadopago.access_token",
	"efi.sandbox.client_id",
	"efi.sandbox.client_secret",
	"efi.production.client_id",
	"efi.production.client_secret",
	"mysql.password",
	"redis.password",
	"jwt.secret",
	"mail.username",
	"mail.password",
}

func bindSecrets(v *viper.Viper, replacer *strings.Replacer) error {
	for _, key := range secretKeys {
		env := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}
	return nil
}

// LoadConfig 加载配置文件
//
// 优先级：环境变量（PAYBRIDGE_ 前缀）> 配置文件 > 默认值。
// 敏感信息（PSP token、证书路径）通常通过 .env 注入。
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	if err := bindSecrets(v, replacer); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}
