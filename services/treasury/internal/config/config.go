package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	base "github.com/hearthsats/hearth/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers    []string
	DeadLetter string
}

type LiquidityConfig struct {
	WarningThreshold   float64
	EmergencyThreshold float64
	MinChannelSizeSat  int64
	MaxChannelSizeSat  int64
	IdempotencyWindow  time.Duration
	CallTimeout        time.Duration
}

type FeesConfig struct {
	LightningBaseRatePPM int64
	BridgeFlatSat        int64
	BridgeRatePPM        int64
	BridgeProportional   bool
}

type PolicyConfig struct {
	OffspringSwapLimitSat      int64
	OffspringSendLimitSat      int64
	OffspringMeltLimitSat      int64
	OffspringReceiveLimitSat   int64
	OffspringLiquidityLimitSat int64
	ApprovalThresholdSat       int64
}

type RateConfig struct {
	SwapLimit       int
	SwapWindow      time.Duration
	LiquidityLimit  int
	LiquidityWindow time.Duration
}

type SwapConfig struct {
	PhaseTimeout  time.Duration
	LockTTL       time.Duration
	RecoveryGrace time.Duration
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Liquidity LiquidityConfig
	Fees      FeesConfig
	Policy    PolicyConfig
	Rate      RateConfig
	Swap      SwapConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("HEARTH_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	path := os.Getenv("HEARTH_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{App: *appCfg}
	cfg.DB = DBConfig{
		Host:     v.GetString("db.host"),
		Port:     v.GetInt("db.port"),
		Name:     v.GetString("db.name"),
		User:     v.GetString("db.user"),
		Password: v.GetString("db.password"),
		SSLMode:  v.GetString("db.sslmode"),
	}
	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}
	cfg.Kafka = KafkaConfig{
		Brokers:    v.GetStringSlice("kafka.brokers"),
		DeadLetter: v.GetString("kafka.dead_letter"),
	}
	cfg.Liquidity = LiquidityConfig{
		WarningThreshold:   v.GetFloat64("liquidity.warning_threshold"),
		EmergencyThreshold: v.GetFloat64("liquidity.emergency_threshold"),
		MinChannelSizeSat:  v.GetInt64("liquidity.min_channel_size_sat"),
		MaxChannelSizeSat:  v.GetInt64("liquidity.max_channel_size_sat"),
		IdempotencyWindow:  v.GetDuration("liquidity.idempotency_window"),
		CallTimeout:        v.GetDuration("liquidity.call_timeout"),
	}
	cfg.Fees = FeesConfig{
		LightningBaseRatePPM: v.GetInt64("fees.lightning_base_rate_ppm"),
		BridgeFlatSat:        v.GetInt64("fees.bridge_flat_sat"),
		BridgeRatePPM:        v.GetInt64("fees.bridge_rate_ppm"),
		BridgeProportional:   v.GetBool("fees.bridge_proportional"),
	}
	cfg.Policy = PolicyConfig{
		OffspringSwapLimitSat:      v.GetInt64("policy.offspring_swap_limit_sat"),
		OffspringSendLimitSat:      v.GetInt64("policy.offspring_send_limit_sat"),
		OffspringMeltLimitSat:      v.GetInt64("policy.offspring_melt_limit_sat"),
		OffspringReceiveLimitSat:   v.GetInt64("policy.offspring_receive_limit_sat"),
		OffspringLiquidityLimitSat: v.GetInt64("policy.offspring_liquidity_limit_sat"),
		ApprovalThresholdSat:       v.GetInt64("policy.approval_threshold_sat"),
	}
	cfg.Rate = RateConfig{
		SwapLimit:       v.GetInt("rate.swap_limit"),
		SwapWindow:      v.GetDuration("rate.swap_window"),
		LiquidityLimit:  v.GetInt("rate.liquidity_limit"),
		LiquidityWindow: v.GetDuration("rate.liquidity_window"),
	}
	cfg.Swap = SwapConfig{
		PhaseTimeout:  v.GetDuration("swap.phase_timeout"),
		LockTTL:       v.GetDuration("swap.lock_ttl"),
		RecoveryGrace: v.GetDuration("swap.recovery_grace"),
	}

	return cfg, nil
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "hearth_treasury")
	v.SetDefault("db.user", "hearth")
	v.SetDefault("db.password", "hearth")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.dead_letter", "treasury.dead_letter")

	v.SetDefault("liquidity.warning_threshold", 0.30)
	v.SetDefault("liquidity.emergency_threshold", 0.10)
	v.SetDefault("liquidity.min_channel_size_sat", 20_000)
	v.SetDefault("liquidity.max_channel_size_sat", 10_000_000)
	v.SetDefault("liquidity.idempotency_window", "30s")
	v.SetDefault("liquidity.call_timeout", "10s")

	v.SetDefault("fees.lightning_base_rate_ppm", 1_000)
	v.SetDefault("fees.bridge_flat_sat", 10)
	v.SetDefault("fees.bridge_rate_ppm", 500)
	v.SetDefault("fees.bridge_proportional", false)

	v.SetDefault("policy.offspring_swap_limit_sat", 100_000)
	v.SetDefault("policy.offspring_send_limit_sat", 50_000)
	v.SetDefault("policy.offspring_melt_limit_sat", 25_000)
	v.SetDefault("policy.offspring_receive_limit_sat", 100_000)
	v.SetDefault("policy.offspring_liquidity_limit_sat", 100_000)
	v.SetDefault("policy.approval_threshold_sat", 10_000)

	v.SetDefault("rate.swap_limit", 10)
	v.SetDefault("rate.swap_window", "1m")
	v.SetDefault("rate.liquidity_limit", 5)
	v.SetDefault("rate.liquidity_window", "1m")

	v.SetDefault("swap.phase_timeout", "3s")
	v.SetDefault("swap.lock_ttl", "30s")
	v.SetDefault("swap.recovery_grace", "2m")
}
