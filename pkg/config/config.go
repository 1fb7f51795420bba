// 文件: pkg/config/config.go
// 引擎配置 - config.yaml + .env + 环境变量
//
// 优先级: 环境变量 > .env > config.yaml > 默认值
// 账户段同时充当佣金配置和期初余额来源

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pnl.com/pkg/calendar"
	"pnl.com/pkg/commission"
	"pnl.com/pkg/kafka"
	"pnl.com/pkg/logger"
	"pnl.com/pkg/rollup"
)

// 存储驱动
const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// Config 全部配置
type Config struct {
	Market   calendar.Config `yaml:"market"`
	MTM      MTMConfig       `yaml:"mtm"`
	Rollup   RollupConfig    `yaml:"rollup"`
	Store    StoreConfig     `yaml:"store"`
	Redis    RedisConfig     `yaml:"redis"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	NATS     NATSConfig      `yaml:"nats"`
	Audit    AuditConfig     `yaml:"audit"`
	Log      logger.Config   `yaml:"log"`
	Trace    TraceConfig     `yaml:"trace"`
	NodeID   int64           `yaml:"node_id"` // snowflake 节点
	Currency string          `yaml:"currency"`
	Accounts []Account       `yaml:"accounts"`
}

// MTMConfig 盯市配置
type MTMConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
}

// RollupConfig 汇总配置
type RollupConfig struct {
	rollup.SchedulerConfig `yaml:",inline"`
	Workers                int `yaml:"workers"`
}

// StoreConfig 存储配置
type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
}

// RedisConfig 为空地址时不启用缓存
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig 为空 brokers 时不启用
type KafkaConfig struct {
	Brokers    []string             `yaml:"brokers"`
	GroupID    string               `yaml:"group_id"`
	FillTopic  string               `yaml:"fill_topic"`
	QuoteTopic string               `yaml:"quote_topic"`
	Offset     string               `yaml:"offset_initial"`
	Publish    bool                 `yaml:"publish"` // 汇总事件是否发 Kafka
	Producer   kafka.ProducerConfig `yaml:"producer"`
}

// NATSConfig 为空 url 时不启用
type NATSConfig struct {
	URL          string `yaml:"url"`
	Queue        string `yaml:"queue"`
	FillSubject  string `yaml:"fill_subject"`
	QuoteSubject string `yaml:"quote_subject"`
	Publish      bool   `yaml:"publish"`
}

// AuditConfig 入站报文审计
type AuditConfig struct {
	Path string `yaml:"path"` // 为空不记录
}

// TraceConfig 链路追踪
type TraceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Account 被监控账户
type Account struct {
	ID             string           `yaml:"id"`
	CommissionPct  *decimal.Decimal `yaml:"commission_pct"`
	PayeeIBAN      string           `yaml:"payee_iban"`
	PayeeEmail     string           `yaml:"payee_email"`
	OpeningBalance *decimal.Decimal `yaml:"opening_balance"`
}

// Default 默认配置
func Default() *Config {
	sched := rollup.DefaultSchedulerConfig()
	return &Config{
		Market: calendar.DefaultConfig(),
		MTM: MTMConfig{
			Interval:        30 * time.Second,
			CallbackTimeout: 5 * time.Second,
		},
		Rollup: RollupConfig{SchedulerConfig: sched, Workers: 8},
		Store: StoreConfig{
			Driver:       DriverMemory,
			WriteTimeout: 5 * time.Second,
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Kafka: KafkaConfig{
			GroupID:    "pnl-engine",
			FillTopic:  "trade_fills",
			QuoteTopic: "quotes",
			Offset:     "oldest",
			Producer:   kafka.DefaultProducerConfig(nil),
		},
		NATS: NATSConfig{
			Queue:        "pnl-engine",
			FillSubject:  "trade_fills",
			QuoteSubject: "quotes",
		},
		Log:      logger.DefaultConfig(),
		NodeID:   1,
		Currency: "USD",
	}
}

// Load 读取配置文件；path 为空只用默认值和环境变量
func Load(path string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PNL_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("PNL_MYSQL_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("PNL_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PNL_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PNL_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("PNL_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("PNL_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
	if v := os.Getenv("PNL_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.NodeID = n
		}
	}
	if v := os.Getenv("LOG_TRACING_ENABLED"); v != "" {
		c.Trace.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 校验
func (c *Config) Validate() error {
	var errs []error

	if _, err := calendar.New(c.Market); err != nil {
		errs = append(errs, fmt.Errorf("market: %w", err))
	}
	if c.MTM.Interval <= 0 {
		errs = append(errs, errors.New("mtm.interval must be positive"))
	}
	if c.MTM.CallbackTimeout <= 0 || c.MTM.CallbackTimeout >= c.MTM.Interval {
		errs = append(errs, fmt.Errorf("mtm.callback_timeout must be in (0, %s)", c.MTM.Interval))
	}
	if _, err := calendar.ParseClock(c.Rollup.DailyAt); err != nil {
		errs = append(errs, fmt.Errorf("rollup.daily_at: %w", err))
	}
	if _, err := calendar.ParseClock(c.Rollup.MonthlyAt); err != nil {
		errs = append(errs, fmt.Errorf("rollup.monthly_at: %w", err))
	}
	if c.Rollup.Workers <= 0 {
		errs = append(errs, errors.New("rollup.workers must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn required for mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", DriverMySQL, DriverMemory, c.Store.Driver))
	}
	if c.Store.WriteTimeout <= 0 {
		errs = append(errs, errors.New("store.write_timeout must be positive"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("node_id must be in [0, 1023], got %d", c.NodeID))
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: missing id", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %s", i, a.ID))
		}
		seen[a.ID] = true
		if p := a.CommissionPct; p != nil {
			if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(1)) {
				errs = append(errs, fmt.Errorf("accounts[%d]: commission_pct %s out of [0, 1]", i, p))
			} else if !p.Equal(p.Truncate(commission.PctScale)) {
				errs = append(errs, fmt.Errorf("accounts[%d]: commission_pct %s has more than %d decimals", i, p, commission.PctScale))
			}
		}
	}
	return errors.Join(errs...)
}

// AccountIDs 配置的账户
func (c *Config) AccountIDs() []string {
	out := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a.ID)
	}
	return out
}

func (c *Config) account(id string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// CommissionSettings commission.SettingsProvider
// 越界的 pct 原样交给佣金计算，由它记告警
func (c *Config) CommissionSettings(accountID string) (commission.Settings, bool) {
	a, ok := c.account(accountID)
	if !ok {
		return commission.Settings{}, false
	}
	s := commission.Settings{PayeeIBAN: a.PayeeIBAN, PayeeEmail: a.PayeeEmail}
	if a.CommissionPct != nil {
		s.CommissionPct = decimal.NewNullDecimal(*a.CommissionPct)
	}
	return s, true
}

// OpeningBalance rollup.OpeningBalanceSource
func (c *Config) OpeningBalance(accountID, _ string) (decimal.Decimal, bool) {
	a, ok := c.account(accountID)
	if !ok || a.OpeningBalance == nil {
		return decimal.Zero, false
	}
	return *a.OpeningBalance, true
}

var (
	_ commission.SettingsProvider = (*Config)(nil)
	_ rollup.OpeningBalanceSource = (*Config)(nil)
)
