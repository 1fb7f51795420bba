// 文件: pkg/logger/logger.go
// 日志模块 - 基于 zap 的结构化日志
//
// 各组件通过 Named() 派生子 logger，例如 logger.Named("mtm")
// 配置来源: config.yaml 的 log 段，环境变量 LOG_LEVEL / LOG_FORMAT 优先

package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json 或 console
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// New 创建 logger
func New(cfg Config) (*zap.Logger, error) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	return zcfg.Build()
}

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrNop 空 logger 兜底，组件构造时传 nil 也能用
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
