package bootstrap

import (
	"fmt"
	"os"

	"lmsguard/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. format is "console" (colored, human readable)
// or "json".
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration from path, or from ./config.yaml and
// ./config/config.yaml when path is empty.
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfigSummary prints the settings an operator most often needs to confirm at startup.
func logConfigSummary(cfg *config.Config, sugar *zap.SugaredLogger) {
	sugar.Infow("Config loaded",
		"environment", cfg.Environment,
		"port", cfg.API.Port,
		"tls", cfg.API.TLS,
		"trust_proxy", cfg.API.TrustProxy)

	sugar.Infow("Rate limiting",
		"limit", cfg.RateLimit.Limit,
		"window", cfg.RateLimit.Window,
		"redis", cfg.RateLimit.Redis.Enabled)

	sugar.Infow("Proctoring",
		"user_agent_marker", cfg.Proctoring.UserAgentMarker,
		"loopback_bypass", cfg.Proctoring.LoopbackBypass)

	if cfg.Proctoring.LoopbackBypass && cfg.IsProduction() {
		sugar.Warn("Loopback SEB bypass is enabled in production; any request with Host localhost skips the SEB check")
	}
	if cfg.Auth.JWTSecret == "" {
		sugar.Warn("No JWT secret configured; every request is treated as anonymous")
	}
}
