// Package main is the entry point for the Stratum proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jrick/logrotate/rotator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/btcbridge/stratumproxy/internal/config"
	"github.com/btcbridge/stratumproxy/internal/node"
	"github.com/btcbridge/stratumproxy/internal/protocol"
	"github.com/btcbridge/stratumproxy/internal/server"
	"github.com/btcbridge/stratumproxy/internal/storage"
	"github.com/btcbridge/stratumproxy/internal/template"
	"github.com/btcbridge/stratumproxy/internal/worker"
	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	cliOpts, err := config.ParseCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratumproxy: parsing flags: %v\n", err)
		return 2
	}

	cfg, err := config.Load(cliOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratumproxy: loading configuration: %v\n", err)
		return 2
	}

	logger, closeLog, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratumproxy: initializing logger: %v\n", err)
		return 2
	}
	defer closeLog()
	defer logger.Sync()

	logger.Info("starting stratum proxy",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
	)

	params := &chaincfg.MainNetParams
	if cfg.Mining.Testnet {
		params = &chaincfg.TestNet3Params
	}

	payoutScript, err := crypto.DecodeOutputScript(cfg.Mining.PayoutAddress, params)
	if err != nil {
		logger.Error("invalid payout address", zap.Error(err))
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeClient := node.New(cfg.Node.RPCURL, cfg.Node.RPCUser, cfg.Node.RPCPassword, cfg.Node.RequestTimeout)

	templateCfg := template.Config{
		PayoutScript:    payoutScript,
		CoinbaseTag:     cfg.Mining.CoinbaseTag,
		Extranonce1Size: cfg.Mining.Extranonce1Size,
		Extranonce2Size: cfg.Mining.Extranonce2Size,
		VersionRollMask: cfg.Mining.VersionRollMask,
		Params:          params,
	}
	manager := template.NewManager(nodeClient, templateCfg, cfg.Node.PollInterval, logger)

	if _, err := nodeClient.GetTemplate(ctx); err != nil {
		logger.Error("node unreachable at startup", zap.Error(err))
		return 3
	}

	redisClient, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to redis", zap.Error(err))
		return 3
	}
	defer redisClient.Close()

	var postgresClient *storage.PostgresClient
	if cfg.Storage.Database != "" {
		postgresClient, err = storage.NewPostgresClient(ctx, cfg.Storage, logger)
		if err != nil {
			logger.Error("failed to connect to postgres", zap.Error(err))
			return 3
		}
		defer postgresClient.Close()
	}

	workerManager := worker.NewManager(logger, redisClient)

	diffCfg := protocol.DifficultyConfig{
		InitialDifficulty: cfg.Mining.InitialDifficulty,
		MinDifficulty:     cfg.Mining.MinDifficulty,
		MaxDifficulty:     cfg.Mining.MaxDifficulty,
	}

	dispatcher := server.New(cfg.Server, cfg.Mining, diffCfg, logger, manager, workerManager, postgresClient)

	go manager.Run(ctx)

	go func() {
		if err := dispatcher.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher stopped", zap.Error(err))
			cancel()
		}
	}()

	if cfg.Server.Metrics.Enabled {
		go func() {
			if err := dispatcher.StartMetricsServer(); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Warn("shutting down after a fatal component failure")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// initLogger builds a zap logger. When logging.output is "file", writes go
// through a size-based rotator instead of a single growing file.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, func(), error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	closeFn := func() {}
	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		logRotator, err := rotator.New(cfg.FilePath, 10*1024, false, 3)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log rotator: %w", err)
		}
		writeSyncer = zapcore.AddSync(logRotator)
		closeFn = func() { logRotator.Close() }
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, closeFn, nil
}
