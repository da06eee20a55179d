package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gabihodoroga/log-pipeline/config"
	"github.com/gabihodoroga/log-pipeline/model"
	"github.com/gabihodoroga/log-pipeline/server"
)

func main() {

	if err := config.Setup(); err != nil {
		fmt.Printf("main: error initializing config %v\n", err)
		os.Exit(1)
	}

	logger, loggerLevel, err := initLogger()
	if err != nil {
		fmt.Printf("main: error initializing logger %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.GetConfig()
	logger.Info("main: start", zap.String("role", cfg.Role), zap.String("transport", cfg.Transport), zap.String("sink", cfg.Sink))
	if err := server.Start(logger, loggerLevel); err != nil {
		logger.Error("main: stopped with error", zap.Error(err), zap.Bool("fatal", model.IsFatal(err)))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("main: stopped")
}

func initLogger() (*zap.Logger, zap.AtomicLevel, error) {
	loggerConfig := zap.NewProductionConfig()

	loggerConfig.Level.SetLevel(resolveLogLevel())
	loggerConfig.EncoderConfig.LevelKey = "severity"
	loggerConfig.EncoderConfig.MessageKey = "message"
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	zap.ReplaceGlobals(logger)
	return logger, loggerConfig.Level, nil
}

func resolveLogLevel() zapcore.Level {
	if config.GetConfig().LogLevel != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(config.GetConfig().LogLevel)); err != nil {
			return zap.InfoLevel
		}
		return l
	}
	return zap.InfoLevel
}
