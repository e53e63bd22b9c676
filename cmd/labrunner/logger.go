package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func initLogger(verbose, release bool) (*zap.Logger, error) {
	if release {
		return zap.NewProduction()
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.DisableStacktrace = !verbose
	if !verbose {
		config.Level.SetLevel(zap.WarnLevel)
	}
	return config.Build()
}
