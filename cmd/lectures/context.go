package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/UniQw/uniqw-lectures/internal/app"
	"github.com/UniQw/uniqw-lectures/internal/config"
	"github.com/UniQw/uniqw-lectures/internal/logging"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	app *app.App
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(quiet bool) (*zap.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if quiet {
		level = atLeastWarn(level)
	}
	logger, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// ensureApp connects the stores once per command. Operator commands log
// nothing below warn so their tables stay readable.
func (c *commandContext) ensureApp(ctx context.Context, quiet bool) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.logger(quiet)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

// atLeastWarn raises level to warn. Unparsable levels are returned as is for
// logging.New to reject.
func atLeastWarn(level string) string {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return level
		}
	}
	if lvl < zapcore.WarnLevel {
		return zapcore.WarnLevel.String()
	}
	return level
}

func (c *commandContext) close() error {
	if c.app == nil {
		return nil
	}
	a := c.app
	c.app = nil
	_ = a.Log.Sync()
	return a.Close()
}
