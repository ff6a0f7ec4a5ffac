package main

import (
	"io"
	"os"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging 配置全局 logger；写文件时返回的 io.Closer 关闭它，否则为 nil
func setupLogging(c logConfig) (io.Closer, error) {
	if err := log.SetLevel(c.Level); err != nil {
		return nil, errors.Wrapf(err, "log level %q", c.Level)
	}
	switch c.Format {
	case "json":
		log.L.Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: log.RFC3339NanoFixed})
	case "", "text":
		log.L.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: log.RFC3339NanoFixed})
	default:
		return nil, errors.Errorf("unknown log format %q", c.Format)
	}

	if c.File == "" {
		log.L.Logger.SetOutput(os.Stderr)
		return nil, nil
	}
	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   true,
	}
	log.L.Logger.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj, nil
}
