package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/legamerdc/gipc"
)

const envPrefix = "GIPC"

type cliConfig struct {
	Name    string        `mapstructure:"name"`
	Pipe    pipeConfig    `mapstructure:"pipe"`
	Log     logConfig     `mapstructure:"log"`
	Metrics metricsConfig `mapstructure:"metrics"`
}

type pipeConfig struct {
	Namespace         string        `mapstructure:"namespace"`
	OutputBufferSize  int           `mapstructure:"output_buffer_size"`
	InputBufferSize   int           `mapstructure:"input_buffer_size"`
	ClientTimeout     time.Duration `mapstructure:"client_timeout"`
	Framing           string        `mapstructure:"framing"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
	MaxPayload        int           `mapstructure:"max_payload"`
	WriteQueueSize    int           `mapstructure:"write_queue_size"`
}

type logConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type metricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

func (p pipeConfig) toConfig() (gipc.Config, error) {
	cfg := gipc.Config{
		Namespace:         p.Namespace,
		OutputBufferSize:  p.OutputBufferSize,
		InputBufferSize:   p.InputBufferSize,
		ClientTimeout:     p.ClientTimeout,
		Framing:           gipc.Framing(p.Framing),
		CompressThreshold: p.CompressThreshold,
		MaxPayload:        p.MaxPayload,
		WriteQueueSize:    p.WriteQueueSize,
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	def := gipc.DefaultConfig()
	v.SetDefault("name", "mynamedpipe")
	v.SetDefault("pipe.namespace", def.Namespace)
	v.SetDefault("pipe.output_buffer_size", def.OutputBufferSize)
	v.SetDefault("pipe.input_buffer_size", def.InputBufferSize)
	v.SetDefault("pipe.client_timeout", def.ClientTimeout)
	v.SetDefault("pipe.framing", string(def.Framing))
	v.SetDefault("pipe.compress_threshold", def.CompressThreshold)
	v.SetDefault("pipe.max_payload", def.MaxPayload)
	v.SetDefault("pipe.write_queue_size", def.WriteQueueSize)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("metrics.path", "/metrics")
}

// flagKeys 把命令行 flag 绑定到配置键，flag 优先于环境变量与配置文件
var flagKeys = map[string]string{
	"name":         "name",
	"namespace":    "pipe.namespace",
	"framing":      "pipe.framing",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"metrics-addr": "metrics.addr",
}

// loadConfig 依次合并默认值、配置文件、GIPC_ 环境变量与 flag
func loadConfig(cmd *cobra.Command, cfgFile string) (*cliConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", cfgFile)
		}
	}
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "bind flag %s", flag)
			}
		}
	}

	var c cliConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &c, nil
}
