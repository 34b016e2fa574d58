package main

import (
	"context"
	"fmt"
	"os"

	"github.com/caffeineduck/webpbox/codec"
	"github.com/caffeineduck/webpbox/config"
	"github.com/caffeineduck/webpbox/guest"
	"github.com/caffeineduck/webpbox/libwebp"
	"github.com/caffeineduck/webpbox/sandbox"
	"github.com/caffeineduck/webpbox/webpabi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "webpbox",
	Short: "Sandboxed WebP codec",
	Long: `webpbox - Decode and encode WebP images with the codec isolated from the host.

Image bytes are only ever parsed inside a codec domain: either the built-in
Go codec (--backend native) or a libwebp WebAssembly module run by wazero
(--backend wasm). Every value coming back from the codec is verified before
it is used.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// cfg is the effective configuration, set before any command runs.
var cfg *config.Config

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: $"+config.EnvVar+")")
	rootCmd.PersistentFlags().String("backend", "", "Codec backend: native, wasm")
	rootCmd.PersistentFlags().String("module", "", "Codec module for the wasm backend (.wasm or .wasm.zst)")
	rootCmd.PersistentFlags().String("memory", "", "Domain memory limit: 16mb, 64mb, 256mb, 1gb")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	c, err := config.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("backend"); v != "" {
		c.Backend = config.Backend(v)
	}
	if v, _ := flags.GetString("module"); v != "" {
		c.Module.Path = v
	}
	if v, _ := flags.GetString("memory"); v != "" {
		c.Memory = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		c.Log.Level = v
	}
	if noCache, _ := flags.GetBool("no-cache"); noCache {
		c.Module.CacheDir = "off"
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(c.Log)
	if err != nil {
		return err
	}
	sandbox.SetLogger(logger)
	codec.SetLogger(logger)

	cfg = c
	return nil
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// newFactory builds the domain factory for the configured backend.
func newFactory(ctx context.Context, c *config.Config) (sandbox.Factory, error) {
	switch c.Backend {
	case config.Wasm:
		module, err := sandbox.LoadModule(c.Module.Path)
		if err != nil {
			return nil, err
		}
		opts := []sandbox.Option{
			sandbox.WithRequiredExports(webpabi.Exports...),
			sandbox.WithModuleDigest(c.Module.Digest),
		}
		if pages := c.MemoryPages(); pages > 0 {
			opts = append(opts, sandbox.WithMemoryLimit(pages))
		}
		if c.Module.CacheDir != "off" {
			opts = append(opts, sandbox.WithDiskCache(c.Module.CacheDir))
		}
		return sandbox.NewWazeroFactory(ctx, module, opts...)
	default:
		var opts []guest.Option
		if pages := c.MemoryPages(); pages > 0 {
			opts = append(opts, guest.WithMemoryLimit(pages))
		}
		return libwebp.NewFactory(opts...), nil
	}
}

func newDriver(ctx context.Context) (*codec.Driver, error) {
	factory, err := newFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return codec.New(factory, codec.WithLimits(codec.Limits{
		MaxDimension:   cfg.Limits.MaxDimension,
		MaxInputBytes:  cfg.Limits.MaxInputBytes,
		MaxOutputBytes: cfg.Limits.MaxOutputBytes,
	})), nil
}
