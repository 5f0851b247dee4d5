package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/engine"
	"github.com/sbstp/nightshift/pkg/gc"
	"github.com/sbstp/nightshift/pkg/meta"
	"github.com/sbstp/nightshift/pkg/server/fuse"
)

type app struct {
	eng *engine.Engine
	log *logrus.Logger
}

func (a *app) ensureEngine() error {
	if a.eng != nil {
		return nil
	}
	log, err := buildLogger(viper.GetString("log_level"))
	if err != nil {
		return err
	}

	key, err := resolveKey(viper.GetString("key"), viper.GetString("key_file"))
	if err != nil {
		return err
	}

	eng, err := engine.Open(engine.Config{
		Dir:            viper.GetString("dir"),
		Key:            key,
		Chunker:        viper.GetString("chunker"),
		CacheBudget:    viper.GetInt64("cache_budget") << 20,
		FlushThreshold: viper.GetInt("flush_threshold") << 20,
		ZstdThreshold:  viper.GetInt("zstd_threshold"),
		Logger:         log,
	})
	if err != nil {
		return err
	}
	a.eng = eng
	a.log = log
	return nil
}

func (a *app) close() {
	if a.eng == nil {
		return
	}
	if err := a.eng.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
	a.eng = nil
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "nightshift",
		Short:         "nightshift deduplicating encrypted filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureEngine()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	rootCmd.AddCommand(
		newMountCmd(),
		newGCCmd(),
		newStatCmd(),
	)
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		application.close()
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("nightshift")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "nightshift"))
		}
	}
	viper.SetEnvPrefix("NIGHTSHIFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("dir", ".nightshift", "data directory")
	rootCmd.PersistentFlags().String("key", "", "hex-encoded 32-byte encryption key (or NIGHTSHIFT_KEY)")
	rootCmd.PersistentFlags().String("key-file", "", "file holding the hex-encoded key")
	rootCmd.PersistentFlags().String("chunker", "cdc", "chunking policy: cdc|fixed")
	rootCmd.PersistentFlags().Int64("cache-budget", 64, "block cache budget in MiB")
	rootCmd.PersistentFlags().Int("flush-threshold", 4, "buffered write flush threshold in MiB")
	rootCmd.PersistentFlags().Int("zstd-threshold", codec.DefaultZstdThreshold, "block size in bytes above which zstd replaces lz4")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")

	bindConfig("dir", rootCmd.PersistentFlags().Lookup("dir"))
	bindConfig("key", rootCmd.PersistentFlags().Lookup("key"))
	bindConfig("key_file", rootCmd.PersistentFlags().Lookup("key-file"))
	bindConfig("chunker", rootCmd.PersistentFlags().Lookup("chunker"))
	bindConfig("cache_budget", rootCmd.PersistentFlags().Lookup("cache-budget"))
	bindConfig("flush_threshold", rootCmd.PersistentFlags().Lookup("flush-threshold"))
	bindConfig("zstd_threshold", rootCmd.PersistentFlags().Lookup("zstd-threshold"))
	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func buildLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	log.SetLevel(parsed)
	return log, nil
}

// resolveKey prefers the inline key and falls back to the key file.
func resolveKey(inline, file string) ([codec.KeySize]byte, error) {
	if inline == "" && file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			var key [codec.KeySize]byte
			return key, fmt.Errorf("read key file: %w", err)
		}
		inline = strings.TrimSpace(string(raw))
	}
	return parseKey(inline)
}

// parseKey decodes a 64-character hex key. An empty value is rejected:
// the repository is unreadable without the key it was written with, so
// silently defaulting one would strand data.
func parseKey(s string) ([codec.KeySize]byte, error) {
	var key [codec.KeySize]byte
	if s == "" {
		return key, errors.New("encryption key required: set --key or NIGHTSHIFT_KEY")
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(decoded) != codec.KeySize {
		return key, fmt.Errorf("key must be %d bytes of hex, got %d", codec.KeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the filesystem via FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if interval := viper.GetDuration("mount.gc_interval"); interval > 0 {
				sweeper := gc.NewSweeper(gc.Options{
					DB:     application.eng.DB(),
					Blocks: application.eng.Blocks(),
					Logger: application.log,
				})
				stopSweep := sweeper.Start(ctx, interval)
				defer stopSweep()
			}

			fmt.Fprintf(os.Stderr, "Mounting at %s\n", args[0])
			return fuse.Mount(ctx, application.eng, args[0])
		},
	}
	cmd.Flags().Duration("gc-interval", 5*time.Minute, "background sweep interval (0 disables)")
	bindConfig("mount.gc_interval", cmd.Flags().Lookup("gc-interval"))
	return cmd
}

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim unreferenced blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{
				DB:        application.eng.DB(),
				Blocks:    application.eng.Blocks(),
				BatchSize: viper.GetInt("gc.batch_size"),
				Logger:    application.log,
			})
			report, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("swept %d blocks, %d orphan payloads\n", report.Swept, report.Orphans)
			return nil
		},
	}
	cmd.Flags().Int("batch-size", 128, "blocks reclaimed per transaction")
	bindConfig("gc.batch_size", cmd.Flags().Lookup("batch-size"))
	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print repository statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats meta.Stats
			err := application.eng.DB().ReadTx(cmd.Context(), func(tx *meta.Tx) error {
				var err error
				stats, err = meta.CollectStats(tx)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("inodes:          %d\n", stats.Inodes)
			fmt.Printf("blocks:          %d\n", stats.Blocks)
			fmt.Printf("zero-ref blocks: %d\n", stats.ZeroRefBlocks)
			fmt.Printf("logical bytes:   %d\n", stats.LogicalBytes)
			fmt.Printf("stored bytes:    %d\n", stats.PlainBytes)
			if stats.PlainBytes > 0 {
				ratio := float64(stats.LogicalBytes) / float64(stats.PlainBytes)
				fmt.Printf("dedup ratio:     %.2f\n", ratio)
			}
			cs := application.eng.CacheStats()
			fmt.Printf("cache:           %d/%d bytes, %d hits, %d misses\n",
				cs.UsedBytes, cs.Budget, cs.Hits, cs.Misses)
			return nil
		},
	}
}
