package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yleoer/audiosync/pkg/config"
	"github.com/yleoer/audiosync/pkg/encoder"
	"github.com/yleoer/audiosync/pkg/engine"
	"github.com/yleoer/audiosync/pkg/guard"
	"github.com/yleoer/audiosync/pkg/history"
	"github.com/yleoer/audiosync/pkg/lyrics"
	"github.com/yleoer/audiosync/pkg/watcher"
)

// setup 加载配置并组装日志器，所有子命令共用
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()

	var cfg *config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, logger, err
	}

	if info, err := os.Stat(cfg.SourcePath); err != nil || !info.IsDir() {
		return nil, logger, fmt.Errorf("source directory does not exist: %s", cfg.SourcePath)
	}

	logger.Info().Str("source", cfg.SourcePath).Msg("configuration loaded")
	for _, o := range cfg.Outputs {
		logger.Info().
			Str("output", o.Name).
			Str("codec", o.Codec).
			Str("bitrate", o.Bitrate).
			Str("path", o.Path).
			Msg("output target")
	}
	return cfg, logger, nil
}

// buildEngine 组装同步引擎及其全部依赖
func buildEngine(cfg *config.Config, logger zerolog.Logger) (*engine.SyncEngine, history.Store, error) {
	store, err := history.NewSQLiteStore(cfg.HistoryDBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history database: %w", err)
	}

	g := guard.New(cfg.SourcePath, cfg.OutputPaths(), cfg.AllowInitialBulkEncode, logger)
	enc := encoder.NewFFmpegEncoder(cfg.FFmpegPath, logger)

	var fetcher engine.LyricsFetcher
	if cfg.FetchLyrics {
		fetcher = lyrics.NewLRCLIBClient("", 30*time.Second, logger)
	}

	return engine.New(cfg, g, enc, store, fetcher, logger), store, nil
}

// newRunCommand 构造守护进程命令：全量对账一次，然后持续监听事件，
// 并按固定间隔重跑全量对账以修复漏掉的事件
func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon: initial sync, then watch for changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			// 两个实例指向同一组目录的行为是未定义的，用锁文件直接拒绝
			lock := flock.New(cfg.LockFilePath)
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("failed to acquire lock file %s: %w", cfg.LockFilePath, err)
			}
			if !locked {
				return fmt.Errorf("another audiosync instance is already running (lock: %s)", cfg.LockFilePath)
			}
			defer lock.Unlock()

			eng, store, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng.InitialSync()

			w := watcher.New(cfg, eng, logger)
			watchDone := make(chan error, 1)
			go func() {
				watchDone <- w.Run(ctx)
			}()

			ticker := time.NewTicker(cfg.SyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info().Msg("shutting down")
					<-watchDone
					return nil
				case err := <-watchDone:
					if err != nil && ctx.Err() == nil {
						return fmt.Errorf("watcher stopped: %w", err)
					}
					return nil
				case <-ticker.C:
					logger.Info().Msg("periodic sync check")
					eng.InitialSync()
				}
			}
		},
	}
}

// newSyncCommand 构造单次全量对账命令
func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			eng, store, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			eng.InitialSync()
			return nil
		},
	}
}

// newHistoryCommand 构造历史查询命令
func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := history.NewSQLiteStore(cfg.HistoryDBPath, zerolog.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			ops, err := store.Recent(limit)
			if err != nil {
				return err
			}
			for _, op := range ops {
				fmt.Printf("%s  %-7s %s\n", op.Recorded.Format("2006-01-02 15:04:05"), op.Kind, op.Dest)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries to show")
	return cmd
}
