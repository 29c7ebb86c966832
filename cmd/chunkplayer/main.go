package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"chunk-player/internal/platform/config"
	"chunk-player/internal/platform/logger"
	"chunk-player/internal/player"
	"chunk-player/internal/session"

	"github.com/spf13/cobra"
)

// options holds the settings shared by every command. Flags default to the
// environment (and .env) values.
type options struct {
	logLevel  string
	logFormat string

	originURL        string
	lookahead        int
	retentionPercent float64
	manifestFormat   string
	progressInterval time.Duration
	clockTick        time.Duration
	maxRetries       int
	retryDelay       time.Duration
	autoplay         bool
}

func main() {
	_ = config.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chunkplayer",
		Short:         "Chunked video buffering engine with an origin and a session control API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "json"), "log format (json, text)")
	f.StringVar(&opts.originURL, "origin", config.GetEnv("ORIGIN_URL", "http://localhost:8080/api"), "origin API base URL")
	f.IntVar(&opts.lookahead, "lookahead", config.GetEnvInt("LOOKAHEAD_CHUNKS", player.DefaultLookahead), "chunks buffered ahead of the current one")
	f.Float64Var(&opts.retentionPercent, "retention", config.GetEnvFloat("RETENTION_PERCENT", player.DefaultRetentionPercent), "share of max watched time kept behind the playhead")
	f.StringVar(&opts.manifestFormat, "manifest-format", config.GetEnv("MANIFEST_FORMAT", session.ManifestJSON), "manifest source (json, hls)")
	f.DurationVar(&opts.progressInterval, "progress-interval", config.GetEnvDuration("PROGRESS_INTERVAL", player.DefaultProgressInterval), "how often watch progress is saved")
	f.DurationVar(&opts.clockTick, "clock-tick", config.GetEnvDuration("CLOCK_TICK", 250*time.Millisecond), "media clock resolution")
	f.IntVar(&opts.maxRetries, "metadata-retries", config.GetEnvInt("METADATA_MAX_RETRIES", 3), "attempts for metadata and manifest requests")
	f.DurationVar(&opts.retryDelay, "metadata-retry-delay", config.GetEnvDuration("METADATA_RETRY_DELAY", time.Second), "first delay between metadata attempts")
	f.BoolVar(&opts.autoplay, "autoplay", config.GetEnvBool("AUTOPLAY", true), "allow playback to start without a user gesture")

	root.AddCommand(newServeCmd(opts), newPlayCmd(opts))
	return root
}

func (o *options) logger() *slog.Logger {
	return logger.New(o.logLevel, o.logFormat)
}

func (o *options) sessionConfig() session.Config {
	return session.Config{
		Lookahead:        o.lookahead,
		RetentionPercent: o.retentionPercent,
		ManifestFormat:   o.manifestFormat,
		ProgressInterval: o.progressInterval,
		ClockTick:        o.clockTick,
		Autoplay:         o.autoplay,
	}
}
