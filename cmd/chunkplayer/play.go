package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunk-player/internal/origin"
	"chunk-player/internal/platform/logger"
	"chunk-player/internal/player"
	"chunk-player/internal/session"

	"github.com/spf13/cobra"
)

func newPlayCmd(opts *options) *cobra.Command {
	var (
		quality string
		seek    float64
		until   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "play <video-id>",
		Short: "Play one video headlessly against an origin and print state changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd.Context(), opts, args[0], player.Quality(quality), seek, until)
		},
	}
	f := cmd.Flags()
	f.StringVar(&quality, "quality", "", "initial quality (first listed when empty)")
	f.Float64Var(&seek, "seek", 0, "seek to this time after initialization")
	f.DurationVar(&until, "for", 0, "stop after this long (until the video ends when zero)")
	return cmd
}

func play(ctx context.Context, opts *options, videoID string, quality player.Quality, seek float64, until time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if until > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, until)
		defer cancel()
	}

	log := logger.NewWithWriter(os.Stderr, opts.logLevel, opts.logFormat)
	client := origin.NewClient(opts.originURL, origin.ClientOptions{
		MaxRetries: opts.maxRetries,
		RetryDelay: opts.retryDelay,
		Logger:     log,
	})
	mgr := session.NewManager(client, nil, opts.sessionConfig(), log, nil)

	sess, err := mgr.Create(ctx, videoID, quality)
	if err != nil {
		return err
	}
	defer mgr.CloseAll(context.Background())

	if seek > 0 {
		if err := mgr.Seek(ctx, sess.ID(), seek); err != nil {
			return err
		}
	}

	states, unsubscribe := sess.Subscribe(0)
	defer unsubscribe()

	var last player.PlayerState
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-states:
			if !ok {
				return nil
			}
			if s.Phase != last.Phase || s.CurrentChunkIndex != last.CurrentChunkIndex || s.IsBuffering != last.IsBuffering {
				fmt.Printf("%-18s t=%7.2f chunk=%3d buffering=%-5t quality=%s\n",
					s.Phase, s.CurrentTime, s.CurrentChunkIndex, s.IsBuffering, s.Quality)
			}
			last = s
			switch s.Phase {
			case player.PhaseEnded:
				return nil
			case player.PhaseError:
				return fmt.Errorf("playback failed: %s", s.Error)
			}
		}
	}
}
