package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"clipstream/internal/media"
	"clipstream/internal/output"
	"clipstream/internal/recording"
)

type replayOptions struct {
	seconds  uint32
	memoryMB uint32
	after    time.Duration
	clip     uint32
	output   string
	codec    string
	game     string
}

func NewReplayCmd(deps *Dependencies) *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Buffer the capture source and save the last seconds as a clip",
		Long:  "Fill the rolling replay buffer from the synthetic capture source, then save it.\nThe clip is saved when --after elapses or when Ctrl+C is pressed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), deps, opts, output.NewFormatter(cmd.OutOrStdout()))
		},
	}

	cmd.Flags().Uint32Var(&opts.seconds, "seconds", 0, "replay buffer length (default from config)")
	cmd.Flags().Uint32Var(&opts.memoryMB, "memory-mb", 0, "replay buffer memory cap (default from config)")
	cmd.Flags().DurationVar(&opts.after, "after", 0, "save after this long (default the buffer length)")
	cmd.Flags().Uint32Var(&opts.clip, "clip", 0, "seconds to save (0 saves the whole buffer)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "clip file name; the extension picks the container")
	cmd.Flags().StringVar(&opts.codec, "codec", "", "re-encode the clip with h264, vp9 or av1")
	cmd.Flags().StringVarP(&opts.game, "game", "g", "", "game name used in the generated file name")

	return cmd
}

func runReplay(ctx context.Context, deps *Dependencies, opts replayOptions, f *output.Formatter) error {
	cfg := deps.Config
	if opts.seconds == 0 {
		opts.seconds = cfg.Replay.Seconds
	}
	if opts.memoryMB == 0 {
		opts.memoryMB = cfg.Replay.MemoryMB
	}
	if opts.after == 0 {
		opts.after = time.Duration(opts.seconds) * time.Second
	}

	var videoCodec *media.VideoCodec
	if opts.codec != "" {
		c, ok := media.ParseVideoCodec(opts.codec)
		if !ok {
			return fmt.Errorf("unknown video codec %q", opts.codec)
		}
		videoCodec = &c
	}

	m, err := newManager(deps)
	if err != nil {
		return err
	}
	defer m.Close()

	if opts.game != "" {
		m.SetGameName(opts.game)
	}
	if err := m.EnableReplayBuffer(opts.seconds, opts.memoryMB); err != nil {
		return err
	}
	f.Info(fmt.Sprintf("Replay buffer running (%ds, %d MB), saving in %s", opts.seconds, opts.memoryMB, opts.after))

	src, err := newSource(deps)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.after)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return src.Run(gctx, m)
	})
	g.Go(func() error {
		return reportStatus(gctx, m, cfg.Recording.StatusInterval, f)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	path, err := m.SaveReplayBuffer(opts.output, opts.clip, videoCodec)
	if err != nil {
		return err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	f.ReplaySaved(path, fi.Size())
	return nil
}

func reportStatus(ctx context.Context, m *recording.Manager, every time.Duration, f *output.Formatter) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Status(m.Status())
		}
	}
}
