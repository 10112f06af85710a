package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"clipstream/internal/capture"
	"clipstream/internal/media"
	"clipstream/internal/output"
	"clipstream/internal/recording"
)

type recordOptions struct {
	preset       string
	game         string
	duration     time.Duration
	chapterEvery time.Duration
	pauseAt      time.Duration
	pauseFor     time.Duration
	replay       bool
}

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var opts recordOptions

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the synthetic capture source to a file",
		Long:  "Record colour bars and a test tone through the full encode and mux pipeline.\nRuns until --duration elapses or Ctrl+C is pressed; the file is finalized either way.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), deps, opts, output.NewFormatter(cmd.OutOrStdout()))
		},
	}

	cmd.Flags().StringVarP(&opts.preset, "preset", "p", "", "fast, balanced, high-quality or archival")
	cmd.Flags().StringVarP(&opts.game, "game", "g", "", "game name used in the file name and tags")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
	cmd.Flags().DurationVar(&opts.chapterEvery, "chapter-every", 0, "add a chapter marker at this interval")
	cmd.Flags().DurationVar(&opts.pauseAt, "pause-at", 0, "pause the recording after this long")
	cmd.Flags().DurationVar(&opts.pauseFor, "pause-for", 5*time.Second, "how long a --pause-at pause lasts")
	cmd.Flags().BoolVar(&opts.replay, "replay", false, "keep the replay buffer running alongside the recording")

	return cmd
}

func runRecord(ctx context.Context, deps *Dependencies, opts recordOptions, f *output.Formatter) error {
	cfg := deps.Config
	if opts.preset == "" {
		opts.preset = cfg.Recording.Preset
	}
	preset, ok := media.ParsePreset(opts.preset)
	if !ok {
		f.Warning(fmt.Sprintf("Unknown preset %q, using %s", opts.preset, preset))
	}

	m, err := newManager(deps)
	if err != nil {
		return err
	}
	defer m.Close()

	if opts.replay {
		if err := m.EnableReplayBuffer(cfg.Replay.Seconds, cfg.Replay.MemoryMB); err != nil {
			return err
		}
	}

	info, err := m.StartRecording(preset, opts.game)
	if err != nil {
		return err
	}
	f.RecordingStarted(info)

	src, err := newSource(deps)
	if err != nil {
		_, _ = m.StopRecording()
		return err
	}

	runCtx := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return src.Run(gctx, m)
	})
	g.Go(func() error {
		return driveRecording(gctx, m, opts, deps.Config.Recording.StatusInterval, f)
	})
	runErr := g.Wait()

	info, err = m.StopRecording()
	if err != nil {
		return err
	}
	f.RecordingStopped(info)
	return runErr
}

// driveRecording prints status and fires the scripted chapter and pause
// actions until ctx is done.
func driveRecording(ctx context.Context, m *recording.Manager, opts recordOptions, every time.Duration, f *output.Formatter) error {
	status := time.NewTicker(every)
	defer status.Stop()

	var chapters <-chan time.Time
	if opts.chapterEvery > 0 {
		t := time.NewTicker(opts.chapterEvery)
		defer t.Stop()
		chapters = t.C
	}
	var pause, resume <-chan time.Time
	if opts.pauseAt > 0 {
		pause = time.After(opts.pauseAt)
	}

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-status.C:
			f.Status(m.Status())
		case <-chapters:
			n++
			title := fmt.Sprintf("Chapter %d", n)
			if err := m.AddChapterMarker(title, ""); err != nil {
				f.Warning(err.Error())
				continue
			}
			f.ChapterAdded(title)
		case <-pause:
			pause = nil
			if err := m.PauseRecording(); err != nil {
				return err
			}
			f.Info("Recording paused")
			resume = time.After(opts.pauseFor)
		case <-resume:
			resume = nil
			if err := m.ResumeRecording(); err != nil {
				return err
			}
			f.Info("Recording resumed")
		}
	}
}

func newManager(deps *Dependencies) (*recording.Manager, error) {
	opts := []recording.Option{
		recording.WithLogger(deps.Logger),
		recording.WithDiskOptions(deps.Disk...),
	}
	opts = append(opts, deps.Recording...)
	m := recording.New(deps.Config, opts...)
	if err := m.Init(""); err != nil {
		return nil, err
	}
	return m, nil
}

func newSource(deps *Dependencies) (*capture.Source, error) {
	c := deps.Config.Capture
	return capture.NewSource(capture.Config{
		Width:      c.Width,
		Height:     c.Height,
		FPS:        c.FPS,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
	}, deps.Logger)
}
