package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"clipstream/internal/output"
	"clipstream/internal/probe"
)

func NewInspectCmd(deps *Dependencies) *cobra.Command {
	var asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Probe recordings and check they are readable",
		Long:  "Run ffprobe on each file, print its streams, chapters and tags, and flag files that are corrupt or out of range.\nRelative names are looked up in the output directory.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())
			p := probe.New(deps.Config.FFmpeg.ProbePath, deps.Logger)
			if !p.Available() {
				return errors.New("ffprobe not found; set CLIPSTREAM_FFPROBE_PATH or --ffprobe-path")
			}

			failed := 0
			for _, name := range args {
				path := name
				if !filepath.IsAbs(path) {
					path = filepath.Join(deps.Config.Recording.OutputDir, name)
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				md, err := inspectFile(ctx, p, path)
				cancel()

				if asJSON {
					if err := f.JSON(inspectResult{Path: path, Metadata: md, Error: errString(err)}); err != nil {
						return err
					}
				} else if md != nil {
					f.ProbeResult(path, md)
				}
				if err != nil {
					failed++
					if !asJSON {
						f.Error(fmt.Sprintf("%s: %v", path, err))
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed inspection", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON document per file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "ffprobe timeout per file")
	return cmd
}

type inspectResult struct {
	Path     string          `json:"path"`
	Metadata *probe.Metadata `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func inspectFile(ctx context.Context, p *probe.Prober, path string) (*probe.Metadata, error) {
	if err := p.DetectCorrupt(ctx, path); err != nil {
		return nil, err
	}
	md, err := p.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return md, probe.Validate(md)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
