package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"clipstream/internal/codec"
	"clipstream/internal/media"
	"clipstream/internal/output"
	"clipstream/internal/probe"
)

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check ffmpeg, encoders and the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())
			cfg := deps.Config
			ok := true

			ff := codec.NewFFmpeg(cfg.FFmpeg.Path, deps.Logger)
			if v, err := ff.Version(); err != nil {
				f.SetupCheck("ffmpeg", false, err.Error())
				ok = false
			} else {
				f.SetupCheck("ffmpeg", true, v)
			}

			if probe.New(cfg.FFmpeg.ProbePath, deps.Logger).Available() {
				f.SetupCheck("ffprobe", true, "installed")
			} else {
				f.SetupCheck("ffprobe", false, "not found; inspect is unavailable")
			}

			fmt.Fprintln(cmd.OutOrStdout(), "\nEncoders:")
			for _, c := range codec.NewFFmpegRegistry(ff).Capabilities() {
				f.Capability(c)
			}

			preset, _ := media.ParsePreset(cfg.Recording.Preset)
			settings := media.ResolvePreset(preset)
			fmt.Fprintf(cmd.OutOrStdout(), "\nPreset %s: %s + %s in %s\n",
				preset, settings.VideoCodec, settings.AudioCodec, settings.Container)

			dm, err := openDisk(deps)
			if err != nil {
				f.SetupCheck("Output directory", false, err.Error())
				ok = false
			} else {
				f.SetupCheck("Output directory", true, fmt.Sprintf("%s (%d MB free)", dm.Directory(), dm.FreeSpaceMB()))
				if dm.IsAtLimit() {
					f.SetupCheck("Storage", false, fmt.Sprintf("limit of %d MB reached", dm.MaxStorageMB()))
					ok = false
				}
			}

			if ok {
				f.Success("\nReady to record")
			} else {
				f.Warning("\nSome prerequisites are missing")
			}
			return nil
		},
	}
}
