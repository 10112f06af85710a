package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clipstream/internal/config"
	"clipstream/internal/disk"
	"clipstream/internal/logging"
	"clipstream/internal/recording"
	"clipstream/internal/version"
)

type Dependencies struct {
	Config *config.Config
	Logger *slog.Logger
	// Recording is appended to the options every command builds its
	// recording.Manager with.
	Recording []recording.Option
	Disk      []disk.Option
}

// NewRootCmd builds the command tree. Flags, the optional config file and
// CLIPSTREAM_* variables are layered over deps.Config before any
// subcommand runs.
func NewRootCmd(deps *Dependencies) *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "clipstream",
		Short:         "Record gameplay and keep an instant replay buffer",
		Long:          "A recorder that encodes captured frames and audio into MP4, Matroska or FLV files, with pause/resume, chapter markers and a rolling replay buffer that can be saved as a clip at any time.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfigFile(v, cfgFile); err != nil {
				return err
			}
			applyOverrides(deps.Config, v)
			if err := deps.Config.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			deps.Logger = logging.New(os.Stderr, deps.Config.Log.Level, deps.Config.Log.Format)
			return nil
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/clipstream/config.yaml)")
	flags.String("output-dir", "", "directory recordings are written to")
	flags.Uint64("max-storage-mb", 0, "storage limit for the output directory")
	flags.Bool("auto-cleanup", false, "delete the oldest recordings when disk space runs low")
	flags.Int("cleanup-threshold", 0, "volume usage percent that triggers cleanup")
	flags.String("ffmpeg-path", "", "ffmpeg binary")
	flags.String("ffprobe-path", "", "ffprobe binary")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	flags.String("log-format", "", "text or json")
	flags.Int("capture-width", 0, "captured frame width")
	flags.Int("capture-height", 0, "captured frame height")
	flags.Int("capture-fps", 0, "captured frame rate")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix("CLIPSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewReplayCmd(deps))
	rootCmd.AddCommand(NewDiskCmd(deps))
	rootCmd.AddCommand(NewInspectCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))

	return rootCmd
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(dir, "clipstream"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// applyOverrides copies every key viper has a value for into cfg. Zero
// values leave the loaded configuration alone.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if s := v.GetString("output-dir"); s != "" {
		cfg.Recording.OutputDir = s
	}
	if n := v.GetUint64("max-storage-mb"); n > 0 {
		cfg.Recording.MaxStorageMB = n
	}
	if v.IsSet("auto-cleanup") {
		cfg.Recording.AutoCleanup = v.GetBool("auto-cleanup")
	}
	if n := v.GetInt("cleanup-threshold"); n > 0 {
		cfg.Recording.CleanupThreshold = n
	}
	if s := v.GetString("ffmpeg-path"); s != "" {
		cfg.FFmpeg.Path = s
	}
	if s := v.GetString("ffprobe-path"); s != "" {
		cfg.FFmpeg.ProbePath = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Log.Level = s
	}
	if s := v.GetString("log-format"); s != "" {
		cfg.Log.Format = s
	}
	if n := v.GetInt("capture-width"); n > 0 {
		cfg.Capture.Width = n
	}
	if n := v.GetInt("capture-height"); n > 0 {
		cfg.Capture.Height = n
	}
	if n := v.GetInt("capture-fps"); n > 0 {
		cfg.Capture.FPS = n
	}
}
