package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"clipstream/internal/disk"
	"clipstream/internal/output"
)

func NewDiskCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disk",
		Short: "Inspect and clean up the output directory",
	}

	cmd.AddCommand(newDiskStatusCmd(deps))
	cmd.AddCommand(newDiskListCmd(deps))
	cmd.AddCommand(newDiskCleanupCmd(deps))
	cmd.AddCommand(newDiskRemoveCmd(deps))

	return cmd
}

func openDisk(deps *Dependencies) (*disk.Manager, error) {
	rc := deps.Config.Recording
	dm, err := disk.New(rc.OutputDir, rc.MaxStorageMB, append([]disk.Option{disk.WithLogger(deps.Logger)}, deps.Disk...)...)
	if err != nil {
		return nil, err
	}
	dm.SetCleanupThreshold(rc.CleanupThreshold)
	return dm, nil
}

func newDiskStatusCmd(deps *Dependencies) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show free space and the storage limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())
			dm, err := openDisk(deps)
			if err != nil {
				return err
			}
			st, err := dm.State()
			if err != nil {
				return err
			}
			if asJSON {
				return f.JSON(struct {
					Directory    string     `json:"directory"`
					State        disk.State `json:"state"`
					UsagePercent float64    `json:"usage_percent"`
					MaxStorageMB uint64     `json:"max_storage_mb"`
					SpaceLow     bool       `json:"space_low"`
					AtLimit      bool       `json:"at_limit"`
				}{dm.Directory(), st, dm.UsagePercent(), dm.MaxStorageMB(), dm.IsSpaceLow(), dm.IsAtLimit()})
			}

			f.DiskState(dm.Directory(), st, dm.UsagePercent(), dm.MaxStorageMB())
			if dm.IsSpaceLow() {
				f.Warning("Disk space is low")
			}
			if dm.IsAtLimit() {
				f.Warning("Storage limit reached; new recordings will be refused")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newDiskListCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recordings, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			dm, err := openDisk(deps)
			if err != nil {
				return err
			}
			files, err := dm.ListRecordings()
			if err != nil {
				return err
			}
			output.NewFormatter(cmd.OutOrStdout()).RecordingList(files)
			return nil
		},
	}
}

func newDiskCleanupCmd(deps *Dependencies) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the oldest recordings until usage is under the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())
			dm, err := openDisk(deps)
			if err != nil {
				return err
			}

			var removed int
			if all {
				removed, err = dm.CleanupDirectory()
			} else {
				removed, err = dm.AutoCleanupOldRecordings()
			}
			if err != nil {
				return err
			}
			f.Success(fmt.Sprintf("Removed %d recordings", removed))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every recording in the directory")
	return cmd
}

func newDiskRemoveCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME...",
		Short: "Delete recordings by file name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(cmd.OutOrStdout())
			dm, err := openDisk(deps)
			if err != nil {
				return err
			}
			for _, name := range args {
				if err := dm.RemoveRecording(name); err != nil {
					return err
				}
				f.Success("Removed " + name)
			}
			return nil
		},
	}
}
