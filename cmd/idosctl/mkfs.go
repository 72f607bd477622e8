package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"idosnx/internal/fat"
)

func newMkfsCmd() *cobra.Command {
	var totalSectors uint16
	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "Format the configured disk image as a blank FAT12 volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.OpenFile(cfg.DiskImage, os.O_CREATE|os.O_RDWR, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := f.Truncate(int64(totalSectors) * 512); err != nil {
				return err
			}
			if err := fat.Mkfs(fat.NewFileDisk(f), totalSectors); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"image": cfg.DiskImage, "sectors": totalSectors}).Info("formatted")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d sectors, FAT12\n", cfg.DiskImage, totalSectors)
			return nil
		},
	}
	cmd.Flags().Uint16Var(&totalSectors, "sectors", 2880, "volume size in 512-byte sectors (2880 = 1440 KiB floppy)")
	return cmd
}
