// idosctl is the host-side control tool for the IDOS-NX simulator: format
// FAT12 images, mount them over FUSE, replay structured logs, boot the
// simulated kernel, and serve metrics.
package main

import (
	"os"

	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"idosnx/internal/config"
)

var (
	cfg     config.Config
	cfgPath string
)

func main() {
	root := &cobra.Command{
		Use:   "idosctl",
		Short: "Control tool for the IDOS-NX simulated kernel",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("disk"); f != nil && f.Changed {
				cfg.DiskImage = f.Value.String()
			}
			logrus.SetFormatter(&logrus.JSONFormatter{})
			if cfg.LogFile != "" {
				if out, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
					logrus.SetOutput(out)
				}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "idosnx.yaml", "configuration file")
	root.PersistentFlags().String("disk", "", "FAT12 disk image (overrides config)")
	// Accept snake_case spellings of every flag, matching the config keys.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(newMkfsCmd(), newFatmountCmd(), newLogviewCmd(), newBootsimCmd(), newServeMetricsCmd())

	if err := root.Execute(); err != nil {
		logrus.SetOutput(os.Stderr)
		logrus.Fatal(err)
	}
}
