package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const appVersion = "0.1.0"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "boardctl",
		Short:         "boardctl: talk to MicroPython boards over serial",
		Long:          "boardctl connects to MicroPython-class boards over a serial port, runs code on them and moves files on and off their flash filesystems.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.PersistentFlags().StringVar(&app.port, "port", "", "serial port, e.g. /dev/ttyACM0 (or BOARDCTL_PORT)")
	rootCmd.PersistentFlags().IntVar(&app.baud, "baud", 0, "pin one baud rate instead of trying the candidate ladder")

	rootCmd.AddCommand(
		newVersionCmd(),
		newPortsCmd(),
		newRunCmd(app),
		newPutCmd(app),
		newGetCmd(app),
		newLsCmd(app),
		newRmCmd(app),
		newResetCmd(app),
		newInfoCmd(app),
		newMonitorCmd(app),
		newReplCmd(app),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), appVersion)
			return err
		},
	}
}
