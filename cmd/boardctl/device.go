package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newResetCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Soft-reset the interpreter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := svc.ResetDevice(cmd.Context(), dev.ID())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.Banner)
			return nil
		},
	}
}

func newInfoCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show board identity and memory usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			mem, err := svc.MemoryInfo(cmd.Context(), dev.ID())
			if err != nil {
				return err
			}

			status := dev.Status()
			info := dev.Info()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "port:      %s\n", status.Port)
			fmt.Fprintf(out, "baud:      %d\n", status.Baud)
			fmt.Fprintf(out, "version:   %s\n", info.Version)
			fmt.Fprintf(out, "platform:  %s\n", info.Platform)
			fmt.Fprintf(out, "banner:    %s\n", info.Banner)
			fmt.Fprintf(out, "mem free:  %d\n", mem.Free)
			fmt.Fprintf(out, "mem alloc: %d\n", mem.Allocated)
			return nil
		},
	}
}

func newMonitorCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream the board's output lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			svc, dev, cleanup, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			lines, unsubscribe, err := svc.SubscribeOutput(dev.ID(), 256)
			if err != nil {
				return err
			}
			defer unsubscribe()

			out := cmd.OutOrStdout()
			events := svc.Events()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					fmt.Fprintln(out, line)
				case ev := <-events:
					fmt.Fprintf(out, "[%s: %s -> %s]\n", ev.DeviceID, ev.Old, ev.New)
				}
			}
		},
	}
}
