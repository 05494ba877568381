package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newPutCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local> [remote]",
		Short: "Upload a local file to the board",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := args[0]
			remote := filepath.Base(local)
			if len(args) == 2 {
				remote = args[1]
			}

			data, err := os.ReadFile(local)
			if err != nil {
				return err
			}

			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err = svc.UploadFile(cmd.Context(), dev.ID(), remote, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d bytes)\n", local, remote, len(data))
			return nil
		},
	}
}

func newGetCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> [local]",
		Short: "Download a file from the board; local path - writes to stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}

			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := svc.DownloadFile(cmd.Context(), dev.ID(), remote)
			if err != nil {
				return err
			}

			if local == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err = os.WriteFile(local, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d bytes)\n", remote, local, len(data))
			return nil
		},
	}
}

func newLsCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List a directory on the board",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}

			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := svc.ListFiles(cmd.Context(), dev.ID(), dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				name := e.Name
				if e.IsDir {
					name += "/"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%8d  %s\n", e.Size, name)
			}
			return nil
		},
	}
}

func newRmCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or empty directory on the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return svc.DeleteFile(cmd.Context(), dev.ID(), args[0])
		},
	}
}
