package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRunCmd(app *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Run Python code on the board and print its output",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := strings.Join(args, " ")
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				code = string(data)
			}
			if strings.TrimSpace(code) == "" {
				return errors.New("nothing to run: give code as arguments or use --file")
			}

			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := svc.RunCommand(cmd.Context(), dev.ID(), code)
			if err != nil {
				return err
			}
			if out != "" {
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the code from a local file")
	return cmd
}
