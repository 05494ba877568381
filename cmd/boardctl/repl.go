package main

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newReplCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive prompt on the board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, dev, cleanup, err := app.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          dev.ID() + "> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			fmt.Fprintln(rl.Stdout(), dev.Info().Banner)

			for {
				line, err := rl.Readline()
				if err != nil {
					// EOF or interrupt
					if err == readline.ErrInterrupt {
						continue
					}
					return nil
				}

				input := strings.TrimSpace(line)
				if input == "" {
					continue
				}
				if input == "exit" || input == "quit" {
					return nil
				}

				out, err := svc.RunCommand(cmd.Context(), dev.ID(), input)
				if err != nil {
					fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
					continue
				}
				if out != "" {
					fmt.Fprintln(rl.Stdout(), out)
				}
			}
		},
	}
}
