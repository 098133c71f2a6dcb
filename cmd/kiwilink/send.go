package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/kiwilink/internal/command"
)

func newSendCmd(root *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send one text command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := strings.Join(args, " ")
			if strings.TrimSpace(payload) == "" {
				return fmt.Errorf("empty command")
			}

			rt, err := root.openRuntime(cmd.Context(), cmd, nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = rt.Close()
			}()

			if err := sendAndWait(cmd.Context(), rt, []byte(payload), wait); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %q\n", payload)

			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", defaultAckWait, "how long to wait for the command to be written")

	return cmd
}

func newStopCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Send a wheel stop command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := command.Stop().Encode()
			if err != nil {
				return err
			}

			rt, err := root.openRuntime(cmd.Context(), cmd, nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = rt.Close()
			}()

			if err := sendAndWait(cmd.Context(), rt, payload, defaultAckWait); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stopped")

			return nil
		},
	}
}
