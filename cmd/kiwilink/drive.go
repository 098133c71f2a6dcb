package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/kiwilink/internal/command"
	"github.com/skobkin/kiwilink/internal/dispatch"
	"github.com/skobkin/kiwilink/internal/kinematics"
)

type driveOptions struct {
	x, y     float64
	speed    float64
	duration time.Duration
	interval time.Duration
}

func newDriveCmd(root *rootOptions) *cobra.Command {
	opts := &driveOptions{}
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Drive with a fixed joystick deflection, then stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDrive(cmd, root, opts)
		},
	}
	cmd.Flags().Float64Var(&opts.x, "x", 0, "joystick x deflection, -1..1")
	cmd.Flags().Float64Var(&opts.y, "y", 0, "joystick y deflection, -1..1")
	cmd.Flags().Float64Var(&opts.speed, "speed", kinematics.HighSpeed, "linear speed in m/s at full deflection")
	cmd.Flags().DurationVar(&opts.duration, "duration", time.Second, "how long to drive")
	cmd.Flags().DurationVar(&opts.interval, "interval", 100*time.Millisecond, "command repeat interval")

	return cmd
}

func runDrive(cmd *cobra.Command, root *rootOptions, opts *driveOptions) error {
	if opts.interval <= 0 {
		return errors.New("interval must be positive")
	}
	move, err := command.FromJoystick(opts.x, opts.y, opts.speed, kinematics.DefaultGeometry()).Encode()
	if err != nil {
		return err
	}
	halt, err := command.Stop().Encode()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := root.openRuntime(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = rt.Close()
	}()

	driveCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	var sent, dropped int
	for driveCtx.Err() == nil {
		_, err := rt.Bridge.SendCommand(move)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, dispatch.ErrBackpressure):
			dropped++
		default:
			return fmt.Errorf("drive: %w", err)
		}
		select {
		case <-driveCtx.Done():
		case <-ticker.C:
		}
	}

	// The stop command goes out even after an interrupt.
	if err := sendAndWait(context.Background(), rt, halt, defaultAckWait); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "drove %s: sent=%d dropped=%d, stopped\n", opts.duration, sent, dropped)

	return nil
}
