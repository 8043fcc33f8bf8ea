package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dispatch-tracker/internal/api"
	"dispatch-tracker/internal/dispatch"
)

const actionTimeout = 15 * time.Second

var assignTo string

var assignCmd = &cobra.Command{
	Use:   "assign <task-id> --to <technician-id>",
	Short: "Assign a task to a technician",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if assignTo == "" {
			return fmt.Errorf("--to is required")
		}
		return runAction(cmd, func(ctx context.Context, c *api.Client) (api.ActionResult, error) {
			return c.Assign(ctx, dispatch.ID(args[0]), dispatch.ID(assignTo))
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start an assigned task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, func(ctx context.Context, c *api.Client) (api.ActionResult, error) {
			return c.Start(ctx, dispatch.ID(args[0]))
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <task-id> <succeeded|failed>",
	Short: "Complete an in-transit task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, ok := dispatch.ParseTaskStatus(args[1])
		if !ok {
			return fmt.Errorf("%w: %q", dispatch.ErrUnknownStatus, args[1])
		}
		return runAction(cmd, func(ctx context.Context, c *api.Client) (api.ActionResult, error) {
			return c.Complete(ctx, dispatch.ID(args[0]), result)
		})
	},
}

func runAction(cmd *cobra.Command, call func(context.Context, *api.Client) (api.ActionResult, error)) error {
	e, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), actionTimeout)
	defer cancel()

	res, err := call(ctx, e.apiClient())
	if err != nil {
		return err
	}
	switch {
	case res.Status != "" && res.AssignedTo != "":
		fmt.Printf("task %s: %s (%s)\n", res.ID, res.Status, res.AssignedTo)
	case res.Status != "":
		fmt.Printf("task %s: %s\n", res.ID, res.Status)
	default:
		fmt.Println("ok")
	}
	return nil
}

func init() {
	assignCmd.Flags().StringVar(&assignTo, "to", "", "technician id")
	rootCmd.AddCommand(assignCmd, startCmd, completeCmd)
}
