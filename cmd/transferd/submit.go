package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	transferapp "github.com/ahrav/transfer-armada/internal/app/transfer"
	"github.com/ahrav/transfer-armada/internal/domain/events"
)

// newSubmitter opens the shared store and task bus and builds a Submitter
// on top of them.
func newSubmitter(ctx context.Context, opts *rootOptions) (*app, *transferapp.Submitter, error) {
	a, err := newApp(opts, "client")
	if err != nil {
		return nil, nil, err
	}
	if err := a.requireShared(); err != nil {
		a.close()
		return nil, nil, err
	}

	repo, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	bus, _, err := a.openBuses(ctx)
	if err != nil {
		a.close()
		return nil, nil, err
	}

	sub, err := transferapp.NewSubmitter(repo, events.NewBusPublisher(bus), a.metrics, a.log, a.tracer)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return a, sub, nil
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var req transferapp.SubmitRequest

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a transfer from --source to --dest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, sub, err := newSubmitter(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			root, err := sub.Submit(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root.ID())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.TenantID, "tenant", "", "tenant id")
	flags.StringVar(&req.Owner, "owner", "", "user submitting the transfer")
	flags.StringVar(&req.Source, "source", "", "source URI")
	flags.StringVar(&req.Dest, "dest", "", "destination URI")
	return cmd
}

// newInterruptCmd builds the cancel and pause commands. Both take the id of
// a task in the tree to interrupt.
func newInterruptCmd(opts *rootOptions, kind string) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   kind + " TASK_ID",
		Short: "Request a " + kind + " of the transfer tree containing TASK_ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}
			if tenantID == "" {
				return errors.New("--tenant is required")
			}

			ctx := cmd.Context()
			a, sub, err := newSubmitter(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			if kind == "pause" {
				err = sub.Pause(ctx, tenantID, taskID)
			} else {
				err = sub.Cancel(ctx, tenantID, taskID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested for %s\n", kind, taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	return cmd
}
