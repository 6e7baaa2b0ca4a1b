package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"Stochastic-Bridge/sdk/go/stochastic"
)

func newSubmitCmd() *cobra.Command {
	var (
		id       string
		stop     []string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Queue a completion task on stochasticd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			task, err := client.SubmitTask(cmd.Context(), stochastic.TaskSubmission{ID: id, Prompt: args[0], Stop: stop})
			if err != nil {
				return err
			}
			if wait && !task.Terminal() {
				if task, err = client.WaitForTask(cmd.Context(), task.ID, interval); err != nil {
					return err
				}
			}
			return printJSON(cmd, task)
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "idempotency key; resubmitting returns the existing task")
	f.StringArrayVar(&stop, "stop", nil, "stop sequence; repeat for several")
	f.BoolVar(&wait, "wait", false, "block until the task finishes")
	f.DurationVar(&interval, "interval", time.Second, "poll interval used with --wait")
	return cmd
}

func newGetCmd() *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a queued completion task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var task stochastic.Task
			if wait {
				task, err = client.WaitForTask(cmd.Context(), args[0], interval)
			} else {
				task, err = client.GetTask(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the task finishes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval used with --wait")
	return cmd
}

func newAPIClient() (*stochastic.Client, error) {
	client, err := stochastic.NewClient(serverURL, nil)
	if err != nil {
		return nil, err
	}
	client.SetToken(apiToken)
	return client, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
