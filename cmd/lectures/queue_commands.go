package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/UniQw/uniqw-lectures/internal/pipeline"
	"github.com/UniQw/uniqw-lectures/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the stage queues",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show message counts per stage and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			counts := make(map[string]map[queue.State]int64, len(pipeline.Stages))
			for _, stage := range pipeline.Stages {
				c, err := a.Queue.Counts(cmd.Context(), stage)
				if err != nil {
					return fmt.Errorf("count %s: %w", stage, err)
				}
				counts[stage] = c
			}
			headers := []string{"Stage"}
			aligns := []columnAlignment{alignLeft}
			for _, st := range queue.AllStates {
				headers = append(headers, st.String())
				aligns = append(aligns, alignRight)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(headers, buildQueueStatusRows(counts), aligns))
			return nil
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var stage, state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages of a stage queue in one state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := queue.ParseState(state)
			if err != nil {
				return err
			}
			a, err := ctx.ensureApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			msgs, err := a.Queue.List(cmd.Context(), stage, st, nil)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s messages in %s\n", st, stage)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Retry", "Created", "Last error"},
				buildMessageRows(msgs),
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", pipeline.StageDownload, "Stage queue")
	cmd.Flags().StringVar(&state, "state", queue.StateDead.String(), "Message state")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Move dead messages back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := a.Queue.RetryDead(cmd.Context(), stage, id); err != nil {
					return fmt.Errorf("retry %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", pipeline.StageDownload, "Stage queue")
	return cmd
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete messages that are not being handled",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := a.Queue.Delete(cmd.Context(), stage, id); err != nil {
					return fmt.Errorf("remove %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", pipeline.StageDownload, "Stage queue")
	return cmd
}

func buildQueueStatusRows(counts map[string]map[queue.State]int64) [][]string {
	rows := make([][]string, 0, len(counts))
	for _, stage := range pipeline.Stages {
		c, ok := counts[stage]
		if !ok {
			continue
		}
		row := []string{stage}
		for _, st := range queue.AllStates {
			row = append(row, strconv.FormatInt(c[st], 10))
		}
		rows = append(rows, row)
	}
	return rows
}

func buildMessageRows(msgs []*queue.Message) [][]string {
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		created := ""
		if m.CreatedAt > 0 {
			created = time.UnixMilli(m.CreatedAt).Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			m.ID,
			fmt.Sprintf("%d/%d", m.Retry, m.MaxRetry),
			created,
			truncate(m.LastError, 60),
		})
	}
	return rows
}
