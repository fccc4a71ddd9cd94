package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/UniQw/uniqw-lectures/internal/task"
)

func newTasksCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List lecture tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			if jsonOut {
				views, err := a.Lister.List(cmd.Context())
				if err != nil {
					return err
				}
				out, err := sonic.ConfigStd.MarshalIndent(views, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}

			tasks, err := a.Tasks.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Name", "Status", "Created", "Result"},
				buildTaskRows(tasks),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print tasks as JSON with download links")

	cmd.AddCommand(newTasksAddCommand(ctx))
	return cmd
}

func newTasksAddCommand(ctx *commandContext) *cobra.Command {
	var name, url string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task and queue its download",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			id, err := a.Ingester.Ingest(cmd.Context(), name, url)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Lecture title")
	cmd.Flags().StringVar(&url, "url", "", "Public video link")
	return cmd
}

func buildTaskRows(tasks []task.Task) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		result := ""
		switch {
		case t.ArtifactRef != nil:
			result = *t.ArtifactRef
		case t.Error != nil:
			result = truncate(*t.Error, 60)
		}
		rows = append(rows, []string{
			t.ID,
			truncate(t.Name, 40),
			t.Status.String(),
			t.CreatedAt.Local().Format(time.DateTime),
			result,
		})
	}
	return rows
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
