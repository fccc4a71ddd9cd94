package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UniQw/uniqw-lectures/internal/app"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var stagesFlag string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume stage queues until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := app.ParseStages(stagesFlag)
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := ctx.ensureApp(signalCtx, false)
			if err != nil {
				return err
			}
			if err := a.RegisterStages(stages); err != nil {
				return err
			}

			srv := a.QueueServer(stages)
			srv.Start()
			a.Log.Info("worker started",
				zap.String("stages", strings.Join(stages, ",")),
				zap.Int("concurrency", a.Config.Worker.Concurrency),
				zap.String("redis", a.Config.Redis.Addr))

			<-signalCtx.Done()
			a.Log.Info("shutting down worker")
			srv.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&stagesFlag, "stages", "", "Comma-separated stages to consume (default all)")
	return cmd
}
