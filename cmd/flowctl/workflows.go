package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/streaming"
)

func newPushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "push FILE...",
		Short: "Store workflow definitions as new revisions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			pushed := make([]map[string]any, 0, len(args))
			for _, path := range args {
				def, err := readDefinition(path)
				if err != nil {
					return err
				}
				wf, err := a.ctrl.PushWorkflow(cmd.Context(), a.cfg.Project, def)
				if err != nil {
					return err
				}
				pushed = append(pushed, map[string]any{
					"workflow_id": wf.ID,
					"name":        wf.Name,
					"revision":    wf.Revision,
					"file":        path,
				})
			}
			return printResult(cmd.OutOrStdout(), a.output, pushed)
		},
	}
}

// newRunCmd pushes a workflow, starts it and drives it with an in-process
// dispatcher until it finishes.
func newRunCmd(a *app) *cobra.Command {
	var (
		session    string
		pairs      []string
		paramsFile string
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Push a workflow and run one attempt in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			sessionTime, err := parseTimeFlag("session", session)
			if err != nil {
				return err
			}
			params, err := parseParams(paramsFile, pairs)
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}
			if _, err := a.ctrl.PushWorkflow(ctx, a.cfg.Project, def); err != nil {
				return err
			}
			att, err := a.ctrl.StartAttempt(ctx, engine.StartRequest{
				Project:     a.cfg.Project,
				Workflow:    def.Name,
				SessionTime: sessionTime,
				Params:      params,
			})
			if err != nil {
				return err
			}

			hub := streaming.NewMemoryHub()
			events, cancel, err := hub.Subscribe(ctx, streaming.Filter{AttemptID: att.ID})
			if err != nil {
				return err
			}
			followed := make(chan struct{})
			go func() {
				defer close(followed)
				for ev := range events {
					a.logger.Info(ev.Type, "task_id", ev.TaskID, "from", ev.From, "to", ev.To)
				}
			}()

			d, err := a.newDispatcher(nil, engine.WithHub(hub))
			if err != nil {
				cancel()
				return err
			}
			defer d.Pool().Shutdown()
			_, err = d.RunUntilDone(ctx, att.ID)
			cancel()
			<-followed
			if n := hub.Dropped(); n > 0 {
				a.logger.Warn("transition log incomplete", "dropped_events", n)
			}
			if err != nil {
				return err
			}

			snap, err := a.ctrl.GetAttempt(ctx, att.ID)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), a.output, snap); err != nil {
				return err
			}
			return outcome(snap)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session time, RFC3339 (default: now)")
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "Attempt parameter key=value (repeatable)")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "YAML file of attempt parameters")
	return cmd
}
