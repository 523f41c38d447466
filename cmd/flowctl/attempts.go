package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/expressions"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// finish prints the attempt, waiting for it first when wait is set.
func (a *app) finish(cmd *cobra.Command, attemptID int64, wait bool) error {
	ctx := cmd.Context()
	if !wait {
		snap, err := a.ctrl.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), a.output, snap)
	}
	snap, err := waitAttempt(ctx, a.ctrl, attemptID, func(s *engine.AttemptSnapshot) {
		a.logger.Info("attempt progress", "attempt_id", s.ID, "status", s.Status, "tasks", s.Tasks)
	})
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), a.output, snap); err != nil {
		return err
	}
	return outcome(snap)
}

func newStartCmd(a *app) *cobra.Command {
	var (
		session    string
		pairs      []string
		paramsFile string
		name       string
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "start WORKFLOW",
		Short: "Start an attempt of a workflow for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionTime, err := parseTimeFlag("session", session)
			if err != nil {
				return err
			}
			params, err := parseParams(paramsFile, pairs)
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			att, err := a.ctrl.StartAttempt(cmd.Context(), engine.StartRequest{
				Project:     a.cfg.Project,
				Workflow:    args[0],
				SessionTime: sessionTime,
				Params:      params,
				Name:        name,
			})
			if err != nil {
				return err
			}
			return a.finish(cmd, att.ID, wait)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session time, RFC3339 (default: now)")
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "Attempt parameter key=value (repeatable)")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "YAML file of attempt parameters")
	cmd.Flags().StringVar(&name, "name", "", "Attempt name")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the attempt to finish")
	return cmd
}

func newKillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill ATTEMPT_ID",
		Short: "Request cancellation of a running attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "attempt id")
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if err := a.ctrl.KillAttempt(cmd.Context(), id); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, map[string]any{"ok": true, "attempt_id": id})
		},
	}
}

func newRetryCmd(a *app) *cobra.Command {
	var (
		mode string
		from string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "retry ATTEMPT_ID",
		Short: "Re-run a finished attempt as a new attempt of the same session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "attempt id")
			if err != nil {
				return err
			}
			sel := schema.RetrySelector{Mode: mode, From: from}
			if from != "" && mode == schema.RetryFailed {
				sel.Mode = schema.RetryFrom
			}
			if err := sel.Validate(); err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			att, err := a.ctrl.RetryAttempt(cmd.Context(), id, sel)
			if err != nil {
				return err
			}
			return a.finish(cmd, att.ID, wait)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", schema.RetryFailed, "Tasks to re-run: all, failed or from")
	cmd.Flags().StringVar(&from, "from", "", "Full task name to re-run from, e.g. +wf+load")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the new attempt to finish")
	return cmd
}

func newBackfillCmd(a *app) *cobra.Command {
	var (
		from, to string
		count    int
		dryRun   bool
		name     string
	)
	cmd := &cobra.Command{
		Use:   "backfill SCHEDULE_ID",
		Short: "Start attempts for schedule slots in [from, to) that have no session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "schedule id")
			if err != nil {
				return err
			}
			start, err := parseTimeFlag("from", from)
			if err != nil {
				return err
			}
			end, err := parseTimeFlag("to", to)
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			res, err := a.ctrl.Backfill(cmd.Context(), id, start, end, engine.BackfillOptions{
				Count: count, DryRun: dryRun, Name: name,
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, res)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "First slot, RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "End of the range (exclusive), RFC3339")
	cmd.Flags().IntVar(&count, "count", 0, "Maximum attempts to start (0: no limit)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list the session times")
	cmd.Flags().StringVar(&name, "name", "", "Attempt name")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newAttemptCmd(a *app) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "attempt ATTEMPT_ID",
		Short: "Show an attempt with task counts by state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "attempt id")
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			return a.finish(cmd, id, wait)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the attempt to finish")
	return cmd
}

func newAttemptsCmd(a *app) *cobra.Command {
	var (
		workflow string
		running  bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List recent attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			filter := store.AttemptFilter{WorkflowName: workflow, Limit: limit}
			if running {
				done := false
				filter.Done = &done
			}
			list, err := a.ctrl.ListAttempts(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, list)
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "Only attempts of this workflow")
	cmd.Flags().BoolVar(&running, "running", false, "Only unfinished attempts")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum attempts listed")
	return cmd
}

func newTasksCmd(a *app) *cobra.Command {
	var (
		all    bool
		filter string
	)
	cmd := &cobra.Command{
		Use:   "tasks ATTEMPT_ID",
		Short: "Show the task snapshots of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "attempt id")
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			tasks, err := a.ctrl.GetTasks(cmd.Context(), id, all)
			if err != nil {
				return err
			}
			if filter == "" {
				return printResult(cmd.OutOrStdout(), a.output, tasks)
			}
			out, err := expressions.NewGoJQEngine().Filter(cmd.Context(), filter, tasks)
			if err != nil {
				return err
			}
			for _, v := range out {
				if err := printResult(cmd.OutOrStdout(), a.output, v); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include rows replaced by a group retry")
	cmd.Flags().StringVar(&filter, "jq", "", "jq filter applied to the task list")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events ATTEMPT_ID",
		Short: "Show the task event log of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "attempt id")
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			events, err := a.ctrl.Events(cmd.Context(), id, since)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, events)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Only events after this event id")
	return cmd
}

func newSchedulesCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List the schedules of the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			project := a.cfg.Project
			if all {
				project = ""
			}
			list, err := a.ctrl.ListSchedules(cmd.Context(), project)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), a.output, list)
		},
	}
	cmd.Flags().BoolVar(&all, "all-projects", false, "List schedules of every project")
	return cmd
}
