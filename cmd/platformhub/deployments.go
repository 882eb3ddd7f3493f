package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/domain"
	"github.com/olajaido/platform-hub/pkg/webhook"
)

func newDeploymentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deployment", "deploy"},
		Short:   "Create and follow deployments",
	}
	cmd.AddCommand(
		newDeploymentsListCmd(a),
		newDeploymentsCreateCmd(a),
		newDeploymentsStatusCmd(a),
		newDeploymentsLogsCmd(a),
		newDeploymentsWatchCmd(a),
		newDeploymentsReportCmd(a),
	)
	return cmd
}

func newDeploymentsListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			deployments, err := api.ListDeployments(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && limit < len(deployments) {
				deployments = deployments[:limit]
			}
			if done, err := encode(a.out, a.cfg.Output, deployments); done {
				return err
			}
			if len(deployments) == 0 {
				fmt.Fprintln(a.out, mutedStyle.Render("no deployments"))
				return nil
			}
			rows := make([][]string, 0, len(deployments))
			for _, dep := range deployments {
				rows = append(rows, []string{
					dep.ID,
					dep.Name,
					domain.ResourceType(dep.ResourceType).Label(),
					dep.Environment,
					statusChip(dep.Status),
					formatTime(dep.CreatedAt.Time),
				})
			}
			fmt.Fprintln(a.out, renderTable([]string{"ID", "NAME", "TYPE", "ENV", "STATUS", "CREATED"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of deployments to display")
	return cmd
}

func newDeploymentsCreateCmd(a *app) *cobra.Command {
	var (
		req    domain.DeploymentRequest
		kind   string
		params []string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request provisioning of a single resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ResourceType = domain.ResourceType(strings.TrimSpace(kind))
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			req.Parameters = parsed

			api, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			created, err := api.CreateDeployment(ctx, req)
			cancel()
			if err != nil {
				return err
			}
			if !watch {
				if done, err := encode(a.out, a.cfg.Output, created); done {
					return err
				}
				fmt.Fprintln(a.out, successMsg("%s (deployment %s)", created.Message, created.RequestID))
				return nil
			}
			fmt.Fprintln(a.err, successMsg("%s (deployment %s)", created.Message, created.RequestID))
			return runWatch(cmd.Context(), a, api, created.RequestID, watchOptions{})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&kind, "type", "t", "", "Resource type (ec2_instance|s3_bucket|rds_instance|security_group|elastic_ip|load_balancer|ecs_service)")
	flags.StringVarP(&req.Name, "name", "n", "", "Resource name")
	flags.StringVarP(&req.Environment, "env", "e", "dev", "Environment (dev|staging|prod)")
	flags.StringVarP(&req.Region, "region", "r", domain.DefaultRegion, "AWS region")
	flags.StringArrayVarP(&params, "param", "p", nil, "Resource parameter key=value (repeatable; values are parsed as JSON when possible)")
	flags.BoolVarP(&watch, "watch", "w", false, "Follow the deployment until it finishes")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON keep their type so that numbers and booleans survive.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, raw := range pairs {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", raw)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
			continue
		}
		out[key] = value
	}
	return out, nil
}

func newDeploymentsStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show the current status of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			status, err := api.DeploymentStatus(ctx, args[0])
			if err != nil {
				return notFoundHint(err, "deployment", args[0])
			}
			if done, err := encode(a.out, a.cfg.Output, status); done {
				return err
			}
			fmt.Fprint(a.out, renderStatus(status))
			return nil
		},
	}
}

func newDeploymentsLogsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print the logs of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			logs, err := api.DeploymentLogs(ctx, args[0])
			if err != nil {
				return notFoundHint(err, "deployment", args[0])
			}
			if logs == nil {
				logs = []string{}
			}
			if done, err := encode(a.out, a.cfg.Output, map[string]any{"logs": logs}); done {
				return err
			}
			for _, line := range logs {
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
}

func newDeploymentsReportCmd(a *app) *cobra.Command {
	var (
		update  webhook.Update
		status  string
		secret  string
		outputs []string
	)
	cmd := &cobra.Command{
		Use:   "report <deployment-id>",
		Short: "Report deployment progress from a provisioning pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = a.v.GetString("webhook_secret")
			}
			parsed, err := parseParams(outputs)
			if err != nil {
				return err
			}
			update.DeploymentID = args[0]
			update.Status = domain.ParseStatus(status)
			if len(parsed) > 0 {
				update.Outputs = parsed
			}
			reporter, err := webhook.NewReporter(a.cfg.APIBaseURL, secret, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := reporter.Report(ctx, update); err != nil {
				return err
			}
			fmt.Fprintln(a.out, successMsg("reported %s for %s", statusChip(update.Status), update.DeploymentID))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&status, "status", "s", "", "Status (pending|in_progress|completed|failed)")
	flags.StringVar(&secret, "secret", "", "Webhook secret (default $PLATFORMHUB_WEBHOOK_SECRET)")
	flags.StringArrayVar(&outputs, "set-output", nil, "Output key=value (repeatable)")
	flags.StringVar(&update.ErrorMessage, "error", "", "Error message for a failed deployment")
	flags.StringVar(&update.ResourceType, "type", "", "Resource type, when the API does not know the deployment yet")
	flags.StringVar(&update.Name, "name", "", "Resource name")
	flags.StringVar(&update.Environment, "env", "", "Environment")
	flags.StringVar(&update.Region, "region", "", "Region")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func renderStatus(st client.DeploymentStatus) string {
	pairs := []pair{
		kv("deployment", st.ID),
		kv("status", statusChip(st.Status)),
	}
	if st.Name != "" {
		pairs = append(pairs, kv("name", st.Name))
	}
	if st.ResourceType != "" {
		pairs = append(pairs, kv("type", domain.ResourceType(st.ResourceType).Label()))
	}
	if st.Environment != "" {
		pairs = append(pairs, kv("environment", st.Environment))
	}
	if st.Region != "" {
		pairs = append(pairs, kv("region", st.Region))
	}
	if !st.CreatedAt.IsZero() {
		pairs = append(pairs, kv("created", formatTime(st.CreatedAt.Time)))
	}
	if st.CompletedAt != nil {
		pairs = append(pairs, kv("completed", formatTime(st.CompletedAt.Time)))
	}
	if st.ErrorMessage != "" {
		pairs = append(pairs, kv("error", errorStyle.Render(st.ErrorMessage)))
	}
	out := keyValues("", pairs...)
	if len(st.Outputs) > 0 {
		out += labelStyle.Render("outputs:") + "\n" + outputPairs("  ", st.Outputs)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func notFoundHint(err error, kind, id string) error {
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return err
}
