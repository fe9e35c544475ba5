// opsctl is a command-line client for the crucible backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/operations"
)

var (
	Version = "dev"

	serverURL string
	outputRaw bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "Inspect and control crucible operations",
		Version:       Version,
		SilenceUsage: true,
	}
	defaultServer := os.Getenv("CRUCIBLE_BACKEND_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Backend base URL")
	rootCmd.PersistentFlags().BoolVar(&outputRaw, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(
		listCmd(),
		getCmd(),
		cancelCmd(),
		resumeCmd(),
		retryCmd(),
		watchCmd(),
		researchCmd(),
		workersCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func client() *apiClient {
	return newAPIClient(serverURL)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type operationRow struct {
	ID                string              `json:"operation_id"`
	Type              model.OperationType `json:"operation_type"`
	Status            model.Status        `json:"status"`
	ParentOperationID string              `json:"parent_operation_id"`
	Progress          model.Progress      `json:"progress"`
	CreatedAt         time.Time           `json:"created_at"`
	ErrorMessage      string              `json:"error_message"`
}

type listResponse struct {
	Operations  []operationRow `json:"operations"`
	TotalCount  int            `json:"total_count"`
	ActiveCount int            `json:"active_count"`
}

func listCmd() *cobra.Command {
	var (
		status     string
		opType     string
		activeOnly bool
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if opType != "" {
				q.Set("operation_type", opType)
			}
			if activeOnly {
				q.Set("active_only", "true")
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var resp listResponse
			if err := client().get(cmd.Context(), "/api/v1/operations", q, &resp); err != nil {
				return err
			}
			if outputRaw {
				return printJSON(resp)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPROGRESS\tCREATED\tPARENT")
			for _, op := range resp.Operations {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%s\t%s\n",
					op.ID, op.Type, op.Status, op.Progress.Percentage,
					op.CreatedAt.Local().Format(time.DateTime), op.ParentOperationID)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d shown, %d total, %d active\n", len(resp.Operations), resp.TotalCount, resp.ActiveCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&opType, "type", "", "Filter by operation type")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only pending and running operations")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size (max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <operation-id>",
		Short: "Show one operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op model.Operation
			if err := client().get(cmd.Context(), "/api/v1/operations/"+url.PathEscape(args[0]), nil, &op); err != nil {
				return err
			}
			if outputRaw {
				return printJSON(op)
			}
			fmt.Printf("Operation:  %s\n", op.ID)
			fmt.Printf("Type:       %s\n", op.Type)
			fmt.Printf("Status:     %s\n", op.Status)
			fmt.Printf("Progress:   %.1f%% %s\n", op.Progress.Percentage, op.Progress.CurrentStep)
			if op.ParentOperationID != "" {
				fmt.Printf("Parent:     %s\n", op.ParentOperationID)
			}
			if phase := op.MetadataString(model.MetaPhase); phase != "" {
				fmt.Printf("Phase:      %s\n", phase)
			}
			if op.ErrorMessage != "" {
				fmt.Printf("Error:      %s\n", op.ErrorMessage)
			}
			if len(op.ResultSummary) > 0 {
				fmt.Println("Result:")
				return printJSON(op.ResultSummary)
			}
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	var (
		reason string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "cancel <operation-id>",
		Short: "Cancel an operation and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res operations.CancelResult
			body := map[string]any{"reason": reason, "force": force}
			if err := client().do(cmd.Context(), http.MethodDelete, "/api/v1/operations/"+url.PathEscape(args[0]), body, &res); err != nil {
				return err
			}
			if outputRaw {
				return printJSON(res)
			}
			fmt.Printf("Cancelled %s (checkpoint created: %t)\n", res.OperationID, res.CheckpointCreated)
			for _, child := range res.ChildrenCancelled {
				fmt.Printf("  child %s cancelled\n", child)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the cancellation checkpoint")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <operation-id>",
		Short: "Resume a cancelled or failed operation from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res operations.ResumeResult
			if err := client().do(cmd.Context(), http.MethodPost, "/api/v1/operations/"+url.PathEscape(args[0])+"/resume", nil, &res); err != nil {
				return err
			}
			if outputRaw {
				return printJSON(res)
			}
			fmt.Printf("Resumed %s from checkpoint %s (%s", res.OperationID, res.ResumedFrom.CheckpointID, res.ResumedFrom.CheckpointType)
			if res.ResumedFrom.Epoch > 0 {
				fmt.Printf(", epoch %d", res.ResumedFrom.Epoch)
			}
			fmt.Println(")")
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Start a fresh copy of a failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op model.Operation
			if err := client().do(cmd.Context(), http.MethodPost, "/api/v1/operations/"+url.PathEscape(args[0])+"/retry", nil, &op); err != nil {
				return err
			}
			if outputRaw {
				return printJSON(op)
			}
			fmt.Printf("Retry started as %s (%s)\n", op.ID, op.Status)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <operation-id>",
		Short: "Follow an operation's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, client(), args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval")
	return cmd
}

func watch(ctx context.Context, c *apiClient, id string, interval time.Duration) error {
	path := "/api/v1/operations/" + url.PathEscape(id)
	bar := progressbar.Default(100, id)
	defer bar.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var p operations.AggregatedProgress
		if err := c.get(ctx, path+"/progress", nil, &p); err != nil {
			return err
		}
		bar.Describe(fmt.Sprintf("%s %s", p.Status, p.CurrentStep))
		if err := bar.Set(int(p.Percentage)); err != nil {
			return err
		}

		if p.Status.Terminal() {
			var op model.Operation
			if err := c.get(ctx, path, nil, &op); err != nil {
				return err
			}
			fmt.Println()
			switch op.Status {
			case model.StatusCompleted:
				fmt.Printf("%s completed\n", id)
				if len(op.ResultSummary) > 0 {
					return printJSON(op.ResultSummary)
				}
				return nil
			default:
				return fmt.Errorf("%s %s: %s", id, op.Status, op.ErrorMessage)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func researchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research",
		Short: "Manage research operations",
	}

	var (
		params []string
		follow bool
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a research operation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			var op model.Operation
			c := client()
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/research", map[string]any{"parameters": parsed}, &op); err != nil {
				return err
			}
			if outputRaw {
				return printJSON(op)
			}
			fmt.Printf("Research started: %s\n", op.ID)
			if !follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, c, op.ID, time.Second)
		},
	}
	start.Flags().StringArrayVarP(&params, "param", "p", nil, "Research parameter as key=value (repeatable)")
	start.Flags().BoolVarP(&follow, "follow", "f", false, "Watch the research until it finishes")

	cmd.AddCommand(start)
	return cmd
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON (numbers, booleans, objects) keep their type; the rest are strings.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func workersCmd() *cobra.Command {
	var workerType string
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if workerType != "" {
				q.Set("type", workerType)
			}
			var workers []model.Worker
			if err := client().get(cmd.Context(), "/api/v1/workers", q, &workers); err != nil {
				return err
			}
			if outputRaw {
				return printJSON(workers)
			}
			if len(workers) == 0 {
				fmt.Println("no workers registered")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tENDPOINT\tBUSY\tOPERATION\tLAST SEEN")
			for _, w := range workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
					w.ID, w.Type, w.EndpointURL, w.Busy, w.CurrentOperationID,
					time.Since(w.LastHealthCheckAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&workerType, "type", "", "Filter by worker type")
	return cmd
}
