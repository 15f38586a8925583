package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := rootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd(out io.Writer) *cobra.Command {
	c := newClient(out)
	root := &cobra.Command{
		Use:   "cpmbanditctl",
		Short: "Command-line client for the cpmbandit admin API",
		Long: `Manage cpmbandit campaigns, step them manually and inspect their history.

Environment:
  CPMBANDIT_URL           server base URL (default http://localhost:8090)
  CPMBANDIT_ADMIN_TOKEN   bearer token for /v1`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.base, "url", c.base, "Server base URL")
	root.PersistentFlags().StringVar(&c.token, "token", c.token, "Admin bearer token")

	root.AddCommand(statusCmd(c))
	root.AddCommand(campaignsCmd(c))
	root.AddCommand(stepCmd(c))
	root.AddCommand(armsCmd(c))
	root.AddCommand(scheduleCmd(c))
	root.AddCommand(unscheduleCmd(c))
	root.AddCommand(stepsCmd(c))
	root.AddCommand(auditCmd(c))
	root.AddCommand(eventsCmd(c))
	root.AddCommand(vaultCmd(c))
	root.AddCommand(workflowsCmd(c))
	root.AddCommand(tsdbCmd(c))
	root.AddCommand(versionCmd(c))
	return root
}

func statusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodGet, "/healthz", nil)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	}
}

// readBody loads a JSON document from path, or from stdin when path is "-".
func readBody(path string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return body, nil
}

func campaignsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaigns",
		Short: "List and manage campaigns",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered campaigns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodGet, "/v1/campaigns", nil)
			if err != nil {
				return err
			}
			items, _ := result["campaigns"].([]any)
			if len(items) == 0 {
				_, _ = fmt.Fprintln(c.out, "No campaigns registered.")
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ADVERT\tMETRIC\tPULLS\tPENDING ARM\tPENDING CPM")
			for _, it := range items {
				m, _ := it.(map[string]any)
				spec, _ := m["spec"].(map[string]any)
				pending, _ := m["pending"].(map[string]any)
				_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n",
					spec["advert_id"], valueOr(spec["reward_metric"], "roi_orders"), m["total_pulls"],
					valueOr(pending["arm"], "-"), valueOr(pending["cpm"], "-"))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <advert_id>",
		Short: "Show a campaign and its arm statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodGet, "/v1/campaigns/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	})

	var createFile string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a campaign from a JSON spec",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(createFile)
			if err != nil {
				return err
			}
			result, err := c.call(http.MethodPost, "/v1/campaigns", body)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	}
	create.Flags().StringVarP(&createFile, "file", "f", "-", "Spec file (JSON, - for stdin)")
	cmd.AddCommand(create)

	var replaceFile string
	replace := &cobra.Command{
		Use:   "replace <advert_id>",
		Short: "Replace a campaign's spec, keeping its learned state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(replaceFile)
			if err != nil {
				return err
			}
			result, err := c.call(http.MethodPut, "/v1/campaigns/"+url.PathEscape(args[0]), body)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	}
	replace.Flags().StringVarP(&replaceFile, "file", "f", "-", "Spec file (JSON, - for stdin)")
	cmd.AddCommand(replace)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <advert_id>",
		Short: "Remove a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.call(http.MethodDelete, "/v1/campaigns/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Campaign %s removed.\n", args[0])
			return nil
		},
	})
	return cmd
}

func stepCmd(c *client) *cobra.Command {
	var (
		file       string
		currentCPM float64
		apply      bool
		key        string
	)
	cmd := &cobra.Command{
		Use:   "step <advert_id>",
		Short: "Feed one period of statistics and get the next bid",
		Long: `Reads a step body ({"current_cpm": ..., "snapshot": {...}}) from --file
and posts it to the campaign. --cpm overrides current_cpm in the body.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(file)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cpm") {
				body["current_cpm"] = currentCPM
			}
			path := "/v1/campaigns/" + url.PathEscape(args[0]) + "/step"
			if apply {
				path += "?apply=true"
			}
			var headers []string
			if key != "" {
				headers = []string{"Idempotency-Key", key}
			}
			result, err := c.call(http.MethodPost, path, body, headers...)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Step body file (JSON, - for stdin)")
	cmd.Flags().Float64Var(&currentCPM, "cpm", 0, "Current CPM")
	cmd.Flags().BoolVar(&apply, "apply", false, "Push the new bid to the marketplace")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency-Key header")
	return cmd
}

func armsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arms",
		Short: "Show or replace a campaign's arm set",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <advert_id>",
		Short: "Show arms and their statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodGet, "/v1/campaigns/"+url.PathEscape(args[0])+"/arms", nil)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <advert_id> <arm>...",
		Short: "Replace the arm set",
		Example: "  cpmbanditctl arms set 1001 -- -10% 0% +10%",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodPut, "/v1/campaigns/"+url.PathEscape(args[0])+"/arms",
				map[string]any{"arms": args[1:]})
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	})
	return cmd
}

func scheduleCmd(c *client) *cobra.Command {
	var cron string
	cmd := &cobra.Command{
		Use:   "schedule <advert_id>",
		Short: "Start the campaign's cron workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if cron != "" {
				body = map[string]any{"cron": cron}
			}
			result, err := c.call(http.MethodPost, "/v1/campaigns/"+url.PathEscape(args[0])+"/schedule", body)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Scheduled %s (run %v).\n", args[0], result["run_id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "Cron expression (server default when empty)")
	return cmd
}

func unscheduleCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule <advert_id>",
		Short: "Stop the campaign's cron workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.call(http.MethodDelete, "/v1/campaigns/"+url.PathEscape(args[0])+"/schedule", nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Unscheduled %s.\n", args[0])
			return nil
		},
	}
}

func stepsCmd(c *client) *cobra.Command {
	var (
		advertID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Show recent optimisation steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if advertID != "" {
				q.Set("advert_id", advertID)
			}
			result, err := c.call(http.MethodGet, "/v1/steps?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			steps, _ := result["steps"].([]any)
			if len(steps) == 0 {
				_, _ = fmt.Fprintln(c.out, "No steps recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIMESTAMP\tADVERT\tARM\tCPM\tREWARD\tAPPLIED\tERROR")
			for _, s := range steps {
				m, _ := s.(map[string]any)
				_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v -> %v\t%v\t%v\t%v\n",
					m["timestamp"], m["advert_id"], m["arm"], m["previous_cpm"], m["new_cpm"],
					m["reward"], m["applied"], valueOr(m["error_class"], "-"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&advertID, "advert", "", "Only show steps for this advert")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func auditCmd(c *client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the admin audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodGet, "/v1/audit?limit="+strconv.Itoa(limit), nil)
			if err != nil {
				return err
			}
			logs, _ := result["logs"].([]any)
			if len(logs) == 0 {
				_, _ = fmt.Fprintln(c.out, "No audit entries.")
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIMESTAMP\tACTION\tRESOURCE\tREQUEST_ID")
			for _, l := range logs {
				m, _ := l.(map[string]any)
				_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\n",
					m["timestamp"], m["action"], valueOr(m["resource"], "-"), valueOr(m["request_id"], "-"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func eventsCmd(c *client) *cobra.Command {
	var advertID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream live step and workflow events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/events"
			if advertID != "" {
				path += "?advert_id=" + url.QueryEscape(advertID)
			}
			return c.streamEvents(path)
		},
	}
	cmd.Flags().StringVar(&advertID, "advert", "", "Only stream events for this advert")
	return cmd
}

func vaultCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Unlock, lock or load secrets into the vault",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "unlock <password>",
		Short: "Unlock the vault (sets the password on first use)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.call(http.MethodPost, "/v1/vault/unlock", map[string]any{"admin_password": args[0]}); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, "Vault unlocked.")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lock",
		Short: "Lock the vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.call(http.MethodPost, "/v1/vault/lock", nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, "Vault locked.")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "token <marketplace-token>",
		Short: "Store the marketplace API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.call(http.MethodPut, "/v1/vault/marketplace-token", map[string]any{"token": args[0]}); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, "Marketplace token stored.")
			return nil
		},
	})
	return cmd
}

func workflowsCmd(c *client) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "workflows [advert_id]",
		Short: "List optimisation workflows, or describe one campaign's workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/workflows"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			} else if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			result, err := c.call(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by execution status (e.g. Running)")
	return cmd
}

func tsdbCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsdb",
		Short: "Query the time-series store",
	}

	var (
		advertID, arm, start, end string
		step                      int64
	)
	query := &cobra.Command{
		Use:   "query <metric>",
		Short: "Query a metric series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("metric", args[0])
			for k, v := range map[string]string{"advert_id": advertID, "arm": arm, "start": start, "end": end} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if step > 0 {
				q.Set("step", strconv.FormatInt(step, 10))
			}
			result, err := c.call(http.MethodGet, "/v1/tsdb/query?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			c.printJSON(result)
			return nil
		},
	}
	query.Flags().StringVar(&advertID, "advert", "", "Advert ID")
	query.Flags().StringVar(&arm, "arm", "", "Arm label")
	query.Flags().StringVar(&start, "start", "", "Start (RFC3339 or unix ms)")
	query.Flags().StringVar(&end, "end", "", "End (RFC3339 or unix ms)")
	query.Flags().Int64Var(&step, "step", 0, "Downsample bucket in ms")
	cmd.AddCommand(query)

	cmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "List recorded metric names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodGet, "/v1/tsdb/metrics", nil)
			if err != nil {
				return err
			}
			names, _ := result["metrics"].([]any)
			for _, n := range names {
				_, _ = fmt.Fprintln(c.out, n)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete points older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.call(http.MethodPost, "/v1/tsdb/prune", nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "Pruned %v points.\n", result["deleted"])
			return nil
		},
	})
	return cmd
}

func versionCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(c.out, "cpmbanditctl %s\n", version)
		},
	}
}

func valueOr(v any, def string) any {
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return def
	}
	if v == nil {
		return def
	}
	return v
}
