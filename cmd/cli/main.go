package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string

	auditLimit   int
	auditDurable bool
	auditPhase   string

	buildCommand string
	startCommand string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "remedyctl",
		Short:        "CLI client for the remedy engine admin API",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("REMEDY_API_KEY"), "API key")

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/health", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "memory",
		Short: "Show repair memory entries and statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/memory", nil)
		},
	})

	// Snapshot export/import
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import a repair memory snapshot",
	}
	snapshot.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the repair memory snapshot as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/memory/snapshot", nil)
		},
	})
	snapshot.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Merge a snapshot file into repair memory",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotImport,
	})
	root.AddCommand(snapshot)

	root.AddCommand(&cobra.Command{
		Use:   "patterns",
		Short: "List known failure patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/patterns", nil)
		},
	})

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, auditPath(auditLimit, auditDurable, auditPhase), nil)
		},
	}
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum records to return (server default when 0)")
	auditCmd.Flags().BoolVar(&auditDurable, "durable", false, "Read from the database instead of in-process history")
	auditCmd.Flags().StringVar(&auditPhase, "phase", "", "Only records of this phase (probe, build, deploy, guardian, memory, admin)")
	root.AddCommand(auditCmd)

	root.AddCommand(&cobra.Command{
		Use:   "monitors",
		Short: "Show guardian monitor status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/monitors", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run-monitor [name]",
		Short: "Run one monitor tick now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/monitors/"+url.PathEscape(args[0])+"/run", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "set-interval [name] [interval]",
		Short: "Change a monitor's check interval (e.g. 30s, 5m)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"interval": args[1]}
			return call(cmd, http.MethodPut, "/monitors/"+url.PathEscape(args[0])+"/interval", body)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "probe [root]",
		Short: "Run the pre-flight probe against a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/probe", map[string]any{"root": firstArg(args)})
		},
	})

	deployCmd := &cobra.Command{
		Use:   "deploy [root]",
		Short: "Probe, build with repair, start, and begin monitoring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/deploy", map[string]any{
				"root":          firstArg(args),
				"build_command": buildCommand,
				"start_command": startCommand,
			})
		},
	}
	deployCmd.Flags().StringVar(&buildCommand, "build", "", "Build command (server default when empty)")
	deployCmd.Flags().StringVar(&startCommand, "start", "", "Start command (server default when empty)")
	root.AddCommand(deployCmd)

	return root
}

func runSnapshotImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	var entries json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%s is not a JSON snapshot: %w", args[0], err)
	}
	return call(cmd, http.MethodPost, "/memory/snapshot", entries)
}

func auditPath(limit int, durable bool, phase string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if durable {
		q.Set("durable", "true")
	}
	if phase != "" {
		q.Set("phase", phase)
	}
	if len(q) == 0 {
		return "/audit"
	}
	return "/audit?" + q.Encode()
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
