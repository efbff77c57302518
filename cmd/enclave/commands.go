// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/enclave/internal/config"
	"github.com/jeranaias/enclave/internal/ingest"
	"github.com/jeranaias/enclave/internal/ledger"
	"github.com/jeranaias/enclave/internal/pipeline"
	"github.com/jeranaias/enclave/internal/policy"
	"github.com/jeranaias/enclave/internal/provider"
	"github.com/jeranaias/enclave/internal/retrieval"
	"github.com/jeranaias/enclave/internal/router"
	"github.com/jeranaias/enclave/internal/server"
	"github.com/jeranaias/enclave/internal/telemetry"
	"github.com/jeranaias/enclave/internal/util"
)

// =============================================================================
// APP WIRING
// =============================================================================

// appCtx holds the wired collaborators for one command invocation.
type appCtx struct {
	cfg      *config.Config
	registry *provider.Registry
	ledger   *ledger.Store
	pipeline *pipeline.Pipeline
	promReg  *prometheus.Registry
	log      zerolog.Logger
}

// buildApp wires everything from config. The caller must Close.
func buildApp() (*appCtx, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	registry := provider.NewRegistry(cfg, log)
	rt := router.New(cfg.Mode(), registry, log)
	red := policy.New(cfg.Policy.MaxSnippetLength, cfg.Policy.FullDocThreshold, cfg.Policy.SentinelMarkers)
	store := retrieval.NewStore()

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	promReg := prometheus.NewRegistry()
	metrics := telemetry.New(promReg)
	pl := pipeline.New(cfg, rt, red, store, led, metrics, log)

	return &appCtx{
		cfg:      cfg,
		registry: registry,
		ledger:   led,
		pipeline: pl,
		promReg:  promReg,
		log:      log,
	}, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			srv := server.New(a.cfg, a.pipeline, a.ledger, a.registry, a.promReg, a.log)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				a.log.Info().Str("signal", sig.String()).Msg("shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
}

// =============================================================================
// INDEX
// =============================================================================

func newIndexCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "index [dir]",
		Short: "Index a documents directory into a workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			dir := a.cfg.Ingest.DocumentsDir
			if len(args) == 1 {
				dir = args[0]
			}

			docs, err := ingest.LoadDir(dir)
			if err != nil {
				return fmt.Errorf("failed to load documents: %w", err)
			}

			res, err := a.pipeline.Index(cmd.Context(), workspace, docs)
			if err != nil {
				return err
			}

			fmt.Printf("Indexed %d documents (%d chunks) into workspace %q\n",
				res.DocumentCount, res.ChunkCount, workspace)
			if res.RunID != "" {
				fmt.Printf("Run: %s\n", res.RunID)
			}
			if res.AuditError != nil {
				fmt.Fprintf(os.Stderr, "Warning: audit record not written: %v\n", res.AuditError)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", server.DefaultWorkspace, "target workspace")
	return cmd
}

// =============================================================================
// QUERY
// =============================================================================

func newQueryCmd() *cobra.Command {
	var workspace, dir string
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question against indexed documents",
		Long: `Answer a question against a workspace. The retrieval index is
in-memory, so the documents directory is indexed first unless --dir is
set to the empty string.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			if dir != "" {
				docs, err := ingest.LoadDir(dir)
				if err != nil {
					return fmt.Errorf("failed to load documents: %w", err)
				}
				if _, err := a.pipeline.Index(cmd.Context(), workspace, docs); err != nil {
					return fmt.Errorf("indexing failed: %w", err)
				}
			}

			res, err := a.pipeline.Query(cmd.Context(), workspace, args[0])
			if err != nil {
				return err
			}

			fmt.Println(res.Answer)
			if len(res.Citations) > 0 {
				fmt.Println("\nSources:")
				for _, c := range res.Citations {
					fmt.Printf("  %d. %s\n", c.Rank, c.SourceHash[:12])
				}
			}
			if res.RunID != "" {
				fmt.Printf("\nRun: %s (%dms via %s)\n", res.RunID, res.LatencyMs, res.Provider)
			}
			if res.AuditError != nil {
				fmt.Fprintf(os.Stderr, "Warning: audit record not written: %v\n", res.AuditError)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", server.DefaultWorkspace, "target workspace")
	cmd.Flags().StringVar(&dir, "dir", "documents", "documents directory to index before querying")
	return cmd
}

// =============================================================================
// RUNS
// =============================================================================

func newRunsCmd() *cobra.Command {
	var workspace, runType string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List audit ledger runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			filter := ledger.ListFilter{
				WorkspaceID: workspace,
				Type:        ledger.RunType(runType),
				Limit:       limit,
			}
			runs, err := a.ledger.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%-10s  %-6s  %-16s  %-8s  %s\n",
					r.RunID, r.Type, util.TruncateRunes(r.WorkspaceID, 16), r.Provider,
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "filter by workspace")
	cmd.Flags().StringVarP(&runType, "type", "t", "", "filter by run type (index, query)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show one audit ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			rec, err := a.ledger.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Run:        %s (seq %d)\n", rec.RunID, rec.Seq)
			fmt.Printf("Workspace:  %s\n", rec.WorkspaceID)
			fmt.Printf("Type:       %s\n", rec.Type)
			fmt.Printf("Provider:   %s\n", rec.Provider)
			fmt.Printf("Created:    %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
			switch rec.Type {
			case ledger.RunTypeIndex:
				fmt.Printf("Documents:  %d\n", len(rec.DocumentHashes))
				fmt.Printf("Chunks:     %d\n", rec.ChunkCount)
			case ledger.RunTypeQuery:
				fmt.Printf("Query hash: %s\n", rec.QueryHash)
				fmt.Printf("Answer len: %d\n", rec.AnswerLength)
				fmt.Printf("Latency:    %dms\n", rec.LatencyMs)
				fmt.Printf("Sentinel:   %t\n", rec.SentinelFlagged)
				fmt.Printf("Truncated:  %t\n", rec.TruncationApplied)
				for _, c := range rec.Citations {
					fmt.Printf("  citation %d: source=%s excerpt=%s\n", c.Rank, c.SourceHash[:12], c.ExcerptHash[:12])
				}
			}
			fmt.Printf("Hash:       %s\n", rec.RecordHash)
			return nil
		},
	}
}

// =============================================================================
// STATS / CLEANUP / VERIFY
// =============================================================================

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <workspace>",
		Short: "Show per-workspace ledger aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			stats, err := a.ledger.GetWorkspaceStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Workspace:   %s\n", stats.WorkspaceID)
			fmt.Printf("Index runs:  %d\n", stats.IndexRunCount)
			fmt.Printf("Query runs:  %d\n", stats.QueryRunCount)
			fmt.Printf("Chunks:      %d\n", stats.TotalChunks)
			if !stats.LastActivity.IsZero() {
				fmt.Printf("Last active: %s\n", stats.LastActivity.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge ledger runs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			if days == 0 {
				days = a.cfg.Ledger.RetentionDays
			}
			deleted, err := a.ledger.CleanupOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d runs older than %d days\n", deleted, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default from config)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [workspace]",
		Short: "Verify the ledger's tamper-evident hash chain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.ledger.Close()

			var checked int
			if len(args) == 1 {
				checked, err = a.ledger.Verify(cmd.Context(), args[0])
			} else {
				checked, err = a.ledger.VerifyAll(cmd.Context())
			}
			if err != nil {
				if errors.Is(err, ledger.ErrChainBroken) {
					return fmt.Errorf("chain verification FAILED after %d records: %w", checked, err)
				}
				return err
			}
			fmt.Printf("Chain intact: %d records verified\n", checked)
			return nil
		},
	}
}

// =============================================================================
// CONFIG / VERSION
// =============================================================================

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flagConfig
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Mode:               %s\n", cfg.Routing.Mode)
			fmt.Printf("Generate provider:  %s\n", cfg.Routing.GenerateProvider)
			fmt.Printf("Embed provider:     %s\n", cfg.Routing.EmbedProvider)
			fmt.Printf("Local URL:          %s\n", cfg.Local.URL)
			fmt.Printf("Remote configured:  %t\n", cfg.Remote.APIKey != "")
			fmt.Printf("Max snippet length: %d\n", cfg.Policy.MaxSnippetLength)
			fmt.Printf("Full-doc threshold: %d\n", cfg.Policy.FullDocThreshold)
			fmt.Printf("Ledger path:        %s\n", cfg.Ledger.Path)
			fmt.Printf("Retention days:     %d\n", cfg.Ledger.RetentionDays)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("enclave %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		},
	}
}
