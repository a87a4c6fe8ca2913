package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/bpsync/internal/core"
	"github.com/3cpo-dev/bpsync/internal/fetch"
	"github.com/3cpo-dev/bpsync/internal/ledger"
	"github.com/3cpo-dev/bpsync/internal/manifest"
	"github.com/3cpo-dev/bpsync/internal/publish"
	"github.com/3cpo-dev/bpsync/internal/telemetry"
	"github.com/3cpo-dev/bpsync/pkg/api"
)

func userAgent() string { return "bpsync/" + version }

// Load the config file named by --config. Its proxy applies unless --proxy
// was given.
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	if proxy, _ := cmd.Flags().GetString("proxy"); proxy == "" && cfg.Proxy != "" {
		setProxy(cfg.Proxy)
	}
	return cfg, nil
}

// Sync the manifest's dependencies
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download and publish every dependency of a buildpack.toml",
		Example: "  bpsync sync --registry registry.example.com/buildpacks/deps --rewrite-toml\n" +
			"  bpsync sync --registry s3://mirror/deps --fetch-only",
		RunE: runSync,
	}
	cmd.Flags().String("manifest", "buildpack.toml", "path to buildpack.toml")
	cmd.Flags().String("registry", "", "target repository (host/path) or s3://bucket/prefix")
	cmd.Flags().String("username", "", "registry username")
	cmd.Flags().String("password", "", "registry password")
	cmd.Flags().String("temp-dir", "tmp_downloads", "staging directory for downloads")
	cmd.Flags().String("ledger", "", "ledger path, .json or .db (default <temp-dir>/ledger.json)")
	cmd.Flags().Int("concurrency", 4, "number of parallel transfers")
	cmd.Flags().Bool("fetch-only", false, "only download, never publish")
	cmd.Flags().Bool("publish-only", false, "only publish what is already downloaded")
	cmd.Flags().Bool("rewrite-toml", false, "write a copy of the manifest pointing at the mirrored artifacts")
	cmd.Flags().String("rewrite-output", "", "rewritten manifest path (default buildpack-modified.toml next to the manifest)")
	cmd.Flags().Bool("prune", false, "drop ledger tasks that left the manifest")
	cmd.Flags().Bool("plain-http", false, "talk to the registry over http")
	cmd.Flags().Bool("insecure", false, "skip TLS verification")
	return cmd
}

// applySyncFlags overrides cfg with every flag set on the command line.
func applySyncFlags(cmd *cobra.Command, cfg *core.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}
	str("manifest", &cfg.Manifest)
	str("registry", &cfg.Registry)
	str("username", &cfg.Username)
	str("password", &cfg.Password)
	str("temp-dir", &cfg.TempDir)
	str("ledger", &cfg.Ledger)
	if f.Changed("concurrency") {
		cfg.Concurrency, _ = f.GetInt("concurrency")
	}
	boolean("prune", &cfg.PruneStale)
	boolean("plain-http", &cfg.PlainHTTP)
	boolean("insecure", &cfg.Insecure)
}

func runSync(cmd *cobra.Command, args []string) error {
	fetchOnly, _ := cmd.Flags().GetBool("fetch-only")
	publishOnly, _ := cmd.Flags().GetBool("publish-only")
	// Conflicting modes fail before the config is read.
	if _, err := (core.Options{FetchOnly: fetchOnly, PublishOnly: publishOnly}).ResolveMode(); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applySyncFlags(cmd, &cfg)

	rewrite, _ := cmd.Flags().GetBool("rewrite-toml")
	rewriteOutput, _ := cmd.Flags().GetString("rewrite-output")

	opts := core.Options{
		ManifestPath:  cfg.Manifest,
		Target:        cfg.Registry,
		Credentials:   cfg.Credentials(),
		StagingDir:    cfg.TempDir,
		Concurrency:   cfg.Concurrency,
		FetchOnly:     fetchOnly,
		PublishOnly:   publishOnly,
		Rewrite:       rewrite,
		RewriteOutput: rewriteOutput,
		Prune:         cfg.PruneStale,
	}
	// Reject bad options before anything is opened.
	if err := opts.Validate(); err != nil {
		return err
	}
	mode, _ := opts.ResolveMode()

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer store.Close()

	deps := core.Deps{
		Reader:    manifest.TOMLReader{},
		Store:     store,
		Fetcher:   fetch.NewDefault(cfg.FetchOptions(userAgent())),
		Rewriter:  manifest.TOMLRewriter{},
		Telemetry: telemetry.NewCollector(true),
	}
	if mode.RunsPublish() {
		pub, err := publish.New(cfg.Registry, cfg.PublishOptions(userAgent()))
		if err != nil {
			return err
		}
		deps.Publisher = pub
	}

	summary, err := core.NewPipeline(opts, deps).Run(cmd.Context())
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary)
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d task(s) failed: %w", summary.Failed, api.ErrTasksFailed)
	}
	if summary.RewriteErr != nil {
		return summary.RewriteErr
	}
	return nil
}

func printSummary(w io.Writer, s *api.Summary) {
	fmt.Fprintf(w, "published: %d  failed: %d  pending: %d", s.Published, s.Failed, s.Pending)
	if s.Stale > 0 {
		fmt.Fprintf(w, "  stale: %d", s.Stale)
	}
	fmt.Fprintln(w)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "failed\t%s\t%s\n", f.ID, f.Error)
	}
	if s.Rewritten != "" {
		fmt.Fprintf(w, "rewritten manifest: %s\n", s.Rewritten)
	}
}

// ledgerPath resolves --ledger, falling back to the config.
func ledgerPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("ledger"); p != "" {
		return p, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.LedgerPath(), nil
}

// Inspect the ledger
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every task in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ledgerPath(cmd)
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no ledger at %s: %w", path, err)
			}
			store, err := ledger.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()
			if db, ok := store.(interface{ Ping(context.Context) error }); ok {
				if err := db.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("open ledger db: %w", err)
				}
			}
			l, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), output, l.Tasks())
		},
	}
	cmd.Flags().String("ledger", "", "ledger path (default <temp-dir>/ledger.json)")
	cmd.Flags().StringP("output", "o", "table", "output format: table, json, yaml")
	return cmd
}

func printTasks(w io.Writer, format string, tasks []ledger.Task) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(tasks)
	case "table", "":
	default:
		return &api.ConfigError{Field: "output", Message: fmt.Sprintf("unknown format %q", format)}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tDETAIL")
	for _, t := range tasks {
		detail := t.RemoteLocation
		switch t.State {
		case ledger.Failed:
			detail = t.LastError
		case ledger.Pending:
			detail = t.Source
		case ledger.Fetched, ledger.Fetching, ledger.Publishing:
			detail = t.LocalPath
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.ID, t.State, t.Attempts, strings.ReplaceAll(detail, "\n", " "))
	}
	return tw.Flush()
}

// Move the ledger aside
func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Move the ledger aside so the next sync starts from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ledgerPath(cmd)
			if err != nil {
				return err
			}
			backup, err := resetLedger(path, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger moved to %s\n", backup)
			return nil
		},
	}
	cmd.Flags().String("ledger", "", "ledger path (default <temp-dir>/ledger.json)")
	return cmd
}

// resetLedger renames path (and any SQLite sidecar files) to <path>.<unix>.bak.
func resetLedger(path string, now time.Time) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no ledger at %s: %w", path, err)
	}
	backup := fmt.Sprintf("%s.%d.bak", path, now.Unix())
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("move ledger: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			_ = os.Rename(path+suffix, backup+suffix)
		}
	}
	return backup, nil
}

// Generate shell completion
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion script",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
