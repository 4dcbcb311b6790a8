// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bodaay/ggufpull/internal/tui"
	"github.com/bodaay/ggufpull/pkg/shards"
	"github.com/bodaay/ggufpull/pkg/snapshot"
)

// Environment variables consulted when the matching flag is not set.
const (
	EnvToken         = "HF_HUB_TOKEN"
	EnvTokenFallback = "HF_TOKEN"
	EnvEndpoint      = "HF_ENDPOINT"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string

	log      *zap.Logger
	closeLog func()
}

// pullOpts holds the flags of the pull (root) command.
type pullOpts struct {
	req   snapshot.Request
	cfg   snapshot.Settings
	token string

	mergeShards bool
	outputName  string
	mergeTool   string

	dryRun  bool
	planFmt string

	// config values that an environment variable outranks
	held map[string]string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if err := run(ctx, version, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func run(ctx context.Context, version string, args []string, stdout, stderr io.Writer) error {
	ro := &RootOpts{log: zap.NewNop(), closeLog: func() {}}
	defer func() { ro.closeLog() }()

	root := newRootCmd(ro, version, stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(ro *RootOpts, version string, stdout, stderr io.Writer) *cobra.Command {
	o := &pullOpts{cfg: snapshot.DefaultSettings()}
	defaults := snapshot.DefaultSettings()

	root := &cobra.Command{
		Use:   "ggufpull [REPO]",
		Short: "Download GGUF model files from the Hugging Face Hub and merge split shards",
		Long: `Downloads the files of a Hugging Face repository that match --pattern into
--out-dir, resuming and verifying as it goes. With --merge-shards, split parts
found in --out-dir are joined into one .gguf by llama.cpp's gguf-split.`,
		Example: `  ggufpull --repo Qwen/Qwen3-8B-GGUF --out-dir ./models --pattern '*Q4_K_M*'
  ggufpull owner/Big-GGUF -o ./models -p '*-of-*' --merge-shards --output-name big.gguf
  ggufpull owner/Model-GGUF --dry-run --plan-format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, closeFn, err := newLogger(ro, stderr)
			if err != nil {
				return err
			}
			ro.log, ro.closeLog = log, closeFn
			return nil
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			held, err := applyConfig(cmd, ro, "token", "endpoint")
			o.held = held
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.Context(), cmd, ro, o, args, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	// Global flags
	pf := root.PersistentFlags()
	pf.BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, plan, results)")
	pf.BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (results and errors only)")
	pf.BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	pf.StringVar(&ro.Config, "config", "", "Path to config file (JSON, YAML or TOML)")
	pf.StringVar(&ro.LogFile, "log-file", "", "Append JSON logs to file (in addition to stderr)")
	pf.StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	// Request flags
	f := root.Flags()
	f.StringVarP(&o.req.Repo, "repo", "r", "", "Repository ID (owner/name). If omitted, positional REPO is used")
	f.StringVarP(&o.cfg.OutputDir, "out-dir", "o", "", "Local directory to download into (created if missing)")
	f.StringArrayVarP(&o.req.Patterns, "pattern", "p", []string{"*.gguf"}, "Glob pattern for files to download; repeatable")
	f.StringArrayVarP(&o.req.Excludes, "exclude", "x", nil, "Glob pattern for files to leave out; repeatable")
	f.StringVarP(&o.token, "token", "t", "", "Hugging Face access token (default $"+EnvToken+", then $"+EnvTokenFallback+")")
	f.StringVarP(&o.req.Revision, "revision", "b", "main", "Revision/branch to download (e.g. main, refs/pr/1)")
	f.BoolVar(&o.req.IsDataset, "dataset", false, "Treat repo as a dataset")
	f.StringVar(&o.cfg.Endpoint, "endpoint", snapshot.DefaultEndpoint, "Hub endpoint (also reads $"+EnvEndpoint+")")

	// Merge flags
	f.BoolVar(&o.mergeShards, "merge-shards", false, "Merge split shards in --out-dir into one .gguf after download")
	f.StringVar(&o.outputName, "output-name", "", "Merged file name inside --out-dir (default <repo name>.gguf)")
	f.StringVar(&o.mergeTool, "merge-tool", "", "Merge command line (default llama-gguf-split or gguf-split on PATH)")

	// Transfer flags
	f.IntVarP(&o.cfg.Concurrency, "connections", "c", defaults.Concurrency, "Per-file concurrent connections for LFS range requests")
	f.IntVar(&o.cfg.MaxActiveDownloads, "max-active", defaults.MaxActiveDownloads, "Maximum number of files downloading at once")
	f.StringVar(&o.cfg.MultipartThreshold, "multipart-threshold", defaults.MultipartThreshold, "Use range downloads only for LFS files >= this size")
	f.StringVar(&o.cfg.Verify, "verify", defaults.Verify, "Verification for non-LFS files: none|size|sha256")
	f.IntVar(&o.cfg.Retries, "retries", defaults.Retries, "Max retries per HTTP request/part (0 disables retries)")
	f.StringVar(&o.cfg.BackoffInitial, "backoff-initial", defaults.BackoffInitial, "Initial retry backoff duration")
	f.StringVar(&o.cfg.BackoffMax, "backoff-max", defaults.BackoffMax, "Maximum retry backoff duration")

	// CLI-only flags
	f.BoolVar(&o.dryRun, "dry-run", false, "Plan only: print the file list and exit")
	f.StringVar(&o.planFmt, "plan-format", "table", "Plan output format for --dry-run: table|json|tree")

	root.AddCommand(newVersionCmd(ro, version))
	root.AddCommand(newConfigCmd(ro))
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	return root
}

func runPull(ctx context.Context, cmd *cobra.Command, ro *RootOpts, o *pullOpts, args []string, stdout, stderr io.Writer) error {
	req, cfg, err := finalize(cmd, o, args, os.Getenv)
	if err != nil {
		return err
	}
	log := ro.log.With(zap.String("repo", req.Repo))

	if o.dryRun {
		return printPlan(ctx, stdout, ro, o, req, cfg)
	}

	st := newStatus(stdout, ro)
	st.Step("Downloading from %s → %s (pattern=%s)", req.Repo, cfg.OutputDir, strings.Join(req.Patterns, ","))
	log.Debug("fetch settings",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("revision", req.Revision),
		zap.Strings("patterns", req.Patterns),
		zap.Strings("excludes", req.Excludes),
		zap.Bool("token", cfg.Token != ""))

	progress, closeUI := progressHandler(ro, req, stdout)
	dir, err := snapshot.Fetch(ctx, req, cfg, logProgress(log, progress))
	closeUI()
	if err != nil {
		return err
	}
	st.Result("Download complete; snapshot path: %s", dir)

	if !o.mergeShards {
		st.Skip("Merge flag not set; skipping shard merge check.")
		return nil
	}

	toolOut := stdout
	if ro.JSONOut {
		// keep stdout a clean JSON stream
		toolOut = stderr
	}
	m := &shards.Merger{Tool: o.mergeTool, Stdout: toolOut, Stderr: stderr, Logger: log}
	return mergeStep(ctx, st, m, dir, shards.OutputName(req.Repo, o.outputName))
}

// mergeStep detects shards in dir and merges them into dir/name when there
// are at least two.
func mergeStep(ctx context.Context, st *status, m *shards.Merger, dir, name string) error {
	names, err := shards.Detect(dir)
	if err != nil {
		return err
	}
	if len(names) < 2 {
		st.Skip("No multiple shards found (found %d file(s)). Skipping merge.", len(names))
		return nil
	}

	argv, err := m.Command(filepath.Join(dir, names[0]), filepath.Join(dir, name))
	if err != nil {
		return err
	}
	st.Step("Merging shards: %s", strings.Join(names, ", "))
	st.Step("Running: %s", strings.Join(argv, " "))

	out, err := m.Merge(ctx, dir, names, name)
	if err != nil {
		return err
	}
	st.Step("Merge complete → %s", out)
	st.Result("Merged model available at: %s", out)
	return nil
}

func progressHandler(ro *RootOpts, req snapshot.Request, stdout io.Writer) (snapshot.ProgressFunc, func()) {
	noop := func() {}
	switch {
	case ro.JSONOut:
		return jsonProgress(stdout), noop
	case ro.Quiet:
		return nil, noop
	}
	if f, ok := stdout.(*os.File); ok && tui.Interactive(f) {
		ui := tui.NewLiveRenderer(f, req.Repo)
		return ui.Handler(), func() {
			ui.Close()
			ro.log.Debug("transfer summary", zap.String("summary", ui.Summary()))
		}
	}
	return plainProgress(stdout), noop
}

func printPlan(ctx context.Context, stdout io.Writer, ro *RootOpts, o *pullOpts, req snapshot.Request, cfg snapshot.Settings) error {
	format := strings.ToLower(o.planFmt)
	switch format {
	case "table", "json", "tree":
	default:
		return fmt.Errorf("invalid --plan-format %q (want table|json|tree)", o.planFmt)
	}

	p, err := snapshot.PlanRepo(ctx, req, cfg)
	if err != nil {
		return err
	}
	if format == "json" || ro.JSONOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	fmt.Fprintf(stdout, "Plan for %s@%s (%d files, %s):\n", p.Repo, p.Revision, len(p.Items), humanize.IBytes(uint64(p.TotalSize())))
	if format == "tree" {
		writePlanTree(stdout, p.Items)
	} else {
		table := uitable.New()
		table.MaxColWidth = 80
		table.AddRow("PATH", "SIZE", "LFS", "SHA256")
		for _, it := range p.Items {
			sha := it.SHA256
			if len(sha) > 12 {
				sha = sha[:12]
			}
			table.AddRow(it.RelativePath, humanize.IBytes(uint64(it.Size)), it.LFS, sha)
		}
		fmt.Fprintln(stdout, table)
	}

	var split int
	for _, it := range p.Items {
		if !strings.Contains(it.RelativePath, "/") && (shards.Detector{}).IsShard(it.RelativePath) {
			split++
		}
	}
	if o.mergeShards {
		if split >= 2 {
			fmt.Fprintf(stdout, "Would merge %d shards into %s\n", split, shards.OutputName(req.Repo, o.outputName))
		} else {
			fmt.Fprintf(stdout, "No multiple shards in plan (found %d file(s)).\n", split)
		}
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// finalize merges positional args, environment and held config values into
// the request and settings for one run.
func finalize(cmd *cobra.Command, o *pullOpts, args []string, getenv func(string) string) (snapshot.Request, snapshot.Settings, error) {
	req := o.req
	cfg := o.cfg

	if req.Repo == "" && len(args) > 0 {
		req.Repo = args[0]
	}
	req.Repo = strings.TrimSpace(req.Repo)
	if req.Repo == "" {
		return req, cfg, fmt.Errorf("missing REPO (owner/name). Pass as positional arg or --repo")
	}
	if !snapshot.IsValidRepoID(req.Repo) {
		return req, cfg, fmt.Errorf("invalid repo id %q (expected owner/name)", req.Repo)
	}
	if cfg.OutputDir == "" && !o.dryRun {
		return req, cfg, fmt.Errorf("missing --out-dir")
	}
	if o.outputName != "" && (filepath.Base(o.outputName) != o.outputName || o.outputName == "." || o.outputName == "..") {
		return req, cfg, fmt.Errorf("--output-name must be a file name, got %q", o.outputName)
	}

	cfg.Token = resolveToken(o.token, getenv, o.held["token"])

	if !cmd.Flags().Changed("endpoint") {
		if ep := strings.TrimSpace(getenv(EnvEndpoint)); ep != "" {
			cfg.Endpoint = ep
		} else if ep := o.held["endpoint"]; ep != "" {
			cfg.Endpoint = ep
		}
	}

	return req, cfg, nil
}

// resolveToken picks the credential: flag, then $HF_HUB_TOKEN, then
// $HF_TOKEN, then the config file.
func resolveToken(flag string, getenv func(string) string, fromConfig string) string {
	for _, tok := range []string{flag, getenv(EnvToken), getenv(EnvTokenFallback), fromConfig} {
		if tok = strings.TrimSpace(tok); tok != "" {
			return tok
		}
	}
	return ""
}
