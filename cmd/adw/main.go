// Command adw is the orchestrator CLI: it runs SDLC workflows against a
// GitHub issue and lists active workflows.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"adw/internal/broadcast"
	"adw/internal/config"
	"adw/internal/discovery"
	"adw/internal/events"
	"adw/internal/gitops"
	"adw/internal/logmonitor"
	"adw/internal/observability"
	"adw/internal/orchestrator"
	"adw/internal/runner"
	"adw/internal/server"
	"adw/internal/stage"
	_ "adw/internal/stage/stages"
	"adw/internal/state"
	"adw/internal/worktree"
)

var (
	flagStages   string
	flagWorkflow string
	flagConfig   string
)

func main() {
	root := &cobra.Command{
		Use:           "adw",
		Short:         "Agent-driven workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run <issue_number> [adw_id]",
		Short: "Run a workflow against a GitHub issue",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runWorkflow,
	}
	runCmd.Flags().StringVar(&flagStages, "stages", "", "comma-separated stage list, e.g. plan,build,test")
	runCmd.Flags().StringVar(&flagWorkflow, "workflow", "", "named workflow from the workflows directory")
	runCmd.Flags().StringVar(&flagConfig, "config", "", "orchestrator config as inline JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active workflows",
		Args:  cobra.NoArgs,
		RunE:  listWorkflows,
	}

	root.AddCommand(runCmd, listCmd)

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	issueNumber, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("issue_number must be an integer: %q", args[0])
	}

	adwID := ""
	if len(args) > 1 {
		adwID = args[1]
	} else {
		adwID = newADWID()
	}
	if !state.IsValidADWID(adwID) {
		return fmt.Errorf("adw_id must be 8 alphanumeric characters: %q", adwID)
	}

	appCfg, err := config.Load()
	if err != nil {
		return err
	}

	wf, orchCfg, err := resolveWorkflow(appCfg)
	if err != nil {
		return err
	}

	known := map[string]bool{}
	for _, name := range stage.ListStages() {
		known[name] = true
	}
	for _, name := range wf.StageNames() {
		if !known[name] {
			color.Yellow("unknown stage %q will be skipped", name)
		}
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  appCfg.LogLevel,
		Format: appCfg.LogFormat,
	})

	var opts []state.Option
	if !appCfg.DBOnly {
		opts = append(opts, state.WithMirrorFallback(appCfg.AgentsDir))
	}
	store, err := state.Open(appCfg.DatabasePath, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	repoDir, err := os.Getwd()
	if err != nil {
		return err
	}
	git := gitops.New(repoDir, logger.With("component", "Git"))
	github := gitops.NewGitHub()
	procRunner := runner.New(logger.With("component", "ProcessRunner"))
	worktrees := worktree.NewManager(appCfg.TreesDir, git, logger.With("component", "WorktreeManager"))

	notifier := events.NewNotifier(logger.With("component", "Notifier"))
	hub := broadcast.NewManager(logger.With("component", "Broadcast"))
	server.WireNotifier(notifier, hub)
	notifier.OnAll(func(evt events.Event) { printEvent(evt) })

	// Mirror lifecycle events to a running adw-server so its dashboards see
	// this run; a down server is silently tolerated.
	serverURL := fmt.Sprintf("http://%s:%d", appCfg.ServerHost, appCfg.ServerPort)
	events.NewForwarder(serverURL, logger.With("component", "EventForwarder")).Attach(notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The monitor tails the agent JSONL output for the lifetime of the run.
	monitor := logmonitor.New(appCfg.AgentsDir, adwID, func(eventType string, data map[string]any) {
		hub.Broadcast(broadcast.Message{Type: eventType, Data: data}, nil)
	}, logger.With("component", "LogMonitor"))
	go monitor.Run(ctx)

	engine := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Notifier:  notifier,
		Worktrees: worktrees,
		Git:       git,
		GitHub:    github,
		Runner:    procRunner,
		AppConfig: appCfg,
		Logger:    logger.With("component", "Orchestrator"),
	})

	color.Cyan("running workflow %s for issue #%d (adw_id %s)", wf.Name, issueNumber, adwID)
	if err := engine.Run(ctx, adwID, &issueNumber, wf, orchCfg); err != nil {
		color.Red("workflow failed: %v", err)
		os.Exit(1)
	}
	color.Green("workflow %s completed (adw_id %s)", wf.Name, adwID)
	return nil
}

// resolveWorkflow builds the workflow and orchestrator config from whichever
// of --stages/--workflow/--config the caller supplied. At least one is
// required; --config may embed a workflow of its own.
func resolveWorkflow(appCfg config.AppConfig) (*config.WorkflowConfig, *config.OrchestratorConfig, error) {
	orchCfg := &config.OrchestratorConfig{}

	if flagConfig != "" {
		parsed, err := config.ParseOrchestratorConfig(flagConfig)
		if err != nil {
			return nil, nil, err
		}
		orchCfg = parsed
	}

	switch {
	case flagStages != "":
		wf, err := config.FromStages(strings.Split(flagStages, ","))
		if err != nil {
			return nil, nil, err
		}
		return wf, orchCfg, nil
	case flagWorkflow != "":
		wf, err := config.LoadWorkflow(appCfg.WorkflowsDir, flagWorkflow)
		if err != nil {
			return nil, nil, err
		}
		return wf, orchCfg, nil
	case orchCfg.Workflow != nil:
		return orchCfg.Workflow, orchCfg, nil
	}
	return nil, nil, fmt.Errorf("one of --stages, --workflow, or --config is required")
}

func listWorkflows(cmd *cobra.Command, args []string) error {
	appCfg, err := config.Load()
	if err != nil {
		return err
	}

	var opts []state.Option
	if !appCfg.DBOnly {
		opts = append(opts, state.WithMirrorFallback(appCfg.AgentsDir))
	}
	store, err := state.Open(appCfg.DatabasePath, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	summaries, err := discovery.NewService(store).ListActive(cmd.Context())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		color.Yellow("no active workflows")
		return nil
	}

	bold := color.New(color.Bold)
	_, _ = bold.Printf("%-10s %-8s %-7s %-30s %s\n", "ADW_ID", "CLASS", "ISSUE", "TITLE", "BRANCH")
	for _, s := range summaries {
		issue := "-"
		if s.IssueNumber != nil {
			issue = "#" + strconv.Itoa(*s.IssueNumber)
		}
		line := fmt.Sprintf("%-10s %-8s %-7s %-30.30s %s", s.ADWID, s.IssueClass, issue, s.IssueTitle, s.BranchName)
		if s.Completed {
			color.Green(line)
		} else {
			fmt.Println(line)
		}
	}
	return nil
}

func printEvent(evt events.Event) {
	switch evt.Type {
	case events.EventStageStarted:
		color.Cyan("▶ %s", evt.Message)
	case events.EventStageCompleted:
		color.Green("✔ %s completed (%dms)", evt.StageName, evt.DurationMS)
	case events.EventStageSkipped:
		color.Yellow("↷ %s skipped: %s", evt.StageName, evt.SkipReason)
	case events.EventStageFailed, events.EventWorkflowFailed:
		color.Red("✘ %s: %s", evt.StageName, evt.Error)
	}
}

// newADWID generates a fresh 8-character hex workflow id.
func newADWID() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf[:])
}
