// Command argo runs the agent execution core: one-shot tasks from the
// terminal, or the HTTP/WebSocket service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"argo/internal/agent"
	"argo/internal/browser"
	"argo/internal/config"
	"argo/internal/events"
	"argo/internal/knowledge"
	"argo/internal/learning"
	"argo/internal/llm"
	"argo/internal/logging"
	"argo/internal/observability"
	"argo/internal/orchestrator"
	"argo/internal/planner"
	"argo/internal/sandbox"
	"argo/internal/server"
	"argo/internal/session"
	"argo/internal/tools"
	"argo/pkg/types"
)

// Process exit codes.
const (
	exitOK        = 0
	exitConfig    = 2
	exitLLM       = 3
	exitSandbox   = 4
	exitTask      = 5
	exitCancelled = 130
)

func main() {
	root := &cobra.Command{
		Use:           "argo",
		Short:         "Autonomous software-engineering agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), serveCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(exitConfig)
	}
}

// core bundles everything a task needs, shared across tasks in one process.
type core struct {
	cfg      *config.Config
	logger   logging.Logger
	llm      llm.Client
	sandbox  sandbox.Client
	registry *tools.Registry
	planner  *planner.Planner
	know     *knowledge.Agent
	browser  *browser.Agent
	orch     *orchestrator.Orchestrator
	stores   *learning.Stores
}

func buildCore() (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		logging.SetLevel(logging.LevelDebug)
	}
	logger := logging.NewComponentLogger("argo")

	base, err := llm.New(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logging.NewComponentLogger("llm"))
	if err != nil {
		return nil, err
	}
	client := llm.WithRetry(base, 3, logging.NewComponentLogger("llm"))

	sb := sandbox.NewHTTP(sandbox.Config{
		BaseURL:    cfg.Sandbox.BaseURL,
		APIKey:     cfg.Sandbox.APIKey,
		Workspace:  cfg.Sandbox.WorkspaceRoot,
		RPCTimeout: cfg.Sandbox.RPCTimeout,
	}, logging.NewComponentLogger("sandbox"))

	know := knowledge.New(knowledge.Config{
		BaseURL: cfg.Search.BaseURL,
		APIKey:  cfg.Search.APIKey,
		Timeout: cfg.Search.Timeout,
	}, client, logging.NewComponentLogger("knowledge"))

	browse := browser.New(client, cfg.BrowserTimeout, logging.NewComponentLogger("browser"))

	var embedder learning.Embedder
	if cfg.LLM.EmbedModel != "" {
		embed, err := llm.NewEmbedder(llm.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Timeout: cfg.LLM.Timeout,
		}, cfg.LLM.EmbedModel, logging.NewComponentLogger("llm"))
		if err != nil {
			return nil, err
		}
		embedder = learning.Embedder(embed)
	}

	stores := learning.NewStores(
		cfg.LearningDir,
		learning.NewErrorPatterns(client, logging.NewComponentLogger("learning")),
		learning.NewHub(embedder, logging.NewComponentLogger("learning")),
		logging.NewComponentLogger("learning"),
	)
	if err := stores.Load(); err != nil {
		return nil, fmt.Errorf("load learning stores: %w", err)
	}

	orch := orchestrator.New(cfg.Parallelism, stores.Interactions, logging.NewComponentLogger("orchestrator"))
	orch.Register("knowledge", orchestrator.AgentFunc(func(ctx context.Context, input string) (string, error) {
		res := know.Research(ctx, input, knowledge.DepthMedium, 5)
		if !res.Success {
			return "", errors.New("research produced no answer")
		}
		return res.Answer, nil
	}))
	orch.Register("browser", orchestrator.AgentFunc(func(ctx context.Context, input string) (string, error) {
		res := browse.RunTask(ctx, input)
		if !res.Success {
			return "", errors.New(res.Err)
		}
		return res.Output, nil
	}))
	orch.Register("coder", orchestrator.AgentFunc(func(ctx context.Context, input string) (string, error) {
		resp, err := client.Complete(ctx, llm.Request{
			Messages: llm.Turns(
				types.Turn{Role: types.RoleSystem, Content: "You are a focused coding assistant. Answer with code or a concrete plan, nothing else."},
				types.Turn{Role: types.RoleUser, Content: input},
			),
			Temperature: 0.3,
			MaxTokens:   2000,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}))

	return &core{
		cfg:      cfg,
		logger:   logger,
		llm:      client,
		sandbox:  sb,
		registry: tools.NewRegistry(cfg.BiasStrength),
		planner:  planner.New(client, logging.NewComponentLogger("planner")),
		know:     know,
		browser:  browse,
		orch:     orch,
		stores:   stores,
	}, nil
}

// factory builds the per-task loop and folds terminal outcomes into the
// process metrics.
func (c *core) factory() session.Factory {
	return func(task *types.Task, stream *events.Stream, mutate func(fn func(*types.Task))) session.Runner {
		loop := agent.NewLoop(agent.Deps{
			Sandbox:      c.sandbox,
			LLM:          c.llm,
			Registry:     c.registry,
			Planner:      c.planner,
			Knowledge:    c.know,
			Browser:      c.browser,
			Orchestrator: c.orch,
			Stores:       c.stores,
			Stream:       stream,
			Logger:       logging.NewComponentLogger("loop"),
		}, agent.Config{
			MaxIterations:  c.cfg.MaxIterations,
			ExecTimeout:    c.cfg.Sandbox.ExecTimeout,
			MaxTokens:      c.cfg.LLM.MaxTokens,
			PlannerEnabled: c.cfg.PlannerEnabled,
			Temperature:    c.cfg.TemperatureFor,
		}, task, mutate)
		return metered{loop}
	}
}

// metered wraps a runner with outcome metrics.
type metered struct {
	inner session.Runner
}

func (m metered) Run(ctx context.Context) agent.Outcome {
	start := time.Now()
	outcome := m.inner.Run(ctx)
	observability.TasksFinished.WithLabelValues(string(outcome.Status)).Inc()
	observability.TaskDuration.Observe(time.Since(start).Seconds())
	return outcome
}

func runCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run <task description>",
		Short: "Run one task and stream its events to the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := buildCore()
			if err != nil {
				color.Red("configuration error: %v", err)
				os.Exit(exitConfig)
			}
			defer core.browser.Close()

			description := ""
			for i, a := range args {
				if i > 0 {
					description += " "
				}
				description += a
			}

			manager := session.NewManager(core.factory(), core.cfg.SubscriberBuffer, core.logger)
			task, err := manager.Create(description)
			if err != nil {
				return err
			}
			observability.TasksStarted.Inc()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				_ = manager.Cancel(task.ID)
			}()

			if !quiet {
				sub, err := manager.Attach(task.ID, events.SubscribeOptions{FromStart: true})
				if err == nil {
					go printEvents(sub)
					defer sub.Cancel()
				}
			}

			outcome, err := manager.Wait(context.Background(), task.ID)
			if err != nil {
				return err
			}
			observability.TaskIterations.Observe(float64(task.IterationsUsed))
			os.Exit(exitFor(outcome))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the event feed")
	return cmd
}

// printEvents renders the live feed for terminal runs.
func printEvents(sub *events.Subscription) {
	dim := color.New(color.Faint)
	for ev := range sub.C {
		switch ev.Kind {
		case types.EventPhaseChanged:
			color.Cyan("phase: %v -> %v", ev.Payload["from"], ev.Payload["to"])
		case types.EventActionResult:
			if ok, _ := ev.Payload["success"].(bool); ok {
				color.Green("  %v ok", ev.Payload["tool"])
			} else {
				color.Red("  %v failed: %v", ev.Payload["tool"], ev.Payload["error"])
			}
		case types.EventActionRejected:
			color.Yellow("  rejected (%v): %v", ev.Payload["reason"], ev.Payload["detail"])
		case types.EventTaskCompleted:
			color.Green("completed: %v", ev.Payload["message"])
		case types.EventTaskFailed:
			color.Red("failed (%v): %v", ev.Payload["reason_kind"], ev.Payload["human_message"])
		case types.EventTaskCancelled:
			color.Yellow("cancelled")
		case types.EventIterationStarted:
			dim.Printf("iteration %v [%v]\n", ev.Payload["iteration"], ev.Payload["phase"])
		}
	}
}

// exitFor maps a terminal outcome to the process exit code.
func exitFor(outcome agent.Outcome) int {
	switch outcome.Status {
	case types.StatusCompleted:
		return exitOK
	case types.StatusCancelled:
		return exitCancelled
	}
	switch outcome.ReasonKind {
	case agent.ReasonSandbox:
		return exitSandbox
	case agent.ReasonLLMFatal:
		return exitLLM
	default:
		return exitTask
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := buildCore()
			if err != nil {
				color.Red("configuration error: %v", err)
				os.Exit(exitConfig)
			}
			defer core.browser.Close()

			manager := session.NewManager(core.factory(), core.cfg.SubscriberBuffer, core.logger)
			srv := server.New(manager, logging.NewComponentLogger("server"))
			addr := fmt.Sprintf("%s:%d", core.cfg.Server.Host, core.cfg.Server.Port)
			errCh := srv.Start(addr)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
			if err := manager.Shutdown(shutdownCtx); err != nil {
				core.logger.Warn("shutdown incomplete: %v", err)
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-learning",
		Short: "Flush the learning stores to their JSON documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := buildCore()
			if err != nil {
				color.Red("configuration error: %v", err)
				os.Exit(exitConfig)
			}
			if err := core.stores.Export(); err != nil {
				return err
			}
			color.Green("exported learning stores to %s", core.cfg.LearningDir)
			fmt.Printf("interactions: %d, learnings: %d, knowledge items: %d\n",
				len(core.stores.Interactions.Interactions()),
				len(core.stores.Interactions.Learnings()),
				len(core.stores.Hub.Items()))
			return nil
		},
	}
}
