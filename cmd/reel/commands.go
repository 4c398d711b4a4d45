package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/reelworks/reel/pkg/api"
	"github.com/reelworks/reel/pkg/blueprint"
	"github.com/reelworks/reel/pkg/config"
	"github.com/reelworks/reel/pkg/execute"
	"github.com/reelworks/reel/pkg/plan"
	"github.com/reelworks/reel/pkg/producer"
	"github.com/reelworks/reel/pkg/recovery"
	"github.com/reelworks/reel/pkg/storage"
)

// planFlags are shared by query, execute and edit.
type planFlags struct {
	blueprintPath string
	inputsPath    string
	modelsPath    string
	environment   string
	explain       bool
	regenerate    []string
	reRunFrom     int
	upToLayer     int
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.blueprintPath, "blueprint", "", "Path to the blueprint YAML")
	cmd.Flags().StringVar(&f.inputsPath, "inputs", "", "Path to the user inputs YAML")
	cmd.Flags().StringVar(&f.modelsPath, "models", "", "Path to the producer models YAML")
	cmd.Flags().StringVar(&f.environment, "environment", "", "Variant environment (live, simulated)")
	cmd.Flags().BoolVar(&f.explain, "explain", false, "Print per-job scheduling reasons")
	cmd.Flags().StringSliceVar(&f.regenerate, "regenerate", nil, "Artifact ids to force-regenerate")
	cmd.Flags().IntVar(&f.reRunFrom, "rerun-from", -1, "Dirty every job at graph depth >= this layer")
	cmd.Flags().IntVar(&f.upToLayer, "up-to-layer", -1, "Drop jobs beyond this graph depth")
}

// buildPlanRequest loads the blueprint, inputs and models files and shapes
// the planning request.
func (f *planFlags) buildPlanRequest(cfg *config.Config, movieID string) (*plan.Request, error) {
	if f.blueprintPath == "" {
		return nil, fmt.Errorf("--blueprint is required")
	}
	bp, err := blueprint.Load(f.blueprintPath)
	if err != nil {
		return nil, err
	}

	inputs := &blueprint.InputsFile{Values: map[string]any{}}
	if f.inputsPath != "" {
		if inputs, err = blueprint.LoadInputs(bp, f.inputsPath); err != nil {
			return nil, err
		}
	}

	var modelsFile *blueprint.ModelsFile
	if f.modelsPath != "" {
		if modelsFile, err = blueprint.LoadModels(f.modelsPath); err != nil {
			return nil, err
		}
	}

	environment := f.environment
	if environment == "" {
		environment = cfg.Defaults.Environment
	}

	req := &plan.Request{
		MovieID:           movieID,
		Blueprint:         bp,
		Inputs:            inputs,
		Models:            modelsFile,
		Environment:       environment,
		EditedBy:          cfg.Defaults.EditedBy,
		RegenerateTargets: f.regenerate,
	}
	if f.reRunFrom >= 0 {
		req.ReRunFrom = &f.reRunFrom
	}
	if f.upToLayer >= 0 {
		req.UpToLayer = &f.upToLayer
	}
	return req, nil
}

func resolveMovieID() string {
	if flagMovieID != "" {
		return flagMovieID
	}
	return "movie-" + uuid.NewString()[:8]
}

func loadConfig(ctx context.Context) (*config.Config, storage.Storage, error) {
	cfg, err := config.Initialize(ctx, flagConfigDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, storage.NewLocalStorage(cfg.Storage.Root), nil
}

// buildProduceRegistry wires dispatch rules for the configured mode.
// Most-specific rules first, wildcard last.
func buildProduceRegistry(cfg *config.Config, mode producer.Mode) *producer.Registry {
	registry := producer.NewRegistry(string(mode))
	switch mode {
	case producer.ModeMock:
		registry.Register(producer.Pattern{}, producer.NewMockProducer().Produce)
	case producer.ModeSimulated:
		registry.Register(producer.Pattern{}, producer.NewSimulatedProducer().Produce)
	default:
		apiKey := ""
		if p, err := cfg.Providers.Get("openai"); err == nil {
			apiKey = os.Getenv(p.APIKeyEnv)
		}
		registry.Register(producer.Pattern{Provider: "openai"}, producer.NewOpenAIProducer(apiKey).Produce)
		registry.Register(producer.Pattern{Provider: ""}, producer.NewMockProducer().Produce)
	}
	return registry
}

func printExplanation(cmd *cobra.Command, explanation plan.Explanation) {
	jobIDs := make([]string, 0, len(explanation))
	for jobID := range explanation {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)
	for _, jobID := range jobIDs {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-60s %s\n", jobID, explanation[jobID])
	}
}

func printPlanSummary(cmd *cobra.Command, result *plan.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "plan %s: %d jobs in %d layers\n",
		result.Plan.Revision, result.Plan.JobCount(), len(result.Plan.Layers))
	for i, layer := range result.Plan.Layers {
		fmt.Fprintf(cmd.OutOrStdout(), "  layer %d:\n", i)
		for _, job := range layer {
			fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", job.ID)
		}
	}
}

func newQueryCommand() *cobra.Command {
	flags := &planFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Plan against the current manifest and show what would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, store, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			req, err := flags.buildPlanRequest(cfg, resolveMovieID())
			if err != nil {
				return err
			}
			result, err := plan.NewPlanner(store).GeneratePlan(ctx, req)
			if err != nil {
				return err
			}
			printPlanSummary(cmd, result)
			if flags.explain {
				printExplanation(cmd, result.Explanation)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// runExecution plans and executes in one go; shared by execute and edit.
func runExecution(cmd *cobra.Command, flags *planFlags, concurrency int, modeFlag string) error {
	ctx := cmd.Context()
	cfg, store, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	movieID := resolveMovieID()

	// Reconcile recoverable failures before planning. Failures inside the
	// pass are reported, never fatal.
	prober := buildProber(cfg)
	if prober != nil {
		if _, err := recovery.NewRecoverer(store, prober, nil).Run(ctx, movieID); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "recovery pass failed: %v\n", err)
		}
	}

	req, err := flags.buildPlanRequest(cfg, movieID)
	if err != nil {
		return err
	}
	result, err := plan.NewPlanner(store).GeneratePlan(ctx, req)
	if err != nil {
		return err
	}
	printPlanSummary(cmd, result)
	if flags.explain {
		printExplanation(cmd, result.Explanation)
	}
	if err := storage.EnsureMetadata(ctx, store, movieID, movieID, flags.blueprintPath, result.Plan.CreatedAt); err != nil {
		return err
	}

	if concurrency < 1 {
		concurrency = cfg.Executor.Concurrency
	}
	mode := producer.Mode(modeFlag)
	if modeFlag == "" {
		mode = producer.Mode(cfg.Executor.Mode)
	}

	registry := buildProduceRegistry(cfg, mode)
	executor := execute.NewExecutor(store, registry.Produce, execute.Options{
		Concurrency: concurrency,
		Mode:        mode,
	})
	execResult, err := executor.ExecutePlan(ctx, result.Plan, result.BaseManifest, result.BaseDigest)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "revision %s: %d succeeded, %d failed, %d skipped, %d cancelled\n",
		execResult.Revision, execResult.Succeeded, execResult.Failed, execResult.Skipped, execResult.Cancelled)
	if execResult.Failed > 0 {
		for _, outcome := range execResult.Outcomes {
			if outcome.Status == execute.JobFailed && outcome.Diagnostics != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "  failed %s: %s\n", outcome.JobID, outcome.Diagnostics.Message)
			}
		}
		return fmt.Errorf("%d job(s) failed", execResult.Failed)
	}
	return nil
}

func buildProber(cfg *config.Config) recovery.StatusProber {
	p, err := cfg.Providers.Get("fal-ai")
	if err != nil || p.BaseURL == "" {
		return nil
	}
	return &recovery.FalProber{BaseURL: p.BaseURL, APIKey: os.Getenv(p.APIKeyEnv)}
}

func newExecuteCommand() *cobra.Command {
	flags := &planFlags{}
	var concurrency int
	var mode string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Plan and run every dirty job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecution(cmd, flags, concurrency, mode)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel jobs per layer (0 = config default)")
	cmd.Flags().StringVar(&mode, "mode", "", "Dispatch mode: live, simulated or mock")
	return cmd
}

func newEditCommand() *cobra.Command {
	flags := &planFlags{}
	var concurrency int
	var mode string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Apply edited inputs to an existing movie and run what changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagMovieID == "" {
				return fmt.Errorf("--movie-id is required for edit")
			}
			return runExecution(cmd, flags, concurrency, mode)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel jobs per layer (0 = config default)")
	cmd.Flags().StringVar(&mode, "mode", "", "Dispatch mode: live, simulated or mock")
	return cmd
}

func newRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reconcile failed artifacts whose provider requests may have completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, store, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if flagMovieID == "" {
				return fmt.Errorf("--movie-id is required for recover")
			}
			prober := buildProber(cfg)
			if prober == nil {
				return fmt.Errorf("no provider with a status endpoint configured")
			}
			report, err := recovery.NewRecoverer(store, prober, nil).Run(ctx, flagMovieID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d, pending %d, failed %d\n",
				len(report.RecoveredArtifactIDs), len(report.PendingArtifactIDs), len(report.FailedArtifactIDs))
			return nil
		},
	}
	return cmd
}

func newCancelCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Cancel an in-flight job on a running reel server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://%s/api/jobs/%s/cancel", addr, args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("cancel %s: status %d", args[0], resp.StatusCode)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getEnv("REEL_ADDR", "localhost:8080"), "Address of the running reel server")
	return cmd
}

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only viewer API over the build store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			return api.NewServer(store).Start(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getEnv("REEL_ADDR", "localhost:8080"), "Listen address")
	return cmd
}
