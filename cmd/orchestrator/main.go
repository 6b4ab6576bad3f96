package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/agent"
	"taskforge/internal/artifacts"
	"taskforge/internal/broker"
	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/policy"
	"taskforge/internal/queue"
	"taskforge/internal/registry"
	sqlitestore "taskforge/internal/store/sqlite"
	"taskforge/internal/workflow"
)

type app struct {
	cfg       config.Config
	store     *sqlitestore.Store
	registry  *registry.Registry
	broker    *broker.Broker
	driver    *queue.Driver
	workflows *workflow.Orchestrator
	gates     *policy.Engine
	artifacts *artifacts.Gateway
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.taskforge/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workspaceFlag := flag.String("workspace", "", "workspace root for artifact files override")
	demo := flag.Bool("demo", false, "bootstrap a demo project and run on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Default()
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, "127.0.0.1:8765")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Store.DBPath, "data/taskforge.db")
	workspaceRoot := firstNonEmpty(*workspaceFlag, cfg.Store.WorkspaceRoot, "workspace")
	dbPath = filepath.Clean(dbPath)
	workspaceRoot = filepath.Clean(workspaceRoot)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create db directory: %v", err)
		}
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := broker.New(broker.Config{
		QueueCapacity:   cfg.Broker.QueueCapacity,
		MessageTTL:      durationMS(cfg.Broker.MessageTTLMS, 0),
		CleanupInterval: durationMS(cfg.Broker.CleanupIntervalMS, 0),
		HistoryLimit:    cfg.Broker.HistoryLimit,
	}, log.Default())
	bus.Start(ctx)
	defer bus.Stop()

	gateway, err := artifacts.NewGateway(workspaceRoot, store)
	if err != nil {
		log.Fatalf("create artifacts gateway: %v", err)
	}

	reg := registry.New(log.Default())
	agent.RegisterBuiltins(reg, agent.Toolkit{
		Artifacts: gateway,
		Broker:    bus,
		Logger:    log.Default(),
	})

	gates := policy.New(store, policy.Config{
		PassThreshold: cfg.Gates.PassThreshold,
		Thresholds:    cfg.Gates.Thresholds,
	})

	driver := queue.NewDriver(store, reg, queue.Config{
		PollInterval:     durationMS(cfg.Queue.PollIntervalMS, 0),
		LeaseDuration:    durationMS(cfg.Queue.LeaseDurationMS, 0),
		WatchdogInterval: durationMS(cfg.Queue.WatchdogIntervalMS, 0),
		RetryBase:        durationMS(cfg.Queue.RetryBaseMS, 0),
		RetryMax:         durationMS(cfg.Queue.RetryMaxMS, 0),
		ExecTimeout:      durationMS(cfg.Queue.ExecTimeoutMS, 0),
		WorkersPerQueue:  cfg.Queue.WorkersPerQueue,
	}, log.Default())
	driver.Start(ctx)

	workflows := workflow.NewOrchestrator(reg, workflow.Config{
		DefaultStepTimeout: durationMS(cfg.Workflow.DefaultStepTimeoutMS, 0),
		DefaultMaxRetries:  cfg.Workflow.DefaultMaxRetries,
	}, log.Default())

	a := &app{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		broker:    bus,
		driver:    driver,
		workflows: workflows,
		gates:     gates,
		artifacts: gateway,
	}

	if *demo {
		if err := a.bootstrapDemo(ctx); err != nil {
			log.Printf("demo bootstrap failed: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/projects", a.handleProjects)
	mux.HandleFunc("/runs", a.handleRuns)
	mux.HandleFunc("/runs/", a.handleRunByID)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/artifacts/", a.handleArtifactByID)
	mux.HandleFunc("/workflows", a.handleWorkflows)
	mux.HandleFunc("/workflows/", a.handleWorkflowByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("taskforge started addr=%s db=%s workspace=%s", addr, dbPath, workspaceRoot)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	driver.Wait()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": a.registry.Names()})
}

func (a *app) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	project := domain.Project{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.CreateProject(r.Context(), project); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := a.store.ListRuns(r.Context(), 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		var req struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if req.ProjectID == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("project_id is required"))
			return
		}
		if _, err := a.store.GetProject(r.Context(), req.ProjectID); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		run := domain.Run{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			Status:    domain.RunStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.CreateRun(r.Context(), run); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := a.store.GetRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	switch parts[1] {
	case "tasks":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tasks, err := a.store.ListRunTasks(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case "artifacts":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListRunArtifacts(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "status":
		if r.Method == http.MethodGet {
			summary, err := a.store.GetRunStatus(r.Context(), runID)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, summary)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if err := a.store.UpdateRunStatus(r.Context(), runID, domain.RunStatus(req.Status)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": req.Status})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name         string          `json:"name"`
		Type         string          `json:"task_type"`
		Priority     string          `json:"priority"`
		ProjectID    string          `json:"project_id"`
		RunID        string          `json:"run_id"`
		ParentTaskID string          `json:"parent_task_id"`
		DependsOn    []string        `json:"depends_on"`
		InputData    json.RawMessage `json:"input_data"`
		GatePolicies []string        `json:"gate_policies"`
		MaxLoops     int             `json:"max_loops"`
		FallbackTask string          `json:"fallback_task"`
		AgentPath    string          `json:"agent_path"`
		AgentConfig  json.RawMessage `json:"agent_config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if req.RunID == "" || req.AgentPath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run_id and agent_path are required"))
		return
	}
	if _, err := a.store.GetRun(r.Context(), req.RunID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	priority := domain.Priority(req.Priority)
	if priority == "" {
		priority = domain.PriorityNormal
	}
	task := domain.TaskRecord{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Type:         domain.TaskType(req.Type),
		Status:       domain.TaskStatusPending,
		Priority:     priority,
		ProjectID:    req.ProjectID,
		RunID:        req.RunID,
		ParentTaskID: req.ParentTaskID,
		DependsOn:    req.DependsOn,
		InputData:    req.InputData,
		GatePolicies: req.GatePolicies,
		MaxLoops:     req.MaxLoops,
		FallbackTask: req.FallbackTask,
		AgentPath:    req.AgentPath,
		AgentConfig:  req.AgentConfig,
		CreatedAt:    time.Now().UTC(),
	}
	queued, err := a.driver.Submit(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": task, "queued": queued})
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	switch parts[1] {
	case "result":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		result, err := a.store.GetResult(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "critiques":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListTaskCritiques(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "artifacts":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.store.ListTaskArtifacts(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.store.UpdateTaskStatus(r.Context(), taskID, domain.TaskStatusCancelled, "cancelled by operator"); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": domain.TaskStatusCancelled})
	case "critique":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Scores    map[string]float64 `json:"scores"`
			PatchPlan []string           `json:"patch_plan"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		task, err := a.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		critique, err := a.gates.Evaluate(r.Context(), task, req.Scores, req.PatchPlan)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		decision, err := a.gates.Decide(r.Context(), task, critique)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"critique": critique, "decision": decision})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (a *app) handleArtifactByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	artifactID := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if artifactID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("artifact id is required"))
		return
	}
	artifact, content, err := a.artifacts.Load(r.Context(), artifactID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	artifact.Content = content
	writeJSON(w, http.StatusOK, artifact)
}

func (a *app) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if err := a.workflows.RegisterWorkflow(def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workflow_id": def.ID})
}

func (a *app) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/workflows/")
	parts := strings.Split(trimmed, "/")
	workflowID := parts[0]
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflow id is required"))
		return
	}
	if len(parts) < 2 || parts[1] != "execute" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action"))
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result, err := a.workflows.ExecuteWorkflow(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) bootstrapDemo(ctx context.Context) error {
	project := domain.Project{
		ID:          uuid.NewString(),
		Name:        "demo",
		Description: "bootstrap project",
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.CreateProject(ctx, project); err != nil {
		return err
	}
	run := domain.Run{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return err
	}

	task := domain.TaskRecord{
		ID:        uuid.NewString(),
		Name:      "demo plan",
		Type:      domain.TaskTypePlan,
		Status:    domain.TaskStatusPending,
		Priority:  domain.PriorityNormal,
		ProjectID: project.ID,
		RunID:     run.ID,
		InputData: json.RawMessage(`{"goal":"build a hello-world page"}`),
		AgentPath: "builtin/planner",
		CreatedAt: time.Now().UTC(),
	}
	if _, err := a.driver.Submit(ctx, task); err != nil {
		return err
	}
	log.Printf("demo run started project=%s run=%s task=%s", project.ID, run.ID, task.ID)
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
