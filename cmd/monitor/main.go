package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskforge/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8765", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start orchestrator in the same monitor process lifecycle")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator")
	workspaceRoot := flag.String("workspace", "workspace", "workspace root for embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedOrchestrator
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks").SetBorder(true)

	resultView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	resultView.SetTitle("Result").SetBorder(true)

	critiquesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	critiquesView.SetTitle("Critiques").SetBorder(true)

	artifactsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	artifactsView.SetTitle("Artifacts").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Tab switch panes",
		c.baseURL,
		*embedded,
	))

	rightBottom := tview.NewFlex().
		AddItem(critiquesView, 0, 1, false).
		AddItem(artifactsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tasksTable, 0, 2, false).
		AddItem(resultView, 0, 2, false).
		AddItem(rightBottom, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var selectedTaskID string
	var lastRuns []domain.Run
	var lastTasks []domain.TaskRecord
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}

	refreshRuns := func() {
		runs, err := c.listRuns()
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		})
		lastRuns = runs
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshTasks := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		tasks, err := c.listRunTasks(runID)
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)))
			})
			return
		}
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		})
		lastTasks = tasks
		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, tasks, selectedTaskID)
		})
	}

	refreshDetailsAsync := func(taskID string) {
		if strings.TrimSpace(taskID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			resultView.SetText("Loading...")
			critiquesView.SetText("Loading...")
			artifactsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			result, resultErr := c.getTaskResult(selected)
			critiques, critiquesErr := c.listTaskCritiques(selected)
			items, artifactsErr := c.listTaskArtifacts(selected)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedTaskID {
					return
				}
				if resultErr != nil {
					resultView.SetText("No result yet")
				} else {
					resultView.SetText(renderResult(result))
				}
				if critiquesErr != nil {
					critiquesView.SetText(fmt.Sprintf("error: %v", critiquesErr))
				} else {
					critiquesView.SetText(renderCritiques(critiques))
				}
				if artifactsErr != nil {
					artifactsView.SetText(fmt.Sprintf("error: %v", artifactsErr))
				} else {
					artifactsView.SetText(renderArtifacts(items))
				}
			})
		}(taskID, version)
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		selectedTaskID = ""
		go refreshTasks(selectedRunID)
		setStatusUI("Run selected: " + shortID(selectedRunID))
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshDetailsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshRuns()
			go refreshTasks(selectedRunID)
			refreshDetailsAsync(selectedTaskID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == runsTable {
				app.SetFocus(tasksTable)
			} else {
				app.SetFocus(runsTable)
			}
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		if len(lastRuns) > 0 {
			selectedRunID = lastRuns[0].ID
			refreshTasks(selectedRunID)
		}

		for range ticker.C {
			refreshRuns()
			if selectedRunID == "" && len(lastRuns) > 0 {
				selectedRunID = lastRuns[0].ID
			}
			refreshTasks(selectedRunID)
			if selectedTaskID == "" && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			refreshDetailsAsync(selectedTaskID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string, workspaceRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, "--addr", addrArg, "--db", dbPath, "--workspace", workspaceRoot)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath, "--workspace", workspaceRoot)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/orchestrator", "--addr", addrArg, "--db", dbPath, "--workspace", workspaceRoot)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}

	proc := &embeddedOrchestrator{cmd: cmd}
	return proc, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderRunsTable(table *tview.Table, runs []domain.Run, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "Tasks", "Failed", "Tokens", "Cost"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, run := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(run.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(run.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d/%d", run.CompletedTasks, run.TotalTasks)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", run.FailedTasks)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", run.TotalTokens)))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("$%.4f", run.TotalCostUSD)))
		if run.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.TaskRecord, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Type", "Status", "Agent", "Loop", "Name"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Type)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Status)))
		table.SetCell(row, 3, tview.NewTableCell(trimLine(t.AgentPath, 24)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d/%d", t.CurrentLoop, t.MaxLoops)))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(t.Name, 40)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderResult(result domain.Result) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("task=%s success=%t\n", shortID(result.TaskID), result.Success))
	b.WriteString(fmt.Sprintf(
		"tokens in=%d out=%d latency=%dms cost=$%.4f retries=%d\n",
		result.Metrics.TokensIn,
		result.Metrics.TokensOut,
		result.Metrics.LatencyMS,
		result.Metrics.CostUSD,
		result.Metrics.RetryCount,
	))
	if result.Error != "" {
		b.WriteString("error: " + trimLine(result.Error, 160) + "\n")
	}
	for _, warning := range result.Warnings {
		b.WriteString("warning: " + trimLine(warning, 120) + "\n")
	}
	if len(result.Data) > 0 {
		b.WriteString("data: " + trimLine(compactJSON(result.Data), 400) + "\n")
	}
	return b.String()
}

func renderCritiques(items []domain.Critique) string {
	if len(items) == 0 {
		return "No critiques"
	}
	var b strings.Builder
	for _, c := range items {
		verdict := "FAIL"
		if c.PassThreshold {
			verdict = "PASS"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s overall=%.2f\n",
			c.CreatedAt.Format("15:04:05"),
			verdict,
			c.OverallScore,
		))
		for _, reason := range c.Reasons {
			b.WriteString("  " + trimLine(reason, 100) + "\n")
		}
		for _, step := range c.PatchPlan {
			b.WriteString("  plan: " + trimLine(step, 100) + "\n")
		}
	}
	return b.String()
}

func renderArtifacts(items []domain.Artifact) string {
	if len(items) == 0 {
		return "No artifacts"
	}
	var b strings.Builder
	for _, a := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  %s sha256=%s\n",
			a.CreatedAt.Format("15:04:05"),
			a.Kind,
			trimLine(a.Name, 40),
			trimLine(a.Path, 60),
			shortID(a.Checksum),
		))
	}
	return b.String()
}

func (c *client) listRuns() ([]domain.Run, error) {
	var out []domain.Run
	if err := c.getJSON("/runs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRunTasks(runID string) ([]domain.TaskRecord, error) {
	var out []domain.TaskRecord
	if err := c.getJSON(fmt.Sprintf("/runs/%s/tasks", runID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getTaskResult(taskID string) (domain.Result, error) {
	var out domain.Result
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/result", taskID), &out); err != nil {
		return domain.Result{}, err
	}
	return out, nil
}

func (c *client) listTaskCritiques(taskID string) ([]domain.Critique, error) {
	var out []domain.Critique
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/critiques", taskID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTaskArtifacts(taskID string) ([]domain.Artifact, error) {
	var out []domain.Artifact
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/artifacts", taskID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
