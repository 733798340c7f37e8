package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fetchlens/fetchlens/internal/config"
	"github.com/fetchlens/fetchlens/internal/export"
	"github.com/fetchlens/fetchlens/internal/filter"
	"github.com/fetchlens/fetchlens/internal/panel"
	"github.com/fetchlens/fetchlens/internal/render"
	"github.com/fetchlens/fetchlens/internal/trace"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fetchlens",
		Short: "Inspector for client-side data fetching",
		Long:  "FetchLens — trace, deduplicate, and inspect data-fetching operations.\nRuns a local inspector your instrumented app posts traces to.",
	}

	var configFile string
	var port int
	var devMode bool

	// ─── serve ───
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inspector server and panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port, devMode)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: fetchlens.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6920)")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter fetchlens.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show running inspector status and store counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("FetchLens %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── trace ───
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace inspection commands",
	}

	traceListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent operation traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceList(port, cmd)
		},
	}
	traceListCmd.Flags().String("kind", "", "Only show one operation kind (read|write|paginated-read)")
	traceListCmd.Flags().String("expr", "", "CEL filter expression, e.g. 'trace.duration_ms > 100'")

	traceShowCmd := &cobra.Command{
		Use:   "show [trace-id]",
		Short: "Show one trace with its full step timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceShow(port, args[0])
		},
	}

	traceSearchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search traces by path, query key, or method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceSearch(port, args[0])
		},
	}

	traceCmd.AddCommand(traceListCmd, traceShowCmd, traceSearchCmd)

	// ─── clear ───
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the running inspector's history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(port)
		},
	}

	// ─── export ───
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Flush the current session to the configured export sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(port)
		},
	}

	// ─── demo ───
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Send synthetic traffic to a running inspector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(port)
		},
	}

	for _, c := range []*cobra.Command{statusCmd, traceCmd, clearCmd, exportCmd, demoCmd} {
		c.PersistentFlags().IntVarP(&port, "port", "p", 0, "Inspector port (default: 6920)")
	}

	rootCmd.AddCommand(serveCmd, initCmd, statusCmd, versionCmd, traceCmd, clearCmd, exportCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configFile string, portOverride int, devMode bool) error {
	// Pick up FETCHLENS_* overrides from a local .env if present.
	_ = godotenv.Load()

	if configFile == "" {
		configFile = findConfigFile()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Log.Level = "debug"
	}

	// Setup logger. The level is a LevelVar so config hot-reload can
	// retune verbosity without restart.
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// Store, render scheduler, expression engine.
	store := trace.New(trace.Options{
		HistoryCap:      cfg.History.Traces,
		EventCap:        cfg.History.Events,
		InvalidationCap: cfg.History.Invalidations,
		DedupWindow:     cfg.DedupWindow,
	}, logger)

	sched := render.NewScheduler(cfg.RenderInterval)

	engine, err := filter.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to create filter engine: %w", err)
	}

	// Export sinks.
	var sinks []export.Sink
	if cfg.Export.SQLitePath != "" {
		sink, err := export.NewSQLiteSink(cfg.Export.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open export database: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Export.RedisAddr != "" {
		sink, err := export.NewRedisSink(cfg.Export.RedisAddr, cfg.Export.RedisStream)
		if err != nil {
			logger.Warn("redis export sink unavailable", "addr", cfg.Export.RedisAddr, "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	exporter := export.NewExporter(store, sinks, logger)
	defer func() { _ = exporter.Close() }()

	panel.Version = version
	srv := panel.NewServer(cfg.Server, store, sched, engine, exporter, logger)

	// Hot-reload: resize history buffers and retune log level when the
	// config file changes on disk.
	if configFile != "" {
		watcher := config.NewWatcher(logger)
		if err := watcher.Watch(configFile, func(next *config.Config) {
			store.Resize(next.History.Traces, next.History.Events, next.History.Invalidations)
			level.Set(parseLevel(next.Log.Level))
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Print startup banner
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║          FetchLens v" + version + "                 ║")
	fmt.Println("  ║   See what your data layer is doing      ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → Panel:   http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("  → API:     http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Ingest:  http://localhost:%d/v1/operations/start\n", cfg.Server.Port)
	fmt.Printf("  → History: %d traces / %d events / %d invalidations\n",
		cfg.History.Traces, cfg.History.Events, cfg.History.Invalidations)
	if len(sinks) > 0 {
		fmt.Printf("  → Export:  %d sink(s) configured\n", len(sinks))
	}
	fmt.Println()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info("starting inspector", "addr", cfg.Addr())
	if err := srv.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func runInit() error {
	configPath := "fetchlens.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    fetchlens serve             # Start the inspector")
	fmt.Println("    fetchlens demo              # Send synthetic traffic")
	fmt.Println("    fetchlens trace list        # Inspect recorded traces")
	return nil
}

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/status", p))
	if err != nil {
		fmt.Printf("FetchLens is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var status map[string]interface{}
	if err := decodeJSON(resp, &status); err != nil {
		return err
	}

	fmt.Println("FetchLens Status")
	fmt.Println("────────────────")
	for k, v := range status {
		if k == "stats" {
			continue
		}
		fmt.Printf("  %-20s %v\n", k+":", v)
	}
	if stats, ok := status["stats"].(map[string]interface{}); ok {
		fmt.Println("  store:")
		for k, v := range stats {
			fmt.Printf("    %-18s %v\n", k+":", v)
		}
	}
	return nil
}

func runTraceList(port int, cmd *cobra.Command) error {
	p := resolvePort(port)
	kind, _ := cmd.Flags().GetString("kind")
	expr, _ := cmd.Flags().GetString("expr")

	u := fmt.Sprintf("http://localhost:%d/api/traces", p)
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if expr != "" {
		q.Set("expr", expr)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	resp, err := apiGet(u)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return apiError(resp)
	}

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	traces, ok := result["traces"].([]interface{})
	if !ok || len(traces) == 0 {
		fmt.Println("No traces recorded.")
		return nil
	}

	fmt.Printf("%-28s %-15s %-7s %-24s %-10s %s\n", "ID", "KIND", "METHOD", "QUERY KEY", "DURATION", "STEPS")
	fmt.Println(strings.Repeat("─", 95))
	for _, t := range traces {
		m := t.(map[string]interface{})
		dur := "in flight"
		if m["ended_at"] != nil {
			dur = fmt.Sprintf("%.0fms", num(m["duration"])/1e6)
		}
		steps, _ := m["steps"].([]interface{})
		fmt.Printf("%-28v %-15v %-7v %-24v %-10s %d\n",
			m["id"], m["kind"], m["method"], truncate(str(m["query_key"]), 24), dur, len(steps))
	}
	return nil
}

func runTraceShow(port int, traceID string) error {
	p := resolvePort(port)
	resp, err := apiGet(fmt.Sprintf("http://localhost:%d/api/traces/%s", p, traceID))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == 404 {
		fmt.Printf("Trace %s not found (evicted or never recorded).\n", traceID)
		return nil
	}
	if resp.StatusCode != 200 {
		return apiError(resp)
	}

	var m map[string]interface{}
	if err := decodeJSON(resp, &m); err != nil {
		return err
	}

	fmt.Printf("Trace:    %s\n", m["id"])
	fmt.Printf("Kind:     %s %s\n", m["kind"], m["method"])
	fmt.Printf("Path:     %s\n", m["path"])
	fmt.Printf("Key:      %s\n", m["query_key"])
	if m["ended_at"] != nil {
		fmt.Printf("Duration: %.1fms\n", num(m["duration"])/1e6)
	} else {
		fmt.Println("Duration: in flight")
	}
	if r, ok := m["response"].(map[string]interface{}); ok {
		if errMsg := str(r["error"]); errMsg != "" {
			fmt.Printf("Error:    %s\n", errMsg)
		}
	}
	fmt.Println()

	steps, _ := m["steps"].([]interface{})
	for i, s := range steps {
		sm := s.(map[string]interface{})
		line := fmt.Sprintf("  %d. [%s] %s %s", i+1, sm["color"], sm["plugin"], sm["stage"])
		if reason := str(sm["reason"]); reason != "" {
			line += " — " + reason
		}
		fmt.Println(line)
	}
	return nil
}

func runTraceSearch(port int, query string) error {
	p := resolvePort(port)
	resp, err := apiGet(fmt.Sprintf("http://localhost:%d/api/traces?q=%s", p, url.QueryEscape(query)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)

	traces, ok := result["traces"].([]interface{})
	if !ok || len(traces) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d matching traces:\n\n", len(traces))
	for _, t := range traces {
		m := t.(map[string]interface{})
		fmt.Printf("  [%s] %s %s %s\n", m["id"], m["kind"], m["method"], m["query_key"])
	}
	return nil
}

func runClear(port int) error {
	p := resolvePort(port)
	resp, err := apiPost(fmt.Sprintf("http://localhost:%d/api/clear", p), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == 200 {
		fmt.Println("✓ History cleared")
	} else {
		fmt.Printf("✗ Clear failed (HTTP %d)\n", resp.StatusCode)
	}
	return nil
}

func runExport(port int) error {
	p := resolvePort(port)
	resp, err := apiPost(fmt.Sprintf("http://localhost:%d/api/export", p), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return apiError(resp)
	}

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	fmt.Printf("✓ Exported %v traces, %v events, %v invalidations to %v sink(s)\n",
		result["traces"], result["events"], result["invalidations"], result["sinks"])
	return nil
}

func runDemo(port int) error {
	p := resolvePort(port)
	fmt.Printf("Sending synthetic traffic to localhost:%d...\n\n", p)

	client := &http.Client{Timeout: 5 * time.Second}
	base := fmt.Sprintf("http://localhost:%d", p)

	post := func(path string, body interface{}) (map[string]interface{}, error) {
		data, _ := json.Marshal(body)
		resp, err := client.Post(base+path, "application/json", strings.NewReader(string(data)))
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		var out map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return out, nil
	}

	ops := []struct {
		kind, method, key, path string
		tags                    []string
	}{
		{"read", "GET", "users:list", "/api/users", []string{"users"}},
		{"read", "GET", "users:42", "/api/users/42", []string{"users"}},
		{"write", "POST", "orders:create", "/api/orders", []string{"orders"}},
		{"paginated-read", "GET", "orders:page:2", "/api/orders?page=2", []string{"orders"}},
	}

	for _, op := range ops {
		started, err := post("/v1/operations/start", map[string]interface{}{
			"kind": op.kind, "method": op.method, "query_key": op.key,
			"tags": op.tags, "resolved_path": op.path,
		})
		if err != nil {
			return fmt.Errorf("failed to connect (is FetchLens running?): %w", err)
		}
		id := str(started["trace_id"])

		_, _ = post("/v1/operations/"+id+"/steps", map[string]interface{}{
			"plugin": "cache", "stage": "log", "reason": "cache miss",
		})
		_, _ = post("/v1/operations/"+id+"/steps", map[string]interface{}{
			"plugin": "retry", "stage": "skip", "reason": "no failure, skipping",
		})
		time.Sleep(30 * time.Millisecond)
		_, _ = post("/v1/operations/"+id+"/end", map[string]interface{}{
			"status": 200, "data": map[string]interface{}{"ok": true},
		})
		fmt.Printf("  → %s %s (%s)\n", op.method, op.path, op.key)
	}

	_, _ = post("/v1/invalidations", map[string]interface{}{
		"tags": []string{"orders"},
		"keys": []map[string]interface{}{
			{"query_key": "orders:page:2", "subscribers": 1},
		},
		"total_listeners": 1,
	})
	fmt.Println("  → invalidated tag 'orders'")

	_, _ = post("/v1/events", map[string]interface{}{
		"plugin": "demo", "message": "synthetic traffic complete",
	})

	fmt.Printf("\n  ✓ Demo traffic complete. Open http://localhost:%d or run `fetchlens trace list`.\n", p)
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func findConfigFile() string {
	candidates := []string{
		"fetchlens.yaml",
		"fetchlens.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "fetchlens", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		if env := os.Getenv("FETCHLENS_PORT"); env != "" {
			var p int
			if _, err := fmt.Sscanf(env, "%d", &p); err == nil && p > 0 {
				return p
			}
		}
		return 6920
	}
	return port
}

// apiGet issues a GET with the FETCHLENS_AUTH_TOKEN bearer header when
// the running server requires one.
func apiGet(u string) (*http.Response, error) {
	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return nil, err
	}
	if token := os.Getenv("FETCHLENS_AUTH_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func apiPost(u string, body interface{}) (*http.Response, error) {
	var reader *strings.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest("POST", u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("FETCHLENS_AUTH_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func apiError(resp *http.Response) error {
	var e map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&e)
	if msg := e["error"]; msg != "" {
		return fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
