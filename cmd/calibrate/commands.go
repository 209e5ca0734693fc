package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/modelsweep/internal/api"
	"github.com/banshee-data/modelsweep/internal/calibrate"
	"github.com/banshee-data/modelsweep/internal/db"
	"github.com/banshee-data/modelsweep/internal/report"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("calibrate "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func cmdServe(args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	configPath := configFlag(fs)
	listen := fs.String("listen", "", "Listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	h, err := newHarness(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	// Admin routes are only reachable over loopback or Tailscale.
	if h.db != nil {
		if err := h.db.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}
	apiSrv := api.NewServer(ctx, h.coord, h.registry)
	mux.Handle("/api/", apiSrv.ServeMux())

	var wg sync.WaitGroup
	if retention := cfg.GetResultRetention(); retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRetention(ctx, h.results, apiSrv, retention)
		}()
	}

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
	}

	// Cancelling ctx stopped in-flight sweeps; wait for them to unwind.
	apiSrv.Wait()
	wg.Wait()
	logf("graceful shutdown complete")
	return nil
}

func cmdRun(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("run", stderr)
	configPath := configFlag(fs)
	execID := fs.String("id", "", "Execution id (random when empty)")
	pngPath := fs.String("png", "", "Also write a score plot to this path")
	withRuns := fs.Bool("runs", false, "Include every run record in the output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: calibrate run [flags] <request.json|request.yaml>")
	}
	if *execID != "" {
		if err := calibrate.ValidateExecutionID(*execID); err != nil {
			return err
		}
	}

	req, err := calibrate.LoadRequest(fs.Arg(0))
	if err != nil {
		return err
	}
	spec, err := req.Spec()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	h, err := newHarness(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	if *execID == "" {
		*execID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := h.coord.Run(ctx, *execID, spec)
	if err != nil {
		return err
	}

	if *pngPath != "" {
		if err := report.WriteScorePNG(*pngPath, result); err != nil {
			return err
		}
	}
	if !*withRuns {
		result.Runs = nil
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func cmdSubmit(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("submit", stderr)
	server := fs.String("server", "http://localhost:8090", "Sweep server base URL")
	execID := fs.String("id", "", "Execution id (server chooses when empty)")
	poll := fs.Duration("poll", 2*time.Second, "Status poll interval")
	noWait := fs.Bool("no-wait", false, "Print the execution id and return immediately")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: calibrate submit [flags] <request.json|request.yaml>")
	}
	if *execID != "" {
		if err := calibrate.ValidateExecutionID(*execID); err != nil {
			return err
		}
	}

	path := fs.Arg(0)
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read request file: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(*server, nil)
	id, err := client.Submit(ctx, body, format, *execID)
	if err != nil {
		return err
	}
	if *noWait {
		fmt.Fprintln(stdout, id)
		return nil
	}

	st, err := client.Wait(ctx, id, *poll)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func cmdAddModel(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("add-model", stderr)
	configPath := configFlag(fs)
	name := fs.String("name", "", "Model name (defaults to the zip file name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: calibrate add-model [flags] <model.zip>")
	}

	zipPath := fs.Arg(0)
	if *name == "" {
		*name = strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))
	}
	archive, err := os.ReadFile(filepath.Clean(zipPath))
	if err != nil {
		return fmt.Errorf("failed to read model archive: %w", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	h, err := newHarness(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	entry, err := h.registry.AddModel(*name, archive)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\t%s\n", entry.Name, entry.Dir)
	return nil
}

func cmdModels(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("models", stderr)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	h, err := newHarness(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	for _, m := range h.registry.List() {
		fmt.Fprintf(stdout, "%s\t%s\n", m.Name, m.Dir)
	}
	return nil
}

func cmdMigrate(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("migrate", stderr)
	configPath := configFlag(fs)
	dbPath := fs.String("db", "", "Results database (overrides config db_path)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *dbPath
	if path == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		path = cfg.GetDBPath()
	}
	if path == "" {
		return errors.New("no database: set db_path in the config or pass -db")
	}
	return db.RunMigrateCommand(fs.Args(), path, stdout)
}
