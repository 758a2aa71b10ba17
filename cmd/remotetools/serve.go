package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zfranque/de.systopia.remotetools/pkg/api"
	"github.com/zfranque/de.systopia.remotetools/pkg/config"
)

func runServer(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sRemote Tools starting...%s\n", ColorBold+ColorBlue, ColorReset)
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	if cfg.LiteMode() {
		fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
	}

	ctx := context.Background()
	a, err := bootstrap(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer a.Close(context.Background())

	srv := api.NewServer(a.service,
		api.WithSeparator(cfg.FieldSeparator),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithJWTSecret(cfg.JWTSecret),
		api.WithTracker(a.telemetry),
	)
	if cfg.JWTSecret == "" {
		log.Println("[remotetools] auth: API_JWT_SECRET not set, bearer authentication disabled")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[remotetools] api: listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		fmt.Fprintf(stderr, "server failed: %v\n", err)
		return 1
	case <-sigChan:
	}

	log.Println("[remotetools] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", err)
		return 1
	}
	return 0
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	url := "http://localhost:" + config.Load().Port + "/health"
	if len(args) > 1 && args[0] == "--url" {
		url = args[1]
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
