// Epiloop gateway — the multi-tenant messaging gateway that bridges chat
// channels, paired nodes, and agent runners over one WebSocket/HTTP
// listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wjlgatech/epiloop/internal/authprofile"
	"github.com/wjlgatech/epiloop/internal/config"
	"github.com/wjlgatech/epiloop/internal/failure"
	"github.com/wjlgatech/epiloop/internal/server"
	"github.com/wjlgatech/epiloop/pkg/models"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) >= 3 && os.Args[1] == "models" && os.Args[2] == "status" {
		os.Exit(runModelsStatus(os.Args[3:]))
	}

	failure.Register(func(rej failure.Rejection) bool {
		// Delivery failures are already reported by the dispatcher that
		// raised them; they must never take the gateway down.
		return rej.Source == "delivery"
	})

	log.Info().Msg("epiloop gateway starting")

	env := config.FromOS()
	profile := config.LoadProfile(env)

	ctx := context.Background()
	srv, err := server.New(ctx, profile, env)
	if err != nil {
		failure.Report("startup", err, map[string]interface{}{"profile": profile.Name})
		return
	}
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Config.Gateway.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown reported an error")
		}
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Config.Gateway.Port).Str("profile", profile.Name).Msg("epiloop gateway ready")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		failure.Report("http-server", err, nil)
	}
}

// runModelsStatus implements `epiloop models status --check`: it reports
// the worst AuthProfile credential freshness across every configured agent
// and returns spec.md §5's exit code 2 when any profile is expiring soon or
// already expired, so a supervisor can page before a run fails on a dead
// token.
func runModelsStatus(args []string) int {
	check := false
	for _, a := range args {
		if a == "--check" {
			check = true
		}
	}

	env := config.FromOS()
	profile := config.LoadProfile(env)
	cfg, _, err := config.Load(profile, env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "models status:", err)
		return 1
	}

	var all []models.AuthProfile
	for _, agent := range cfg.Agents.List {
		path := authprofile.StorePath(profile.StateDir, agent.ID)
		profiles, err := authprofile.Load(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "models status:", err)
			return 1
		}
		all = append(all, profiles...)
	}

	worst, ids := authprofile.WorstStatus(all)
	switch worst {
	case authprofile.StatusExpired:
		fmt.Printf("expired: %v\n", ids)
	case authprofile.StatusExpiringSoon:
		fmt.Printf("expiring soon: %v\n", ids)
	default:
		fmt.Println("fresh")
	}

	if check && worst != authprofile.StatusFresh {
		return 2
	}
	return 0
}
