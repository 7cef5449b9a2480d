// Command license-agent runs the license check of the water balance app.
//
// Without flags it validates the license at startup, then keeps the grace
// deadline fresh in the background and serves the loopback status API until
// interrupted. Exit codes: 0 success, 1 failure, 2 license blocks launch.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"minewater/internal/app"
	"minewater/internal/config"
	"minewater/internal/infrastructure"
	"minewater/internal/license"
	"minewater/pkg/contracts"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitBlocked = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	check := flag.Bool("check", false, "run the startup check and exit")
	activate := flag.String("activate", "", "activate the given license key on this machine and exit")
	transfer := flag.Bool("transfer", false, "move the license to this machine and exit")
	verify := flag.Bool("verify", false, "request a manual online verification and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetFullVersionString())
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		return exitFailure
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to initialize logger", slog.String("error", err.Error()))
		return exitFailure
	}
	defer infrastructure.CloseLogFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = infrastructure.ContextWithTraceID(ctx)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to initialize license agent", slog.String("error", err.Error()))
		return exitFailure
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			logger.ErrorContext(closeCtx, "Shutdown failed", slog.String("error", err.Error()))
		}
	}()

	switch {
	case *activate != "":
		return report(application.Manager.Activate(ctx, *activate))
	case *transfer:
		return report(application.Manager.RequestTransfer(ctx))
	case *verify:
		return report(application.Manager.RequestManualVerification(ctx))
	}

	decision, err := application.Startup(ctx)
	if code := report(decision, err); code != exitOK || *check {
		return code
	}

	logger.InfoContext(ctx, "License agent running", slog.String("version", contracts.Version))
	if err := application.Run(ctx); err != nil {
		logger.ErrorContext(ctx, "License agent stopped with error", slog.String("error", err.Error()))
		return exitFailure
	}
	return exitOK
}

// report prints the operator message and maps the outcome to an exit code
func report(decision license.Decision, err error) int {
	if decision.Message != "" {
		fmt.Println(decision.Message)
	}
	if err != nil {
		if !decision.Allowed {
			return exitBlocked
		}
		return exitFailure
	}
	return exitOK
}
