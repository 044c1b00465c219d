package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by cmd/educhat. It builds the App from cfg and
// runs task until it returns or the process is interrupted.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(cfg Config, task func(ctx context.Context, a *App) error) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx, func(ctx context.Context) error { return task(ctx, a) })
}
