//go:build linux

package modes

import (
	"os"
	"os/signal"
	"syscall"

	"dexoptd/internal/dexoptd/artexec"
	"dexoptd/internal/dexoptd/server"
	"dexoptd/internal/dexoptd/service"
	"dexoptd/pkg/config"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
	"dexoptd/pkg/version"
)

// RunServer starts the daemon: it assembles the service behind the
// unix-socket request server and blocks until a termination signal,
// then shuts down gracefully.
func RunServer(cfg *config.Config) error {
	log := logger.WithField("mode", "server")
	log.Info("starting dexoptd",
		"version", version.GetShortVersion(),
		"socket", cfg.Server.Socket,
		"dataRoot", cfg.Storage.DataRoot)

	plat := platform.NewPlatform()
	svc := service.New(plat, cfg, artexec.NewExecutor(plat))
	srv := server.New(cfg.Server.Socket, svc)

	if err := srv.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("received shutdown signal, stopping server...", "signal", sig)
	srv.Stop()
	return nil
}
