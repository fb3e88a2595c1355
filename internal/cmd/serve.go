package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/akaytatsu/cortex-sub000/internal/config"
	"github.com/akaytatsu/cortex-sub000/internal/files"
	"github.com/akaytatsu/cortex-sub000/internal/handlers"
	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/middleware"
	"github.com/akaytatsu/cortex-sub000/internal/recovery"
	"github.com/akaytatsu/cortex-sub000/internal/session"
	"github.com/akaytatsu/cortex-sub000/internal/store"
	"github.com/akaytatsu/cortex-sub000/internal/watch"
	"github.com/akaytatsu/cortex-sub000/internal/workspace"
	"github.com/akaytatsu/cortex-sub000/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cortex server",
	Long: `Starts the HTTP/WebSocket server, recovers sessions persisted by a
previous run, and begins the periodic idle-session reaper.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return err
	}

	sessionStore, err := store.NewSessionStore(cfg.StateDir)
	if err != nil {
		return err
	}

	workspaces := workspace.NewService(cfg.WorkspaceRoot)
	if err := workspaces.LoadFromFile(cfg.WorkspacesFile); err != nil {
		logger.Warnf("Could not load workspaces file %s: %v", cfg.WorkspacesFile, err)
	}

	manager := session.NewManager(cfg.WorkspaceRoot, sessionStore)

	eventsHandler := handlers.NewEventsHandler()
	manager.SetEventsHandler(eventsHandler)

	// Reconcile persisted sessions against live processes before accepting
	// any traffic.
	if err := manager.Recover(); err != nil {
		return err
	}

	gateway := ws.NewGateway(manager, workspaces, files.NewService())
	bridge := watch.NewBridge(gateway)
	gateway.SetBridge(bridge)

	reaper := session.NewReaper(sessionStore)
	reaper.SetInterval(cfg.ReapInterval)
	reaper.SetMaxAge(cfg.MaxSessionAge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recovery.SafeGo("reaper", func() { reaper.Run(ctx) })

	app := fiber.New(fiber.Config{
		AppName:               "cortex",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	auth := middleware.NewAuthMiddleware()
	app.Use(auth.RequireAuth)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1")
	handlers.NewSessionsHandler(manager, workspaces).RegisterRoutes(v1)
	v1.Get("/events", eventsHandler.HandleSSE)
	v1.Get("/ws", gateway.Handler())

	errCh := make(chan error, 1)
	recovery.SafeGo("fiber-listen", func() {
		errCh <- app.Listen(cfg.Addr())
	})
	logger.Infof("Listening on %s (workspace root %s)", cfg.Addr(), cfg.WorkspaceRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	}

	// Stop background work first so nothing races the draining server.
	cancel()
	bridge.Close()
	gateway.Close()
	manager.Shutdown()

	return app.ShutdownWithTimeout(10 * time.Second)
}
