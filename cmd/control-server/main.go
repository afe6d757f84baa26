package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/toio-swarm/control-server/internal/auditlog"
	"github.com/toio-swarm/control-server/internal/config"
	"github.com/toio-swarm/control-server/internal/fleet"
	"github.com/toio-swarm/control-server/internal/gateway"
	"github.com/toio-swarm/control-server/internal/registry"
	"github.com/toio-swarm/control-server/internal/relay"
	"github.com/toio-swarm/control-server/internal/wire"
)

var (
	relayStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "control_server_relay_connected",
		Help: "1 if the relay is currently connected, 0 otherwise.",
	}, []string{"relay_id"})
	uiSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "control_server_ui_sessions",
		Help: "Number of currently connected UI WebSocket sessions.",
	})
)

func init() {
	prometheus.MustRegister(relayStatusGauge, uiSessionsGauge)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	root := &cobra.Command{
		Use:   "control-server [config-path]",
		Short: "Multiplexes relay WebSocket connections and serves the swarm UI protocol",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := ""
			if len(args) == 1 {
				explicit = args[0]
			}
			if override := os.Getenv("CONTROL_SERVER_CONFIG"); explicit == "" && override != "" {
				explicit = override
			}
			return run(config.ResolvePath(explicit))
		},
	}

	if err := root.Execute(); err != nil {
		log.Fatalf("control-server: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Printf("control-server: loaded config from %s (%d relays)", configPath, len(cfg.Relays))

	audit, err := auditlog.Open()
	if err != nil {
		return err
	}
	defer audit.Close()

	seeds := make(map[string]string)
	relayConfigs := make([]relay.RelayConfig, 0, len(cfg.Relays))
	for _, r := range cfg.Relays {
		for _, cube := range r.Cubes {
			seeds[cube] = r.ID
		}
		relayConfigs = append(relayConfigs, relay.RelayConfig{ID: r.ID, URI: r.URI, Cubes: r.Cubes})
	}

	reg := registry.New(seeds)
	orchestrator := fleet.New(reg)
	relayManager := relay.NewManager(reg, cfg.RelayReconnectMs, relayConfigs)

	field := fieldPayloadFrom(cfg)
	gw := gateway.New(reg, relayManager, orchestrator, audit, field)
	go gw.Run()
	defer gw.Stop()

	relayManager.SetStatusCallback(func(event relay.StatusEvent) {
		relayStatusGauge.WithLabelValues(event.RelayID).Set(boolToGauge(event.Status == "connected"))
		gw.PublishRelayStatus(event)
	})
	relayManager.SetCubeUpdateCallback(gw.PublishCubeUpdates)
	relayManager.SetLogCallback(gw.PublishLog)

	relayManager.Start()
	defer relayManager.Stop()

	stopTicker := make(chan struct{})
	go fleetStateTicker(gw, uiSessionsGauge, stopTicker)
	defer close(stopTicker)

	app := fiber.New()
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	app.Use("/ws/ui", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/ui", websocket.New(gw.HandleConnection))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Get("/health", gw.HandleHealth)
	api.Get("/logs/recent", gw.HandleRecentLogs)
	api.Get("/logs/range", gw.HandleLogsByRange)

	addr := cfg.UI.Host + ":" + strconv.Itoa(int(cfg.UI.Port))
	log.Printf("control-server: listening on %s", addr)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("control-server: shutting down")
		_ = app.Shutdown()
	}()

	return app.Listen(addr)
}

func fieldPayloadFrom(cfg *config.Config) wire.FieldPayload {
	return wire.FieldPayload{
		TopLeft:     wire.FieldPointPayload{X: cfg.Field.TopLeft.X, Y: cfg.Field.TopLeft.Y},
		BottomRight: wire.FieldPointPayload{X: cfg.Field.BottomRight.X, Y: cfg.Field.BottomRight.Y},
	}
}

func fleetStateTicker(gw *gateway.Gateway, sessions prometheus.Gauge, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			health := gw.Health()
			sessions.Set(float64(health.UiSessions))
			gw.PublishFleetState()
		}
	}
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
