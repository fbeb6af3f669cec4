package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fleetgate/alert"
	"fleetgate/bus"
	"fleetgate/config"
	"fleetgate/detect"
	"fleetgate/gateway"
	"fleetgate/gateway/cyphal"
	"fleetgate/gateway/mavlink"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
	"fleetgate/router"
	"fleetgate/storage"
	"fleetgate/threat"
	"fleetgate/web"
)

func main() {
	configFile := flag.String("config", "config/config.yaml", "Path to configuration file")
	logLevel := flag.String("log", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	// Load configuration
	logger.Info("Loading configuration from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	if *logLevel != "" {
		logger.SetLevelFromString(*logLevel)
	} else {
		logger.SetLevelFromString(cfg.Log.Level)
	}
	if cfg.Log.TimestampFormat != "" {
		logger.SetTimestampFormat(cfg.Log.TimestampFormat)
	}
	logger.Info("Configuration loaded successfully (Log level: %s)", logger.GetLevelString())

	reg := metrics.New()
	logger.SetSink(reg.AddLog)
	cfgStore := config.NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// STEP 1: message plumbing - bus, ACK table, router, gateway.
	logger.Info("[STARTUP] Building message plumbing...")
	b := bus.New()
	acks := gateway.NewAckTable()
	rt := router.New(router.Config{
		EnableFailover:  cfg.Routing.EnableFailover,
		Algorithm:       cfg.Routing.Algorithm,
		FallbackTimeout: time.Duration(cfg.Routing.FallbackTimeoutSeconds * float64(time.Second)),
		MaxRetries:      cfg.Routing.MaxRetries,
		AckTimeout:      time.Duration(cfg.Routing.AckTimeoutSeconds * float64(time.Second)),
		RedundantCopies: cfg.Routing.RedundantCopies,
	}, cfg.Routing.CircuitBreakerThreshold,
		time.Duration(cfg.Routing.RecoverySeconds*float64(time.Second)), acks, reg)

	gw := gateway.New(cfg.Gateway, reg, b, rt, acks, cfg.Performance.MaxConcurrentMessages)

	if cfg.Gateway.MAVLink.Enabled {
		gw.RegisterAdapter(mavlink.New(cfg.Gateway.MAVLink, reg, gw))
	}
	if cfg.Gateway.Cyphal.Enabled {
		gw.RegisterAdapter(cyphal.New(cfg.Gateway.Cyphal, reg, gw))
	}

	// STEP 2: detection pipeline.
	logger.Info("[STARTUP] Building detection pipeline...")
	findings := make(chan *model.Finding, 1024)
	anomaly := detect.NewEngine(cfg.Detection, reg, findings)
	failures := detect.NewFailureEngine(cfg.Detection, reg, findings)
	threats := threat.NewEngine(cfg.Detection, reg, findings)

	alerts, err := alert.NewEngine(cfg.Alerts, reg, nil)
	if err != nil {
		logger.Fatal("Failed to build alert engine: %v", err)
	}

	store := storage.NewMemory(cfg.Detection.TelemetryBufferSize)
	hub := web.NewHub()

	// STEP 3: bus consumers. Detectors tolerate drops; the archive and
	// feed do too. The alert path is the findings channel, which the
	// detectors treat as backpressure (they count what they cannot queue).
	depth := cfg.Performance.BusDepth
	anomalyC := b.Subscribe("anomaly", depth, bus.DropOldest)
	failC := b.Subscribe("failure", depth, bus.DropOldest)
	threatC := b.Subscribe("threat", depth, bus.DropOldest)
	storeC := b.Subscribe("archive", depth, bus.DropOldest)
	feedC := b.Subscribe("feed", depth, bus.DropOldest)

	// The detectors get their own WaitGroup: they write the findings
	// channel, so shutdown must see them finish before closing it.
	var wg, detWg sync.WaitGroup
	detWg.Add(3)
	go func() { defer detWg.Done(); anomaly.Run(ctx, anomalyC) }()
	go func() { defer detWg.Done(); failures.Run(failC) }()
	go func() { defer detWg.Done(); threats.Run(threatC) }()
	wg.Add(2)
	go func() { defer wg.Done(); store.Run(storeC) }()
	go func() { defer wg.Done(); feedPump(hub, feedC) }()

	// Findings fan into the alert engine and the live feed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for f := range findings {
			hub.Publish(web.TopicFindings, f)
			if a := alerts.ProcessFinding(f); a != nil {
				hub.Publish(web.TopicAlerts, a)
			}
		}
		logger.Info("[ALERT] Finding stream closed")
	}()

	// STEP 4: start the gateway.
	logger.Info("[STARTUP] Starting protocol gateway...")
	if err := gw.Start(ctx); err != nil {
		logger.Fatal("Failed to start gateway: %v", err)
	}

	// Periodic housekeeping: stale metric decay and a stats line.
	wg.Add(1)
	go func() {
		defer wg.Done()
		housekeeping(ctx, cfg, rt, reg)
	}()

	// STEP 5: control API.
	srv := web.NewServer(web.Deps{
		Config:   cfgStore,
		Registry: reg,
		Router:   rt,
		Gateway:  gw,
		Alerts:   alerts,
		Anomaly:  anomaly,
		Failures: failures,
		Threats:  threats,
		Store:    store,
		Hub:      hub,
		Control:  &runtime{gw: gw},
	})
	go func() {
		if err := srv.Start(cfg.Web.Port); err != nil {
			logger.Fatal("Web server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	logger.Info("fleetgate running. Press Ctrl+C to stop.")
	<-sigCh

	logger.Info("[SHUTDOWN] Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[SHUTDOWN] Web server: %v", err)
	}

	gw.Stop()       // drains outbound, closes the bus, consumers unwind
	detWg.Wait()    // detectors drain their consumers and stop emitting
	close(findings) // alert fan-in unwinds last
	cancel()
	wg.Wait()

	logger.Info("[SHUTDOWN] Complete")
}

// feedPump mirrors bus traffic onto the websocket feed.
func feedPump(hub *web.Hub, c *bus.Consumer) {
	for msg := range c.C() {
		switch msg.Kind {
		case model.KindTelemetry:
			hub.Publish(web.TopicTelemetry, msg.Telemetry)
		case model.KindStatus:
			hub.Publish(web.TopicStatus, msg)
		}
	}
}

// housekeeping decays stale routing metrics and emits the periodic
// stats line.
func housekeeping(ctx context.Context, cfg *config.Config, rt *router.Router, reg *metrics.Registry) {
	interval := time.Duration(cfg.Log.StatsInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	statsTicker := time.NewTicker(interval)
	decayTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()
	defer decayTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-decayTicker.C:
			rt.Tracker().DecayStale()
		case <-statsTicker.C:
			snap := reg.Snapshot()
			logger.Info("[STATS] alerts_opened=%v alerts_resolved=%v escalations=%v uptime=%v",
				snap["alerts_opened"], snap["alerts_resolved"], snap["escalations"], snap["uptime"])
		}
	}
}

// runtime adapts the gateway to the control API's start/stop surface.
type runtime struct {
	mu sync.Mutex
	gw *gateway.Gateway
}

func (r *runtime) StartIngest(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gw.Start(context.Background())
}

func (r *runtime) StopIngest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gw.Stop()
}
