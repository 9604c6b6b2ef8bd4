package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pixoo-fleet/pixoo-daemon/internal/config"
	"github.com/pixoo-fleet/pixoo-daemon/internal/httpapi"
	"github.com/pixoo-fleet/pixoo-daemon/internal/metrics"
	"github.com/pixoo-fleet/pixoo-daemon/internal/mqtttransport"
	"github.com/pixoo-fleet/pixoo-daemon/internal/observability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/router"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scenes"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scheduler"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
	"github.com/pixoo-fleet/pixoo-daemon/internal/watchdog"
)

// shutdownBudget bounds two phases of graceful shutdown, each on its
// own: the HTTP server's drain, then the scheduler actors' drain. The
// watchdog stop and the store's final flush are not bounded by it, and
// nothing forces the process to exit when a phase overruns.
const shutdownBudget = 8 * time.Second

// probeTimeout bounds every individual watchdog health probe.
const probeTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: load configuration and drive the configured device fleet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			logLevel, _ := cmd.Flags().GetString("log-level")
			return runServe(path, logLevel)
		},
	}
	return cmd
}

func runServe(configPath, logLevelOverride string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return fatalConfig(err)
	}
	level := doc.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	log := newLogger(level)

	caps := config.BuiltinCapabilities()

	persisted := statestore.LoadDocument(doc.Persistence.Path, log)

	var mqttClient mqtttransport.Client
	if doc.MQTT.BrokerURL != "" {
		mqttClient, err = mqtttransport.New(mqtttransport.Options{
			BrokerURL: doc.MQTT.BrokerURL,
			ClientID:  "pixoo-daemon",
			Username:  doc.MQTT.Username,
			Password:  doc.MQTT.Password,
		}, log)
		if err != nil {
			return fatalRuntime(fmt.Errorf("connecting to mqtt broker: %w", err))
		}
	}

	factories := buildFactories(doc, caps, mqttClient)
	reg, err := registry.New(deviceConfigsFrom(doc), factories, caps)
	if err != nil {
		return fatalConfig(err)
	}

	store := statestore.New(log, doc.Persistence.Path, time.Duration(doc.Persistence.DebounceSeconds)*time.Second)
	store.Restore(persisted)

	scns := scene.NewRegistry()
	if err := scns.Register(scenes.Static); err != nil {
		return fatalRuntime(err)
	}
	if err := scns.Register(scenes.Ticking); err != nil {
		return fatalRuntime(err)
	}

	promReg := prometheus.NewRegistry()
	met := metrics.Register(promReg)
	pub := observability.New(met, log)
	defer pub.Close()

	mgr := scheduler.NewManager(reg, scns, store, pub, log, actorConfigsFrom(doc, persisted.Devices, buildVersion, buildNumber, gitCommit))
	reg.SetControl(mgr)

	if mqttClient != nil {
		unsubMQTT := wireMQTTPublisher(pub, mqttClient, doc.MQTT.TopicBase, log)
		defer unsubMQTT()
	}

	wd := watchdog.New(mgr, mqttClient, probeTimeout, log)
	for _, d := range doc.Devices {
		dev, ok := reg.Get(d.Host)
		if !ok {
			continue
		}
		wd.Watch(dev, watchdogPolicyFrom(d))
	}

	rtr := router.New(doc.MQTT.TopicBase, reg, mgr, store, log)
	if mqttClient != nil {
		topic := doc.MQTT.TopicBase + "/#"
		if err := mqttClient.Subscribe(topic, 1, func(t string, payload []byte) {
			rtr.HandleMQTT(t, payload)
		}); err != nil {
			return fatalRuntime(fmt.Errorf("subscribing to %s: %w", topic, err))
		}
	}

	info := httpapi.GlobalInfo{Version: buildVersion, BuildNumber: buildNumber, GitCommit: gitCommit, StartupTS: time.Now()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restartFn := func() {
		log.Warn("httpapi: restart requested; re-exec is left to the process supervisor")
	}
	srv := httpapi.New(reg, mgr, rtr, scns, pub, promReg, info, restartFn, log)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", doc.WebUI.Port),
		Handler: srv.Router(),
	}

	mgr.Start(ctx)
	wd.Start(ctx)

	httpErrC := make(chan error, 1)
	go func() {
		log.WithField("port", doc.WebUI.Port).Info("httpapi: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrC <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("serve: shutdown signal received")
	case err := <-httpErrC:
		log.WithError(err).Error("httpapi: listener failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	wd.Stop()
	mgr.Shutdown(shutdownBudget)
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("statestore: final flush failed")
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}

	return nil
}
