// Command shadowgw runs the device shadow synchronization gateway: a
// local REST/WebSocket API backed by a local store, synchronized
// against a cloud shadow service over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/cloudclient"
	"github.com/edgeflow/shadowgw/internal/config"
	"github.com/edgeflow/shadowgw/internal/dataplane"
	"github.com/edgeflow/shadowgw/internal/health"
	"github.com/edgeflow/shadowgw/internal/httpapi"
	"github.com/edgeflow/shadowgw/internal/localapi"
	"github.com/edgeflow/shadowgw/internal/lock"
	"github.com/edgeflow/shadowgw/internal/logger"
	"github.com/edgeflow/shadowgw/internal/metrics"
	"github.com/edgeflow/shadowgw/internal/pubsub"
	"github.com/edgeflow/shadowgw/internal/ratelimit"
	"github.com/edgeflow/shadowgw/internal/store"
	"github.com/edgeflow/shadowgw/internal/syncengine"
	"github.com/edgeflow/shadowgw/internal/telemetry"
)

var Version = "0.1.0"

func main() {
	cfgPath := os.Getenv("SHADOWGW_CONFIG_FILE")
	cfgSource, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shadowgw: load config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgSource.Current()

	hub := pubsub.NewHub(zap.NewNop())
	if err := logger.Init(logger.Config{
		Level: cfg.Logger.Level, Format: cfg.Logger.Format, LogDir: cfg.Logger.LogDir,
		MaxSizeMB: cfg.Logger.MaxSizeMB, MaxBackups: cfg.Logger.MaxBackups, MaxAgeDays: cfg.Logger.MaxAgeDays,
		Compress: cfg.Logger.Compress,
	}, hub); err != nil {
		fmt.Fprintf(os.Stderr, "shadowgw: init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get()
	log.Info("shadowgw starting", zap.String("version", Version))

	localStore, err := store.New(store.Config{Driver: store.Driver(cfg.Database.Driver), DSN: cfg.Database.DSN})
	if err != nil {
		log.Fatal("init local store", zap.Error(err))
	}
	defer localStore.Close()

	dataPlane, err := buildDataPlane(cfg.Cloud)
	if err != nil {
		log.Fatal("init data plane client", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxLocalRequestsPerThingPerSec: cfg.RateLimit.MaxLocalRequestsPerThingPerSec,
		BurstPerThing:                  cfg.RateLimit.BurstPerThing,
		MaxTotalLocalRequestRate:       cfg.RateLimit.MaxTotalLocalRequestRate,
		TotalBurst:                     cfg.RateLimit.TotalBurst,
	})

	authSecret := os.Getenv("SHADOWGW_JWT_SECRET")
	if authSecret == "" {
		log.Warn("SHADOWGW_JWT_SECRET not set, using insecure development default")
		authSecret = "dev-secret-change-me"
	}
	authorizer := localapi.NewJWTAuthorizer([]byte(authSecret))

	handlers := localapi.NewHandlers(localStore, lock.New(), limiter, authorizer, hub, nil, log)

	syncHandler := syncengine.NewHandler(localStore, dataPlane, handlers, hub, log, cfg.Sync.WorkerPoolSize)

	gwMetrics := metrics.NewMetrics()
	syncHandler.SetMetrics(gwMetrics)

	if cfg.Telemetry.Enabled {
		reporter, err := telemetry.NewReporter(telemetry.Config{
			URL: cfg.Telemetry.InfluxURL, Token: cfg.Telemetry.InfluxToken,
			Org: cfg.Telemetry.InfluxOrg, Bucket: cfg.Telemetry.InfluxBucket,
		}, log)
		if err != nil {
			log.Warn("telemetry disabled, failed to connect", zap.Error(err))
		} else {
			defer reporter.Close()
			syncHandler.SetTelemetry(reporter)
		}
	}

	cloud := cloudclient.New(cloudclient.Config{
		Broker: cfg.Cloud.MQTTBroker, ClientID: cfg.Cloud.MQTTClientID,
		KeepAlive: 30 * time.Second, ConnectTimeout: 10 * time.Second, AutoReconnect: true,
	}, syncHandler, log)
	if err := cloud.Connect(); err != nil {
		log.Warn("cloud MQTT connect failed, will rely on reconnect logic", zap.Error(err))
	}
	defer cloud.Disconnect()

	handlers.SetEnqueuer(&syncEnqueuerAdapter{handler: syncHandler, cloud: cloud, tracked: make(map[string]struct{})})

	var strategy syncengine.Strategy
	if cfg.Sync.Strategy == "periodic" {
		strategy = syncengine.NewPeriodicStrategy(cfg.Sync.PeriodicCron, log)
	} else {
		strategy = syncengine.RealTimeStrategy{}
	}
	if err := strategy.Start(syncHandler); err != nil {
		log.Warn("sync strategy failed to start", zap.Error(err))
	}
	defer strategy.Stop()

	tunnel := config.NewTunnel(cfg.Cloud.ConfigTunnelURL, cfgSource, log)
	if err := tunnel.Start(); err != nil {
		log.Warn("config tunnel failed to start, continuing on local config only", zap.Error(err))
	}
	defer tunnel.Stop()

	checker := health.NewChecker()
	checker.RegisterCheck("local_store", health.StoreHealthCheck(func(ctx context.Context) error {
		_, _, err := localStore.ListShadowNames(ctx, "", 0, 1)
		return err
	}), 30*time.Second)
	checker.RegisterCheck("cloud_connection", health.CloudConnectionHealthCheck(cloud.IsConnected), 15*time.Second)
	checker.RegisterCheck("goroutines", health.GoroutineHealthCheck(runtime.NumGoroutine, 10000), time.Minute)

	healthCtx, stopHealth := context.WithCancel(context.Background())
	checker.StartPeriodicChecks(healthCtx)
	defer stopHealth()

	server := httpapi.New(handlers, hub, cfgSource, checker, gwMetrics, log, Version)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	go func() {
		if err := server.Listen(addr); err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	cfgSource.OnChange(func(newCfg config.Config) {
		limiter.Reconfigure(ratelimit.Config{
			MaxLocalRequestsPerThingPerSec: newCfg.RateLimit.MaxLocalRequestsPerThingPerSec,
			BurstPerThing:                  newCfg.RateLimit.BurstPerThing,
			MaxTotalLocalRequestRate:       newCfg.RateLimit.MaxTotalLocalRequestRate,
			TotalBurst:                     newCfg.RateLimit.TotalBurst,
		})
		log.Info("configuration reloaded")
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shadowgw shutting down")
	_ = server.Shutdown()
	_ = logger.Sync()
}

func buildDataPlane(cfg config.CloudConfig) (dataplane.ShadowDataPlane, error) {
	if cfg.Provider == "generic" {
		return dataplane.NewGenericClient(dataplane.GenericConfig{
			BaseURL: cfg.BaseURL, TokenURL: cfg.TokenURL, ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret,
		}), nil
	}
	return dataplane.NewAWSIoTClient(dataplane.AWSIoTConfig{
		Region: cfg.Region, AccessKey: cfg.AccessKey, SecretKey: cfg.SecretKey, Endpoint: cfg.Endpoint,
	})
}

// syncEnqueuerAdapter implements localapi.Enqueuer by translating a
// localapi.SyncRequest into a syncengine.Request, bridging the two
// packages' independently declared interfaces without either
// importing the other.
type syncEnqueuerAdapter struct {
	handler *syncengine.Handler
	cloud   *cloudclient.Client

	mu      sync.Mutex
	tracked map[string]struct{}
}

func (a *syncEnqueuerAdapter) Enqueue(r localapi.SyncRequest) error {
	reqType, ok := syncRequestTypes[r.Type]
	if !ok {
		return fmt.Errorf("shadowgw: unknown sync request type %q", r.Type)
	}

	a.mu.Lock()
	if _, ok := a.tracked[r.Thing]; !ok {
		a.tracked[r.Thing] = struct{}{}
		a.mu.Unlock()
		if err := a.cloud.AddThing(r.Thing); err != nil {
			logger.Get().Warn("failed to subscribe to thing's cloud shadow topics", zap.String("thing", r.Thing), zap.Error(err))
		}
	} else {
		a.mu.Unlock()
	}

	req := syncengine.NewRequest(reqType, r.Thing, r.ShadowName, r.Payload)
	req.Version = r.Version
	return a.handler.Enqueue(req)
}

var syncRequestTypes = map[string]syncengine.RequestType{
	"LocalUpdate":    syncengine.LocalUpdate,
	"LocalDelete":    syncengine.LocalDelete,
	"CloudUpdate":    syncengine.CloudUpdate,
	"CloudDelete":    syncengine.CloudDelete,
	"FullSync":       syncengine.FullSync,
	"OverwriteCloud": syncengine.OverwriteCloud,
	"OverwriteLocal": syncengine.OverwriteLocal,
}
