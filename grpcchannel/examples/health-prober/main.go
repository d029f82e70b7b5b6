/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"
	golog "log"
	"time"

	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"

	"github.com/acronis/go-grpcclient/grpcchannel"
)

func main() {
	if err := runApp(); err != nil {
		golog.Fatal(err)
	}
}

func runApp() error {
	cfg, err := loadAppConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	// Channels are closed when the service stops, since the factory is a service unit.
	channelFactory, err := grpcchannel.New(cfg.GRPCClient, logger)
	if err != nil {
		return fmt.Errorf("create gRPC channel factory: %w", err)
	}

	prober := service.NewPeriodicWorker(service.WorkerFunc(func(ctx context.Context) error {
		return probeBackends(ctx, channelFactory, cfg.Prober.Backends, logger)
	}), cfg.Prober.Interval, logger)

	return service.New(logger, service.NewCompositeUnit(
		service.NewWorkerUnit(prober),
		channelFactory,
	)).Start()
}

func probeBackends(ctx context.Context, channelFactory *grpcchannel.ChannelFactory, backends []string, logger log.FieldLogger) error {
	for _, backend := range backends {
		// The channel is constructed on the first probe and reused afterwards.
		conn, err := channelFactory.CreateChannel(backend).Build()
		if err != nil {
			return fmt.Errorf("build gRPC channel for %s: %w", backend, err)
		}
		checkCtx, cancel := context.WithTimeout(ctx, time.Second*5)
		resp, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
		cancel()
		if err != nil {
			logger.Warn("backend health check failed", log.String("backend", backend), log.Error(err))
			continue
		}
		logger.Info("backend health checked", log.String("backend", backend), log.String("status", resp.GetStatus().String()))
	}
	return nil
}

func loadAppConfig() (*AppConfig, error) {
	cfgLoader := config.NewDefaultLoader("health_prober")
	cfg := NewAppConfig()
	err := cfgLoader.LoadFromFile("config.yml", config.DataTypeYAML, cfg)
	return cfg, err
}

type AppConfig struct {
	GRPCClient *grpcchannel.Config
	Log        *log.Config
	Prober     *ProberConfig
}

func NewAppConfig() *AppConfig {
	return &AppConfig{
		GRPCClient: grpcchannel.NewConfig(),
		Log:        log.NewConfig(),
		Prober:     &ProberConfig{},
	}
}

func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

func (c *AppConfig) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}

type ProberConfig struct {
	Backends []string
	Interval time.Duration
}

func (c *ProberConfig) KeyPrefix() string {
	return "prober"
}

func (c *ProberConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault("interval", time.Second*10)
}

func (c *ProberConfig) Set(dp config.DataProvider) (err error) {
	if c.Backends, err = dp.GetStringSlice("backends"); err != nil {
		return err
	}
	if c.Interval, err = dp.GetDuration("interval"); err != nil {
		return err
	}
	return nil
}
