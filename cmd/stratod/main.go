// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command stratod runs the cluster and job controllers plus the
// management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/lib/cloud/aws"
	"git.strato.dev/strato.git/lib/cloud/gcp"
	"git.strato.dev/strato.git/lib/cloud/loopback"
	"git.strato.dev/strato.git/lib/clusterman"
	"git.strato.dev/strato.git/lib/jobman"
	"git.strato.dev/strato.git/lib/provision"
	"git.strato.dev/strato.git/lib/remoteexec"
	"git.strato.dev/strato.git/sdk/go/config"
	"git.strato.dev/strato.git/sdk/go/ctxlog"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
)

// Drivers is the set of compiled-in cloud drivers, keyed by the
// Driver name in provider config.
var drivers = map[string]cloud.Driver{
	"aws":      aws.Driver,
	"gcp":      gcp.Driver,
	"loopback": loopback.Driver,
}

func main() {
	os.Exit(runCommand(os.Args, os.Stderr))
}

func runCommand(args []string, stderr *os.File) int {
	flags := flag.NewFlagSet(args[0], flag.ExitOnError)
	configFile := flags.String("config", "/etc/strato/config.yml", "configuration `file` path")
	flags.Parse(args[1:])

	cfg := strato.DefaultConfig()
	if err := config.LoadFile(&cfg, *configFile); err != nil {
		fmt.Fprintf(stderr, "error loading config: %s\n", err)
		return 1
	}
	logger := ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	ctx, cancel := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	providers := map[string]cloud.Provider{}
	for name, pc := range cfg.Providers {
		driverName := pc.Driver
		if driverName == "" {
			driverName = name
		}
		driver, ok := drivers[driverName]
		if !ok {
			logger.WithField("Driver", driverName).Error("unsupported cloud driver")
			return 1
		}
		prov, err := driver.Provider(pc.DriverParameters, logger.WithField("Provider", name))
		if err != nil {
			logger.WithField("Provider", name).WithError(err).Error("error setting up cloud provider")
			return 1
		}
		providers[name] = prov
	}
	if len(providers) == 0 {
		logger.Error("no cloud providers enabled in config")
		return 1
	}

	var clusterStore clusterman.Store
	var jobStore jobman.Store
	if cfg.DatabaseDSN == "" {
		logger.Warn("no DatabaseDSN configured, using in-memory stores")
		clusterStore = clusterman.NewMemStore()
		jobStore = jobman.NewMemStore()
	} else {
		var err error
		clusterStore, err = clusterman.NewPostgresStore(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.WithError(err).Error("error opening cluster store")
			return 1
		}
		jobStore, err = jobman.NewPostgresStore(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.WithError(err).Error("error opening job store")
			return 1
		}
	}

	var heads jobman.HeadPool
	if cfg.DispatchPrivateKey == "" {
		logger.Warn("no DispatchPrivateKey configured, head node dispatch disabled")
	} else {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.DispatchPrivateKey))
		if err != nil {
			logger.WithError(err).Error("error parsing DispatchPrivateKey")
			return 1
		}
		heads = remoteexec.NewPool(cfg.SSHPort, signer)
	}

	reg := prometheus.NewRegistry()
	pvr := provision.NewProvisioner(logger, clusterStore, reg,
		time.Duration(cfg.RetryBackoffInitial), time.Duration(cfg.RetryBackoffMax))
	clusterCtrl := clusterman.NewController(logger, clusterStore, providers, pvr, reg)
	jobCtrl := jobman.NewController(logger, jobStore, clusterCtrl, heads, reg)

	monitor := clusterman.NewIdleMonitor(logger, clusterCtrl, jobCtrl, time.Duration(cfg.IdlePollInterval))
	monitor.Start()
	defer monitor.Close()

	watcher := jobman.NewPreemptionWatcher(logger, jobCtrl, time.Duration(cfg.PreemptionPollInterval))
	watcher.Start()
	defer watcher.Close()

	srv := &http.Server{
		Addr: cfg.ManagementAddress,
		Handler: &clusterman.ManagementAPI{
			Logger:     logger,
			Controller: clusterCtrl,
			Jobs:       jobCtrl,
			Monitor:    monitor,
			Registry:   reg,
			AuthToken:  cfg.ManagementToken,
		},
	}
	errch := make(chan error, 1)
	go func() {
		logger.WithField("Address", cfg.ManagementAddress).Info("management API listening")
		errch <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		return 0
	case err := <-errch:
		logger.WithError(err).Error("management API server failed")
		return 1
	}
}
