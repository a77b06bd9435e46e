// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package clusterman manages the cluster lifecycle: the stored record
// for each cluster, the start/stop/down/autostop transitions, the
// idle monitor that fires autostop, and the management HTTP API.
package clusterman

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/lib/provision"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ReservedClusterPrefix marks cluster names reserved for the managed
// job controller's own infrastructure. User-facing lifecycle
// operations refuse to touch them.
const ReservedClusterPrefix = "strato-controller-"

// IsReservedName reports whether the cluster name is reserved for
// internal use.
func IsReservedName(name string) bool {
	return strings.HasPrefix(name, ReservedClusterPrefix)
}

// DownOptions modify the Down transition.
type DownOptions struct {
	// Purge removes the record even if the provider-side teardown
	// fails, e.g. after credentials to the original account are
	// lost.
	Purge bool
	// AllowReserved permits tearing down a reserved cluster. Only
	// internal call paths set it.
	AllowReserved bool
}

// A Controller serializes lifecycle transitions per cluster name and
// applies the transition guards before any state change.
type Controller struct {
	logger      logrus.FieldLogger
	store       Store
	providers   map[string]cloud.Provider
	provisioner *provision.Provisioner

	locksMtx sync.Mutex
	locks    map[string]*sync.Mutex
}

// NewController wires a Controller and registers its gauge metrics
// (clusters by status) on reg.
func NewController(logger logrus.FieldLogger, store Store, providers map[string]cloud.Provider, pvr *provision.Provisioner, reg *prometheus.Registry) *Controller {
	ctrl := &Controller{
		logger:      logger,
		store:       store,
		providers:   providers,
		provisioner: pvr,
		locks:       map[string]*sync.Mutex{},
	}
	if reg != nil {
		for _, status := range []strato.ClusterStatus{strato.ClusterInit, strato.ClusterUp, strato.ClusterStopped} {
			status := status
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   "strato",
				Subsystem:   "clusters",
				Name:        "count",
				Help:        "Number of cluster records, by status.",
				ConstLabels: prometheus.Labels{"status": string(status)},
			}, func() float64 {
				recs, err := store.List(context.Background())
				if err != nil {
					return 0
				}
				n := 0
				for _, rec := range recs {
					if rec.Status == status {
						n++
					}
				}
				return float64(n)
			}))
		}
	}
	return ctrl
}

// lockName serializes mutations of one cluster while letting
// unrelated clusters proceed. Lock entries are never reaped; the set
// of cluster names a process touches is small.
func (ctrl *Controller) lockName(name string) func() {
	ctrl.locksMtx.Lock()
	mtx, ok := ctrl.locks[name]
	if !ok {
		mtx = &sync.Mutex{}
		ctrl.locks[name] = mtx
	}
	ctrl.locksMtx.Unlock()
	mtx.Lock()
	return mtx.Unlock
}

func (ctrl *Controller) provider(name string) (cloud.Provider, error) {
	prov, ok := ctrl.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not enabled", name)
	}
	return prov, nil
}

// checkOwner verifies the current provider identity matches the one
// recorded at provision time.
func (ctrl *Controller) checkOwner(ctx context.Context, prov cloud.Provider, rec strato.ClusterRecord) error {
	if rec.Owner == "" {
		return nil
	}
	current, err := prov.CurrentUserIdentity(ctx)
	if err != nil {
		return err
	}
	if current != rec.Owner {
		return strato.ClusterOwnerIdentityMismatchError{Name: rec.Name, Owner: rec.Owner, Current: current}
	}
	return nil
}

// Launch provisions a new or failed-over cluster from an abstract
// resource request.
func (ctrl *Controller) Launch(ctx context.Context, providerName string, req provision.Request) (strato.ClusterRecord, error) {
	if IsReservedName(req.ClusterName) {
		return strato.ClusterRecord{}, strato.NotSupportedError{Operation: "launch", Reason: fmt.Sprintf("cluster name prefix %q is reserved", ReservedClusterPrefix)}
	}
	return ctrl.launch(ctx, providerName, req)
}

// launch is Launch without the reserved-name guard, for internal
// callers provisioning controller infrastructure.
func (ctrl *Controller) launch(ctx context.Context, providerName string, req provision.Request) (strato.ClusterRecord, error) {
	prov, err := ctrl.provider(providerName)
	if err != nil {
		return strato.ClusterRecord{}, err
	}
	unlock := ctrl.lockName(req.ClusterName)
	defer unlock()
	if err := ctrl.releaseInstance(ctx, req.ClusterName); err != nil {
		return strato.ClusterRecord{}, err
	}
	return ctrl.provisioner.Launch(ctx, prov, req)
}

// releaseInstance terminates the instance recorded for the cluster,
// if any, before a fresh placement replaces it. A preempted spot
// instance is usually gone already, but providers that preempt by
// stopping (GCP) leave an instance whose disks keep billing. Teardown
// failures do not block the relaunch. Caller holds the name lock.
func (ctrl *Controller) releaseInstance(ctx context.Context, name string) error {
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok || rec.InstanceID == "" {
		return nil
	}
	logger := ctrl.logger.WithFields(logrus.Fields{
		"ClusterName": name,
		"Instance":    rec.InstanceID,
	})
	if prov, err := ctrl.provider(rec.Provider); err != nil {
		logger.WithError(err).Warn("cannot terminate previous instance before relaunch")
	} else if err := prov.TerminateInstance(ctx, rec.Region, rec.InstanceID); err != nil {
		logger.WithError(err).Warn("failed to terminate previous instance before relaunch")
	} else {
		logger.Info("terminated previous instance before relaunch")
	}
	rec.InstanceID = ""
	rec.HeadAddress = ""
	rec.Status = strato.ClusterInit
	return ctrl.store.Put(ctx, rec)
}

// Start restarts a stopped cluster in its recorded placement. A
// cluster that is already UP is a no-op unless force is set.
func (ctrl *Controller) Start(ctx context.Context, name string, force bool) (strato.ClusterRecord, error) {
	unlock := ctrl.lockName(name)
	defer unlock()
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil {
		return strato.ClusterRecord{}, err
	}
	if !ok {
		return strato.ClusterRecord{}, fmt.Errorf("cluster %q does not exist", name)
	}
	if rec.Status == strato.ClusterUp && !force {
		return rec, nil
	}
	if rec.InstanceID == "" {
		return rec, fmt.Errorf("cluster %q has no provisioned instance to restart, launch it instead", name)
	}
	prov, err := ctrl.provider(rec.Provider)
	if err != nil {
		return rec, err
	}
	if err := ctrl.checkOwner(ctx, prov, rec); err != nil {
		return rec, err
	}
	return ctrl.provisioner.Restart(ctx, prov, rec)
}

// Stop stops a running cluster, keeping its disks. Reserved clusters,
// spot-backed clusters, and accelerator pods refuse before any state
// change.
func (ctrl *Controller) Stop(ctx context.Context, name string) (strato.ClusterRecord, error) {
	unlock := ctrl.lockName(name)
	defer unlock()
	return ctrl.stopLocked(ctx, name)
}

func (ctrl *Controller) stopLocked(ctx context.Context, name string) (strato.ClusterRecord, error) {
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil {
		return strato.ClusterRecord{}, err
	}
	if !ok {
		return strato.ClusterRecord{}, fmt.Errorf("cluster %q does not exist", name)
	}
	if err := checkStoppable("stop", rec); err != nil {
		return rec, err
	}
	if rec.Status == strato.ClusterStopped {
		return rec, nil
	}
	prov, err := ctrl.provider(rec.Provider)
	if err != nil {
		return rec, err
	}
	if err := ctrl.checkOwner(ctx, prov, rec); err != nil {
		return rec, err
	}
	if err := prov.StopInstance(ctx, rec.Region, rec.InstanceID); err != nil {
		return rec, err
	}
	rec.Status = strato.ClusterStopped
	rec.HeadAddress = ""
	if err := ctrl.store.Put(ctx, rec); err != nil {
		return rec, err
	}
	ctrl.logger.WithField("ClusterName", name).Info("cluster stopped")
	return rec, nil
}

func checkStoppable(op string, rec strato.ClusterRecord) error {
	switch {
	case IsReservedName(rec.Name):
		return strato.NotSupportedError{Operation: op, Reason: fmt.Sprintf("cluster %q is reserved", rec.Name)}
	case rec.UseSpot:
		return strato.NotSupportedError{Operation: op, Reason: "stopping a spot-backed cluster would lose its disks on preemption"}
	case rec.AcceleratorPod:
		return strato.NotSupportedError{Operation: op, Reason: "accelerator pod topologies cannot be stopped in place"}
	}
	return nil
}

// Down terminates a cluster and removes its record.
func (ctrl *Controller) Down(ctx context.Context, name string, opts DownOptions) error {
	if IsReservedName(name) && !opts.AllowReserved {
		return strato.NotSupportedError{Operation: "down", Reason: fmt.Sprintf("cluster %q is reserved", name)}
	}
	unlock := ctrl.lockName(name)
	defer unlock()
	return ctrl.downLocked(ctx, name, opts)
}

func (ctrl *Controller) downLocked(ctx context.Context, name string, opts DownOptions) error {
	logger := ctrl.logger.WithField("ClusterName", name)
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cluster %q does not exist", name)
	}
	if rec.InstanceID != "" {
		prov, err := ctrl.provider(rec.Provider)
		if err == nil {
			err = ctrl.checkOwner(ctx, prov, rec)
		}
		if err == nil {
			err = prov.TerminateInstance(ctx, rec.Region, rec.InstanceID)
		}
		if err != nil {
			if !opts.Purge {
				return err
			}
			logger.WithError(err).Warn("teardown failed, purging record anyway")
		}
	}
	if err := ctrl.store.Delete(ctx, name); err != nil {
		return err
	}
	logger.Info("cluster downed")
	return nil
}

// Autostop sets, replaces, or cancels the idle timer. Negative
// idleMinutes cancels. Setting a timer while none was active restarts
// the idle clock; replacing an active timer keeps the current idle
// period. Last write wins.
func (ctrl *Controller) Autostop(ctx context.Context, name string, idleMinutes int, down bool) (strato.ClusterRecord, error) {
	unlock := ctrl.lockName(name)
	defer unlock()
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil {
		return strato.ClusterRecord{}, err
	}
	if !ok {
		return strato.ClusterRecord{}, fmt.Errorf("cluster %q does not exist", name)
	}
	if idleMinutes < 0 {
		rec.AutostopMinutes = strato.AutostopDisabled
		rec.AutostopDown = false
		if err := ctrl.store.Put(ctx, rec); err != nil {
			return rec, err
		}
		return rec, nil
	}
	if IsReservedName(rec.Name) {
		return rec, strato.NotSupportedError{Operation: "autostop", Reason: fmt.Sprintf("cluster %q is reserved", rec.Name)}
	}
	if !down {
		// Autostop needs the stop transition; autodown works on
		// anything it can terminate.
		if err := checkStoppable("autostop", rec); err != nil {
			return rec, err
		}
	}
	if rec.Status != strato.ClusterUp {
		return rec, strato.ClusterNotUpError{Name: name}
	}
	if rec.AutostopMinutes == strato.AutostopDisabled {
		rec.LastUse = time.Now()
	}
	rec.AutostopMinutes = idleMinutes
	rec.AutostopDown = down
	if err := ctrl.store.Put(ctx, rec); err != nil {
		return rec, err
	}
	ctrl.logger.WithFields(logrus.Fields{
		"ClusterName": name,
		"IdleMinutes": idleMinutes,
		"Down":        down,
	}).Info("autostop configured")
	return rec, nil
}

// RecordActivity restarts the cluster's idle clock. The job
// controller calls it on every submission.
func (ctrl *Controller) RecordActivity(ctx context.Context, name string) error {
	unlock := ctrl.lockName(name)
	defer unlock()
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cluster %q does not exist", name)
	}
	rec.LastUse = time.Now()
	return ctrl.store.Put(ctx, rec)
}

// Status returns the stored record. With refresh set, the provider's
// live instance state is reconciled into the record first: a stopped
// instance moves the record to STOPPED, a vanished one back to INIT.
func (ctrl *Controller) Status(ctx context.Context, name string, refresh bool) (strato.ClusterRecord, error) {
	unlock := ctrl.lockName(name)
	defer unlock()
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil {
		return strato.ClusterRecord{}, err
	}
	if !ok {
		return strato.ClusterRecord{}, fmt.Errorf("cluster %q does not exist", name)
	}
	if !refresh || rec.InstanceID == "" {
		return rec, nil
	}
	prov, err := ctrl.provider(rec.Provider)
	if err != nil {
		return rec, err
	}
	state, err := prov.InstanceStatus(ctx, rec.Region, rec.InstanceID)
	if err != nil {
		return rec, err
	}
	refreshed := rec.Status
	switch state {
	case cloud.StateRunning:
		refreshed = strato.ClusterUp
	case cloud.StateStopped:
		refreshed = strato.ClusterStopped
	case cloud.StateTerminated:
		refreshed = strato.ClusterInit
	}
	if refreshed != rec.Status {
		ctrl.logger.WithFields(logrus.Fields{
			"ClusterName": name,
			"Stored":      rec.Status,
			"Live":        refreshed,
		}).Warn("cluster status drifted, reconciling")
		rec.Status = refreshed
		if refreshed != strato.ClusterUp {
			rec.HeadAddress = ""
		}
		if err := ctrl.store.Put(ctx, rec); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// List returns all cluster records, ordered by name.
func (ctrl *Controller) List(ctx context.Context) ([]strato.ClusterRecord, error) {
	return ctrl.store.List(ctx)
}
