// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobman manages the lifecycle of managed jobs: submission,
// the running-state transitions reported by the head node, preemption
// recovery, and cancellation.
package jobman

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"git.strato.dev/strato.git/lib/clusterman"
	"git.strato.dev/strato.git/lib/provision"
	"git.strato.dev/strato.git/lib/remoteexec"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A SubmitRequest asks for one job to be queued on a cluster.
type SubmitRequest struct {
	Name        string
	ClusterName string
	Username    string
	// Command is the shell command the head node runs for the job.
	Command   string
	Resources strato.ResourceRequest
}

// A HeadPool hands out command runners for cluster head nodes,
// keeping SSH connections alive across calls. *remoteexec.Pool
// implements it. A nil HeadPool disables head node dispatch: job
// records still move through their states, which is what dev mode and
// the loopback provider want.
type HeadPool interface {
	Executor(rec strato.ClusterRecord) remoteexec.Runner
	Release(clusterName string)
}

// A CancelRequest names the jobs to cancel: explicit IDs, a job name,
// or all active jobs. The outer CLI layer enforces that exactly one
// selector is used.
type CancelRequest struct {
	IDs  []int64
	Name string
	All  bool
	// Username scopes All to one submitter. Ignored for the other
	// selectors.
	Username string
}

// A Controller drives job state transitions against one store. It
// implements clusterman.JobActivity and clusterman.JobLister.
type Controller struct {
	logger   logrus.FieldLogger
	store    Store
	clusters *clusterman.Controller
	heads    HeadPool

	mRecoveries prometheus.Counter
}

// NewController wires a Controller and registers its metrics on reg.
func NewController(logger logrus.FieldLogger, store Store, clusters *clusterman.Controller, heads HeadPool, reg *prometheus.Registry) *Controller {
	ctrl := &Controller{
		logger:   logger,
		store:    store,
		clusters: clusters,
		heads:    heads,
		mRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strato",
			Subsystem: "jobs",
			Name:      "recoveries_total",
			Help:      "Number of preemption-triggered job recovery attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(ctrl.mRecoveries)
		for _, status := range []strato.JobStatus{strato.JobPending, strato.JobSubmitted, strato.JobRunning, strato.JobRecovering, strato.JobSucceeded, strato.JobFailed, strato.JobCancelled} {
			status := status
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   "strato",
				Subsystem:   "jobs",
				Name:        "count",
				Help:        "Number of job records, by status.",
				ConstLabels: prometheus.Labels{"status": string(status)},
			}, func() float64 {
				recs, err := store.List(context.Background(), ListFilter{Status: status})
				if err != nil {
					return 0
				}
				return float64(len(recs))
			}))
		}
	}
	return ctrl
}

// Submit queues a job on an UP cluster. The job is created PENDING
// and moved to SUBMITTED once the record is accepted; the cluster's
// idle clock restarts.
func (ctrl *Controller) Submit(ctx context.Context, req SubmitRequest) (strato.JobRecord, error) {
	cluster, err := ctrl.clusters.Status(ctx, req.ClusterName, false)
	if err != nil {
		return strato.JobRecord{}, err
	}
	if cluster.Status != strato.ClusterUp {
		return strato.JobRecord{}, strato.ClusterNotUpError{Name: req.ClusterName}
	}
	resources, err := json.Marshal(req.Resources)
	if err != nil {
		return strato.JobRecord{}, err
	}
	rec, err := ctrl.store.Create(ctx, strato.JobRecord{
		Name:        req.Name,
		ClusterName: req.ClusterName,
		Username:    req.Username,
		Command:     req.Command,
		Status:      strato.JobPending,
		SubmittedAt: time.Now(),
		Resources:   string(resources),
	})
	if err != nil {
		return rec, err
	}
	if err := ctrl.clusters.RecordActivity(ctx, req.ClusterName); err != nil {
		return rec, err
	}
	if ctrl.heads != nil {
		if err := ctrl.startOnHead(cluster, rec); err != nil {
			return rec, err
		}
	}
	rec.Status = strato.JobSubmitted
	if err := ctrl.store.Update(ctx, rec); err != nil {
		return rec, err
	}
	ctrl.logger.WithFields(logrus.Fields{
		"JobID":       rec.ID,
		"ClusterName": req.ClusterName,
	}).Info("job submitted")
	return rec, nil
}

// startOnHead tells the head node agent to start the job's command.
// The command text travels on stdin, so no shell quoting applies.
func (ctrl *Controller) startOnHead(cluster strato.ClusterRecord, rec strato.JobRecord) error {
	exr := ctrl.heads.Executor(cluster)
	env := map[string]string{
		"STRATO_JOB_ID":   fmt.Sprintf("%d", rec.ID),
		"STRATO_JOB_NAME": rec.Name,
	}
	if _, stderr, err := exr.Run(env, "strato-agent start-job", strings.NewReader(rec.Command)); err != nil {
		ctrl.logger.WithFields(logrus.Fields{
			"JobID":  rec.ID,
			"stderr": string(stderr),
		}).WithError(err).Error("failed to start job on head node")
		return err
	}
	return nil
}

// MarkRunning records that execution began on the head node.
func (ctrl *Controller) MarkRunning(ctx context.Context, id int64) error {
	return ctrl.transition(ctx, id, strato.JobRunning, strato.JobPending, strato.JobSubmitted, strato.JobRecovering)
}

// MarkSucceeded records successful completion.
func (ctrl *Controller) MarkSucceeded(ctx context.Context, id int64) error {
	return ctrl.transition(ctx, id, strato.JobSucceeded, strato.JobRunning)
}

// MarkFailed records execution failure.
func (ctrl *Controller) MarkFailed(ctx context.Context, id int64) error {
	return ctrl.transition(ctx, id, strato.JobFailed, strato.JobRunning, strato.JobRecovering)
}

func (ctrl *Controller) transition(ctx context.Context, id int64, to strato.JobStatus, from ...strato.JobStatus) error {
	rec, ok, err := ctrl.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %d does not exist", id)
	}
	allowed := false
	for _, f := range from {
		if rec.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("job %d is %s, cannot move to %s", id, rec.Status, to)
	}
	rec.Status = to
	now := time.Now()
	if to == strato.JobRunning && rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if to.Terminal() {
		rec.EndedAt = now
	}
	return ctrl.store.Update(ctx, rec)
}

// Cancel moves the selected jobs to CANCELLED. Cancelling a job that
// is already terminal is a no-op. Selecting by a name that matches
// more than one active job fails with JobNameAmbiguousError before
// anything is cancelled.
func (ctrl *Controller) Cancel(ctx context.Context, req CancelRequest) ([]strato.JobRecord, error) {
	var targets []strato.JobRecord
	switch {
	case len(req.IDs) > 0:
		for _, id := range req.IDs {
			rec, ok, err := ctrl.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("job %d does not exist", id)
			}
			targets = append(targets, rec)
		}
	case req.Name != "":
		recs, err := ctrl.store.List(ctx, ListFilter{})
		if err != nil {
			return nil, err
		}
		var activeIDs []int64
		for _, rec := range recs {
			if rec.Name != req.Name {
				continue
			}
			targets = append(targets, rec)
			if rec.Status.Active() {
				activeIDs = append(activeIDs, rec.ID)
			}
		}
		if len(activeIDs) > 1 {
			return nil, strato.JobNameAmbiguousError{Name: req.Name, IDs: activeIDs}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("no job named %q", req.Name)
		}
	case req.All:
		recs, err := ctrl.store.List(ctx, ListFilter{Username: req.Username})
		if err != nil {
			return nil, err
		}
		targets = recs
	default:
		return nil, fmt.Errorf("cancel needs job ids, a job name, or the all flag")
	}

	var cancelled []strato.JobRecord
	for _, rec := range targets {
		if rec.Status.Terminal() {
			continue
		}
		rec.Status = strato.JobCancelled
		rec.EndedAt = time.Now()
		if err := ctrl.store.Update(ctx, rec); err != nil {
			return cancelled, err
		}
		if ctrl.heads != nil {
			ctrl.signalCancel(ctx, rec)
		}
		cancelled = append(cancelled, rec)
		ctrl.logger.WithField("JobID", rec.ID).Info("job cancelled")
	}
	return cancelled, nil
}

// signalCancel tells the head node agent to stop the job's process.
// Best effort: the record is already CANCELLED, and an unreachable
// head node (stopped, preempted) has nothing left to stop.
func (ctrl *Controller) signalCancel(ctx context.Context, rec strato.JobRecord) {
	cluster, err := ctrl.clusters.Status(ctx, rec.ClusterName, false)
	if err != nil || cluster.Status != strato.ClusterUp {
		return
	}
	exr := ctrl.heads.Executor(cluster)
	if _, _, err := exr.Run(nil, fmt.Sprintf("strato-agent cancel-job %d", rec.ID), nil); err != nil {
		ctrl.logger.WithField("JobID", rec.ID).WithError(err).Warn("failed to signal job cancellation to head node")
	}
}

// Recover runs one preemption recovery: the job moves to RECOVERING,
// its retry count increments by exactly one, and the cluster is
// re-provisioned from the job's original abstract request. Placement
// exhaustion fails the job; success returns it to RUNNING.
func (ctrl *Controller) Recover(ctx context.Context, id int64) error {
	rec, ok, err := ctrl.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %d does not exist", id)
	}
	if rec.Status != strato.JobRunning {
		return fmt.Errorf("job %d is %s, only RUNNING jobs recover", id, rec.Status)
	}
	logger := ctrl.logger.WithFields(logrus.Fields{
		"JobID":       rec.ID,
		"ClusterName": rec.ClusterName,
	})
	var resources strato.ResourceRequest
	if err := json.Unmarshal([]byte(rec.Resources), &resources); err != nil {
		return fmt.Errorf("job %d has unreadable resources: %s", id, err)
	}
	rec.Status = strato.JobRecovering
	rec.RetryCount++
	if err := ctrl.store.Update(ctx, rec); err != nil {
		return err
	}
	ctrl.mRecoveries.Inc()
	logger.WithField("RetryCount", rec.RetryCount).Info("job preempted, recovering")

	cluster, err := ctrl.clusters.Launch(ctx, resources.Provider, provision.Request{
		ClusterName: rec.ClusterName,
		Resources:   resources,
	})
	if err != nil {
		logger.WithError(err).Error("recovery provisioning failed")
		rec.Status = strato.JobFailed
		rec.EndedAt = time.Now()
		if uerr := ctrl.store.Update(ctx, rec); uerr != nil {
			return uerr
		}
		return err
	}
	if ctrl.heads != nil {
		// The new head node has nothing running yet; restart the
		// job's command there.
		if herr := ctrl.startOnHead(cluster, rec); herr != nil {
			rec.Status = strato.JobFailed
			rec.EndedAt = time.Now()
			if uerr := ctrl.store.Update(ctx, rec); uerr != nil {
				return uerr
			}
			return herr
		}
	}
	rec.Status = strato.JobRunning
	if err := ctrl.store.Update(ctx, rec); err != nil {
		return err
	}
	if err := ctrl.clusters.RecordActivity(ctx, rec.ClusterName); err != nil {
		return err
	}
	logger.Info("job recovered")
	return nil
}

// ActiveJobCount implements clusterman.JobActivity.
func (ctrl *Controller) ActiveJobCount(ctx context.Context, clusterName string) (int, error) {
	recs, err := ctrl.store.List(ctx, ListFilter{ClusterName: clusterName})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Status.Active() {
			n++
		}
	}
	return n, nil
}

// ListJobs implements clusterman.JobLister.
func (ctrl *Controller) ListJobs(ctx context.Context) ([]strato.JobRecord, error) {
	return ctrl.store.List(ctx, ListFilter{})
}

// Queue returns the filtered job listing.
func (ctrl *Controller) Queue(ctx context.Context, filter ListFilter) ([]strato.JobRecord, error) {
	return ctrl.store.List(ctx, filter)
}
