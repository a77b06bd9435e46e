// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobman

import (
	"context"
	"time"

	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/sirupsen/logrus"
)

// A PreemptionWatcher polls the clusters of RUNNING jobs and triggers
// recovery when one has been preempted or otherwise lost its
// instance. Like the idle monitor, it is a poller: detection latency
// is bounded by the poll interval.
type PreemptionWatcher struct {
	logger   logrus.FieldLogger
	ctrl     *Controller
	interval time.Duration

	stop    chan struct{}
	stopped chan struct{}
}

// NewPreemptionWatcher returns a watcher polling at the given
// interval (default 1m).
func NewPreemptionWatcher(logger logrus.FieldLogger, ctrl *Controller, interval time.Duration) *PreemptionWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PreemptionWatcher{
		logger:   logger,
		ctrl:     ctrl,
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the polling loop.
func (pw *PreemptionWatcher) Start() {
	go func() {
		defer close(pw.stopped)
		ticker := time.NewTicker(pw.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pw.stop:
				return
			case <-ticker.C:
				pw.Scan(context.Background())
			}
		}
	}()
}

// Close stops the polling loop and waits for it to exit.
func (pw *PreemptionWatcher) Close() {
	close(pw.stop)
	<-pw.stopped
}

// Scan runs one poll pass: every RUNNING job's cluster is refreshed
// against the provider, and jobs whose cluster is no longer UP are
// recovered. A job whose cluster record has disappeared entirely is
// failed.
func (pw *PreemptionWatcher) Scan(ctx context.Context) {
	recs, err := pw.ctrl.store.List(ctx, ListFilter{Status: strato.JobRunning})
	if err != nil {
		pw.logger.WithError(err).Error("preemption watcher failed to list jobs")
		return
	}
	for _, rec := range recs {
		logger := pw.logger.WithFields(logrus.Fields{
			"JobID":       rec.ID,
			"ClusterName": rec.ClusterName,
		})
		cluster, err := pw.ctrl.clusters.Status(ctx, rec.ClusterName, true)
		if err != nil {
			logger.WithError(err).Warn("cluster record gone, failing job")
			if err := pw.ctrl.MarkFailed(ctx, rec.ID); err != nil {
				logger.WithError(err).Error("failed to mark job failed")
			}
			if pw.ctrl.heads != nil {
				pw.ctrl.heads.Release(rec.ClusterName)
			}
			continue
		}
		if cluster.Status == strato.ClusterUp {
			continue
		}
		if err := pw.ctrl.Recover(ctx, rec.ID); err != nil {
			logger.WithError(err).Error("job recovery failed")
		}
	}
}
