// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterman

import (
	"context"
	"time"

	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/sirupsen/logrus"
)

// JobActivity reports how many jobs are pending or running on a
// cluster. The job controller implements it.
type JobActivity interface {
	ActiveJobCount(ctx context.Context, clusterName string) (int, error)
}

// autostopExpired reports whether the record's idle timer has run out.
func autostopExpired(rec strato.ClusterRecord, now time.Time) bool {
	return rec.Status == strato.ClusterUp &&
		rec.AutostopMinutes != strato.AutostopDisabled &&
		now.Sub(rec.LastUse) >= time.Duration(rec.AutostopMinutes)*time.Minute
}

// StopIfIdle stops (or downs, per the record's autostop config) the
// cluster if its idle timer has expired and it has no active jobs.
// Expiry and activity are re-checked under the per-name lock, so a
// submission that lands between an idle-monitor snapshot and the
// trigger wins and the cluster stays up. Returns true if a transition
// was triggered.
func (ctrl *Controller) StopIfIdle(ctx context.Context, name string, activity JobActivity) (bool, error) {
	unlock := ctrl.lockName(name)
	defer unlock()
	rec, ok, err := ctrl.store.Get(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if !autostopExpired(rec, time.Now()) {
		return false, nil
	}
	if activity != nil {
		n, err := activity.ActiveJobCount(ctx, name)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	logger := ctrl.logger.WithFields(logrus.Fields{
		"ClusterName": name,
		"IdleMinutes": rec.AutostopMinutes,
		"Down":        rec.AutostopDown,
	})
	if rec.AutostopDown {
		logger.Info("idle timer expired, downing cluster")
		return true, ctrl.downLocked(ctx, name, DownOptions{})
	}
	logger.Info("idle timer expired, stopping cluster")
	_, err = ctrl.stopLocked(ctx, name)
	return true, err
}

// An IdleMonitor polls cluster records and fires autostop transitions
// when idle timers expire. It is a poller, not event-driven: activity
// recorded after one snapshot is seen on the next poll.
type IdleMonitor struct {
	logger   logrus.FieldLogger
	ctrl     *Controller
	activity JobActivity
	interval time.Duration

	stop    chan struct{}
	stopped chan struct{}
}

// NewIdleMonitor returns a monitor polling at the given interval
// (default 30s).
func NewIdleMonitor(logger logrus.FieldLogger, ctrl *Controller, activity JobActivity, interval time.Duration) *IdleMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &IdleMonitor{
		logger:   logger,
		ctrl:     ctrl,
		activity: activity,
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the polling loop.
func (mon *IdleMonitor) Start() {
	go func() {
		defer close(mon.stopped)
		ticker := time.NewTicker(mon.interval)
		defer ticker.Stop()
		for {
			select {
			case <-mon.stop:
				return
			case <-ticker.C:
				mon.Scan(context.Background())
			}
		}
	}()
}

// Close stops the polling loop and waits for it to exit.
func (mon *IdleMonitor) Close() {
	close(mon.stop)
	<-mon.stopped
}

// Scan runs one poll pass over all cluster records. It is also called
// directly by the management API's autostop-scan endpoint.
func (mon *IdleMonitor) Scan(ctx context.Context) {
	recs, err := mon.ctrl.List(ctx)
	if err != nil {
		mon.logger.WithError(err).Error("idle monitor failed to list clusters")
		return
	}
	now := time.Now()
	for _, rec := range recs {
		if !autostopExpired(rec, now) {
			continue
		}
		if _, err := mon.ctrl.StopIfIdle(ctx, rec.Name, mon.activity); err != nil {
			mon.logger.WithField("ClusterName", rec.Name).WithError(err).Error("autostop transition failed")
		}
	}
}
