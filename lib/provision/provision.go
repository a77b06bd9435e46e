// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provision turns a resolved candidate list into a running
// cluster, failing over across zones, regions, and candidates until a
// placement sticks.
package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"git.strato.dev/strato.git/lib/catalog"
	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A ClusterStore persists cluster records. It is the subset of the
// cluster manager's store the failover loop needs.
type ClusterStore interface {
	Get(ctx context.Context, name string) (strato.ClusterRecord, bool, error)
	Put(ctx context.Context, rec strato.ClusterRecord) error
}

// A Request asks for one cluster to be brought up from an abstract
// resource description.
type Request struct {
	ClusterName string
	Resources   strato.ResourceRequest

	// RetryUntilUp keeps sweeping the whole candidate list, with
	// backoff between sweeps, until placement succeeds or ctx is
	// cancelled.
	RetryUntilUp bool
}

// A Provisioner runs the placement failover loop against one store.
// Safe for concurrent use; callers serialize per cluster name.
type Provisioner struct {
	logger         logrus.FieldLogger
	store          ClusterStore
	backoffInitial time.Duration
	backoffMax     time.Duration

	mAttempts *prometheus.CounterVec
	mTimeToUp prometheus.Histogram
}

// NewProvisioner returns a Provisioner with metrics registered on reg.
// Zero backoff durations fall back to 30s initial / 10m cap.
func NewProvisioner(logger logrus.FieldLogger, store ClusterStore, reg *prometheus.Registry, backoffInitial, backoffMax time.Duration) *Provisioner {
	if backoffInitial <= 0 {
		backoffInitial = 30 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 10 * time.Minute
	}
	pvr := &Provisioner{
		logger:         logger,
		store:          store,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		mAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strato",
			Subsystem: "provision",
			Name:      "placement_attempts_total",
			Help:      "Number of placement attempts, by provider, region and outcome.",
		}, []string{"provider", "region", "outcome"}),
		mTimeToUp: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strato",
			Subsystem: "provision",
			Name:      "time_to_up_seconds",
			Help:      "Time from start of provisioning to a cluster reaching UP.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
	}
	if reg != nil {
		reg.MustRegister(pvr.mAttempts)
		reg.MustRegister(pvr.mTimeToUp)
	}
	return pvr
}

// Launch resolves req against prov and drives the failover loop until
// a cluster is UP, the search space is exhausted, a fatal error
// occurs, or ctx is cancelled. The record is marked INIT before the
// first attempt, so a crash mid-provision leaves a record that status
// refresh can reconcile.
func (pvr *Provisioner) Launch(ctx context.Context, prov cloud.Provider, req Request) (strato.ClusterRecord, error) {
	logger := pvr.logger.WithField("ClusterName", req.ClusterName)
	t0 := time.Now()

	owner, err := prov.CurrentUserIdentity(ctx)
	if err != nil {
		return strato.ClusterRecord{}, err
	}

	candidates, fuzzy, err := catalog.Resolve(req.Resources, prov)
	if err != nil {
		return strato.ClusterRecord{}, err
	}
	if len(candidates) == 0 {
		return strato.ClusterRecord{}, strato.ResourceUnavailableError{Message: noCandidatesMessage(req.Resources, fuzzy)}
	}

	rec, ok, err := pvr.store.Get(ctx, req.ClusterName)
	if err != nil {
		return strato.ClusterRecord{}, err
	}
	if !ok {
		rec = strato.ClusterRecord{
			Name:            req.ClusterName,
			AutostopMinutes: strato.AutostopDisabled,
		}
	}
	rec.Status = strato.ClusterInit
	rec.Owner = owner
	if err := pvr.store.Put(ctx, rec); err != nil {
		return strato.ClusterRecord{}, err
	}

	backoff := pvr.backoffInitial
	for {
		rec, err = pvr.sweep(ctx, prov, logger, rec, candidates)
		if err == nil {
			pvr.mTimeToUp.Observe(time.Since(t0).Seconds())
			return rec, nil
		}
		if !strato.IsResourceUnavailable(err) || !req.RetryUntilUp {
			return rec, err
		}
		logger.WithError(err).WithField("Backoff", backoff).Info("all candidates exhausted, retrying after backoff")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return rec, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > pvr.backoffMax {
			backoff = pvr.backoffMax
		}
	}
}

// sweep tries every candidate's zone groups once, in order. It
// returns the updated UP record on success, a ResourceUnavailableError
// when the whole list is exhausted, and any other error immediately.
func (pvr *Provisioner) sweep(ctx context.Context, prov cloud.Provider, logger logrus.FieldLogger, rec strato.ClusterRecord, candidates []catalog.Candidate) (strato.ClusterRecord, error) {
	for _, cand := range candidates {
		for _, group := range cand.Groups {
			if err := ctx.Err(); err != nil {
				return rec, err
			}
			attempt := logger.WithFields(logrus.Fields{
				"Provider":     cand.Provider,
				"Region":       group.Region.Name,
				"Zones":        strings.Join(group.ZoneNames(), ","),
				"InstanceType": cand.InstanceType,
			})
			imageID, err := prov.ResolveImage(cand.ImageRef, group.Region.Name)
			if err != nil {
				if strato.IsResourceUnavailable(err) {
					attempt.WithError(err).Debug("no image for region, advancing")
					pvr.mAttempts.WithLabelValues(cand.Provider, group.Region.Name, "unavailable").Inc()
					continue
				}
				return rec, err
			}
			inst, err := prov.Create(ctx, cloud.CreateSpec{
				ClusterName:  rec.Name,
				InstanceType: cand.InstanceType,
				Region:       group.Region.Name,
				Zones:        group.ZoneNames(),
				ImageID:      imageID,
				UseSpot:      cand.UseSpot,
				DiskSizeGB:   cand.DiskSizeGB,
			})
			if err != nil {
				if strato.IsResourceUnavailable(err) {
					attempt.WithError(err).Info("placement failed, advancing to next group")
					pvr.mAttempts.WithLabelValues(cand.Provider, group.Region.Name, "unavailable").Inc()
					continue
				}
				pvr.mAttempts.WithLabelValues(cand.Provider, group.Region.Name, "error").Inc()
				return rec, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Cancelled while the placement call was in
				// flight. Tear the instance down before
				// propagating cancellation so nothing keeps
				// billing.
				attempt.WithField("Instance", inst.ID).Info("cancelled mid-attempt, terminating instance")
				if err := prov.TerminateInstance(context.Background(), group.Region.Name, inst.ID); err != nil {
					attempt.WithError(err).Error("failed to terminate instance after cancellation")
				}
				return rec, ctxErr
			}
			pvr.mAttempts.WithLabelValues(cand.Provider, group.Region.Name, "success").Inc()
			now := time.Now()
			rec.Provider = cand.Provider
			rec.Region = group.Region.Name
			rec.Zone = inst.Zone
			rec.InstanceType = cand.InstanceType
			rec.UseSpot = cand.UseSpot
			rec.ImageID = imageID
			rec.InstanceID = inst.ID
			rec.HeadAddress = inst.HeadAddress
			rec.Status = strato.ClusterUp
			rec.LastUse = now
			rec.LaunchedAt = now
			if err := pvr.store.Put(ctx, rec); err != nil {
				return rec, err
			}
			attempt.WithField("Instance", inst.ID).Info("cluster is up")
			return rec, nil
		}
	}
	return rec, strato.ResourceUnavailableError{Message: fmt.Sprintf("no placement found for %s in any candidate region", rec.Name)}
}

// Restart brings a stopped cluster back up in place. The placement is
// pinned: the record's provider, region, and instance are reused with
// no re-resolution, because the disks live where the instance was.
func (pvr *Provisioner) Restart(ctx context.Context, prov cloud.Provider, rec strato.ClusterRecord) (strato.ClusterRecord, error) {
	logger := pvr.logger.WithFields(logrus.Fields{
		"ClusterName": rec.Name,
		"Region":      rec.Region,
		"Instance":    rec.InstanceID,
	})
	rec.Status = strato.ClusterInit
	if err := pvr.store.Put(ctx, rec); err != nil {
		return rec, err
	}
	inst, err := prov.StartInstance(ctx, rec.Region, rec.InstanceID)
	if err != nil {
		outcome := "unavailable"
		if !strato.IsResourceUnavailable(err) {
			outcome = "error"
		}
		pvr.mAttempts.WithLabelValues(rec.Provider, rec.Region, outcome).Inc()
		return rec, err
	}
	pvr.mAttempts.WithLabelValues(rec.Provider, rec.Region, "success").Inc()
	rec.HeadAddress = inst.HeadAddress
	rec.Status = strato.ClusterUp
	rec.LastUse = time.Now()
	if err := pvr.store.Put(ctx, rec); err != nil {
		return rec, err
	}
	logger.Info("cluster restarted")
	return rec, nil
}

func noCandidatesMessage(req strato.ResourceRequest, fuzzy []strato.AcceleratorSuggestion) string {
	msg := fmt.Sprintf("no instance type matches %s", req.String())
	if len(fuzzy) > 0 {
		alts := make([]string, len(fuzzy))
		for i, s := range fuzzy {
			alts[i] = fmt.Sprintf("%s:%d", s.Name, s.Count)
		}
		msg += "; close matches: " + strings.Join(alts, ", ")
	}
	return msg
}
