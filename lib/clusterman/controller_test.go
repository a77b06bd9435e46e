// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterman

import (
	"context"
	"errors"
	"testing"
	"time"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/lib/cloud/loopback"
	"git.strato.dev/strato.git/lib/provision"
	"git.strato.dev/strato.git/sdk/go/ctxlog"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

type controllerSuite struct {
	store Store
	prv   *loopback.Provider
	ctrl  *Controller
}

var _ = check.Suite(&controllerSuite{})

func (s *controllerSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.store = NewMemStore()
	s.prv = loopback.New(logger, "tester")
	reg := prometheus.NewRegistry()
	pvr := provision.NewProvisioner(logger, s.store, reg, time.Millisecond, 4*time.Millisecond)
	s.ctrl = NewController(logger, s.store, map[string]cloud.Provider{"loopback": s.prv}, pvr, reg)
}

func (s *controllerSuite) launch(c *check.C, name string, useSpot bool) strato.ClusterRecord {
	rec, err := s.ctrl.Launch(context.Background(), "loopback", provision.Request{
		ClusterName: name,
		Resources:   strato.ResourceRequest{UseSpot: useSpot},
	})
	c.Assert(err, check.IsNil)
	c.Assert(rec.Status, check.Equals, strato.ClusterUp)
	return rec
}

type fakeActivity int

func (fa fakeActivity) ActiveJobCount(ctx context.Context, clusterName string) (int, error) {
	return int(fa), nil
}

func (s *controllerSuite) TestLaunchReservedNameRejected(c *check.C) {
	_, err := s.ctrl.Launch(context.Background(), "loopback", provision.Request{
		ClusterName: ReservedClusterPrefix + "main",
	})
	c.Check(err, check.FitsTypeOf, strato.NotSupportedError{})
}

func (s *controllerSuite) TestStartNoOpWhenUp(c *check.C) {
	rec := s.launch(c, "c1", false)
	again, err := s.ctrl.Start(context.Background(), "c1", false)
	c.Assert(err, check.IsNil)
	c.Check(again.InstanceID, check.Equals, rec.InstanceID)
	c.Check(again.Status, check.Equals, strato.ClusterUp)
}

func (s *controllerSuite) TestStopAndStart(c *check.C) {
	rec := s.launch(c, "c1", false)
	stopped, err := s.ctrl.Stop(context.Background(), "c1")
	c.Assert(err, check.IsNil)
	c.Check(stopped.Status, check.Equals, strato.ClusterStopped)

	// Stopping again is a no-op.
	stopped, err = s.ctrl.Stop(context.Background(), "c1")
	c.Assert(err, check.IsNil)
	c.Check(stopped.Status, check.Equals, strato.ClusterStopped)

	started, err := s.ctrl.Start(context.Background(), "c1", false)
	c.Assert(err, check.IsNil)
	c.Check(started.Status, check.Equals, strato.ClusterUp)
	// Same placement, no re-resolution.
	c.Check(started.InstanceID, check.Equals, rec.InstanceID)
}

func (s *controllerSuite) TestLaunchTerminatesReplacedInstance(c *check.C) {
	rec := s.launch(c, "c1", false)
	// Simulate a GCP-style preemption: the instance stops but its
	// disks (and billing) remain.
	s.prv.SetInstanceState(rec.InstanceID, cloud.StateStopped)

	again := s.launch(c, "c1", false)
	c.Check(again.InstanceID, check.Not(check.Equals), rec.InstanceID)
	state, err := s.prv.InstanceStatus(context.Background(), rec.Region, rec.InstanceID)
	c.Assert(err, check.IsNil)
	c.Check(state, check.Equals, cloud.StateTerminated)
}

func (s *controllerSuite) TestStopSpotRejected(c *check.C) {
	s.launch(c, "c1", true)
	_, err := s.ctrl.Stop(context.Background(), "c1")
	c.Check(err, check.FitsTypeOf, strato.NotSupportedError{})
	// The guard fires before any state change.
	rec, err2 := s.ctrl.Status(context.Background(), "c1", false)
	c.Assert(err2, check.IsNil)
	c.Check(rec.Status, check.Equals, strato.ClusterUp)
}

func (s *controllerSuite) TestStopAcceleratorPodRejected(c *check.C) {
	rec := s.launch(c, "c1", false)
	rec.AcceleratorPod = true
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)
	_, err := s.ctrl.Stop(context.Background(), "c1")
	c.Check(err, check.FitsTypeOf, strato.NotSupportedError{})
}

func (s *controllerSuite) TestOwnerIdentityMismatch(c *check.C) {
	rec := s.launch(c, "c1", false)
	rec.Owner = "someone-else"
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)
	_, err := s.ctrl.Stop(context.Background(), "c1")
	var mismatch strato.ClusterOwnerIdentityMismatchError
	c.Assert(errors.As(err, &mismatch), check.Equals, true)
	c.Check(mismatch.Owner, check.Equals, "someone-else")
	c.Check(mismatch.Current, check.Equals, "tester")
}

func (s *controllerSuite) TestDown(c *check.C) {
	rec := s.launch(c, "c1", false)
	c.Assert(s.ctrl.Down(context.Background(), "c1", DownOptions{}), check.IsNil)
	_, ok, err := s.store.Get(context.Background(), "c1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	state, err := s.prv.InstanceStatus(context.Background(), rec.Region, rec.InstanceID)
	c.Assert(err, check.IsNil)
	c.Check(state, check.Equals, cloud.StateTerminated)
}

func (s *controllerSuite) TestDownReserved(c *check.C) {
	rec := strato.ClusterRecord{Name: ReservedClusterPrefix + "main", Status: strato.ClusterUp}
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)
	err := s.ctrl.Down(context.Background(), rec.Name, DownOptions{})
	c.Check(err, check.FitsTypeOf, strato.NotSupportedError{})
	c.Check(s.ctrl.Down(context.Background(), rec.Name, DownOptions{AllowReserved: true}), check.IsNil)
}

func (s *controllerSuite) TestDownPurge(c *check.C) {
	// Record points at a provider this process has no driver for,
	// so teardown cannot proceed.
	rec := strato.ClusterRecord{Name: "c1", Provider: "aws", InstanceID: "i-1", Status: strato.ClusterUp}
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)

	err := s.ctrl.Down(context.Background(), "c1", DownOptions{})
	c.Check(err, check.NotNil)
	_, ok, _ := s.store.Get(context.Background(), "c1")
	c.Check(ok, check.Equals, true)

	// Purge removes the record despite the failure.
	c.Check(s.ctrl.Down(context.Background(), "c1", DownOptions{Purge: true}), check.IsNil)
	_, ok, _ = s.store.Get(context.Background(), "c1")
	c.Check(ok, check.Equals, false)
}

func (s *controllerSuite) TestAutostopCancel(c *check.C) {
	s.launch(c, "c1", false)
	rec, err := s.ctrl.Autostop(context.Background(), "c1", 10, false)
	c.Assert(err, check.IsNil)
	c.Check(rec.AutostopMinutes, check.Equals, 10)

	rec, err = s.ctrl.Autostop(context.Background(), "c1", -1, false)
	c.Assert(err, check.IsNil)
	c.Check(rec.AutostopMinutes, check.Equals, strato.AutostopDisabled)
	c.Check(rec.AutostopDown, check.Equals, false)
}

func (s *controllerSuite) TestAutostopNewTimerResetsIdleClock(c *check.C) {
	rec := s.launch(c, "c1", false)
	rec.LastUse = time.Now().Add(-time.Hour)
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)

	// Setting a timer while none was active restarts the clock.
	rec, err := s.ctrl.Autostop(context.Background(), "c1", 30, false)
	c.Assert(err, check.IsNil)
	c.Check(time.Since(rec.LastUse) < time.Minute, check.Equals, true)

	// Replacing an active timer keeps the current idle period.
	rec.LastUse = time.Now().Add(-time.Hour)
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)
	rec, err = s.ctrl.Autostop(context.Background(), "c1", 5, true)
	c.Assert(err, check.IsNil)
	c.Check(time.Since(rec.LastUse) >= time.Hour, check.Equals, true)
	c.Check(rec.AutostopMinutes, check.Equals, 5)
	c.Check(rec.AutostopDown, check.Equals, true)
}

func (s *controllerSuite) TestAutostopSpot(c *check.C) {
	s.launch(c, "c1", true)
	// Spot clusters cannot autostop (stop is unsafe) but can
	// autodown.
	_, err := s.ctrl.Autostop(context.Background(), "c1", 10, false)
	c.Check(err, check.FitsTypeOf, strato.NotSupportedError{})
	rec, err := s.ctrl.Autostop(context.Background(), "c1", 10, true)
	c.Assert(err, check.IsNil)
	c.Check(rec.AutostopDown, check.Equals, true)
}

func (s *controllerSuite) TestAutostopNotUp(c *check.C) {
	s.launch(c, "c1", false)
	_, err := s.ctrl.Stop(context.Background(), "c1")
	c.Assert(err, check.IsNil)
	_, err = s.ctrl.Autostop(context.Background(), "c1", 10, false)
	c.Check(err, check.FitsTypeOf, strato.ClusterNotUpError{})
}

func (s *controllerSuite) TestStopIfIdle(c *check.C) {
	rec := s.launch(c, "c1", false)
	rec.AutostopMinutes = 1
	rec.LastUse = time.Now().Add(-2 * time.Minute)
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)

	// Active jobs hold the cluster up.
	triggered, err := s.ctrl.StopIfIdle(context.Background(), "c1", fakeActivity(2))
	c.Assert(err, check.IsNil)
	c.Check(triggered, check.Equals, false)

	triggered, err = s.ctrl.StopIfIdle(context.Background(), "c1", fakeActivity(0))
	c.Assert(err, check.IsNil)
	c.Check(triggered, check.Equals, true)
	got, err := s.ctrl.Status(context.Background(), "c1", false)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterStopped)
}

func (s *controllerSuite) TestStopIfIdleAutodown(c *check.C) {
	rec := s.launch(c, "c1", false)
	rec.AutostopMinutes = 1
	rec.AutostopDown = true
	rec.LastUse = time.Now().Add(-2 * time.Minute)
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)

	triggered, err := s.ctrl.StopIfIdle(context.Background(), "c1", fakeActivity(0))
	c.Assert(err, check.IsNil)
	c.Check(triggered, check.Equals, true)
	_, ok, _ := s.store.Get(context.Background(), "c1")
	c.Check(ok, check.Equals, false)
}

func (s *controllerSuite) TestNoLostResets(c *check.C) {
	rec := s.launch(c, "c1", false)
	rec.AutostopMinutes = 1
	rec.LastUse = time.Now().Add(-2 * time.Minute)
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)

	// A submission landing after the idle monitor's snapshot wins:
	// the trigger re-checks under the lock.
	c.Assert(s.ctrl.RecordActivity(context.Background(), "c1"), check.IsNil)
	triggered, err := s.ctrl.StopIfIdle(context.Background(), "c1", fakeActivity(0))
	c.Assert(err, check.IsNil)
	c.Check(triggered, check.Equals, false)
	got, err := s.ctrl.Status(context.Background(), "c1", false)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterUp)
}

func (s *controllerSuite) TestStatusRefresh(c *check.C) {
	rec := s.launch(c, "c1", false)

	// Provider-side stop drifts the record to STOPPED on refresh.
	s.prv.SetInstanceState(rec.InstanceID, cloud.StateStopped)
	got, err := s.ctrl.Status(context.Background(), "c1", true)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterStopped)

	// A vanished instance drops the record back to INIT.
	s.prv.SetInstanceState(rec.InstanceID, cloud.StateTerminated)
	got, err = s.ctrl.Status(context.Background(), "c1", true)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterInit)
}

func (s *controllerSuite) TestIdleMonitorScan(c *check.C) {
	rec := s.launch(c, "c1", false)
	rec.AutostopMinutes = 1
	rec.LastUse = time.Now().Add(-2 * time.Minute)
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)
	s.launch(c, "c2", false)

	mon := NewIdleMonitor(ctxlog.TestLogger(c), s.ctrl, fakeActivity(0), time.Hour)
	mon.Scan(context.Background())
	got, err := s.ctrl.Status(context.Background(), "c1", false)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterStopped)
	got, err = s.ctrl.Status(context.Background(), "c2", false)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterUp)
}
