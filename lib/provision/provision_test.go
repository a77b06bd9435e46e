// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"sync"
	"testing"
	"time"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/lib/cloud/loopback"
	"git.strato.dev/strato.git/sdk/go/ctxlog"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

// mapStore is a minimal in-memory ClusterStore.
type mapStore struct {
	mtx  sync.Mutex
	recs map[string]strato.ClusterRecord
}

func newMapStore() *mapStore {
	return &mapStore{recs: map[string]strato.ClusterRecord{}}
}

func (ms *mapStore) Get(ctx context.Context, name string) (strato.ClusterRecord, bool, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	rec, ok := ms.recs[name]
	return rec, ok, nil
}

func (ms *mapStore) Put(ctx context.Context, rec strato.ClusterRecord) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.recs[rec.Name] = rec
	return nil
}

type provisionSuite struct {
	store *mapStore
	prv   *loopback.Provider
	pvr   *Provisioner
}

var _ = check.Suite(&provisionSuite{})

func (s *provisionSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.store = newMapStore()
	s.prv = loopback.New(logger, "tester")
	s.pvr = NewProvisioner(logger, s.store, prometheus.NewRegistry(), time.Millisecond, 4*time.Millisecond)
}

func (s *provisionSuite) TestLaunchSuccess(c *check.C) {
	rec, err := s.pvr.Launch(context.Background(), s.prv, Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)
	c.Check(rec.Status, check.Equals, strato.ClusterUp)
	c.Check(rec.Provider, check.Equals, "loopback")
	c.Check(rec.InstanceType, check.Equals, s.prv.DefaultInstanceType())
	c.Check(rec.InstanceID, check.Not(check.Equals), "")
	c.Check(rec.Owner, check.Equals, "tester")
	c.Check(rec.LaunchedAt.IsZero(), check.Equals, false)

	stored, ok, err := s.store.Get(context.Background(), "c1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(stored, check.DeepEquals, rec)
}

func (s *provisionSuite) TestLaunchAdvancesOnUnavailable(c *check.C) {
	// Loopback offers 3 zone groups; burn the first two.
	s.prv.QueueCreateError(strato.ResourceUnavailableError{Message: "no capacity in a"})
	s.prv.QueueCreateError(strato.ResourceUnavailableError{Message: "no capacity in b"})
	rec, err := s.pvr.Launch(context.Background(), s.prv, Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)
	c.Check(rec.Status, check.Equals, strato.ClusterUp)
	c.Check(rec.Region, check.Equals, "lb-west")
}

func (s *provisionSuite) TestLaunchCredentialErrorAborts(c *check.C) {
	s.prv.QueueCreateError(strato.CredentialError{Provider: "loopback", Kind: strato.CredentialInvalid})
	rec, err := s.pvr.Launch(context.Background(), s.prv, Request{ClusterName: "c1"})
	c.Check(strato.IsCredentialError(err), check.Equals, true)
	// The record stays INIT: nothing was placed.
	c.Check(rec.Status, check.Equals, strato.ClusterInit)
	c.Check(s.prv.Instances(), check.HasLen, 0)
}

func (s *provisionSuite) TestLaunchExhaustion(c *check.C) {
	for i := 0; i < 3; i++ {
		s.prv.QueueCreateError(strato.ResourceUnavailableError{Message: "no capacity"})
	}
	rec, err := s.pvr.Launch(context.Background(), s.prv, Request{ClusterName: "c1"})
	c.Check(strato.IsResourceUnavailable(err), check.Equals, true)
	c.Check(rec.Status, check.Equals, strato.ClusterInit)
}

func (s *provisionSuite) TestRetryUntilUp(c *check.C) {
	// First sweep exhausts all 3 groups; the second succeeds.
	for i := 0; i < 3; i++ {
		s.prv.QueueCreateError(strato.ResourceUnavailableError{Message: "no capacity"})
	}
	rec, err := s.pvr.Launch(context.Background(), s.prv, Request{ClusterName: "c1", RetryUntilUp: true})
	c.Assert(err, check.IsNil)
	c.Check(rec.Status, check.Equals, strato.ClusterUp)
}

func (s *provisionSuite) TestRetryUntilUpCancellation(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		s.prv.QueueCreateError(strato.ResourceUnavailableError{Message: "no capacity"})
	}
	_, err := s.pvr.Launch(ctx, s.prv, Request{ClusterName: "c1", RetryUntilUp: true})
	c.Check(err, check.Equals, context.Canceled)
	c.Check(s.prv.Instances(), check.HasLen, 0)
}

// cancellingProvider cancels the context while a placement call is in
// flight, so success lands after cancellation.
type cancellingProvider struct {
	*loopback.Provider
	cancel context.CancelFunc
}

func (cp *cancellingProvider) Create(ctx context.Context, spec cloud.CreateSpec) (cloud.Instance, error) {
	cp.cancel()
	return cp.Provider.Create(ctx, spec)
}

func (s *provisionSuite) TestCancelledMidAttemptTearsDown(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prv := &cancellingProvider{Provider: s.prv, cancel: cancel}
	_, err := s.pvr.Launch(ctx, prv, Request{ClusterName: "c1"})
	c.Check(err, check.Equals, context.Canceled)
	// The instance created by the aborted attempt is torn down
	// before cancellation propagates.
	c.Check(s.prv.Instances(), check.HasLen, 0)
}

func (s *provisionSuite) TestRestart(c *check.C) {
	rec, err := s.pvr.Launch(context.Background(), s.prv, Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)
	c.Assert(s.prv.StopInstance(context.Background(), rec.Region, rec.InstanceID), check.IsNil)

	before := rec.LastUse
	rec.Status = strato.ClusterStopped
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)

	restarted, err := s.pvr.Restart(context.Background(), s.prv, rec)
	c.Assert(err, check.IsNil)
	c.Check(restarted.Status, check.Equals, strato.ClusterUp)
	// The placement is pinned.
	c.Check(restarted.InstanceID, check.Equals, rec.InstanceID)
	c.Check(restarted.Region, check.Equals, rec.Region)
	// Restart resets the idle clock.
	c.Check(restarted.LastUse.After(before) || restarted.LastUse.Equal(before), check.Equals, true)
}

func (s *provisionSuite) TestRestartFailure(c *check.C) {
	rec, err := s.pvr.Launch(context.Background(), s.prv, Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)
	s.prv.QueueStartError(strato.ResourceUnavailableError{Message: "host gone"})
	got, err := s.pvr.Restart(context.Background(), s.prv, rec)
	c.Check(strato.IsResourceUnavailable(err), check.Equals, true)
	c.Check(got.Status, check.Equals, strato.ClusterInit)
}
