// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterman

import (
	"context"
	"time"

	"git.strato.dev/strato.git/sdk/go/strato"
	check "gopkg.in/check.v1"
)

type storeSuite struct {
	store Store
}

var _ = check.Suite(&storeSuite{})

func (s *storeSuite) SetUpTest(c *check.C) {
	s.store = NewMemStore()
}

func (s *storeSuite) TestRoundTrip(c *check.C) {
	ctx := context.Background()
	_, ok, err := s.store.Get(ctx, "c1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	rec := strato.ClusterRecord{
		Name:            "c1",
		Provider:        "loopback",
		Region:          "lb-east",
		Zone:            "lb-east-a",
		InstanceType:    "lb.standard-8",
		InstanceID:      "lb-0001",
		HeadAddress:     "127.0.0.1",
		Status:          strato.ClusterUp,
		AutostopMinutes: strato.AutostopDisabled,
		Owner:           "tester",
		LastUse:         time.Now(),
		LaunchedAt:      time.Now(),
	}
	c.Assert(s.store.Put(ctx, rec), check.IsNil)
	got, ok, err := s.store.Get(ctx, "c1")
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)
	c.Check(got, check.DeepEquals, rec)

	// Put replaces.
	rec.Status = strato.ClusterStopped
	c.Assert(s.store.Put(ctx, rec), check.IsNil)
	got, _, err = s.store.Get(ctx, "c1")
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterStopped)

	c.Assert(s.store.Delete(ctx, "c1"), check.IsNil)
	_, ok, err = s.store.Get(ctx, "c1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	// Deleting a missing record is a no-op.
	c.Check(s.store.Delete(ctx, "c1"), check.IsNil)
}

func (s *storeSuite) TestListOrderedByName(c *check.C) {
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		c.Assert(s.store.Put(ctx, strato.ClusterRecord{Name: name, Status: strato.ClusterInit}), check.IsNil)
	}
	recs, err := s.store.List(ctx)
	c.Assert(err, check.IsNil)
	c.Assert(recs, check.HasLen, 3)
	c.Check(recs[0].Name, check.Equals, "alpha")
	c.Check(recs[1].Name, check.Equals, "mid")
	c.Check(recs[2].Name, check.Equals, "zeta")
}
