// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"context"
	"errors"
	"fmt"

	"git.strato.dev/strato.git/lib/cloud/loopback"
	"git.strato.dev/strato.git/sdk/go/ctxlog"
	"git.strato.dev/strato.git/sdk/go/strato"
	check "gopkg.in/check.v1"
)

type resolverSuite struct{}

var _ = check.Suite(&resolverSuite{})

// pricedProvider offers multiple instance types at fixed prices so
// candidate ordering can be checked.
type pricedProvider struct {
	*loopback.Provider
	prices map[string]float64 // instance type -> hourly price
	order  []string           // feasible order as returned by the provider
}

func (pp *pricedProvider) FeasibleResources(req strato.ResourceRequest) ([]strato.ResourceRequest, []strato.AcceleratorSuggestion, error) {
	var feasible []strato.ResourceRequest
	for _, it := range pp.order {
		r := req
		r.Provider = pp.Name()
		r.InstanceType = it
		feasible = append(feasible, r)
	}
	return feasible, nil, nil
}

func (pp *pricedProvider) HourlyCost(instanceType string, useSpot bool) (float64, error) {
	price, ok := pp.prices[instanceType]
	if !ok {
		return 0, strato.ResourceUnavailableError{Message: instanceType}
	}
	return price, nil
}

func (s *resolverSuite) TestResolveDeterministic(c *check.C) {
	prv := loopback.New(ctxlog.TestLogger(c), "tester")
	req := strato.ResourceRequest{}
	first, fuzzy, err := Resolve(req, prv)
	c.Assert(err, check.IsNil)
	c.Check(fuzzy, check.IsNil)
	c.Assert(first, check.HasLen, 1)
	c.Check(first[0].InstanceType, check.Equals, prv.DefaultInstanceType())
	c.Check(first[0].Groups, check.HasLen, 3)
	for i := 0; i < 10; i++ {
		again, _, err := Resolve(req, prv)
		c.Assert(err, check.IsNil)
		c.Check(again, check.DeepEquals, first)
	}
}

func (s *resolverSuite) TestResolvePriceOrder(c *check.C) {
	prv := &pricedProvider{
		Provider: loopback.New(ctxlog.TestLogger(c), "tester"),
		prices:   map[string]float64{"t.big": 3.0, "t.small": 0.5, "t.mid": 1.5},
		order:    []string{"t.big", "t.small", "t.mid"},
	}
	candidates, _, err := Resolve(strato.ResourceRequest{}, prv)
	c.Assert(err, check.IsNil)
	c.Assert(candidates, check.HasLen, 3)
	c.Check(candidates[0].InstanceType, check.Equals, "t.small")
	c.Check(candidates[1].InstanceType, check.Equals, "t.mid")
	c.Check(candidates[2].InstanceType, check.Equals, "t.big")
}

func (s *resolverSuite) TestResolvePriceTieKeepsProviderOrder(c *check.C) {
	prv := &pricedProvider{
		Provider: loopback.New(ctxlog.TestLogger(c), "tester"),
		prices:   map[string]float64{"t.a": 1.0, "t.b": 1.0, "t.c": 0.9},
		order:    []string{"t.a", "t.b", "t.c"},
	}
	candidates, _, err := Resolve(strato.ResourceRequest{}, prv)
	c.Assert(err, check.IsNil)
	c.Assert(candidates, check.HasLen, 3)
	c.Check(candidates[0].InstanceType, check.Equals, "t.c")
	c.Check(candidates[1].InstanceType, check.Equals, "t.a")
	c.Check(candidates[2].InstanceType, check.Equals, "t.b")
}

func (s *resolverSuite) TestResolveFuzzy(c *check.C) {
	prv := loopback.New(ctxlog.TestLogger(c), "tester")
	candidates, fuzzy, err := Resolve(strato.ResourceRequest{AcceleratorName: "V100", AcceleratorCount: 8}, prv)
	c.Assert(err, check.IsNil)
	c.Check(candidates, check.IsNil)
	c.Assert(fuzzy, check.HasLen, 1)
	c.Check(fuzzy[0], check.Equals, strato.AcceleratorSuggestion{Name: "V100", Count: 1})
}

type mergeSuite struct{}

var _ = check.Suite(&mergeSuite{})

func (s *mergeSuite) TestMergeRegions(c *check.C) {
	fetch := func(ctx context.Context, region string) ([]InstanceRow, error) {
		switch region {
		case "r-bad":
			return nil, errors.New("fetch timed out")
		default:
			return []InstanceRow{
				{InstanceType: "t.z", Region: region, AvailabilityZone: region + "b"},
				{InstanceType: "t.a", Region: region, AvailabilityZone: region + "a"},
			}, nil
		}
	}
	rows, failed := MergeRegions(context.Background(), ctxlog.TestLogger(c), []string{"r2", "r-bad", "r1"}, fetch)
	// One region failing does not abort the others.
	c.Assert(failed, check.HasLen, 1)
	c.Check(failed[0], check.ErrorMatches, `region r-bad: fetch timed out`)
	// The aggregate is deterministically sorted regardless of
	// fetch completion order.
	c.Assert(rows, check.HasLen, 4)
	want := []string{"t.a/r1", "t.a/r2", "t.z/r1", "t.z/r2"}
	for i, row := range rows {
		c.Check(fmt.Sprintf("%s/%s", row.InstanceType, row.Region), check.Equals, want[i])
	}
}

func (s *mergeSuite) TestMergeRegionsAllFail(c *check.C) {
	fetch := func(ctx context.Context, region string) ([]InstanceRow, error) {
		return nil, errors.New("nope")
	}
	rows, failed := MergeRegions(context.Background(), ctxlog.TestLogger(c), []string{"r1", "r2"}, fetch)
	c.Check(rows, check.HasLen, 0)
	c.Check(failed, check.HasLen, 2)
}
