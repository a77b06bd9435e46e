// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"sort"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/sdk/go/strato"
)

// A Candidate is a fully priced placement option: one provider
// instance type with the ordered (region, zones) groups the failover
// loop will try. The image reference is carried unresolved; the
// failover loop resolves it per region so a missing catalog image for
// one region advances the search instead of poisoning the whole
// candidate.
type Candidate struct {
	Provider     string
	InstanceType string
	UseSpot      bool
	Price        float64
	ImageRef     string
	DiskSizeGB   int
	Groups       []cloud.ZoneGroup
}

// Resolve expands an abstract resource request into an ordered
// candidate list, or fuzzy near-miss suggestions when no exact match
// exists. It is a pure function of the request and the provider's
// catalog snapshot: the same inputs always yield the same ordered
// list (stable sort by price ascending, ties left in provider region
// order).
func Resolve(req strato.ResourceRequest, prov cloud.Provider) ([]Candidate, []strato.AcceleratorSuggestion, error) {
	feasible, fuzzy, err := prov.FeasibleResources(req)
	if err != nil {
		return nil, nil, err
	}
	if len(feasible) == 0 {
		return nil, fuzzy, nil
	}
	candidates := make([]Candidate, 0, len(feasible))
	for _, r := range feasible {
		price, err := prov.HourlyCost(r.InstanceType, r.UseSpot)
		if err != nil {
			return nil, nil, err
		}
		price += prov.AccelCost(r.AcceleratorName, r.AcceleratorCount, r.UseSpot)
		groups := prov.CandidateZones(r.InstanceType, r.UseSpot)
		if len(groups) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			Provider:     prov.Name(),
			InstanceType: r.InstanceType,
			UseSpot:      r.UseSpot,
			Price:        price,
			ImageRef:     r.ImageRef,
			DiskSizeGB:   r.DiskSizeGB,
			Groups:       groups,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Price < candidates[j].Price
	})
	return candidates, nil, nil
}
