// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

// An EgressTier bills the portion of the transferred volume between
// its FloorGiB and the next higher tier's floor at Rate.
type EgressTier struct {
	FloorGiB float64
	Rate     float64
}

// TieredEgressCost computes an egress cost from marginal bracket
// rates: tiers are consumed top-down (highest floor first), each
// billing only the slice of the volume above its own floor. The
// result is monotonic non-decreasing in gigabytes, and zero for
// volumes at or below the lowest tier floor.
func TieredEgressCost(gigabytes float64, tiers []EgressTier) float64 {
	cost := 0.0
	for _, tier := range tiers {
		if gigabytes > tier.FloorGiB {
			cost += (gigabytes - tier.FloorGiB) * tier.Rate
			gigabytes = tier.FloorGiB
		}
	}
	return cost
}
