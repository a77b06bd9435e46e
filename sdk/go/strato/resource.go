// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package strato

import "fmt"

// An InstanceType describes a provider instance type offering as it
// appears in a catalog row: specs plus on-demand and spot pricing.
type InstanceType struct {
	Name             string
	VCPUs            float64
	MemoryGiB        float64
	AcceleratorName  string
	AcceleratorCount int
	Price            float64
	SpotPrice        float64
}

// A ResourceRequest describes what the caller wants to run: either a
// concrete instance type, or an abstract accelerator name+count that
// the catalog will resolve to instance types. An empty InstanceType
// with an empty AcceleratorName means "any default instance type".
type ResourceRequest struct {
	// Provider identifier ("aws", "gcp", ...). Empty means the
	// caller will try each enabled provider in turn.
	Provider string

	// Concrete instance type name, if the caller has already
	// chosen one.
	InstanceType string

	AcceleratorName  string
	AcceleratorCount int

	UseSpot bool

	// Image reference: a provider image ID used verbatim, or a
	// catalog tag like "strato:gpu-ubuntu-2004" resolved
	// per-region. Empty means the provider default.
	ImageRef string

	DiskSizeGB int
}

// String returns a short human-readable form, used in job records and
// log fields.
func (rr ResourceRequest) String() string {
	s := rr.Provider
	if s == "" {
		s = "any"
	}
	switch {
	case rr.InstanceType != "":
		s += "(" + rr.InstanceType + ")"
	case rr.AcceleratorName != "":
		s += fmt.Sprintf("(%s:%d)", rr.AcceleratorName, rr.AcceleratorCount)
	}
	if rr.UseSpot {
		s += "[spot]"
	}
	return s
}

// An AcceleratorSuggestion is a near-miss alternative offered when no
// instance type matches the requested accelerator count exactly.
type AcceleratorSuggestion struct {
	Name  string
	Count int
}
