// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"encoding/json"

	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/sirupsen/logrus"
)

// A Zone is a provider availability zone.
type Zone struct {
	Name string
}

// A Region owns an ordered sequence of Zones. Regions and zones are
// static, provider-defined data.
type Region struct {
	Name  string
	Zones []Zone
}

// A ZoneGroup is the unit of one placement attempt: a region plus the
// zones to try. Providers that can retry across zones atomically in a
// single placement call offer all zones of a region as one group;
// others offer one group per zone.
type ZoneGroup struct {
	Region Region
	Zones  []Zone
}

// ZoneNames returns the group's zone names in order.
func (zg ZoneGroup) ZoneNames() []string {
	names := make([]string, len(zg.Zones))
	for i, z := range zg.Zones {
		names[i] = z.Name
	}
	return names
}

// A CreateSpec fully describes one placement attempt.
type CreateSpec struct {
	ClusterName  string
	InstanceType string
	Region       string
	// Zones to try. More than one zone is only passed to
	// providers whose CandidateZones batches zones per region.
	Zones      []string
	ImageID    string
	UseSpot    bool
	DiskSizeGB int
	Tags       map[string]string
}

// An Instance identifies a created head node.
type Instance struct {
	ID          string
	Zone        string
	HeadAddress string
}

// InstanceState is the provider-reported state of an instance.
type InstanceState string

const (
	StateRunning    InstanceState = "running"
	StateStopped    InstanceState = "stopped"
	StateTerminated InstanceState = "terminated"
	StateUnknown    InstanceState = "unknown"
)

// A Provider is one cloud capability: catalog access, cost model,
// credential checks, and placement calls. Implementations are
// immutable apart from a lazily built, process-lifetime region cache,
// and all methods are goroutine safe.
//
// Every error returned across this boundary is one of the canonical
// kinds in sdk/go/strato; provider SDK errors never escape the
// implementation.
type Provider interface {
	// Name returns the provider identifier ("aws", "gcp", ...).
	Name() string

	// Regions returns the static region list, computed once and
	// cached for the process lifetime.
	Regions() []Region

	// CandidateZones returns ordered (region, zones) groups for a
	// placement search. With an empty instanceType it falls back
	// to the full static region list; otherwise it returns the
	// regions/zones that stock the instance type, preserving
	// catalog order.
	CandidateZones(instanceType string, useSpot bool) []ZoneGroup

	// ResolveImage maps an image reference to a concrete image ID
	// for the region. Literal IDs pass through. Catalog tag
	// references ("strato:...") are looked up per region; a
	// missing catalog entry yields ResourceUnavailableError so
	// the failover loop advances rather than aborting.
	ResolveImage(imageRef, region string) (string, error)

	// ImageSizeGiB returns the image's disk size. Catalog tag
	// references get a fixed provider default; absent credentials
	// also yield the default rather than an error (the credential
	// problem surfaces at provisioning time).
	ImageSizeGiB(ctx context.Context, imageID, region string) float64

	// HourlyCost returns the hourly price of the instance type,
	// cheapest across regions.
	HourlyCost(instanceType string, useSpot bool) (float64, error)

	// AccelCost returns the hourly price of the accelerators
	// alone: zero when accelerators are billed as part of the
	// instance type, nonzero when priced separately.
	AccelCost(acceleratorName string, count int, useSpot bool) float64

	// EgressCost returns the cost of transferring the given
	// number of gigabytes out of the provider.
	EgressCost(gigabytes float64) float64

	// CheckCredentials verifies local configuration presence and
	// a live identity check. It never returns an error: on
	// failure, ok is false and the string carries remediation
	// instructions.
	CheckCredentials(ctx context.Context) (ok bool, remediation string)

	// CurrentUserIdentity returns the provider identity of the
	// caller, or a CredentialError (missing, invalid, or
	// expired).
	CurrentUserIdentity(ctx context.Context) (string, error)

	// FeasibleResources expands an abstract request into concrete
	// per-instance-type requests, or near-miss accelerator
	// suggestions ordered by increasing distance from the
	// requested count when nothing matches exactly.
	FeasibleResources(req strato.ResourceRequest) ([]strato.ResourceRequest, []strato.AcceleratorSuggestion, error)

	// DefaultInstanceType is used when the request names neither
	// an instance type nor an accelerator.
	DefaultInstanceType() string

	// Create attempts one placement. Capacity/quota/image
	// problems come back as ResourceUnavailableError;
	// configuration problems as CredentialError.
	Create(ctx context.Context, spec CreateSpec) (Instance, error)

	// StartInstance restarts a stopped instance in place.
	StartInstance(ctx context.Context, region, instanceID string) (Instance, error)

	// StopInstance stops an instance, keeping its disks.
	StopInstance(ctx context.Context, region, instanceID string) error

	// TerminateInstance destroys an instance and its disks.
	TerminateInstance(ctx context.Context, region, instanceID string) error

	// InstanceStatus reports the provider's view of an instance.
	// A terminated or vanished spot instance reports
	// StateTerminated; that is how preemption is detected.
	InstanceStatus(ctx context.Context, region, instanceID string) (InstanceState, error)
}

// A Driver returns a Provider built from driver-dependent
// configuration parameters.
type Driver interface {
	Provider(params json.RawMessage, logger logrus.FieldLogger) (Provider, error)
}

// DriverFunc makes a Driver using the provided function as its
// Provider method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(params json.RawMessage, logger logrus.FieldLogger) (Provider, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(params json.RawMessage, logger logrus.FieldLogger) (Provider, error)

func (df driverFunc) Provider(params json.RawMessage, logger logrus.FieldLogger) (Provider, error) {
	return df(params, logger)
}
