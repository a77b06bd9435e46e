// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback provides an in-memory implementation of the
// cloud.Provider interface. It is used in tests and in development
// deployments that have no real cloud account: instances exist only
// as records in the provider's own memory, and failures can be
// scripted per operation.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newLoopbackProvider)

const (
	defaultInstanceType = "lb.standard-8"
	gpuInstanceType     = "lb.gpu-v100-1"
	defaultImageID      = "lb-image-000"
)

type instance struct {
	id           string
	clusterName  string
	instanceType string
	zone         string
	state        cloud.InstanceState
}

// A Provider is the concrete loopback provider. Tests construct it
// with New to reach the scripting knobs; production configs load it
// through Driver like any other provider.
type Provider struct {
	mtx       sync.Mutex
	logger    logrus.FieldLogger
	identity  string
	instances map[string]*instance
	nextID    int

	// Queued errors, consumed one per call to the matching
	// operation. An empty queue means the operation succeeds.
	createErrs []error
	startErrs  []error
}

type loopbackConfig struct {
	Identity string
}

func newLoopbackProvider(params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	var config loopbackConfig
	if len(params) > 0 {
		if err := json.Unmarshal(params, &config); err != nil {
			return nil, err
		}
	}
	if config.Identity == "" {
		config.Identity = "loopback"
	}
	return New(logger, config.Identity), nil
}

// New returns a loopback provider reporting the given user identity.
func New(logger logrus.FieldLogger, identity string) *Provider {
	return &Provider{
		logger:    logger,
		identity:  identity,
		instances: map[string]*instance{},
	}
}

// QueueCreateError schedules err to be returned by the next otherwise
// successful Create call. Multiple queued errors are consumed in
// order.
func (prv *Provider) QueueCreateError(err error) {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	prv.createErrs = append(prv.createErrs, err)
}

// QueueStartError schedules err for the next StartInstance call.
func (prv *Provider) QueueStartError(err error) {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	prv.startErrs = append(prv.startErrs, err)
}

// SetInstanceState overrides an instance's state, e.g. to simulate a
// spot preemption.
func (prv *Provider) SetInstanceState(instanceID string, state cloud.InstanceState) {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	if inst, ok := prv.instances[instanceID]; ok {
		inst.state = state
	}
}

// Instances returns the IDs of all live (non-terminated) instances.
func (prv *Provider) Instances() []string {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	var ids []string
	for id, inst := range prv.instances {
		if inst.state != cloud.StateTerminated {
			ids = append(ids, id)
		}
	}
	return ids
}

func (prv *Provider) Name() string {
	return "loopback"
}

func (prv *Provider) Regions() []cloud.Region {
	return []cloud.Region{
		{Name: "lb-east", Zones: []cloud.Zone{{Name: "lb-east-a"}, {Name: "lb-east-b"}}},
		{Name: "lb-west", Zones: []cloud.Zone{{Name: "lb-west-a"}}},
	}
}

func (prv *Provider) CandidateZones(instanceType string, useSpot bool) []cloud.ZoneGroup {
	var groups []cloud.ZoneGroup
	for _, region := range prv.Regions() {
		for _, zone := range region.Zones {
			groups = append(groups, cloud.ZoneGroup{Region: region, Zones: []cloud.Zone{zone}})
		}
	}
	return groups
}

func (prv *Provider) ResolveImage(imageRef, region string) (string, error) {
	if imageRef == "" {
		return defaultImageID, nil
	}
	return imageRef, nil
}

func (prv *Provider) ImageSizeGiB(ctx context.Context, imageID, region string) float64 {
	return 8
}

func (prv *Provider) HourlyCost(instanceType string, useSpot bool) (float64, error) {
	var price float64
	switch instanceType {
	case defaultInstanceType:
		price = 0.4
	case gpuInstanceType:
		price = 3.0
	default:
		return 0, strato.ResourceUnavailableError{Message: fmt.Sprintf("instance type %q not found in loopback catalog", instanceType)}
	}
	if useSpot {
		price /= 4
	}
	return price, nil
}

func (prv *Provider) AccelCost(acceleratorName string, count int, useSpot bool) float64 {
	return 0
}

func (prv *Provider) EgressCost(gigabytes float64) float64 {
	return 0
}

func (prv *Provider) CheckCredentials(ctx context.Context) (bool, string) {
	return true, ""
}

func (prv *Provider) CurrentUserIdentity(ctx context.Context) (string, error) {
	return prv.identity, nil
}

func (prv *Provider) FeasibleResources(req strato.ResourceRequest) ([]strato.ResourceRequest, []strato.AcceleratorSuggestion, error) {
	r := req
	r.Provider = "loopback"
	if r.ImageRef == "" {
		r.ImageRef = defaultImageID
	}
	switch {
	case req.InstanceType != "":
		if _, err := prv.HourlyCost(req.InstanceType, false); err != nil {
			return nil, nil, err
		}
	case req.AcceleratorName != "":
		if req.AcceleratorName != "V100" || req.AcceleratorCount > 1 {
			return nil, []strato.AcceleratorSuggestion{{Name: "V100", Count: 1}}, nil
		}
		r.InstanceType = gpuInstanceType
	default:
		r.InstanceType = defaultInstanceType
	}
	return []strato.ResourceRequest{r}, nil, nil
}

func (prv *Provider) DefaultInstanceType() string {
	return defaultInstanceType
}

func (prv *Provider) Create(ctx context.Context, spec cloud.CreateSpec) (cloud.Instance, error) {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	if len(prv.createErrs) > 0 {
		err := prv.createErrs[0]
		prv.createErrs = prv.createErrs[1:]
		return cloud.Instance{}, err
	}
	if len(spec.Zones) == 0 {
		return cloud.Instance{}, strato.ResourceUnavailableError{Message: "no zones in placement request"}
	}
	prv.nextID++
	inst := &instance{
		id:           fmt.Sprintf("lb-%04d", prv.nextID),
		clusterName:  spec.ClusterName,
		instanceType: spec.InstanceType,
		zone:         spec.Zones[0],
		state:        cloud.StateRunning,
	}
	prv.instances[inst.id] = inst
	prv.logger.WithFields(logrus.Fields{
		"Instance":    inst.id,
		"ClusterName": spec.ClusterName,
		"Zone":        inst.zone,
	}).Info("created loopback instance")
	return cloud.Instance{ID: inst.id, Zone: inst.zone, HeadAddress: "127.0.0.1"}, nil
}

func (prv *Provider) StartInstance(ctx context.Context, region, instanceID string) (cloud.Instance, error) {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	if len(prv.startErrs) > 0 {
		err := prv.startErrs[0]
		prv.startErrs = prv.startErrs[1:]
		return cloud.Instance{}, err
	}
	inst, ok := prv.instances[instanceID]
	if !ok || inst.state == cloud.StateTerminated {
		return cloud.Instance{}, strato.ResourceUnavailableError{Message: fmt.Sprintf("instance %s not found", instanceID)}
	}
	inst.state = cloud.StateRunning
	return cloud.Instance{ID: inst.id, Zone: inst.zone, HeadAddress: "127.0.0.1"}, nil
}

func (prv *Provider) StopInstance(ctx context.Context, region, instanceID string) error {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	inst, ok := prv.instances[instanceID]
	if !ok || inst.state == cloud.StateTerminated {
		return strato.ResourceUnavailableError{Message: fmt.Sprintf("instance %s not found", instanceID)}
	}
	inst.state = cloud.StateStopped
	return nil
}

func (prv *Provider) TerminateInstance(ctx context.Context, region, instanceID string) error {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	inst, ok := prv.instances[instanceID]
	if !ok {
		// Terminating an unknown instance is a no-op so
		// teardown retries stay idempotent.
		return nil
	}
	inst.state = cloud.StateTerminated
	return nil
}

func (prv *Provider) InstanceStatus(ctx context.Context, region, instanceID string) (cloud.InstanceState, error) {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	inst, ok := prv.instances[instanceID]
	if !ok {
		return cloud.StateTerminated, nil
	}
	return inst.state, nil
}
