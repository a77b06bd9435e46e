// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gcp provides the GCP implementation of the cloud.Provider
// interface. GCP placements target a single zone, so CandidateZones
// yields one group per zone, and attachable accelerators (V100, K80)
// are billed separately from the host VM.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"git.strato.dev/strato.git/lib/catalog"
	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Driver is the GCP implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newGCPProvider)

const (
	labelKeyClusterName = "strato-cluster-name"

	defaultImageSizeGiB = 50
	defaultInstanceType = "n2-standard-8"

	imageTagPrefix = "strato:"
	defaultGPUTag  = "strato:gpu-debian-10"
	defaultCPUTag  = "strato:cpu-debian-10"
)

const credentialHelp = "Run the following commands:" +
	"\n      $ gcloud auth application-default login" +
	"\n    For more info: " +
	"https://cloud.google.com/sdk/docs/authorizing"

// Hourly prices for accelerators attached to n1 hosts. A100 is
// absent: it only ships bundled with a2 machine types, priced in the
// instance table.
var acceleratorPrices = map[string]struct{ price, spotPrice float64 }{
	"V100": {2.48, 0.74},
	"K80":  {0.45, 0.135},
}

type gcpProviderConfig struct {
	Project         string
	CredentialsFile string
	Network         string
	ServiceAccount  string
}

// instanceAPI is the subset of the Compute Engine API the provider
// calls, satisfied by computeService and stubbed in tests.
type instanceAPI interface {
	InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) error
	GetInstance(ctx context.Context, project, zone, name string) (*compute.Instance, error)
	StartInstance(ctx context.Context, project, zone, name string) error
	StopInstance(ctx context.Context, project, zone, name string) error
	DeleteInstance(ctx context.Context, project, zone, name string) error
}

type gcpProvider struct {
	config gcpProviderConfig
	logger logrus.FieldLogger
	cat    *catalog.Catalog

	api     func(ctx context.Context) (instanceAPI, error)
	defcred func(ctx context.Context) (*google.Credentials, error)

	regionsOnce sync.Once
	regions     []cloud.Region
}

func newGCPProvider(params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	prv := &gcpProvider{logger: logger}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &prv.config); err != nil {
			return nil, err
		}
	}
	cat, err := catalog.ForProvider("gcp")
	if err != nil {
		return nil, err
	}
	prv.cat = cat
	prv.api = func(ctx context.Context) (instanceAPI, error) {
		var opts []option.ClientOption
		if prv.config.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(prv.config.CredentialsFile))
		}
		svc, err := compute.NewService(ctx, opts...)
		if err != nil {
			return nil, wrapCredentialError(err)
		}
		return computeService{svc}, nil
	}
	prv.defcred = func(ctx context.Context) (*google.Credentials, error) {
		return google.FindDefaultCredentials(ctx, compute.CloudPlatformScope)
	}
	return prv, nil
}

func (prv *gcpProvider) Name() string {
	return "gcp"
}

// Regions returns the static region list, built once per process.
func (prv *gcpProvider) Regions() []cloud.Region {
	prv.regionsOnce.Do(func() {
		prv.regions = []cloud.Region{
			{Name: "us-central1", Zones: zones("us-central1", "a", "b", "c", "f")},
			{Name: "us-west1", Zones: zones("us-west1", "a", "b", "c")},
			{Name: "us-east1", Zones: zones("us-east1", "b", "c", "d")},
		}
	})
	return prv.regions
}

func zones(region string, suffixes ...string) []cloud.Zone {
	zs := make([]cloud.Zone, len(suffixes))
	for i, s := range suffixes {
		zs[i] = cloud.Zone{Name: region + "-" + s}
	}
	return zs
}

// CandidateZones yields one group per zone: a GCP placement call
// cannot retry across zones atomically.
func (prv *gcpProvider) CandidateZones(instanceType string, useSpot bool) []cloud.ZoneGroup {
	var regions []cloud.Region
	if instanceType == "" {
		regions = prv.Regions()
	} else {
		regions = prv.cat.RegionZones(instanceType, useSpot)
	}
	var groups []cloud.ZoneGroup
	for _, region := range regions {
		for _, zone := range region.Zones {
			groups = append(groups, cloud.ZoneGroup{Region: region, Zones: []cloud.Zone{zone}})
		}
	}
	return groups
}

func (prv *gcpProvider) ResolveImage(imageRef, region string) (string, error) {
	if !strings.HasPrefix(imageRef, imageTagPrefix) {
		return imageRef, nil
	}
	imageID, ok := prv.cat.ImageIDFromTag(imageRef, region)
	if !ok {
		return "", strato.ResourceUnavailableError{Message: fmt.Sprintf("no image found in catalog for region %s (tag %s)", region, imageRef)}
	}
	return imageID, nil
}

// ImageSizeGiB returns the fixed default: GCP image sizes are small
// relative to the default boot disk and the disk size from the
// request wins anyway.
func (prv *gcpProvider) ImageSizeGiB(ctx context.Context, imageID, region string) float64 {
	return defaultImageSizeGiB
}

func (prv *gcpProvider) HourlyCost(instanceType string, useSpot bool) (float64, error) {
	return prv.cat.HourlyCost(instanceType, useSpot)
}

// AccelCost is nonzero for attachable accelerators: GCP bills them
// separately from the host VM.
func (prv *gcpProvider) AccelCost(acceleratorName string, count int, useSpot bool) float64 {
	p, ok := acceleratorPrices[acceleratorName]
	if !ok {
		return 0
	}
	if useSpot {
		return p.spotPrice * float64(count)
	}
	return p.price * float64(count)
}

// EgressCost applies the published internet egress brackets.
func (prv *gcpProvider) EgressCost(gigabytes float64) float64 {
	return cloud.TieredEgressCost(gigabytes, []cloud.EgressTier{
		{FloorGiB: 10 * 1024, Rate: 0.08},
		{FloorGiB: 1024, Rate: 0.11},
		{FloorGiB: 0, Rate: 0.12},
	})
}

func (prv *gcpProvider) CheckCredentials(ctx context.Context) (bool, string) {
	if prv.config.Project == "" {
		return false, "GCP project is not configured. Set Providers.gcp.DriverParameters.Project. " + credentialHelp
	}
	if _, err := prv.CurrentUserIdentity(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// CurrentUserIdentity returns the service account email when
// application-default credentials carry one, otherwise the project
// scoped default identity.
func (prv *gcpProvider) CurrentUserIdentity(ctx context.Context) (string, error) {
	creds, err := prv.defcred(ctx)
	if err != nil {
		return "", strato.CredentialError{
			Provider:    "gcp",
			Kind:        strato.CredentialMissing,
			Remediation: "GCP application default credentials are not set. " + credentialHelp,
		}
	}
	var key struct {
		ClientEmail string `json:"client_email"`
	}
	if len(creds.JSON) > 0 && json.Unmarshal(creds.JSON, &key) == nil && key.ClientEmail != "" {
		return key.ClientEmail, nil
	}
	project := creds.ProjectID
	if project == "" {
		project = prv.config.Project
	}
	return "application-default/" + project, nil
}

// FeasibleResources keeps the accelerator annotation on attachable
// accelerators so the resolver adds AccelCost on top of the host VM
// price. Bundled accelerators (a2/A100) behave like AWS: the instance
// type encodes them.
func (prv *gcpProvider) FeasibleResources(req strato.ResourceRequest) ([]strato.ResourceRequest, []strato.AcceleratorSuggestion, error) {
	if req.InstanceType != "" {
		if !prv.cat.InstanceTypeExists(req.InstanceType) {
			return nil, nil, strato.ResourceUnavailableError{Message: fmt.Sprintf("instance type %q not found in gcp catalog", req.InstanceType)}
		}
		r := req
		r.Provider = "gcp"
		r.AcceleratorName = ""
		r.AcceleratorCount = 0
		prv.fillImageRef(&r)
		return []strato.ResourceRequest{r}, nil, nil
	}
	if req.AcceleratorName == "" {
		r := req
		r.Provider = "gcp"
		r.InstanceType = defaultInstanceType
		prv.fillImageRef(&r)
		return []strato.ResourceRequest{r}, nil, nil
	}
	types, fuzzy := prv.cat.InstanceTypesForAccelerator(req.AcceleratorName, req.AcceleratorCount)
	if len(types) == 0 {
		return nil, fuzzy, nil
	}
	_, attachable := acceleratorPrices[req.AcceleratorName]
	feasible := make([]strato.ResourceRequest, 0, len(types))
	for _, it := range types {
		r := req
		r.Provider = "gcp"
		r.InstanceType = it
		if !attachable {
			r.AcceleratorName = ""
			r.AcceleratorCount = 0
		}
		prv.fillImageRef(&r)
		feasible = append(feasible, r)
	}
	return feasible, nil, nil
}

func (prv *gcpProvider) fillImageRef(r *strato.ResourceRequest) {
	if r.ImageRef != "" {
		return
	}
	if _, _, ok := prv.cat.Accelerators(r.InstanceType); ok || r.AcceleratorName != "" {
		r.ImageRef = defaultGPUTag
	} else {
		r.ImageRef = defaultCPUTag
	}
}

func (prv *gcpProvider) DefaultInstanceType() string {
	return defaultInstanceType
}

// Create places one instance in the single zone of the spec,
// attaching the accelerators implied by the instance type's catalog
// row.
func (prv *gcpProvider) Create(ctx context.Context, spec cloud.CreateSpec) (cloud.Instance, error) {
	if len(spec.Zones) != 1 {
		return cloud.Instance{}, strato.ResourceUnavailableError{Message: fmt.Sprintf("gcp placement needs exactly one zone, got %d", len(spec.Zones))}
	}
	zone := spec.Zones[0]
	api, err := prv.api(ctx)
	if err != nil {
		return cloud.Instance{}, err
	}
	diskSize := int64(spec.DiskSizeGB)
	if diskSize == 0 {
		diskSize = defaultImageSizeGiB
	}
	inst := &compute.Instance{
		Name:        spec.ClusterName + "-head",
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, spec.InstanceType),
		Labels:      map[string]string{labelKeyClusterName: spec.ClusterName},
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: spec.ImageID,
				DiskSizeGb:  diskSize,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			AccessConfigs: []*compute.AccessConfig{{Type: "ONE_TO_ONE_NAT"}},
		}},
	}
	for k, v := range spec.Tags {
		inst.Labels[k] = v
	}
	if accel, count, ok := prv.cat.Accelerators(spec.InstanceType); ok {
		if _, attachable := acceleratorPrices[accel]; attachable {
			inst.GuestAccelerators = []*compute.AcceleratorConfig{{
				AcceleratorType:  fmt.Sprintf("zones/%s/acceleratorTypes/nvidia-tesla-%s", zone, strings.ToLower(accel)),
				AcceleratorCount: int64(count),
			}}
			inst.Scheduling = &compute.Scheduling{OnHostMaintenance: "TERMINATE"}
		}
	}
	if spec.UseSpot {
		if inst.Scheduling == nil {
			inst.Scheduling = &compute.Scheduling{OnHostMaintenance: "TERMINATE"}
		}
		inst.Scheduling.Preemptible = true
		inst.Scheduling.AutomaticRestart = googleapi.Bool(false)
	}
	err = api.InsertInstance(ctx, prv.config.Project, zone, inst)
	if err != nil {
		return cloud.Instance{}, wrapPlacementError(err)
	}
	created, err := api.GetInstance(ctx, prv.config.Project, zone, inst.Name)
	if err != nil {
		return cloud.Instance{}, wrapPlacementError(err)
	}
	return cloud.Instance{
		ID:          created.Name,
		Zone:        zone,
		HeadAddress: instanceAddress(created),
	}, nil
}

func (prv *gcpProvider) StartInstance(ctx context.Context, region, instanceID string) (cloud.Instance, error) {
	api, err := prv.api(ctx)
	if err != nil {
		return cloud.Instance{}, err
	}
	zone, err := prv.findZone(ctx, api, region, instanceID)
	if err != nil {
		return cloud.Instance{}, err
	}
	if err := api.StartInstance(ctx, prv.config.Project, zone, instanceID); err != nil {
		return cloud.Instance{}, wrapPlacementError(err)
	}
	started, err := api.GetInstance(ctx, prv.config.Project, zone, instanceID)
	if err != nil {
		return cloud.Instance{}, wrapPlacementError(err)
	}
	return cloud.Instance{ID: instanceID, Zone: zone, HeadAddress: instanceAddress(started)}, nil
}

func (prv *gcpProvider) StopInstance(ctx context.Context, region, instanceID string) error {
	api, err := prv.api(ctx)
	if err != nil {
		return err
	}
	zone, err := prv.findZone(ctx, api, region, instanceID)
	if err != nil {
		return err
	}
	if err := api.StopInstance(ctx, prv.config.Project, zone, instanceID); err != nil {
		return wrapPlacementError(err)
	}
	return nil
}

func (prv *gcpProvider) TerminateInstance(ctx context.Context, region, instanceID string) error {
	api, err := prv.api(ctx)
	if err != nil {
		return err
	}
	zone, err := prv.findZone(ctx, api, region, instanceID)
	if err != nil {
		return err
	}
	if err := api.DeleteInstance(ctx, prv.config.Project, zone, instanceID); err != nil {
		return wrapPlacementError(err)
	}
	return nil
}

func (prv *gcpProvider) InstanceStatus(ctx context.Context, region, instanceID string) (cloud.InstanceState, error) {
	api, err := prv.api(ctx)
	if err != nil {
		return cloud.StateUnknown, err
	}
	var lastErr error
	for _, zone := range prv.regionZoneNames(region) {
		inst, err := api.GetInstance(ctx, prv.config.Project, zone, instanceID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			lastErr = wrapPlacementError(err)
			continue
		}
		switch inst.Status {
		case "RUNNING", "PROVISIONING", "STAGING":
			return cloud.StateRunning, nil
		case "STOPPED", "TERMINATED", "SUSPENDED", "STOPPING", "SUSPENDING":
			// GCP reports a preempted or stopped instance
			// as TERMINATED with the disks intact.
			return cloud.StateStopped, nil
		default:
			return cloud.StateUnknown, nil
		}
	}
	if lastErr != nil {
		return cloud.StateUnknown, lastErr
	}
	return cloud.StateTerminated, nil
}

func (prv *gcpProvider) findZone(ctx context.Context, api instanceAPI, region, instanceID string) (string, error) {
	var lastErr error
	for _, zone := range prv.regionZoneNames(region) {
		_, err := api.GetInstance(ctx, prv.config.Project, zone, instanceID)
		if err == nil {
			return zone, nil
		}
		if !isNotFound(err) {
			lastErr = wrapPlacementError(err)
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", strato.ResourceUnavailableError{Message: fmt.Sprintf("instance %s not found in region %s", instanceID, region)}
}

func (prv *gcpProvider) regionZoneNames(region string) []string {
	for _, r := range prv.Regions() {
		if r.Name == region {
			names := make([]string, len(r.Zones))
			for i, z := range r.Zones {
				names[i] = z.Name
			}
			return names
		}
	}
	// Fall back to the conventional zone suffixes.
	return []string{region + "-a", region + "-b", region + "-c"}
}

func instanceAddress(inst *compute.Instance) string {
	for _, nic := range inst.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	for _, nic := range inst.NetworkInterfaces {
		if nic.NetworkIP != "" {
			return nic.NetworkIP
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// wrapPlacementError maps a Compute Engine API error into the
// canonical kinds.
func wrapPlacementError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return strato.ResourceUnavailableError{Message: err.Error()}
	}
	switch {
	case apiErr.Code == 401:
		return strato.CredentialError{Provider: "gcp", Kind: strato.CredentialInvalid, Remediation: apiErr.Message + " " + credentialHelp}
	case apiErr.Code == 403 && !strings.Contains(strings.ToLower(apiErr.Message), "quota"):
		return strato.CredentialError{Provider: "gcp", Kind: strato.CredentialInvalid, Remediation: apiErr.Message + " " + credentialHelp}
	default:
		// Quota, ZONE_RESOURCE_POOL_EXHAUSTED, and the rest
		// of the capacity family.
		return strato.ResourceUnavailableError{Message: apiErr.Message}
	}
}

func wrapCredentialError(err error) error {
	return strato.CredentialError{
		Provider:    "gcp",
		Kind:        strato.CredentialMissing,
		Remediation: "Failed to initialize GCP client: " + err.Error() + ". " + credentialHelp,
	}
}

// computeService adapts *compute.Service to instanceAPI.
type computeService struct {
	svc *compute.Service
}

func (cs computeService) InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) error {
	_, err := cs.svc.Instances.Insert(project, zone, inst).Context(ctx).Do()
	return err
}

func (cs computeService) GetInstance(ctx context.Context, project, zone, name string) (*compute.Instance, error) {
	return cs.svc.Instances.Get(project, zone, name).Context(ctx).Do()
}

func (cs computeService) StartInstance(ctx context.Context, project, zone, name string) error {
	_, err := cs.svc.Instances.Start(project, zone, name).Context(ctx).Do()
	return err
}

func (cs computeService) StopInstance(ctx context.Context, project, zone, name string) error {
	_, err := cs.svc.Instances.Stop(project, zone, name).Context(ctx).Do()
	return err
}

func (cs computeService) DeleteInstance(ctx context.Context, project, zone, name string) error {
	_, err := cs.svc.Instances.Delete(project, zone, name).Context(ctx).Do()
	return err
}
