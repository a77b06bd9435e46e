// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package aws provides the AWS implementation of the cloud.Provider
// interface. Placement attempts fan out across all zones of a region
// in one call, so CandidateZones batches zones per region.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"git.strato.dev/strato.git/lib/catalog"
	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/sdk/go/strato"
	awsv1 "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sts"
	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// Driver is the AWS implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newAWSProvider)

const (
	tagKeyClusterName = "strato-cluster-name"

	// Size assumed for catalog-tagged images, instead of querying
	// the provider.
	defaultImageSizeGiB = 45

	imageSizeCacheSize = 256

	defaultInstanceType = "m6i.2xlarge"

	imageTagPrefix  = "strato:"
	defaultGPUTag   = "strato:gpu-ubuntu-2004"
	defaultCPUTag   = "strato:cpu-ubuntu-2004"
	legacyAccelTag  = "strato:k80-ubuntu-2004"
	legacyAccelName = "K80"
)

const staticCredentialHelp = "Run the following commands:" +
	"\n      $ aws configure" +
	"\n    For more info: " +
	"https://docs.aws.amazon.com/cli/latest/userguide/cli-configure-quickstart.html"

const ssoCredentialHelp = "Run the following commands (must use aws v2 CLI):" +
	"\n      $ aws configure sso" +
	"\n      $ aws sso login --profile <profile_name>" +
	"\n    For more info: " +
	"https://docs.aws.amazon.com/cli/latest/userguide/cli-configure-sso.html"

type awsProviderConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	CredentialsFile string
	SecurityGroupID string
	SubnetID        string
	AdminUsername   string
	KeyPairName     string
}

// instanceAPI is the subset of the EC2 API the provider calls,
// satisfied by *ec2.Client and stubbed in tests.
type instanceAPI interface {
	DescribeImages(ctx context.Context, input *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstances(ctx context.Context, input *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, input *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, input *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, input *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, input *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// identityAPI is the subset of the STS API used for the live identity
// check.
type identityAPI interface {
	GetCallerIdentityWithContext(ctx awsv1.Context, input *sts.GetCallerIdentityInput, opts ...request.Option) (*sts.GetCallerIdentityOutput, error)
}

type awsProvider struct {
	config awsProviderConfig
	logger logrus.FieldLogger
	cat    *catalog.Catalog

	newClient func(ctx context.Context, region string) (instanceAPI, error)
	identity  identityAPI

	// (region \x00 imageID) -> size in GiB, so the failover loop
	// does not repeat DescribeImages calls for the same image.
	imageSizes *lru.Cache

	regionsOnce sync.Once
	regions     []cloud.Region
}

func newAWSProvider(params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	prv := &awsProvider{logger: logger}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &prv.config); err != nil {
			return nil, err
		}
	}
	cat, err := catalog.ForProvider("aws")
	if err != nil {
		return nil, err
	}
	prv.cat = cat
	prv.imageSizes, _ = lru.New(imageSizeCacheSize)
	prv.newClient = func(ctx context.Context, region string) (instanceAPI, error) {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
		if prv.config.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(prv.config.AccessKeyID, prv.config.SecretAccessKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, wrapCredentialError("aws", err)
		}
		return ec2.NewFromConfig(cfg), nil
	}
	prv.identity = sts.New(session.Must(session.NewSession()))
	return prv, nil
}

func (prv *awsProvider) Name() string {
	return "aws"
}

// Regions returns the static region list, built once per process.
func (prv *awsProvider) Regions() []cloud.Region {
	prv.regionsOnce.Do(func() {
		prv.regions = []cloud.Region{
			{Name: "us-west-1", Zones: zones("us-west-1", "a", "b")},
			{Name: "us-west-2", Zones: zones("us-west-2", "a", "b", "c", "d")},
			{Name: "us-east-2", Zones: zones("us-east-2", "a", "b", "c")},
			{Name: "us-east-1", Zones: zones("us-east-1", "a", "b", "c", "d", "e", "f")},
		}
	})
	return prv.regions
}

func zones(region string, suffixes ...string) []cloud.Zone {
	zs := make([]cloud.Zone, len(suffixes))
	for i, s := range suffixes {
		zs[i] = cloud.Zone{Name: region + s}
	}
	return zs
}

// CandidateZones batches all zones of each region together: the
// placement call retries across zones internally, so one attempt
// covers the whole region.
func (prv *awsProvider) CandidateZones(instanceType string, useSpot bool) []cloud.ZoneGroup {
	var regions []cloud.Region
	if instanceType == "" {
		regions = prv.Regions()
	} else {
		regions = prv.cat.RegionZones(instanceType, useSpot)
	}
	groups := make([]cloud.ZoneGroup, 0, len(regions))
	for _, region := range regions {
		groups = append(groups, cloud.ZoneGroup{Region: region, Zones: region.Zones})
	}
	return groups
}

// ResolveImage passes literal image IDs through, and resolves
// "strato:" catalog tags per region. A tag with no catalog entry for
// the region is a retryable condition: the failover loop moves on to
// the next region.
func (prv *awsProvider) ResolveImage(imageRef, region string) (string, error) {
	if !strings.HasPrefix(imageRef, imageTagPrefix) {
		return imageRef, nil
	}
	imageID, ok := prv.cat.ImageIDFromTag(imageRef, region)
	if !ok {
		return "", strato.ResourceUnavailableError{Message: fmt.Sprintf("no image found in catalog for region %s (tag %s)", region, imageRef)}
	}
	return imageID, nil
}

func (prv *awsProvider) ImageSizeGiB(ctx context.Context, imageID, region string) float64 {
	if strings.HasPrefix(imageID, imageTagPrefix) {
		return defaultImageSizeGiB
	}
	cacheKey := region + "\x00" + imageID
	if cached, ok := prv.imageSizes.Get(cacheKey); ok {
		return cached.(float64)
	}
	client, err := prv.newClient(ctx, region)
	if err != nil {
		// The credential problem will surface at provisioning
		// time.
		return defaultImageSizeGiB
	}
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil || len(out.Images) == 0 || len(out.Images[0].BlockDeviceMappings) == 0 {
		prv.logger.WithField("ImageID", imageID).WithError(err).Debug("image size lookup failed, using default")
		return defaultImageSizeGiB
	}
	ebs := out.Images[0].BlockDeviceMappings[0].Ebs
	if ebs == nil || ebs.VolumeSize == nil {
		return defaultImageSizeGiB
	}
	size := float64(*ebs.VolumeSize)
	prv.imageSizes.Add(cacheKey, size)
	return size
}

func (prv *awsProvider) HourlyCost(instanceType string, useSpot bool) (float64, error) {
	return prv.cat.HourlyCost(instanceType, useSpot)
}

// AccelCost is zero: AWS bills accelerators as part of the instance
// type.
func (prv *awsProvider) AccelCost(string, int, bool) float64 {
	return 0
}

// EgressCost applies the published bracket rates (US East). Above
// 150 TiB the whole volume is billed at the flat bulk rate; below,
// each bracket bills the volume above its floor and the floor is
// subtracted before the next bracket applies. Not exact: the real
// tiers are based on cumulative monthly usage.
func (prv *awsProvider) EgressCost(gigabytes float64) float64 {
	if gigabytes > 150*1024 {
		return 0.05 * gigabytes
	}
	cost := 0.0
	if gigabytes >= 50*1024 {
		cost += (gigabytes - 50*1024) * 0.07
		gigabytes -= 50 * 1024
	}
	if gigabytes >= 10*1024 {
		cost += (gigabytes - 10*1024) * 0.085
		gigabytes -= 10 * 1024
	}
	if gigabytes > 1 {
		cost += (gigabytes - 1) * 0.09
	}
	return cost
}

// CheckCredentials verifies the credentials file, the aws CLI, and a
// live identity call. It reports remediation text instead of
// returning an error.
func (prv *awsProvider) CheckCredentials(ctx context.Context) (bool, string) {
	credfile := prv.config.CredentialsFile
	if credfile == "" {
		home, _ := os.UserHomeDir()
		credfile = filepath.Join(home, ".aws", "credentials")
	}
	if prv.config.AccessKeyID == "" {
		if _, err := os.Stat(credfile); err != nil {
			return false, credfile + " does not exist. " + staticCredentialHelp
		}
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return false, "AWS CLI is not installed properly. Credentials may also need to be set. " + staticCredentialHelp
	}
	if _, err := prv.CurrentUserIdentity(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// CurrentUserIdentity returns the STS caller UserId, which is unique
// across all AWS entities (AccountId can be shared; Arn can be reused
// after delete/recreate).
func (prv *awsProvider) CurrentUserIdentity(ctx context.Context) (string, error) {
	out, err := prv.identity.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", wrapCredentialError("aws", err)
	}
	return *out.UserId, nil
}

// FeasibleResources expands the request against the catalog. A
// concrete instance type is returned as the sole candidate with the
// accelerator annotation cleared (the type already encodes it). An
// accelerator request maps to the instance types stocking exactly
// that count, or to fuzzy near-miss suggestions. Requests without an
// image reference get the default tag for their accelerator class,
// with the older-driver image substituted for the legacy K80.
func (prv *awsProvider) FeasibleResources(req strato.ResourceRequest) ([]strato.ResourceRequest, []strato.AcceleratorSuggestion, error) {
	if req.InstanceType != "" {
		if !prv.cat.InstanceTypeExists(req.InstanceType) {
			return nil, nil, strato.ResourceUnavailableError{Message: fmt.Sprintf("instance type %q not found in aws catalog", req.InstanceType)}
		}
		r := req
		r.Provider = "aws"
		r.AcceleratorName = ""
		r.AcceleratorCount = 0
		prv.fillImageRef(&r)
		return []strato.ResourceRequest{r}, nil, nil
	}
	if req.AcceleratorName == "" {
		r := req
		r.Provider = "aws"
		r.InstanceType = defaultInstanceType
		prv.fillImageRef(&r)
		return []strato.ResourceRequest{r}, nil, nil
	}
	types, fuzzy := prv.cat.InstanceTypesForAccelerator(req.AcceleratorName, req.AcceleratorCount)
	if len(types) == 0 {
		return nil, fuzzy, nil
	}
	feasible := make([]strato.ResourceRequest, 0, len(types))
	for _, it := range types {
		r := req
		r.Provider = "aws"
		r.InstanceType = it
		// Billed as part of the instance type.
		r.AcceleratorName = ""
		r.AcceleratorCount = 0
		prv.fillImageRef(&r)
		feasible = append(feasible, r)
	}
	return feasible, nil, nil
}

func (prv *awsProvider) fillImageRef(r *strato.ResourceRequest) {
	if r.ImageRef != "" {
		return
	}
	accel, _, ok := prv.cat.Accelerators(r.InstanceType)
	switch {
	case !ok:
		r.ImageRef = defaultCPUTag
	case accel == legacyAccelName:
		r.ImageRef = legacyAccelTag
	default:
		r.ImageRef = defaultGPUTag
	}
}

func (prv *awsProvider) DefaultInstanceType() string {
	return defaultInstanceType
}

// Create tries each zone of the spec in order within one placement
// attempt, returning the first success. Capacity and quota failures
// in every zone collapse into a single ResourceUnavailableError so
// the failover loop advances to the next region.
func (prv *awsProvider) Create(ctx context.Context, spec cloud.CreateSpec) (cloud.Instance, error) {
	client, err := prv.newClient(ctx, spec.Region)
	if err != nil {
		return cloud.Instance{}, err
	}
	tags := []ec2types.Tag{{
		Key:   awsv2.String(tagKeyClusterName),
		Value: awsv2.String(spec.ClusterName),
	}}
	for k, v := range spec.Tags {
		tags = append(tags, ec2types.Tag{Key: awsv2.String(k), Value: awsv2.String(v)})
	}
	var lastErr error
	zonesToTry := spec.Zones
	if len(zonesToTry) == 0 {
		zonesToTry = []string{""}
	}
	for _, zone := range zonesToTry {
		rii := &ec2.RunInstancesInput{
			ImageId:      awsv2.String(spec.ImageID),
			InstanceType: ec2types.InstanceType(spec.InstanceType),
			MinCount:     awsv2.Int32(1),
			MaxCount:     awsv2.Int32(1),
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags:         tags,
			}},
		}
		if zone != "" {
			rii.Placement = &ec2types.Placement{AvailabilityZone: awsv2.String(zone)}
		}
		if prv.config.KeyPairName != "" {
			rii.KeyName = awsv2.String(prv.config.KeyPairName)
		}
		if prv.config.SecurityGroupID != "" || prv.config.SubnetID != "" {
			nic := ec2types.InstanceNetworkInterfaceSpecification{
				AssociatePublicIpAddress: awsv2.Bool(true),
				DeleteOnTermination:      awsv2.Bool(true),
				DeviceIndex:              awsv2.Int32(0),
			}
			if prv.config.SecurityGroupID != "" {
				nic.Groups = []string{prv.config.SecurityGroupID}
			}
			if prv.config.SubnetID != "" {
				nic.SubnetId = awsv2.String(prv.config.SubnetID)
			}
			rii.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{nic}
		}
		if spec.DiskSizeGB > 0 {
			rii.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
				DeviceName: awsv2.String("/dev/sda1"),
				Ebs: &ec2types.EbsBlockDevice{
					DeleteOnTermination: awsv2.Bool(true),
					VolumeSize:          awsv2.Int32(int32(spec.DiskSizeGB)),
					VolumeType:          ec2types.VolumeTypeGp3,
				},
			}}
		}
		if spec.UseSpot {
			rii.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
				MarketType: ec2types.MarketTypeSpot,
				SpotOptions: &ec2types.SpotMarketOptions{
					InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
				},
			}
		}
		rsv, err := client.RunInstances(ctx, rii)
		if err != nil {
			lastErr = wrapPlacementError(err)
			if strato.IsCredentialError(lastErr) {
				return cloud.Instance{}, lastErr
			}
			prv.logger.WithFields(logrus.Fields{
				"Region": spec.Region,
				"Zone":   zone,
			}).WithError(err).Debug("placement attempt failed in zone")
			continue
		}
		inst := rsv.Instances[0]
		got := cloud.Instance{ID: awsv2.ToString(inst.InstanceId)}
		if inst.Placement != nil {
			got.Zone = awsv2.ToString(inst.Placement.AvailabilityZone)
		}
		if inst.PublicIpAddress != nil {
			got.HeadAddress = awsv2.ToString(inst.PublicIpAddress)
		} else {
			got.HeadAddress = awsv2.ToString(inst.PrivateIpAddress)
		}
		return got, nil
	}
	if lastErr == nil {
		lastErr = strato.ResourceUnavailableError{Message: "no zones to try in region " + spec.Region}
	}
	return cloud.Instance{}, lastErr
}

func (prv *awsProvider) StartInstance(ctx context.Context, region, instanceID string) (cloud.Instance, error) {
	client, err := prv.newClient(ctx, region)
	if err != nil {
		return cloud.Instance{}, err
	}
	_, err = client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return cloud.Instance{}, wrapPlacementError(err)
	}
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return cloud.Instance{}, wrapPlacementError(err)
	}
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			got := cloud.Instance{ID: instanceID}
			if inst.Placement != nil {
				got.Zone = awsv2.ToString(inst.Placement.AvailabilityZone)
			}
			if inst.PublicIpAddress != nil {
				got.HeadAddress = awsv2.ToString(inst.PublicIpAddress)
			} else {
				got.HeadAddress = awsv2.ToString(inst.PrivateIpAddress)
			}
			return got, nil
		}
	}
	return cloud.Instance{}, strato.ResourceUnavailableError{Message: fmt.Sprintf("instance %s not found after start", instanceID)}
}

func (prv *awsProvider) StopInstance(ctx context.Context, region, instanceID string) error {
	client, err := prv.newClient(ctx, region)
	if err != nil {
		return err
	}
	_, err = client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return wrapPlacementError(err)
	}
	return nil
}

func (prv *awsProvider) TerminateInstance(ctx context.Context, region, instanceID string) error {
	client, err := prv.newClient(ctx, region)
	if err != nil {
		return err
	}
	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return wrapPlacementError(err)
	}
	return nil
}

// InstanceStatus reports an instance that the API no longer knows
// about as terminated: that is what a reclaimed spot instance looks
// like after the provider garbage-collects it.
func (prv *awsProvider) InstanceStatus(ctx context.Context, region, instanceID string) (cloud.InstanceState, error) {
	client, err := prv.newClient(ctx, region)
	if err != nil {
		return cloud.StateUnknown, err
	}
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID") {
			return cloud.StateTerminated, nil
		}
		return cloud.StateUnknown, wrapPlacementError(err)
	}
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			if inst.State == nil {
				return cloud.StateUnknown, nil
			}
			switch inst.State.Name {
			case ec2types.InstanceStateNameRunning:
				return cloud.StateRunning, nil
			case ec2types.InstanceStateNameStopped, ec2types.InstanceStateNameStopping:
				return cloud.StateStopped, nil
			case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
				return cloud.StateTerminated, nil
			default:
				return cloud.StateUnknown, nil
			}
		}
	}
	return cloud.StateTerminated, nil
}

// wrapPlacementError maps an EC2 API error into the canonical kinds:
// capacity/quota/availability problems become
// ResourceUnavailableError (the failover loop advances),
// authentication problems become CredentialError (the loop aborts).
func wrapPlacementError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return strato.ResourceUnavailableError{Message: err.Error()}
	}
	switch apiErr.ErrorCode() {
	case "AuthFailure", "UnauthorizedOperation", "PendingVerification", "OptInRequired":
		return strato.CredentialError{
			Provider:    "aws",
			Kind:        strato.CredentialInvalid,
			Remediation: apiErr.ErrorMessage() + " " + staticCredentialHelp,
		}
	case "RequestExpired", "ExpiredToken", "ExpiredTokenException":
		return strato.CredentialError{
			Provider:    "aws",
			Kind:        strato.CredentialExpired,
			Remediation: ssoCredentialHelp,
		}
	default:
		// InsufficientInstanceCapacity, InstanceLimitExceeded,
		// MaxSpotInstanceCountExceeded, VcpuLimitExceeded,
		// Unsupported, and the rest of the capacity family.
		return strato.ResourceUnavailableError{Message: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()}
	}
}

// wrapCredentialError maps an STS/config error into a CredentialError
// with the matching remediation text.
func wrapCredentialError(provider string, err error) error {
	var kind strato.CredentialErrorKind
	var remediation string
	var awsErr awserr.Error
	switch {
	case errors.As(err, &awsErr) && awsErr.Code() == "NoCredentialProviders":
		kind = strato.CredentialMissing
		remediation = "AWS credentials are not set. " + staticCredentialHelp
	case errors.As(err, &awsErr) && (awsErr.Code() == "ExpiredToken" || awsErr.Code() == "ExpiredTokenException" || awsErr.Code() == "RequestExpired"):
		kind = strato.CredentialExpired
		remediation = "AWS access token is expired. " + ssoCredentialHelp
	default:
		kind = strato.CredentialInvalid
		remediation = "Failed to access AWS services with credentials. " +
			"Make sure that the access and secret keys are correct. " + staticCredentialHelp
	}
	return strato.CredentialError{Provider: provider, Kind: kind, Remediation: remediation}
}
