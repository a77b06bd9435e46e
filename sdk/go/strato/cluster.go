// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package strato

import "time"

// ClusterStatus is the lifecycle state of a cluster record.
type ClusterStatus string

const (
	// ClusterInit means provisioning is in progress, or the last
	// attempt failed partway. The cluster may or may not be live.
	ClusterInit ClusterStatus = "INIT"
	// ClusterUp means the most recent provisioning succeeded and
	// the cluster is usable.
	ClusterUp ClusterStatus = "UP"
	// ClusterStopped means the instances are stopped and the
	// disks are persisted.
	ClusterStopped ClusterStatus = "STOPPED"
)

// AutostopDisabled is the AutostopMinutes value meaning no autostop
// timer is set.
const AutostopDisabled = -1

// A ClusterRecord is the stored state of one cluster, keyed by Name.
// The (Provider, Region, Zone) triple is fixed once the first
// provisioning succeeds; restarting reuses it rather than
// re-resolving the original request.
type ClusterRecord struct {
	Name         string        `db:"name" json:"name"`
	Provider     string        `db:"provider" json:"provider"`
	Region       string        `db:"region" json:"region"`
	Zone         string        `db:"zone" json:"zone"`
	InstanceType string        `db:"instance_type" json:"instance_type"`
	UseSpot      bool          `db:"use_spot" json:"use_spot"`
	ImageID      string        `db:"image_id" json:"image_id"`
	InstanceID   string        `db:"instance_id" json:"instance_id"`
	HeadAddress  string        `db:"head_address" json:"head_address"`
	Status       ClusterStatus `db:"status" json:"status"`

	// AcceleratorPod marks multi-host accelerator topologies that
	// cannot be stopped in place, only torn down.
	AcceleratorPod bool `db:"accelerator_pod" json:"accelerator_pod"`

	// AutostopMinutes is the idle threshold in minutes, or
	// AutostopDisabled. AutostopDown selects autodown (terminate)
	// over autostop (stop).
	AutostopMinutes int  `db:"autostop_minutes" json:"autostop_minutes"`
	AutostopDown    bool `db:"autostop_down" json:"autostop_down"`

	// LastUse is the start of the current idle period: reset on
	// job submission, on (re)start, and when an autostop timer is
	// newly set while none was active.
	LastUse time.Time `db:"last_use" json:"last_use"`

	Owner      string    `db:"owner" json:"owner"`
	LaunchedAt time.Time `db:"launched_at" json:"launched_at"`
}
