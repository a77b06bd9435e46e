// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package strato

import "time"

// JobStatus is the lifecycle state of a managed job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobSubmitted  JobStatus = "SUBMITTED"
	JobRunning    JobStatus = "RUNNING"
	JobRecovering JobStatus = "RECOVERING"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether a job in this status will never change
// status again.
func (js JobStatus) Terminal() bool {
	switch js {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Active reports whether the job counts against a cluster's idleness
// (pending/submitted/running/recovering).
func (js JobStatus) Active() bool {
	return !js.Terminal()
}

// A JobRecord is the stored state of one managed job. ID is unique
// per cluster. Records are retained after reaching a terminal status
// so queue history can be queried.
type JobRecord struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	ClusterName string    `db:"cluster_name" json:"cluster_name"`
	Username    string    `db:"username" json:"username"`
	// Command is the shell command the head node runs for this job.
	Command     string    `db:"command" json:"command"`
	Status      JobStatus `db:"status" json:"status"`
	SubmittedAt time.Time `db:"submitted_at" json:"submitted_at"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	EndedAt     time.Time `db:"ended_at" json:"ended_at"`

	// RetryCount increments by exactly one per confirmed
	// preemption-triggered recovery attempt.
	RetryCount int `db:"retry_count" json:"retry_count"`

	// Resources is the abstract request string, kept so recovery
	// can re-resolve the same request.
	Resources string `db:"resources" json:"resources"`
}
