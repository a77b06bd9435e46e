// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package strato

import (
	"errors"
	"fmt"
)

// ResourceUnavailableError means no candidate or placement is
// currently available: out of capacity, over quota, or no matching
// image for the region. The provisioning failover loop treats it as
// retryable; it is terminal only once the whole search space is
// exhausted.
type ResourceUnavailableError struct {
	Message string
}

func (e ResourceUnavailableError) Error() string {
	return "resources unavailable: " + e.Message
}

// IsResourceUnavailable reports whether err is (or wraps) a
// ResourceUnavailableError.
func IsResourceUnavailable(err error) bool {
	var rue ResourceUnavailableError
	return errors.As(err, &rue)
}

// CredentialErrorKind distinguishes the diagnosable credential
// failure modes, each with its own remediation text.
type CredentialErrorKind string

const (
	CredentialMissing CredentialErrorKind = "missing"
	CredentialInvalid CredentialErrorKind = "invalid"
	CredentialExpired CredentialErrorKind = "expired"
)

// CredentialError means the provider rejected or could not find local
// credentials. It is fatal: the failover loop aborts immediately
// instead of advancing to the next candidate. Remediation carries
// human-readable instructions and is preserved all the way to the
// caller.
type CredentialError struct {
	Provider    string
	Kind        CredentialErrorKind
	Remediation string
}

func (e CredentialError) Error() string {
	msg := fmt.Sprintf("%s credentials %s", e.Provider, e.Kind)
	if e.Remediation != "" {
		msg += ": " + e.Remediation
	}
	return msg
}

// IsCredentialError reports whether err is (or wraps) a
// CredentialError.
func IsCredentialError(err error) bool {
	var ce CredentialError
	return errors.As(err, &ce)
}

// ClusterNotUpError means an operation required a running cluster
// that is not UP.
type ClusterNotUpError struct {
	Name string
}

func (e ClusterNotUpError) Error() string {
	return fmt.Sprintf("cluster %q is not up", e.Name)
}

// NotSupportedError means the operation is disallowed for the
// cluster's class (spot-backed, accelerator pod, reserved name) or
// backend. It is raised before any state change.
type NotSupportedError struct {
	Operation string
	Reason    string
}

func (e NotSupportedError) Error() string {
	return fmt.Sprintf("%s is not supported: %s", e.Operation, e.Reason)
}

// ClusterOwnerIdentityMismatchError means the current provider
// identity does not match the identity recorded when the cluster was
// provisioned.
type ClusterOwnerIdentityMismatchError struct {
	Name    string
	Owner   string
	Current string
}

func (e ClusterOwnerIdentityMismatchError) Error() string {
	return fmt.Sprintf("cluster %q was created by identity %q, current identity is %q", e.Name, e.Owner, e.Current)
}

// JobNameAmbiguousError means a name-based job operation matched more
// than one job; the caller must retry with a job ID.
type JobNameAmbiguousError struct {
	Name string
	IDs  []int64
}

func (e JobNameAmbiguousError) Error() string {
	return fmt.Sprintf("job name %q matches %d jobs %v, use a job id", e.Name, len(e.IDs), e.IDs)
}

// CommandError means a remote command returned nonzero status. Output
// is captured for diagnostics.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e CommandError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, e.Output)
}
