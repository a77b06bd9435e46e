// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package strato

import "encoding/json"

// Config is the top-level service configuration, loaded from YAML by
// sdk/go/config.
type Config struct {
	// Providers maps a provider identifier to its driver
	// selection and driver-specific parameters. Only listed
	// providers are enabled.
	Providers map[string]ProviderConfig

	// PostgreSQL connection string for the cluster/job record
	// stores. Empty selects the in-memory stores (dev/test mode).
	DatabaseDSN string

	// Management API.
	ManagementToken   string
	ManagementAddress string

	SystemLogs SystemLogs

	// Idle monitor poll interval. Default 30s.
	IdlePollInterval Duration

	// Bounded exponential backoff for retry-until-up provisioning
	// sweeps. Defaults 30s initial, 10m cap.
	RetryBackoffInitial Duration
	RetryBackoffMax     Duration

	// Preemption watcher poll interval. Default 15s.
	PreemptionPollInterval Duration

	// SSH access to cluster head nodes.
	DispatchPrivateKey string
	SSHPort            string
}

// ProviderConfig selects and parameterizes one cloud driver.
type ProviderConfig struct {
	// Driver name registered in the driver map ("aws", "gcp",
	// "loopback"). Empty means same as the provider identifier.
	Driver string

	// Opaque driver parameters, decoded by the driver itself.
	DriverParameters json.RawMessage
}

// SystemLogs configures the root logger.
type SystemLogs struct {
	LogLevel string `json:"LogLevel"`
	Format   string `json:"Format"`
}

// DefaultConfig returns a Config with the documented defaults filled
// in.
func DefaultConfig() Config {
	return Config{
		ManagementAddress:      ":9410",
		SystemLogs:             SystemLogs{LogLevel: "info", Format: "json"},
		IdlePollInterval:       Duration(30e9),
		RetryBackoffInitial:    Duration(30e9),
		RetryBackoffMax:        Duration(600e9),
		PreemptionPollInterval: Duration(15e9),
		SSHPort:                "22",
	}
}
