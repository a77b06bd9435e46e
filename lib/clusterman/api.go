// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterman

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"git.strato.dev/strato.git/sdk/go/auth"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// A JobLister exposes the job queue to the management API. The job
// controller implements it.
type JobLister interface {
	ListJobs(ctx context.Context) ([]strato.JobRecord, error)
}

// A ManagementAPI serves the operator endpoints: cluster and job
// listings, a manual autostop scan trigger, instance kill, and
// prometheus metrics.
type ManagementAPI struct {
	Logger     logrus.FieldLogger
	Controller *Controller
	Jobs       JobLister
	Monitor    *IdleMonitor
	Registry   *prometheus.Registry
	AuthToken  string

	setupOnce sync.Once
	handler   http.Handler
}

// ServeHTTP implements http.Handler.
func (api *ManagementAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.setupOnce.Do(api.setup)
	api.handler.ServeHTTP(w, r)
}

func (api *ManagementAPI) setup() {
	if api.AuthToken == "" {
		api.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/strato/v1/clusters", api.apiClusters)
	mux.HandlerFunc("GET", "/strato/v1/jobs", api.apiJobs)
	mux.HandlerFunc("POST", "/strato/v1/autostop/scan", api.apiAutostopScan)
	mux.HandlerFunc("POST", "/strato/v1/clusters/kill", api.apiClusterKill)
	metricsH := promhttp.HandlerFor(api.Registry, promhttp.HandlerOpts{
		ErrorLog: api.Logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	api.handler = auth.RequireLiteralToken(api.AuthToken, mux)
}

// Management API: all cluster records.
func (api *ManagementAPI) apiClusters(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []strato.ClusterRecord `json:"items"`
	}
	recs, err := api.Controller.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Items = recs
	json.NewEncoder(w).Encode(resp)
}

// Management API: all job records.
func (api *ManagementAPI) apiJobs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []strato.JobRecord `json:"items"`
	}
	if api.Jobs != nil {
		recs, err := api.Jobs.ListJobs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Items = recs
	}
	json.NewEncoder(w).Encode(resp)
}

// Management API: run one idle-monitor pass now.
func (api *ManagementAPI) apiAutostopScan(w http.ResponseWriter, r *http.Request) {
	if api.Monitor == nil {
		http.Error(w, "idle monitor is not running", http.StatusNotFound)
		return
	}
	api.Monitor.Scan(r.Context())
}

// Management API: tear down the named cluster now.
func (api *ManagementAPI) apiClusterKill(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("cluster_name")
	if name == "" {
		http.Error(w, "cluster_name parameter not provided", http.StatusBadRequest)
		return
	}
	err := api.Controller.Down(r.Context(), name, DownOptions{Purge: r.FormValue("purge") == "true"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
}
