// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterman

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/lib/cloud/loopback"
	"git.strato.dev/strato.git/lib/provision"
	"git.strato.dev/strato.git/sdk/go/ctxlog"
	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

type apiSuite struct {
	store Store
	prv   *loopback.Provider
	ctrl  *Controller
	reg   *prometheus.Registry
	api   *ManagementAPI
}

var _ = check.Suite(&apiSuite{})

func (s *apiSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.store = NewMemStore()
	s.prv = loopback.New(logger, "tester")
	s.reg = prometheus.NewRegistry()
	pvr := provision.NewProvisioner(logger, s.store, s.reg, time.Millisecond, 4*time.Millisecond)
	s.ctrl = NewController(logger, s.store, map[string]cloud.Provider{"loopback": s.prv}, pvr, s.reg)
	s.api = &ManagementAPI{
		Logger:     logger,
		Controller: s.ctrl,
		Monitor:    NewIdleMonitor(logger, s.ctrl, nil, time.Hour),
		Registry:   s.reg,
		AuthToken:  "s3cr3t",
	}
}

func (s *apiSuite) do(method, path, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.api.ServeHTTP(resp, req)
	return resp
}

func (s *apiSuite) TestNoTokenConfigured(c *check.C) {
	s.api = &ManagementAPI{Logger: ctxlog.TestLogger(c), Controller: s.ctrl, Registry: s.reg}
	resp := s.do("GET", "/strato/v1/clusters", "", "")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(resp.Body.String(), check.Matches, `(?s)Management API authentication is not configured\n*`)
}

func (s *apiSuite) TestAuth(c *check.C) {
	resp := s.do("GET", "/strato/v1/clusters", "", "")
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
	resp = s.do("GET", "/strato/v1/clusters", "wrong", "")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	resp = s.do("GET", "/strato/v1/clusters", "s3cr3t", "")
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *apiSuite) TestClusters(c *check.C) {
	_, err := s.ctrl.Launch(context.Background(), "loopback", provision.Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)
	resp := s.do("GET", "/strato/v1/clusters", "s3cr3t", "")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var body struct {
		Items []strato.ClusterRecord `json:"items"`
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &body), check.IsNil)
	c.Assert(body.Items, check.HasLen, 1)
	c.Check(body.Items[0].Name, check.Equals, "c1")
	c.Check(body.Items[0].Status, check.Equals, strato.ClusterUp)
}

func (s *apiSuite) TestClusterKill(c *check.C) {
	_, err := s.ctrl.Launch(context.Background(), "loopback", provision.Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)

	resp := s.do("POST", "/strato/v1/clusters/kill", "s3cr3t", "")
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)

	resp = s.do("POST", "/strato/v1/clusters/kill", "s3cr3t", "cluster_name=c1")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	_, ok, err := s.store.Get(context.Background(), "c1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	resp = s.do("POST", "/strato/v1/clusters/kill", "s3cr3t", "cluster_name=c1")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *apiSuite) TestAutostopScan(c *check.C) {
	rec, err := s.ctrl.Launch(context.Background(), "loopback", provision.Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)
	rec.AutostopMinutes = 1
	rec.LastUse = time.Now().Add(-2 * time.Minute)
	c.Assert(s.store.Put(context.Background(), rec), check.IsNil)

	resp := s.do("POST", "/strato/v1/autostop/scan", "s3cr3t", "")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	got, err := s.ctrl.Status(context.Background(), "c1", false)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, strato.ClusterStopped)
}

func (s *apiSuite) TestMetrics(c *check.C) {
	_, err := s.ctrl.Launch(context.Background(), "loopback", provision.Request{ClusterName: "c1"})
	c.Assert(err, check.IsNil)
	resp := s.do("GET", "/metrics", "s3cr3t", "")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*strato_clusters_count{status="UP"} 1.*`)
}
