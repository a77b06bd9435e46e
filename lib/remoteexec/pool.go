// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remoteexec

import (
	"io"
	"sync"

	"git.strato.dev/strato.git/sdk/go/strato"
	"golang.org/x/crypto/ssh"
)

// A Runner runs commands on a cluster's head node. *Executor
// implements it.
type Runner interface {
	Run(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// A Pool hands out one Executor per cluster, so repeated commands to
// the same head node share a multiplexed SSH connection. Safe for
// concurrent use.
type Pool struct {
	port    string
	signers []ssh.Signer

	mtx   sync.Mutex
	execs map[string]*Executor
}

// NewPool returns a Pool whose executors authenticate with the given
// signers and connect to the given port (empty means the ssh default).
func NewPool(port string, signers ...ssh.Signer) *Pool {
	return &Pool{
		port:    port,
		signers: signers,
		execs:   map[string]*Executor{},
	}
}

// Executor returns the executor for the cluster, creating it on first
// use. A changed head address (e.g. after recovery onto a new
// instance) replaces the executor: the new head node has a new host
// key, so the old pinned connection must not be reused.
func (pool *Pool) Executor(rec strato.ClusterRecord) Runner {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	target := Target{
		Address:    rec.HeadAddress,
		Port:       pool.port,
		RemoteUser: DefaultRemoteUser,
	}
	exr, ok := pool.execs[rec.Name]
	if ok && exr.Target() != target {
		go exr.Close()
		ok = false
	}
	if !ok {
		exr = New(target)
		exr.SetSigners(pool.signers...)
		pool.execs[rec.Name] = exr
	}
	return exr
}

// Release closes the cluster's executor, if any, and forgets it.
func (pool *Pool) Release(clusterName string) {
	pool.mtx.Lock()
	exr, ok := pool.execs[clusterName]
	delete(pool.execs, clusterName)
	pool.mtx.Unlock()
	if ok {
		exr.Close()
	}
}
