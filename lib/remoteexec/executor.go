// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remoteexec runs shell commands on a cluster's head node
// over a long-lived multiplexed SSH connection.
package remoteexec

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"git.strato.dev/strato.git/sdk/go/strato"
	"golang.org/x/crypto/ssh"
)

// ErrNoAddress means the executor's target has no head address yet,
// e.g. the cluster is still provisioning.
var ErrNoAddress = errors.New("cluster head node has no address")

// DefaultRemoteUser is the login account baked into catalog images.
const DefaultRemoteUser = "strato"

// A Target is the SSH endpoint of a cluster's head node.
type Target struct {
	// Address is a host or host:port. Without a port, Port (or
	// "ssh") is used.
	Address    string
	Port       string
	RemoteUser string
}

// TargetFor builds a Target from a cluster record.
func TargetFor(rec strato.ClusterRecord) Target {
	return Target{Address: rec.HeadAddress, RemoteUser: DefaultRemoteUser}
}

// An Executor runs commands on one head node, reconnecting
// automatically after errors. The first host key offered by the
// remote side is pinned for the life of the Executor; a changed key
// fails the connection.
//
// An Executor must not be copied.
type Executor struct {
	target  Target
	signers []ssh.Signer
	mtx     sync.RWMutex

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once
	clientSetup chan bool // len>0 while client setup is in progress
	hostKey     ssh.PublicKey
}

// New returns an Executor for the given target.
func New(target Target) *Executor {
	return &Executor{target: target}
}

// SetSigners updates the private keys offered to the target next time
// a new connection is set up.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.signers = signers
}

// SetTarget replaces the target. The new target is used next time a
// connection is set up; it is assumed to be the same logical host,
// e.g. a restarted head node with a new address.
func (exr *Executor) SetTarget(target Target) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.target = target
}

// Target returns the current target.
func (exr *Executor) Target() Target {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	return exr.target
}

// Run executes cmd on the head node. A nonzero exit status comes back
// as a strato.CommandError carrying the captured stderr. If the
// existing connection is unusable, a new one is set up first.
func (exr *Executor) Run(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return nil, nil, err
		}
	}
	var outbuf, errbuf bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &outbuf
	session.Stderr = &errbuf
	err = session.Run(cmd)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		err = strato.CommandError{
			Command:  cmd,
			ExitCode: exitErr.ExitStatus(),
			Output:   errbuf.String(),
		}
	}
	return outbuf.Bytes(), errbuf.Bytes(), err
}

// Close shuts down any active connection.
func (exr *Executor) Close() {
	// Ensure exr is initialized
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// newSession returns a session on the current connection, setting up
// a fresh connection if the current one is unusable.
func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// sshClient returns the latest SSH client. If another goroutine is in
// the process of setting one up, wait for it to finish and return its
// result (or the last successfully set up client, if it fails).
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case. Wait for
		// it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

// TargetHostPort splits the target address into host and port,
// falling back to the target's default port, then "ssh".
func (exr *Executor) TargetHostPort() (string, string) {
	target := exr.Target()
	if target.Address == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(target.Address)
	if err != nil || p == "" {
		if h == "" {
			h = target.Address
		}
		if p = target.Port; p == "" {
			p = "ssh"
		}
	}
	return h, p
}

func (exr *Executor) setupSSHClient() (*ssh.Client, error) {
	addr := net.JoinHostPort(exr.TargetHostPort())
	if addr == ":" {
		return nil, ErrNoAddress
	}
	exr.mtx.RLock()
	signers := exr.signers
	user := exr.target.RemoteUser
	exr.mtx.RUnlock()
	if user == "" {
		user = DefaultRemoteUser
	}
	var receivedKey ssh.PublicKey
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signers...),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
		Timeout: time.Minute,
	})
	if err != nil {
		return nil, err
	} else if receivedKey == nil {
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}

	if exr.hostKey != nil && !bytes.Equal(exr.hostKey.Marshal(), receivedKey.Marshal()) {
		client.Close()
		return nil, errors.New("host key changed since first connection")
	}
	exr.hostKey = receivedKey
	return client, nil
}
