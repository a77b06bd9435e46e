// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remoteexec

import (
	"io"
	"time"

	"git.strato.dev/strato.git/sdk/go/strato"
	check "gopkg.in/check.v1"
)

type poolSuite struct{}

var _ = check.Suite(&poolSuite{})

func (s *poolSuite) TestExecutorPerCluster(c *check.C) {
	pool := NewPool("2222", newSigner(c))
	rec := strato.ClusterRecord{Name: "c1", HeadAddress: "10.0.0.1"}
	first := pool.Executor(rec)
	c.Check(pool.Executor(rec), check.Equals, first)

	other := pool.Executor(strato.ClusterRecord{Name: "c2", HeadAddress: "10.0.0.2"})
	c.Check(other, check.Not(check.Equals), first)

	// A new head address means a new host identity, so the executor
	// with the old pinned host key is replaced.
	rec.HeadAddress = "10.0.0.9"
	replaced := pool.Executor(rec)
	c.Check(replaced, check.Not(check.Equals), first)
	c.Check(replaced.(*Executor).Target().Address, check.Equals, "10.0.0.9")
	c.Check(replaced.(*Executor).Target().Port, check.Equals, "2222")

	pool.Release("c1")
	c.Check(pool.Executor(rec), check.Not(check.Equals), replaced)
}

func (s *poolSuite) TestPoolRun(c *check.C) {
	hostKey := newSigner(c)
	clientKey := newSigner(c)
	svc := startSSHService(c, hostKey, clientKey.PublicKey(), func(env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
		io.WriteString(stdout, "started\n")
		return 0
	})
	defer svc.Close()

	pool := NewPool("", clientKey)
	rec := strato.ClusterRecord{Name: "c1", HeadAddress: svc.Address()}
	defer pool.Release("c1")

	done := make(chan bool)
	go func() {
		defer close(done)
		stdout, _, err := pool.Executor(rec).Run(nil, "strato-agent start-job", nil)
		c.Check(err, check.IsNil)
		c.Check(string(stdout), check.Equals, "started\n")
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatal("timed out")
	}
}
