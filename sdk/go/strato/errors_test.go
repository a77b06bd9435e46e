// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package strato

import (
	"errors"
	"fmt"

	check "gopkg.in/check.v1"
)

type errorsSuite struct{}

var _ = check.Suite(&errorsSuite{})

func (s *errorsSuite) TestKindChecksSeeThroughWrapping(c *check.C) {
	err := fmt.Errorf("placement failed: %w", ResourceUnavailableError{Message: "no capacity in us-west-2a"})
	c.Check(IsResourceUnavailable(err), check.Equals, true)
	c.Check(IsCredentialError(err), check.Equals, false)

	err = fmt.Errorf("aborting: %w", CredentialError{Provider: "aws", Kind: CredentialExpired, Remediation: "rotate your keys"})
	c.Check(IsCredentialError(err), check.Equals, true)
	c.Check(IsResourceUnavailable(err), check.Equals, false)
	var credErr CredentialError
	c.Assert(errors.As(err, &credErr), check.Equals, true)
	c.Check(credErr.Kind, check.Equals, CredentialExpired)
	c.Check(credErr.Error(), check.Equals, "aws credentials expired: rotate your keys")
}

func (s *errorsSuite) TestMessages(c *check.C) {
	c.Check(ClusterNotUpError{Name: "c1"}.Error(), check.Equals, `cluster "c1" is not up`)
	c.Check(NotSupportedError{Operation: "stop", Reason: "spot"}.Error(), check.Equals, "stop is not supported: spot")
	c.Check(JobNameAmbiguousError{Name: "train", IDs: []int64{3, 7}}.Error(), check.Equals, `job name "train" matches 2 jobs [3 7], use a job id`)
	c.Check(CommandError{Command: "x", ExitCode: 2, Output: "boom"}.Error(), check.Equals, `command "x" exited 2: boom`)
}
