// Package client dispatches submissions to a remote grading host.
package client

import (
	"context"

	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/submission"
)

// Dispatcher runs a submission and returns its result without executing
// anything locally
type Dispatcher interface {
	Run(ctx context.Context, sub *submission.Submission) (*result.Result, error)
}
