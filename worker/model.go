package worker

import (
	"fmt"
	"time"

	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/runner"
	"github.com/archlab/labrunner/submission"
)

// Request defines single worker request
type Request struct {
	RequestID  string
	Submission *submission.Submission
	Options    runner.Options
}

// Response defines worker response for single request
type Response struct {
	RequestID string
	Result    *result.Result
	Error     error
	Time      time.Duration
}

func (r Response) String() string {
	if r.Error != nil {
		return fmt.Sprintf("%s: error %v (%v)", r.RequestID, r.Error, r.Time)
	}
	if r.Result == nil {
		return fmt.Sprintf("%s: no result (%v)", r.RequestID, r.Time)
	}
	return fmt.Sprintf("%s: %v (%v)", r.RequestID, r.Result.Status, r.Time)
}
