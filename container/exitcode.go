package container

import "github.com/archlab/labrunner/envexec"

// Exit codes of a nested run. MISSING_OUTPUT maps back to SUCCESS since the
// invoking engine collects the outputs from the mounted directory itself.
const (
	ExitSuccess       = 0
	ExitError         = 1
	ExitMissingOutput = 3
	ExitTimeout       = 124
)

// ExitCode returns the exit code a nested run reports for a status
func ExitCode(s envexec.Status) int {
	switch s {
	case envexec.StatusSuccess:
		return ExitSuccess
	case envexec.StatusMissingOutput:
		return ExitMissingOutput
	case envexec.StatusTimeout:
		return ExitTimeout
	default:
		return ExitError
	}
}

// StatusFromExit classifies the exit code of a nested run
func StatusFromExit(code int64) envexec.Status {
	switch code {
	case ExitSuccess, ExitMissingOutput:
		return envexec.StatusSuccess
	case ExitTimeout:
		return envexec.StatusTimeout
	default:
		return envexec.StatusError
	}
}
