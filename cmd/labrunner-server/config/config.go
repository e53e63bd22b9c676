package config

import (
	"os"
	"time"

	"github.com/koding/multiconfig"
)

// Config defines grading server configuration
type Config struct {
	// runner
	Parallelism   int           `flagUsage:"control the # of submissions graded concurrently" default:"1"`
	TempDir       string        `flagUsage:"specifies the parent directory of pristine checkouts (system temp dir by default)"`
	GitTimeout    time.Duration `flagUsage:"specifies the timeout of each git command of a checkout" default:"5m"`
	ApplyHardware bool          `flagUsage:"apply the cpu frequency policy of submitted options"`
	CPUPower      string        `flagUsage:"specifies the cpu frequency utility" default:"cpupower"`

	// server config
	HTTPAddr      string `flagUsage:"specifies the http binding address" default:":5050"`
	MonitorAddr   string `flagUsage:"specifies the metrics binding address" default:":5052"`
	AuthToken     string `flagUsage:"bearer token auth for REST"`
	MaxPayload    int64  `flagUsage:"specifies the max size of a run-job request in bytes" default:"67108864"`
	EnableDebug   bool   `flagUsage:"enable debug endpoint"`
	EnableMetrics bool   `flagUsage:"enable promethus metrics endpoint"`

	// logger config
	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`

	// show version and exit
	Version bool `flagUsage:"show version and exit"`
}

// Load loads config from flag & environment variables
func (c *Config) Load() error {
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "LR",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "LR",
		},
	)
	if os.Getpid() == 1 {
		c.Release = true
	}
	if err := cl.Load(c); err != nil {
		return err
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	return nil
}
