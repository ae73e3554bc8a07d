// Package config loads the run configuration of a parallel assembly from
// YAML.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

// Config describes how a run is split across workers and how each worker
// assembles.
type Config struct {
	// WorkerGridShape is the number of workers along each direction. When
	// empty the grid is chosen from Workers by partitions.ComputeDims.
	WorkerGridShape []int `yaml:"worker_grid_shape,omitempty"`

	// Workers defaults to the product of WorkerGridShape
	Workers int `yaml:"workers,omitempty"`

	// Periodic marks the directions that wrap around. When empty the
	// periodicity of the space is used; when set it must match it.
	Periodic []bool `yaml:"periodic,omitempty"`

	// QuadraturePoints per element per direction, degree+1 when empty
	QuadraturePoints []int `yaml:"quadrature_points,omitempty"`

	Derivatives  int `yaml:"derivatives"`
	MailboxDepth int `yaml:"mailbox_depth"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig selects the zap logger of a run
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a single worker configuration for an ndim-dimensional space
func Default(ndim int) *Config {
	shape := make([]int, ndim)
	for d := range shape {
		shape[d] = 1
	}
	return &Config{
		WorkerGridShape: shape,
		Workers:         1,
		Derivatives:     1,
		MailboxDepth:    comm.DefaultMailboxDepth,
		Logging:         LoggingConfig{Level: "info"},
	}
}

// Load reads a configuration file. Fields absent from the file keep their
// Default values.
func Load(path string, ndim int) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, ndim)
}

// Parse decodes YAML over Default(ndim), applies environment overrides and
// validates the result
func Parse(data []byte, ndim int) (*Config, error) {
	cfg := Default(ndim)
	// a grid given in the document replaces the default one; workers alone
	// lets ComputeDims pick it
	cfg.WorkerGridShape = nil
	cfg.Workers = 0
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.WorkerGridShape == nil && cfg.Workers == 0 {
		cfg.WorkerGridShape = Default(ndim).WorkerGridShape
	}
	if cfg.Workers == 0 && cfg.WorkerGridShape != nil {
		cfg.Workers = utils.Product(cfg.WorkerGridShape)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(ndim); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func (c *Config) applyEnvOverrides() {
	if lvl := os.Getenv("IGAKERNEL_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// Validate checks the configuration against an ndim-dimensional space
func (c *Config) Validate(ndim int) error {
	if ndim < 1 {
		return &partitions.ConfigurationError{Field: "ndim", Reason: fmt.Sprintf("%d directions", ndim)}
	}
	if c.WorkerGridShape != nil {
		if len(c.WorkerGridShape) != ndim {
			return &partitions.ConfigurationError{Field: "worker_grid_shape",
				Reason: fmt.Sprintf("has %d entries for %d directions", len(c.WorkerGridShape), ndim)}
		}
		for d, n := range c.WorkerGridShape {
			if n < 1 {
				return &partitions.ConfigurationError{Field: "worker_grid_shape",
					Reason: fmt.Sprintf("direction %d has %d workers", d, n)}
			}
		}
		if c.Workers != utils.Product(c.WorkerGridShape) {
			return &partitions.ConfigurationError{Field: "workers",
				Reason: fmt.Sprintf("%d workers do not fill grid %v", c.Workers, c.WorkerGridShape)}
		}
	}
	if c.Workers < 1 {
		return &partitions.ConfigurationError{Field: "workers", Reason: fmt.Sprintf("%d workers", c.Workers)}
	}
	if c.Periodic != nil && len(c.Periodic) != ndim {
		return &partitions.ConfigurationError{Field: "periodic",
			Reason: fmt.Sprintf("has %d entries for %d directions", len(c.Periodic), ndim)}
	}
	if c.QuadraturePoints != nil {
		if len(c.QuadraturePoints) != ndim {
			return &partitions.ConfigurationError{Field: "quadrature_points",
				Reason: fmt.Sprintf("has %d entries for %d directions", len(c.QuadraturePoints), ndim)}
		}
		for d, n := range c.QuadraturePoints {
			if n < 1 {
				return &partitions.ConfigurationError{Field: "quadrature_points",
					Reason: fmt.Sprintf("direction %d has %d points", d, n)}
			}
		}
	}
	if c.Derivatives < 0 {
		return &partitions.ConfigurationError{Field: "derivatives", Reason: fmt.Sprintf("order %d", c.Derivatives)}
	}
	if c.MailboxDepth < 1 {
		return &partitions.ConfigurationError{Field: "mailbox_depth", Reason: fmt.Sprintf("depth %d", c.MailboxDepth)}
	}
	if c.Logging.Level != "" {
		if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
			return &partitions.ConfigurationError{Field: "logging.level", Reason: err.Error()}
		}
	}
	return nil
}

// WorkerGrid returns the worker grid for a space with npts basis functions
// and ghost widths pads per direction
func (c *Config) WorkerGrid(npts, pads []int) ([]int, error) {
	if c.WorkerGridShape != nil {
		return append([]int(nil), c.WorkerGridShape...), nil
	}
	return partitions.ComputeDims(c.Workers, npts, pads)
}

// Periods resolves the periodic directions of a run against those of the
// space, which win when Periodic is empty
func (c *Config) Periods(space []bool) ([]bool, error) {
	if c.Periodic == nil {
		return append([]bool(nil), space...), nil
	}
	if len(c.Periodic) != len(space) {
		return nil, &partitions.ConfigurationError{Field: "periodic",
			Reason: fmt.Sprintf("has %d entries for %d directions", len(c.Periodic), len(space))}
	}
	for d := range space {
		if c.Periodic[d] != space[d] {
			return nil, &partitions.ConfigurationError{Field: "periodic",
				Reason: fmt.Sprintf("direction %d: configured periodic=%v, space periodic=%v",
					d, c.Periodic[d], space[d])}
		}
	}
	return append([]bool(nil), c.Periodic...), nil
}
