// Package config provides configuration loading and management for the
// landmark prediction tools. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"landmarkpredict/pkg/analysis"
	"landmarkpredict/pkg/fusion"
	"landmarkpredict/pkg/geometry"
	"landmarkpredict/pkg/groundtruth"
	"landmarkpredict/pkg/ransac"
)

// ErrInvalid is returned by Validate for unusable settings.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Prediction parameters
	Prediction struct {
		// K is the number of top-ranked atlases fused into the consensus
		K int `yaml:"k"`

		// GroundTruthSuffix is appended to atlas ids to find their landmark files
		GroundTruthSuffix string `yaml:"groundTruthSuffix"`
	} `yaml:"prediction"`

	// Robust affine estimation parameters
	Ransac struct {
		// MinSamples is the number of correspondences drawn per trial
		MinSamples int `yaml:"minSamples"`

		// ResidualThreshold is the largest distance counted as an inlier
		ResidualThreshold float64 `yaml:"residualThreshold"`

		// MaxTrials caps the number of random trials
		MaxTrials int `yaml:"maxTrials"`

		// StopProbability is the confidence at which trials stop early
		StopProbability float64 `yaml:"stopProbability"`

		// Seed makes estimation reproducible
		Seed int64 `yaml:"seed"`
	} `yaml:"ransac"`

	// External matcher parameters
	Matcher struct {
		// Executable is the path of the keypoint matching program
		Executable string `yaml:"executable"`

		// NoRotation disables rotation invariance in the matcher
		NoRotation bool `yaml:"noRotation"`
	} `yaml:"matcher"`

	// Processing parameters
	Processing struct {
		// Workers is the number of subjects processed concurrently
		Workers int `yaml:"workers"`

		// WorkspaceDir holds per-subject scratch directories; empty means
		// a directory under the output directory
		WorkspaceDir string `yaml:"workspaceDir"`

		// KeepWorkspace leaves scratch directories in place for inspection
		KeepWorkspace bool `yaml:"keepWorkspace"`
	} `yaml:"processing"`

	// K-sweep analysis parameters
	Sweep struct {
		MaxK              int     `yaml:"maxK"`
		MinSamples        int     `yaml:"minSamples"`
		ResidualThreshold float64 `yaml:"residualThreshold"`
	} `yaml:"sweep"`

	// Output parameters
	Output struct {
		// Verbose prints one progress glyph per atlas
		Verbose bool `yaml:"verbose"`

		// Preview saves projection images of every prediction
		Preview bool `yaml:"preview"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	est := ransac.DefaultParams()

	cfg.Prediction.K = fusion.DefaultK
	cfg.Prediction.GroundTruthSuffix = groundtruth.DefaultSuffix

	cfg.Ransac.MinSamples = est.MinSamples
	cfg.Ransac.ResidualThreshold = est.ResidualThreshold
	cfg.Ransac.MaxTrials = est.MaxTrials
	cfg.Ransac.StopProbability = est.StopProbability
	cfg.Ransac.Seed = est.Seed

	cfg.Processing.Workers = 1

	cfg.Sweep.MaxK = analysis.DefaultMaxK
	cfg.Sweep.MinSamples = analysis.DefaultMinSamples
	cfg.Sweep.ResidualThreshold = analysis.DefaultResidualThreshold

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.Prediction.K < 1:
		return fmt.Errorf("prediction.k must be at least 1, got %d: %w", c.Prediction.K, ErrInvalid)
	case c.Processing.Workers < 1:
		return fmt.Errorf("processing.workers must be at least 1, got %d: %w", c.Processing.Workers, ErrInvalid)
	case c.Sweep.MaxK < 1:
		return fmt.Errorf("sweep.maxK must be at least 1, got %d: %w", c.Sweep.MaxK, ErrInvalid)
	case c.Sweep.MinSamples < geometry.MinAffinePoints:
		return fmt.Errorf("sweep.minSamples must be at least %d, got %d: %w",
			geometry.MinAffinePoints, c.Sweep.MinSamples, ErrInvalid)
	case c.Sweep.ResidualThreshold <= 0:
		return fmt.Errorf("sweep.residualThreshold must be positive: %w", ErrInvalid)
	}
	if err := c.EstimatorParams().Validate(); err != nil {
		return fmt.Errorf("ransac: %v: %w", err, ErrInvalid)
	}
	return nil
}

// EstimatorParams returns the estimator settings used for prediction.
func (c *Config) EstimatorParams() ransac.Params {
	return ransac.Params{
		MinSamples:        c.Ransac.MinSamples,
		ResidualThreshold: c.Ransac.ResidualThreshold,
		MaxTrials:         c.Ransac.MaxTrials,
		StopProbability:   c.Ransac.StopProbability,
		Seed:              c.Ransac.Seed,
	}
}

// SweepEstimatorParams returns the estimator settings used by the K sweep.
// Only the sample size and threshold differ from prediction.
func (c *Config) SweepEstimatorParams() ransac.Params {
	p := c.EstimatorParams()
	p.MinSamples = c.Sweep.MinSamples
	p.ResidualThreshold = c.Sweep.ResidualThreshold
	return p
}
