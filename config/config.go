// Package config loads the YAML files that describe a
// training run.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-ssd/collcomm/allreduce"
	"github.com/unixpickle/dist-ssd/ssd"
	"gopkg.in/yaml.v3"
)

// Non-finite loss policies.
const (
	NonFiniteSkip  = "skip"
	NonFiniteAbort = "abort"
)

// Validation-time ternarization policies.
const (
	TernaryReuse     = "reuse"
	TernaryRecompute = "recompute"
)

// DefaultMilestones are the epochs at which the learning
// rate decays.
var DefaultMilestones = []int{20, 30, 50, 60, 70, 80, 90}

// Dataset lists one data source per rank.
type Dataset struct {
	Train      []string `yaml:"train"`
	Validation []string `yaml:"validation"`
}

// Output lists the artifact directories.
type Output struct {
	Model string `yaml:"model"`
	Plots string `yaml:"plots"`
}

// TrainingPref holds optimization settings.
type TrainingPref struct {
	BatchSizeTrain      int     `yaml:"batch_size_train"`
	BatchSizeValidation int     `yaml:"batch_size_validation"`
	Workers             int     `yaml:"workers"`
	LearningRate        float64 `yaml:"learning_rate"`
	Momentum            float64 `yaml:"momentum"`
	WeightDecay         float64 `yaml:"weight_decay"`
	Milestones          []int   `yaml:"milestones"`
	Gamma               float64 `yaml:"gamma"`
	Patience            int     `yaml:"patience"`
	MaxEpochs           int     `yaml:"max_epochs"`
	RegStrength         float64 `yaml:"reg_strength"`
	Seed                int64   `yaml:"seed"`

	// Shuffle and FlipProb control augmentation of the
	// training data.
	Shuffle  bool    `yaml:"shuffle"`
	FlipProb float64 `yaml:"flip_prob"`

	NonFinite         string `yaml:"nonfinite"`
	TernaryValidation string `yaml:"ternary_validation"`
	Allreduce         string `yaml:"allreduce"`
}

// Config is the contents of ssd-config.yml.
type Config struct {
	Dataset      Dataset      `yaml:"dataset"`
	Output       Output       `yaml:"output"`
	TrainingPref TrainingPref `yaml:"training_pref"`
	SSDSettings  ssd.Settings `yaml:"ssd_settings"`
}

// NetConfig is the contents of net-config.yml.
type NetConfig struct {
	NetworkChannels []int `yaml:"network_channels"`
}

// Default returns a configuration with every optional
// field filled in.
func Default() *Config {
	return &Config{
		TrainingPref: TrainingPref{
			Workers:           1,
			Shuffle:           true,
			FlipProb:          0.5,
			Milestones:        append([]int{}, DefaultMilestones...),
			Gamma:             0.5,
			NonFinite:         NonFiniteSkip,
			TernaryValidation: TernaryReuse,
			Allreduce:         "tree",
		},
		SSDSettings: ssd.Settings{
			OverlapThreshold: 0.5,
			Step:             1,
			BetaDisco:        1,
		},
	}
}

// Load reads and validates a training configuration.
func Load(path string) (*Config, error) {
	c := Default()
	if err := decodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// LoadNet reads and validates a network structure file.
func LoadNet(path string) (*NetConfig, error) {
	var n NetConfig
	if err := decodeFile(path, &n); err != nil {
		return nil, err
	}
	if len(n.NetworkChannels) == 0 {
		return nil, errors.Errorf("net config %s: no network_channels", path)
	}
	for _, c := range n.NetworkChannels {
		if c <= 0 {
			return nil, errors.Errorf("net config %s: invalid channel count %d", path, c)
		}
	}
	return &n, nil
}

// Validate checks settings that do not depend on the
// world size.
func (c *Config) Validate() error {
	p := c.TrainingPref
	if p.BatchSizeTrain <= 0 || p.BatchSizeValidation <= 0 {
		return errors.New("batch sizes must be positive")
	}
	if p.MaxEpochs <= 0 {
		return errors.New("max_epochs must be positive")
	}
	if p.Patience <= 0 {
		return errors.New("patience must be positive")
	}
	if p.LearningRate < 0 || p.Momentum < 0 || p.WeightDecay < 0 {
		return errors.New("learning_rate, momentum, and weight_decay must be non-negative")
	}
	if p.FlipProb < 0 || p.FlipProb > 1 {
		return errors.Errorf("flip_prob %f out of range [0, 1]", p.FlipProb)
	}
	if p.Gamma <= 0 {
		return errors.New("gamma must be positive")
	}
	if p.NonFinite != NonFiniteSkip && p.NonFinite != NonFiniteAbort {
		return errors.Errorf("unknown nonfinite policy %q", p.NonFinite)
	}
	if p.TernaryValidation != TernaryReuse && p.TernaryValidation != TernaryRecompute {
		return errors.Errorf("unknown ternary_validation policy %q", p.TernaryValidation)
	}
	if allreduce.ByName(p.Allreduce) == nil {
		return errors.Errorf("unknown allreduce algorithm %q", p.Allreduce)
	}
	if c.Output.Model == "" || c.Output.Plots == "" {
		return errors.New("output model and plots directories are required")
	}
	return errors.Wrap(c.SSDSettings.Validate(), "ssd_settings")
}

// CheckWorld checks that every rank has a data source.
func (c *Config) CheckWorld(worldSize int) error {
	if len(c.Dataset.Train) < worldSize || len(c.Dataset.Validation) < worldSize {
		return errors.Errorf("world size %d needs as many train and validation sources, got %d and %d",
			worldSize, len(c.Dataset.Train), len(c.Dataset.Validation))
	}
	return nil
}

func decodeFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}
