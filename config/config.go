package config

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"raftsim/logging"
	"raftsim/network"
	"raftsim/raft"
)

// DefaultPath is where the driver looks for a configuration file.
const DefaultPath = "nodeconfig.json"

var ErrInvalid = errors.New("invalid configuration")

// Config describes one simulation. Files may be YAML or JSON.
type Config struct {
	NodeIds         []int   `yaml:"nodeIds"`
	MinLatencyMs    int     `yaml:"minLatencyMs"`
	MaxLatencyMs    int     `yaml:"maxLatencyMs"`
	MessageLossRate float64 `yaml:"messageLossRate"`

	ElectionTimeoutMinMs int `yaml:"electionTimeoutMinMs"`
	ElectionTimeoutMaxMs int `yaml:"electionTimeoutMaxMs"`
	HeartbeatIntervalMs  int `yaml:"heartbeatIntervalMs"`
	MaxBatchEntries      int `yaml:"maxBatchEntries"`

	// 0 seeds every random source from the clock
	Seed int64 `yaml:"seed"`
}

// Default is three nodes on a mildly lossy network.
func Default() Config {
	return Config{
		NodeIds:              []int{1, 2, 3},
		MinLatencyMs:         network.DefaultMinLatencyMs,
		MaxLatencyMs:         network.DefaultMaxLatencyMs,
		MessageLossRate:      network.DefaultMessageLossRate,
		ElectionTimeoutMinMs: 150,
		ElectionTimeoutMaxMs: 300,
		HeartbeatIntervalMs:  50,
		MaxBatchEntries:      100,
	}
}

// Parse reads a document on top of the defaults, so omitted keys keep their default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault never fails: a missing or broken file is logged and the
// default configuration is used instead.
func LoadOrDefault(path string, logger logging.Logger) Config {
	cfg, err := Load(path)
	if err != nil {
		logger.Log(fmt.Sprintf("Error loading configuration: %v", err))
		logger.Log("Using default configuration with 3 nodes")
		return Default()
	}
	logger.Log(fmt.Sprintf("Loaded configuration with %d nodes from %s", len(cfg.NodeIds), path))
	return cfg
}

func (c Config) Validate() error {
	if len(c.NodeIds) == 0 {
		return fmt.Errorf("%w: nodeIds must contain at least one id", ErrInvalid)
	}
	seen := make(map[int]bool, len(c.NodeIds))
	for _, id := range c.NodeIds {
		if id < 0 {
			return fmt.Errorf("%w: negative node id %d", ErrInvalid, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate node id %d", ErrInvalid, id)
		}
		seen[id] = true
	}

	if c.MinLatencyMs < 1 {
		return fmt.Errorf("%w: minLatencyMs must be at least 1", ErrInvalid)
	}
	if c.MaxLatencyMs < c.MinLatencyMs {
		return fmt.Errorf("%w: maxLatencyMs=%d below minLatencyMs=%d", ErrInvalid, c.MaxLatencyMs, c.MinLatencyMs)
	}
	if c.MessageLossRate < 0 || c.MessageLossRate > 1 {
		return fmt.Errorf("%w: messageLossRate=%v outside [0, 1]", ErrInvalid, c.MessageLossRate)
	}

	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("%w: heartbeatIntervalMs must be positive", ErrInvalid)
	}
	if c.ElectionTimeoutMinMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("%w: electionTimeoutMinMs=%d must exceed heartbeatIntervalMs=%d",
			ErrInvalid, c.ElectionTimeoutMinMs, c.HeartbeatIntervalMs)
	}
	if c.ElectionTimeoutMaxMs < c.ElectionTimeoutMinMs {
		return fmt.Errorf("%w: electionTimeoutMaxMs=%d below electionTimeoutMinMs=%d",
			ErrInvalid, c.ElectionTimeoutMaxMs, c.ElectionTimeoutMinMs)
	}
	if c.MaxBatchEntries < 1 {
		return fmt.Errorf("%w: maxBatchEntries must be at least 1", ErrInvalid)
	}
	return nil
}

// rng returns a source derived from Seed, offset per consumer so nodes
// don't share election jitter.
func (c Config) rng(offset int64) *rand.Rand {
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed + offset))
}

// Raft builds the consensus configuration of node id.
func (c Config) Raft(id int) raft.Config {
	return raft.Config{
		ID:                 id,
		Peers:              append([]int(nil), c.NodeIds...),
		ElectionTimeoutMin: time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(c.ElectionTimeoutMaxMs) * time.Millisecond,
		HeartbeatInterval:  time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		MaxBatchEntries:    c.MaxBatchEntries,
		Rand:               c.rng(int64(id) + 1),
	}
}

// Network builds the simulator options.
func (c Config) Network() network.Options {
	return network.Options{
		MinLatencyMs:    c.MinLatencyMs,
		MaxLatencyMs:    c.MaxLatencyMs,
		MessageLossRate: c.MessageLossRate,
		PollInterval:    network.DefaultPollInterval,
		Rand:            c.rng(0),
	}
}
