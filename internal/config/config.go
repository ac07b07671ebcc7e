// Package config holds everything a paxosd process can be told from the
// command line or a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/senutpal/quorumkv/internal/paxos"
)

const (
	RoleLeader   = "leader"
	RoleAcceptor = "acceptor"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration that reads and writes as "500ms" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are milliseconds.
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("duration %s: %w", b, err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	NodeID string `json:"node_id"`
	Role   string `json:"role"`

	// AcceptorAddr and ControlAddr are where a leader listens; LeaderAddr
	// is what an acceptor dials.
	AcceptorAddr string `json:"acceptor_addr"`
	ControlAddr  string `json:"control_addr"`
	LeaderAddr   string `json:"leader_addr"`

	QuorumTimeout     Duration `json:"quorum_timeout"`
	MaxRetries        int      `json:"max_retries"`
	RetryBackoff      Duration `json:"retry_backoff"`
	WriteTimeout      Duration `json:"write_timeout"`
	ReconnectInterval Duration `json:"reconnect_interval"`

	// ClusterSize, when set, is the number of acceptors quorums are
	// computed against regardless of how many are connected.
	ClusterSize int `json:"cluster_size"`

	LogLevel string `json:"log_level"`
}

func Default() Config {
	return Config{
		NodeID:            "leader",
		Role:              RoleLeader,
		AcceptorAddr:      ":8750",
		ControlAddr:       ":8751",
		LeaderAddr:        "127.0.0.1:8750",
		QuorumTimeout:     Duration(paxos.DefaultQuorumTimeout),
		MaxRetries:        5,
		RetryBackoff:      Duration(50 * time.Millisecond),
		WriteTimeout:      Duration(10 * time.Second),
		ReconnectInterval: Duration(time.Second),
		LogLevel:          "info",
	}
}

// Load reads a JSON file over the defaults. Fields the file leaves out keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// RegisterFlags binds the fields to fs, using the current values as
// defaults, so flags parsed after Load override the file.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.NodeID, "id", c.NodeID, "node id, unique in the cluster")
	fs.StringVar(&c.Role, "role", c.Role, "leader or acceptor")
	fs.StringVar(&c.AcceptorAddr, "acceptor-addr", c.AcceptorAddr, "address the leader accepts acceptors on")
	fs.StringVar(&c.ControlAddr, "control-addr", c.ControlAddr, "address the leader accepts writes on")
	fs.StringVar(&c.LeaderAddr, "leader", c.LeaderAddr, "leader address an acceptor dials")
	fs.Func("quorum-timeout", "wait per phase for a majority (e.g. 500ms)", durationFlag(&c.QuorumTimeout))
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "extra attempts after a failed proposal")
	fs.Func("retry-backoff", "base pause between attempts", durationFlag(&c.RetryBackoff))
	fs.Func("write-timeout", "upper bound on one client write", durationFlag(&c.WriteTimeout))
	fs.Func("reconnect", "pause before an acceptor redials the leader", durationFlag(&c.ReconnectInterval))
	fs.IntVar(&c.ClusterSize, "cluster-size", c.ClusterSize, "acceptors in the cluster; 0 counts connected acceptors")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

func durationFlag(d *Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalid)
	}
	switch c.Role {
	case RoleLeader:
		if c.AcceptorAddr == "" || c.ControlAddr == "" {
			return fmt.Errorf("%w: leader needs acceptor and control addresses", ErrInvalid)
		}
	case RoleAcceptor:
		if c.LeaderAddr == "" {
			return fmt.Errorf("%w: acceptor needs a leader address", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: role %q", ErrInvalid, c.Role)
	}
	if c.QuorumTimeout <= 0 {
		return fmt.Errorf("%w: quorum timeout %s", ErrInvalid, c.QuorumTimeout.Std())
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d", ErrInvalid, c.MaxRetries)
	}
	if c.RetryBackoff < 0 || c.WriteTimeout < 0 || c.ReconnectInterval < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	}
	if c.ClusterSize < 0 {
		return fmt.Errorf("%w: cluster size %d", ErrInvalid, c.ClusterSize)
	}
	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

func (c Config) ProposerConfig() paxos.ProposerConfig {
	return paxos.ProposerConfig{
		ID:            c.NodeID,
		QuorumTimeout: c.QuorumTimeout.Std(),
		MaxRetries:    c.MaxRetries,
		RetryBackoff:  c.RetryBackoff.Std(),
		ClusterSize:   c.ClusterSize,
	}
}

// ApplyLogLevel sets every named logger to LogLevel.
func (c Config) ApplyLogLevel() error {
	lvl, err := logging.LevelFromString(c.LogLevel)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	return nil
}
