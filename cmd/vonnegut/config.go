package main

import (
	"flag"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/vonnegut/vonnegut/internal/cluster"
	vlog "github.com/vonnegut/vonnegut/internal/log"
)

// LogConfig is the per-partition storage engine's tunables (component
// B), registered the way the teacher's storage.Config registers its
// backend/pool settings.
type LogConfig struct {
	Dirs               []string `yaml:"log_dirs"`
	SegmentBytes       int64    `yaml:"segment_bytes"`
	IndexIntervalBytes int64    `yaml:"index_interval_bytes"`
	FDCacheSize        int      `yaml:"fd_cache_size"`
}

func (c *LogConfig) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.Int64Var(&c.SegmentBytes, prefix+"segment-bytes", 1<<30, "Size in bytes a partition's active segment may reach before rollover.")
	f.Int64Var(&c.IndexIntervalBytes, prefix+"index-interval-bytes", 4096, "Bytes of log growth between sparse index entries.")
	f.IntVar(&c.FDCacheSize, prefix+"fd-cache-size", 256, "Number of open segment file descriptors to cache on the fetch path.")
}

// toPartitionConfig adapts the process-wide log config to the
// per-partition Config the log package's Open expects.
func (c LogConfig) toPartitionConfig() vlog.Config {
	return vlog.Config{SegmentBytes: c.SegmentBytes, IndexIntervalBytes: c.IndexIntervalBytes}
}

// ChainConfig is the static chain map and this node's identity within
// it. Discovery/bootstrap of this data is an out-of-scope external
// collaborator per SPEC_FULL.md §1; this process only ever loads a
// static version of it from YAML for local runs and tests.
type ChainConfig struct {
	Self    cluster.Endpoint     `yaml:"self"`
	Entries []cluster.ChainEntry `yaml:"chains"`
	Timeout time.Duration        `yaml:"replicate_timeout"`
}

func (c *ChainConfig) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Self.Host, prefix+"self.host", "127.0.0.1", "Host this node advertises within its chain(s).")
	f.IntVar(&c.Self.Port, prefix+"self.port", 5555, "Port this node advertises within its chain(s).")
	f.DurationVar(&c.Timeout, prefix+"replicate-timeout", 5*time.Second, "Round-trip timeout for a replicate call to the next hop.")
}

// ServerConfig is the listener's bind address and the connection
// handler's resource limits (component F).
type ServerConfig struct {
	Port             int    `yaml:"port"`
	BindAddr         string `yaml:"bind_addr"`
	AcceptorPoolSize int    `yaml:"acceptor_pool_size"`
	MetricsAddr      string `yaml:"metrics_addr"`
}

func (c *ServerConfig) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.Port, prefix+"port", 5555, "Port to listen for client and chain connections on.")
	f.StringVar(&c.BindAddr, prefix+"bind-addr", "0.0.0.0", "Address to bind the listener to.")
	f.IntVar(&c.AcceptorPoolSize, prefix+"acceptor-pool-size", 1024, "Maximum number of connections served concurrently.")
	f.StringVar(&c.MetricsAddr, prefix+"metrics-addr", ":9090", "Address to serve /metrics on.")
}

// Config is the root configuration for the vonnegut process: the
// ambient stack's configuration layer, loaded from YAML with
// flag.FlagSet overrides in the teacher's RegisterFlags style
// (cmd/frigg/app/config.go, cmd/tempo/app/config.go).
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Chain  ChainConfig  `yaml:"chain"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Server.RegisterFlags("", f)
	c.Log.RegisterFlags("log.", f)
	c.Chain.RegisterFlags("chain.", f)
}

// LoadConfig reads a YAML config file at path (if it exists; a missing
// file is not an error, since every field has a flag-registered
// default) and returns the parsed Config with cfgFile values overlaid
// on top of the flag defaults already applied to c.
func LoadConfig(path string, c *Config) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	return nil
}
