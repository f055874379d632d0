// Package config loads daemon and tracker settings from defaults, an optional
// config file and P2PSHARE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Log      LogConfig      `mapstructure:"log"`
	API      APIConfig      `mapstructure:"api"`
	Peer     PeerConfig     `mapstructure:"peer"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	TLS      TLSConfig      `mapstructure:"tls"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig is the local REST surface consumed by the UI and the CLI.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type PeerConfig struct {
	Port          int           `mapstructure:"port"`
	AdvertiseIP   string        `mapstructure:"advertise_ip"`
	SocketTimeout time.Duration `mapstructure:"socket_timeout"`
}

type TrackerConfig struct {
	// Addr is host:port of the tracker as seen by peers. Empty means browse
	// for it over mDNS.
	Addr          string        `mapstructure:"addr"`
	Port          int           `mapstructure:"port"`
	EnrollPort    int           `mapstructure:"enroll_port"`
	Advertise     bool          `mapstructure:"advertise"`
	BrowseTimeout time.Duration `mapstructure:"browse_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PingWindow    time.Duration `mapstructure:"ping_window"`
	PeerTTL       time.Duration `mapstructure:"peer_ttl"`
}

type TransferConfig struct {
	ChunkSize       int64         `mapstructure:"chunk_size"`
	MaxActiveChunks int           `mapstructure:"max_active_chunks"`
	MaxPeerTasks    int           `mapstructure:"max_peer_tasks"`
	ChunkAttempts   int           `mapstructure:"chunk_attempts"`
	RetryRounds     int           `mapstructure:"retry_rounds"`
	PeerWait        time.Duration `mapstructure:"peer_wait"`
	Backoff         time.Duration `mapstructure:"backoff"`
}

type TasksConfig struct {
	StallAfter    time.Duration `mapstructure:"stall_after"`
	TimeoutAfter  time.Duration `mapstructure:"timeout_after"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CleanupDelay  time.Duration `mapstructure:"cleanup_delay"`
}

// LivenessConfig is the multicast group used for tracker PING / peer PONG.
type LivenessConfig struct {
	Group string `mapstructure:"group"`
	TTL   int    `mapstructure:"ttl"`
}

type TLSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	// CAFile pins the tracker CA. Empty trusts the CA returned on first enrollment.
	CAFile string `mapstructure:"ca_file"`
}

// DefaultDataDir is the per-user application directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "p2pshare")
	}
	return filepath.Join(os.Getenv("HOME"), ".p2pshare")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("peer.port", 5000)
	v.SetDefault("peer.advertise_ip", "")
	v.SetDefault("peer.socket_timeout", 5*time.Second)
	v.SetDefault("tracker.addr", "")
	v.SetDefault("tracker.port", 6001)
	v.SetDefault("tracker.enroll_port", 9091)
	v.SetDefault("tracker.advertise", true)
	v.SetDefault("tracker.browse_timeout", 3*time.Second)
	v.SetDefault("tracker.retry_interval", 5*time.Second)
	v.SetDefault("tracker.ping_interval", 10*time.Second)
	v.SetDefault("tracker.ping_window", 5*time.Second)
	v.SetDefault("tracker.peer_ttl", 30*time.Second)
	v.SetDefault("transfer.chunk_size", 2*1024*1024)
	v.SetDefault("transfer.max_active_chunks", 6)
	v.SetDefault("transfer.max_peer_tasks", 3)
	v.SetDefault("transfer.chunk_attempts", 3)
	v.SetDefault("transfer.retry_rounds", 2)
	v.SetDefault("transfer.peer_wait", time.Second)
	v.SetDefault("transfer.backoff", 50*time.Millisecond)
	v.SetDefault("tasks.stall_after", 30*time.Second)
	v.SetDefault("tasks.timeout_after", 2*time.Minute)
	v.SetDefault("tasks.check_interval", 30*time.Second)
	v.SetDefault("tasks.cleanup_delay", 3*time.Second)
	v.SetDefault("liveness.group", "239.255.42.42:9900")
	v.SetDefault("liveness.ttl", 4)
	v.SetDefault("tls.enabled", true)
	v.SetDefault("tls.dir", "")
	v.SetDefault("tls.ca_file", "")
}

// Load reads configuration. path may be empty, in which case P2PSHARE_CONFIG
// is consulted and then p2pshare.{yaml,toml,json} in the working directory
// and the default data dir. Env var overrides use prefix P2PSHARE_.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("P2PSHARE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("p2pshare")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}

	v.SetEnvPrefix("P2PSHARE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.TLS.Dir == "" {
		c.TLS.Dir = filepath.Join(c.DataDir, "certs")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{
		"peer.port":           c.Peer.Port,
		"tracker.port":        c.Tracker.Port,
		"tracker.enroll_port": c.Tracker.EnrollPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}
	if c.Transfer.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be positive"))
	}
	if c.Transfer.MaxActiveChunks <= 0 || c.Transfer.MaxPeerTasks <= 0 || c.Transfer.ChunkAttempts <= 0 {
		errs = append(errs, fmt.Errorf("transfer limits must be positive"))
	}
	if c.Tasks.StallAfter <= 0 || c.Tasks.TimeoutAfter < c.Tasks.StallAfter {
		errs = append(errs, fmt.Errorf("tasks.timeout_after must be >= tasks.stall_after > 0"))
	}
	if _, _, err := net.SplitHostPort(c.Liveness.Group); err != nil {
		errs = append(errs, fmt.Errorf("liveness.group: %w", err))
	}
	if c.Tracker.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Tracker.Addr); err != nil {
			errs = append(errs, fmt.Errorf("tracker.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}

// EnrollAddr derives the enrollment endpoint from a tracker address.
func (c Config) EnrollAddr(trackerAddr string) string {
	host, _, err := net.SplitHostPort(trackerAddr)
	if err != nil {
		host = trackerAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Tracker.EnrollPort))
}
