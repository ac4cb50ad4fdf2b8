// Package config holds the settings of a paracooba node. Values come from
// built-in defaults, an optional YAML file, PARACOOBA_* environment
// variables and command line flags, in that order of precedence.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full node configuration.
type Config struct {
	// ID is the 48 bit node id. Zero means generate one.
	ID        int64  `yaml:"id"`
	LocalName string `yaml:"local_name"`

	UDPListenPort  uint16 `yaml:"udp_listen_port"`
	UDPTargetPort  uint16 `yaml:"udp_target_port"`
	TCPListenPort  uint16 `yaml:"tcp_listen_port"`
	HTTPListenPort uint16 `yaml:"http_listen_port"`

	// AdvertiseHost is announced to peers; empty lets them use the
	// datagram source address.
	AdvertiseHost      string   `yaml:"advertise_host"`
	IPBroadcastAddress string   `yaml:"ip_broadcast_address"`
	KnownRemotes       []string `yaml:"known_remotes"`

	Threads           int `yaml:"threads"`
	WorkQueueCapacity int `yaml:"work_queue_capacity"`

	ConnectionRetries   int           `yaml:"connection_retries"`
	Tick                time.Duration `yaml:"tick"`
	NetworkTimeout      time.Duration `yaml:"network_timeout"`
	ShortNetworkTimeout time.Duration `yaml:"short_network_timeout"`
	// StatusTimeoutTicks is how many ticks a peer may stay silent.
	StatusTimeoutTicks int `yaml:"status_timeout_ticks"`
	Neighbours         int `yaml:"neighbours"`
	// AnnouncementRate limits catch-up announcements per peer and second.
	AnnouncementRate float64 `yaml:"announcement_rate"`

	FreqCuberCutoff    float64 `yaml:"freq_cuber_cutoff"`
	MaxNodeUtilization float64 `yaml:"max_node_utilization"`
	// AutoStopFactor multiplies the average solve time to bound a single
	// solve before it is split again. Zero disables the timer.
	AutoStopFactor float64 `yaml:"auto_stop_factor"`

	Daemon bool `yaml:"daemon"`
	// AutoShutdown stops a daemon after this many seconds without
	// contexts. Negative disables it.
	AutoShutdown int    `yaml:"auto_shutdown"`
	DumpTreeDir  string `yaml:"dump_tree_dir"`
	Debug        bool   `yaml:"debug"`
	Trace        bool   `yaml:"trace"`
}

// Default returns the built-in configuration.
func Default() Config {
	threads := runtime.NumCPU()
	return Config{
		LocalName:           defaultName(),
		UDPListenPort:       18001,
		UDPTargetPort:       18001,
		TCPListenPort:       18001,
		HTTPListenPort:      18080,
		IPBroadcastAddress:  "255.255.255.255",
		Threads:             threads,
		WorkQueueCapacity:   threads,
		ConnectionRetries:   5,
		Tick:                500 * time.Millisecond,
		NetworkTimeout:      time.Second,
		ShortNetworkTimeout: 100 * time.Millisecond,
		StatusTimeoutTicks:  8,
		Neighbours:          7,
		AnnouncementRate:    1,
		FreqCuberCutoff:     0.1,
		MaxNodeUtilization:  2.0,
		AutoStopFactor:      2.0,
		AutoShutdown:        -1,
	}
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s;%d", host, os.Getpid())
}

// NewID derives a random non-zero 48 bit node id.
func NewID() int64 {
	for {
		u := uuid.New()
		var b [8]byte
		copy(b[2:], u[:6])
		if id := int64(binary.BigEndian.Uint64(b[:])); id != 0 {
			return id
		}
	}
}

// Load reads a YAML file over the defaults.
//
// Parameters:
//   - path: File to read, empty for defaults only
//
// Returns:
//   - Config: Merged configuration
//   - error: Read or decode failure
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PARACOOBA_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := getenv("PARACOOBA_ID", ""); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: PARACOOBA_ID: %v", ErrInvalid, err)
		}
		c.ID = id
	}
	c.LocalName = getenv("PARACOOBA_NAME", c.LocalName)
	c.AdvertiseHost = getenv("PARACOOBA_ADVERTISE_HOST", c.AdvertiseHost)
	c.IPBroadcastAddress = getenv("PARACOOBA_BROADCAST", c.IPBroadcastAddress)
	c.DumpTreeDir = getenv("PARACOOBA_DUMP_TREE_DIR", c.DumpTreeDir)
	return nil
}

// getenv returns the value of k or def if it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// BindFlags registers the command line flags writing into c. Flags that
// are not set keep the values already in c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.Int64Var(&c.ID, "id", c.ID, "node id (0 generates one)")
	fs.StringVar(&c.LocalName, "local-name", c.LocalName, "name announced to peers")
	fs.Uint16Var(&c.UDPListenPort, "udp-listen-port", c.UDPListenPort, "gossip listen port")
	fs.Uint16Var(&c.UDPTargetPort, "udp-target-port", c.UDPTargetPort, "gossip broadcast port")
	fs.Uint16Var(&c.TCPListenPort, "tcp-listen-port", c.TCPListenPort, "stream listen port")
	fs.Uint16Var(&c.HTTPListenPort, "http-listen-port", c.HTTPListenPort, "status and metrics port (0 disables)")
	fs.StringVar(&c.AdvertiseHost, "advertise-host", c.AdvertiseHost, "host announced to peers")
	fs.StringVar(&c.IPBroadcastAddress, "broadcast-address", c.IPBroadcastAddress, "gossip broadcast address")
	fs.StringSliceVar(&c.KnownRemotes, "known-remote", c.KnownRemotes, "host[:port] to announce to directly, the port defaults to the gossip broadcast port (repeatable)")
	fs.IntVarP(&c.Threads, "threads", "t", c.Threads, "worker threads")
	fs.IntVar(&c.WorkQueueCapacity, "work-queue-capacity", c.WorkQueueCapacity, "announced queue capacity (0 uses threads)")
	fs.IntVar(&c.ConnectionRetries, "connection-retries", c.ConnectionRetries, "reconnect attempts before a peer is unreachable")
	fs.DurationVar(&c.Tick, "tick", c.Tick, "orchestrator tick")
	fs.DurationVar(&c.NetworkTimeout, "network-timeout", c.NetworkTimeout, "reconnect delay after a closed connection")
	fs.DurationVar(&c.ShortNetworkTimeout, "short-network-timeout", c.ShortNetworkTimeout, "reconnect delay after a refused connection")
	fs.Float64Var(&c.FreqCuberCutoff, "freq-cuber-cutoff", c.FreqCuberCutoff, "assigned to open variable ratio at which splitting stops")
	fs.Float64Var(&c.MaxNodeUtilization, "max-node-utilization", c.MaxNodeUtilization, "utilization ceiling of offload targets (> 1)")
	fs.Float64Var(&c.AutoStopFactor, "auto-stop-factor", c.AutoStopFactor, "resplit solves running longer than this times the average (0 disables)")
	fs.BoolVarP(&c.Daemon, "daemon", "d", c.Daemon, "run as compute node without a formula")
	fs.IntVar(&c.AutoShutdown, "auto-shutdown", c.AutoShutdown, "seconds a daemon may idle before exiting (-1 disables)")
	fs.StringVar(&c.DumpTreeDir, "dump-tree-dir", c.DumpTreeDir, "write each context's tree as dot at exit")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "debug logging")
	fs.BoolVar(&c.Trace, "trace", c.Trace, "trace logging")
}

// Finalize fills derived values and validates the result.
func (c *Config) Finalize() error {
	if c.ID == 0 {
		c.ID = NewID()
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.WorkQueueCapacity <= 0 {
		c.WorkQueueCapacity = c.Threads
	}
	return c.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.ID < 0 || c.ID >= 1<<48:
		return fmt.Errorf("%w: id %d is not a positive 48 bit number", ErrInvalid, c.ID)
	case c.MaxNodeUtilization <= 1.0:
		return fmt.Errorf("%w: max node utilization %.2f must exceed 1.0", ErrInvalid, c.MaxNodeUtilization)
	case c.FreqCuberCutoff <= 0 || c.FreqCuberCutoff > 1:
		return fmt.Errorf("%w: cuber cutoff %.2f not in (0, 1]", ErrInvalid, c.FreqCuberCutoff)
	case c.Tick <= 0 || c.NetworkTimeout <= 0 || c.ShortNetworkTimeout <= 0:
		return fmt.Errorf("%w: tick and timeouts must be positive", ErrInvalid)
	case c.ConnectionRetries < 0:
		return fmt.Errorf("%w: connection retries %d", ErrInvalid, c.ConnectionRetries)
	case c.AutoStopFactor < 0:
		return fmt.Errorf("%w: auto stop factor %.2f", ErrInvalid, c.AutoStopFactor)
	}
	return nil
}

// StatusTimeout is how long a peer may stay silent before it is dropped.
func (c Config) StatusTimeout() time.Duration {
	return time.Duration(c.StatusTimeoutTicks) * c.Tick
}
