package replication

import (
	"os"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/backlog"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

const minBacklogSize = 16

// Config holds replication configuration. Zero values are replaced by
// ApplyDefaults.
type Config struct {
	// Backlog
	BacklogSize int           `yaml:"backlog_size" validate:"omitempty,min=16"`
	BacklogTTL  time.Duration `yaml:"backlog_ttl"` // free an unused backlog after this long, negative disables

	// Link liveness
	Timeout          time.Duration `yaml:"timeout"`
	PingPeriod       time.Duration `yaml:"ping_period"`
	CronInterval     time.Duration `yaml:"cron_interval"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Snapshot transfer
	DisklessSync      bool          `yaml:"diskless_sync"`
	DisklessSyncDelay time.Duration `yaml:"diskless_sync_delay"` // negative means start immediately
	DisklessLoad      bool          `yaml:"diskless_load"`
	SnapshotDir       string        `yaml:"snapshot_dir"`

	// Replica side
	MasterUser      string `yaml:"master_user"`
	MasterAuth      string `yaml:"master_auth"`
	AnnounceIP      string `yaml:"announce_ip" validate:"omitempty,ip|hostname_rfc1123"`
	AnnouncePort    int    `yaml:"announce_port" validate:"min=0,max=65535"`
	ReplicaReadOnly *bool  `yaml:"replica_read_only"`

	// Master side
	MinReplicasToWrite int           `yaml:"min_replicas_to_write"`
	MinReplicasMaxLag  time.Duration `yaml:"min_replicas_max_lag"`
	OutputBufferLimit  int64         `yaml:"output_buffer_limit"`
	ScriptCacheSize    int           `yaml:"script_cache_size"`
	MaxReplicas        int           `yaml:"max_replicas"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	readOnly := true
	return Config{
		BacklogSize:       backlog.DefaultSize,
		BacklogTTL:        time.Hour,
		Timeout:           60 * time.Second,
		PingPeriod:        10 * time.Second,
		CronInterval:      100 * time.Millisecond,
		ReconnectDelay:    time.Second,
		HandshakeTimeout:  60 * time.Second,
		DisklessSyncDelay: 5 * time.Second,
		SnapshotDir:       os.TempDir(),
		ReplicaReadOnly:   &readOnly,
		MinReplicasMaxLag: 10 * time.Second,
		OutputBufferLimit: 256 << 20,
		ScriptCacheSize:   10000,
		MaxReplicas:       64,
	}
}

// ApplyDefaults applies default values to zero-valued fields
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	c.BacklogSize = validation.DefaultOrInt(c.BacklogSize, defaults.BacklogSize)
	if c.BacklogTTL == 0 {
		c.BacklogTTL = defaults.BacklogTTL
	}
	c.Timeout = validation.DefaultOrDuration(c.Timeout, defaults.Timeout)
	c.PingPeriod = validation.DefaultOrDuration(c.PingPeriod, defaults.PingPeriod)
	c.CronInterval = validation.DefaultOrDuration(c.CronInterval, defaults.CronInterval)
	c.ReconnectDelay = validation.DefaultOrDuration(c.ReconnectDelay, defaults.ReconnectDelay)
	c.HandshakeTimeout = validation.DefaultOrDuration(c.HandshakeTimeout, defaults.HandshakeTimeout)
	if c.DisklessSyncDelay == 0 {
		c.DisklessSyncDelay = defaults.DisklessSyncDelay
	}
	c.SnapshotDir = validation.DefaultOrString(c.SnapshotDir, defaults.SnapshotDir)
	if c.ReplicaReadOnly == nil {
		c.ReplicaReadOnly = defaults.ReplicaReadOnly
	}
	c.MinReplicasMaxLag = validation.DefaultOrDuration(c.MinReplicasMaxLag, defaults.MinReplicasMaxLag)
	c.OutputBufferLimit = validation.DefaultOrInt64(c.OutputBufferLimit, defaults.OutputBufferLimit)
	c.ScriptCacheSize = validation.DefaultOrInt(c.ScriptCacheSize, defaults.ScriptCacheSize)
	c.MaxReplicas = validation.DefaultOrInt(c.MaxReplicas, defaults.MaxReplicas)
}

// Validate validates the replication configuration
func (c *Config) Validate() error {
	v := validation.NewConfigValidator("ReplicationConfig")

	v.MinInt("BacklogSize", c.BacklogSize, minBacklogSize).
		MinDuration("Timeout", c.Timeout, 100*time.Millisecond).
		MinDuration("PingPeriod", c.PingPeriod, 10*time.Millisecond).
		MinDuration("CronInterval", c.CronInterval, time.Millisecond).
		MinDuration("ReconnectDelay", c.ReconnectDelay, time.Millisecond).
		MinDuration("HandshakeTimeout", c.HandshakeTimeout, 100*time.Millisecond).
		Required("SnapshotDir", c.SnapshotDir).
		NonNegative("MinReplicasToWrite", c.MinReplicasToWrite).
		MinInt64("OutputBufferLimit", c.OutputBufferLimit, 1).
		MinInt("ScriptCacheSize", c.ScriptCacheSize, 1).
		RangeInt("MaxReplicas", c.MaxReplicas, 1, 10000)

	v.When(c.MasterUser != "", func(cv *validation.ConfigValidator) {
		cv.Required("MasterAuth", c.MasterAuth)
	})

	v.Custom("Tags", func() error {
		return validation.Struct(c)
	})

	return v.Validate()
}

// ReadOnly reports whether a replica rejects client writes.
func (c Config) ReadOnly() bool {
	return c.ReplicaReadOnly == nil || *c.ReplicaReadOnly
}
