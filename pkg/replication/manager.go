// Package replication implements asynchronous master/replica replication:
// the backlog-fed stream, full and partial resynchronization, snapshot
// transfer (disk and diskless), write acknowledgement for WAIT, and the
// replica-side link state machine including chained replication.
//
// All replication state lives in a Manager. Its mutex serializes every
// mutation of the stream (backlog, offsets, replica handles). The Exec
// locker supplied by the embedding server excludes command execution and
// is always acquired before the Manager mutex.
package replication

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/backlog"
	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
)

// Dataset is the keyspace being replicated.
type Dataset interface {
	// Capture returns a point-in-time copy of every database, serialized
	// by WriteTo. It is called with command execution excluded. streamDB
	// is the database selected by the stream at the capture's offset, or
	// -1 when the next propagated write will select one itself; it must
	// be recorded in the snapshot.
	Capture(streamDB int) io.WriterTo
	// Load replaces the whole dataset with the snapshot read from r and
	// returns the stream database recorded by Capture. On error the
	// previous dataset must be left untouched.
	Load(r io.Reader) (streamDB int, err error)
	// Apply executes one write received from the master against db.
	Apply(db int, args [][]byte) error
}

// ScriptSource resolves script bodies by SHA1 digest.
type ScriptSource interface {
	ScriptBody(sha string) ([]byte, bool)
}

// Role is the replication role of a node.
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// Options configures a Manager.
type Options struct {
	Config  Config
	Dataset Dataset
	// Exec excludes command execution. When nil the Manager uses a
	// private mutex, which is only adequate when nothing else writes to
	// the Dataset.
	Exec    sync.Locker
	Scripts ScriptSource
	Logger  logging.Logger
	Metrics *metrics.Registry
	Events  events.Sink
	// ListenPort is announced to a master when Config.AnnouncePort is zero.
	ListenPort int
}

// Manager is the replication context of one node.
type Manager struct {
	cfg        Config
	data       Dataset
	exec       sync.Locker
	scripts    ScriptSource
	logger     logging.Logger
	metrics    *metrics.Registry
	events     events.Sink
	listenPort int

	acks        *AckTracker
	scriptCache *ScriptCache

	mu              sync.Mutex
	role            Role
	ident           Identity
	offset          int64
	backlog         *backlog.Backlog
	backlogSize     int
	lastDB          int
	handles         []*replicaHandle
	job             *snapshotJob
	noReplicasSince time.Time
	lastPing        time.Time
	lastKeepalive   time.Time
	cached          *CachedMaster
	client          *replicaClient
	linkUp          bool
	masterHost      string
	masterPort      int

	// roleMu serializes ReplicaOf and PromoteToMaster.
	roleMu sync.Mutex

	kick    chan struct{}
	getack  chan struct{}
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewManager creates a Manager in the master role with a fresh identity
// and no backlog.
func NewManager(opts Options) (*Manager, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		data:        opts.Dataset,
		exec:        opts.Exec,
		scripts:     opts.Scripts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		events:      opts.Events,
		listenPort:  opts.ListenPort,
		scriptCache: NewScriptCache(cfg.ScriptCacheSize),
		role:        RoleMaster,
		ident:       NewIdentity(),
		lastDB:      -1,
		backlogSize: cfg.BacklogSize,
		kick:        make(chan struct{}, 1),
		getack:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	if m.exec == nil {
		m.exec = &sync.Mutex{}
	}
	if m.logger == nil {
		m.logger = logging.NewNopLogger()
	}
	m.logger = m.logger.With(logging.Component("replication"))
	if m.metrics == nil {
		m.metrics = metrics.NewRegistry()
	}
	if m.events == nil {
		m.events = events.NopSink{}
	}

	now := time.Now()
	m.noReplicasSince = now
	m.lastPing = now
	m.lastKeepalive = now
	m.acks = NewAckTracker(m.onlineAckOffsets, m.requestAcks)
	m.metrics.SetReplicationRole("master")
	return m, nil
}

// Start runs the replication cron and the snapshot scheduler until Stop
// is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop disconnects every replica, stops the master link, and waits for
// background goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.stop()
	}

	m.mu.Lock()
	m.disconnectReplicasLocked("shutdown")
	m.abortJobLocked()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CronInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cron(time.Now())
		case <-m.kick:
			m.maybeStartSnapshot(time.Now())
		case <-m.getack:
			m.sendGetAck()
		}
	}
}

func (m *Manager) stoppedLocked() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// kickSnapshot asks the scheduler to consider starting a snapshot.
func (m *Manager) kickSnapshot() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// requestAcks asks the scheduler to broadcast a single GETACK. Requests
// made before the scheduler runs are coalesced.
func (m *Manager) requestAcks() {
	select {
	case m.getack <- struct{}{}:
	default:
	}
}

// SetListenPort sets the port announced to a master when
// Config.AnnouncePort is zero. It applies from the next handshake.
func (m *Manager) SetListenPort(port int) {
	m.mu.Lock()
	m.listenPort = port
	m.mu.Unlock()
}

func (m *Manager) announcedPort() int {
	if m.cfg.AnnouncePort != 0 {
		return m.cfg.AnnouncePort
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listenPort
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	cfg.BacklogSize = m.backlogSize
	return cfg
}

// SetBacklogSize changes the backlog capacity. An allocated backlog is
// resized, which discards its contents: replicas reconnecting afterwards
// need a full resynchronization. Live replica streams are unaffected.
func (m *Manager) SetBacklogSize(size int) error {
	if size < minBacklogSize {
		return fmt.Errorf("replication: backlog size must be at least %d", minBacklogSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == m.backlogSize {
		return nil
	}
	m.backlogSize = size
	if m.backlog != nil {
		m.backlog.Resize(size)
		m.logger.Info("backlog resized", logging.Int("size", size), logging.Offset(m.offset))
	}
	return nil
}

// Offset returns the current replication offset.
func (m *Manager) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// Identity returns the current replication identity.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ident
}

// IsMaster reports whether the node currently acts as a master.
func (m *Manager) IsMaster() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role == RoleMaster
}

// ScriptCache exposes the replica script cache.
func (m *Manager) ScriptCache() *ScriptCache {
	return m.scriptCache
}

func (m *Manager) publish(t events.Type, replica, detail string) {
	m.events.Publish(events.Event{
		Type:    t,
		Time:    time.Now(),
		ReplID:  m.ident.ID,
		Offset:  m.offset,
		Replica: replica,
		Detail:  detail,
	})
}
