package replication

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"github.com/google/uuid"
)

type jobTarget int

const (
	targetDisk jobTarget = iota
	targetDiskless
)

func (t jobTarget) String() string {
	if t == targetDiskless {
		return "diskless"
	}
	return "disk"
}

// snapshotJob is the single in-flight snapshot. Replicas attached to it
// receive +FULLRESYNC with its replid and offset.
type snapshotJob struct {
	id      string
	target  jobTarget
	replid  string
	offset  int64
	marker  []byte
	started time.Time
}

var errNoTargets = errors.New("replication: every diskless target disconnected")

// maybeStartSnapshot starts a snapshot for replicas waiting on one. A
// diskless snapshot is used only when enabled and every waiting replica
// understands EOF framing, and it is delayed until the oldest waiting
// replica has waited DisklessSyncDelay.
func (m *Manager) maybeStartSnapshot(now time.Time) {
	m.exec.Lock()
	defer m.exec.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job != nil || m.data == nil {
		return
	}

	var waiting []*replicaHandle
	allEOF := true
	oldest := now
	for _, h := range m.handles {
		if h.state != StateAwaitingSnapshotStart {
			continue
		}
		waiting = append(waiting, h)
		if !h.opts.CapaEOF {
			allEOF = false
		}
		if h.created.Before(oldest) {
			oldest = h.created
		}
	}
	if len(waiting) == 0 {
		return
	}

	target := targetDisk
	if m.cfg.DisklessSync && allEOF {
		target = targetDiskless
		if m.cfg.DisklessSyncDelay > 0 && now.Sub(oldest) < m.cfg.DisklessSyncDelay {
			return
		}
	}

	job := &snapshotJob{
		id:      uuid.NewString(),
		target:  target,
		replid:  m.ident.ID,
		offset:  m.offset,
		started: now,
	}
	// Replicas start streaming in database 0, so a master selects the
	// database again with its next write. A replica relays its master's
	// stream verbatim and records the selected database instead.
	if m.role == RoleMaster {
		m.lastDB = -1
	}
	snap := m.data.Capture(m.lastDB)
	m.job = job
	for _, h := range waiting {
		m.setupFullSyncLocked(h, job)
	}

	m.logger.Info("snapshot started",
		logging.String("job", job.id),
		logging.String("target", target.String()),
		logging.Count(len(waiting)),
		logging.Offset(job.offset))

	m.wg.Add(1)
	if target == targetDisk {
		go m.runDiskJob(job, snap)
		return
	}

	job.marker = newEOFMarker()
	targets := make([]*disklessTarget, 0, len(waiting))
	for _, h := range waiting {
		pr, pw := io.Pipe()
		h.enqueue(pipeItem{r: pr, marker: job.marker})
		targets = append(targets, &disklessTarget{h: h, w: pw})
	}
	go m.runDisklessJob(job, snap, targets)
}

func (m *Manager) runDiskJob(job *snapshotJob, snap io.WriterTo) {
	defer m.wg.Done()

	file, err := writeSnapshotFile(m.cfg.SnapshotDir, job.id, snap)
	m.finishJob(job, err, file, nil)
}

func writeSnapshotFile(dir, id string, snap io.WriterTo) (*sharedFile, error) {
	f, err := os.CreateTemp(dir, "snapshot-"+id+"-*.snap")
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	bw := bufio.NewWriterSize(f, 64<<10)
	n, err := snap.WriteTo(bw)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write snapshot file: %w", err)
	}
	return newSharedFile(f.Name(), n), nil
}

type disklessTarget struct {
	h      *replicaHandle
	w      *io.PipeWriter
	failed bool
}

// fanout writes the snapshot to every replica pipe, abandoning replicas
// whose writer went away.
type fanout struct {
	targets []*disklessTarget
}

func (f *fanout) Write(p []byte) (int, error) {
	alive := 0
	for _, t := range f.targets {
		if t.failed {
			continue
		}
		if _, err := t.w.Write(p); err != nil {
			t.failed = true
			continue
		}
		alive++
	}
	if alive == 0 {
		return 0, errNoTargets
	}
	return len(p), nil
}

func (m *Manager) runDisklessJob(job *snapshotJob, snap io.WriterTo, targets []*disklessTarget) {
	defer m.wg.Done()

	out := &fanout{targets: targets}
	_, err := snap.WriteTo(out)
	for _, t := range targets {
		if err != nil {
			_ = t.w.CloseWithError(err)
		} else {
			_ = t.w.Close()
		}
	}
	if errors.Is(err, errNoTargets) {
		err = nil
	}
	m.finishJob(job, err, nil, targets)
}

// finishJob completes job. Replicas of a failed job are disconnected. A
// disk snapshot is queued to every replica waiting on it; diskless
// replicas go online once they acknowledge.
func (m *Manager) finishJob(job *snapshotJob, err error, file *sharedFile, targets []*disklessTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job != job {
		if file != nil {
			file.release()
		}
		m.logger.Info("discarding snapshot of aborted job", logging.String("job", job.id))
		return
	}
	m.job = nil
	elapsed := time.Since(job.started)

	if err != nil {
		m.failJobLocked(job, err)
	} else if job.target == targetDisk {
		for _, h := range m.handles {
			if h.job != job || h.state != StateAwaitingSnapshotEnd {
				continue
			}
			h.state = StateSendingSnapshot
			file.acquire()
			h.enqueue(fileItem{file: file})
		}
		m.metrics.RecordSnapshot(job.target.String(), elapsed, file.size)
		file.release()
	} else {
		for _, t := range targets {
			h := t.h
			if t.failed || !m.attachedLocked(h) || h.state != StateAwaitingSnapshotEnd {
				continue
			}
			h.state = StateOnline
			h.putOnlineOnAck = true
			h.ackTime = time.Now()
		}
		m.metrics.RecordSnapshot(job.target.String(), elapsed, 0)
	}

	if err == nil {
		m.logger.Info("snapshot finished", logging.String("job", job.id), logging.Latency(elapsed))
		m.publish(events.SnapshotFinished, "", job.target.String())
	}

	for _, h := range m.handles {
		if h.state == StateAwaitingSnapshotStart {
			m.kickSnapshot()
			break
		}
	}
}

// failJobLocked disconnects every replica waiting on a snapshot. Replicas
// that have not been told about the job yet receive an error reply first.
func (m *Manager) failJobLocked(job *snapshotJob, err error) {
	m.logger.Error("snapshot failed", logging.String("job", job.id), logging.Error(err))
	m.publish(events.SnapshotFailed, "", err.Error())

	for _, h := range append([]*replicaHandle(nil), m.handles...) {
		switch h.state {
		case StateAwaitingSnapshotEnd:
			m.dropLocked(h, fmt.Errorf("%w: %v", ErrSnapshotFailed, err))
		case StateAwaitingSnapshotStart:
			m.detachLocked(h)
			h.closeAfter("ERR snapshot generation failed")
		}
	}
}

// snapshotSent switches a replica to the live stream once its snapshot
// file has been written.
func (m *Manager) snapshotSent(h *replicaHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attachedLocked(h) {
		return
	}
	h.state = StateOnline
	h.ackTime = time.Now()
	h.startStreaming()
	h.logger.Info("replica online", logging.Offset(h.initialOffset))
	m.publish(events.ReplicaOnline, h.Addr(), "")
}

// abortJobLocked forgets the in-flight job. Its goroutine still runs to
// completion but its result is discarded.
func (m *Manager) abortJobLocked() {
	m.job = nil
}

func newEOFMarker() []byte {
	var b [resp.EOFMarkerLen / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("replication: crypto/rand failed: " + err.Error())
	}
	return []byte(hex.EncodeToString(b[:]))
}
