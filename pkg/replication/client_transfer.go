package replication

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/resp"
)

// transferSnapshot reads the snapshot header and either stores the
// payload in a temporary file or, with diskless loading, hands the
// socket to the loader directly.
func (c *replicaClient) transferSnapshot() (linkState, error) {
	line, err := c.readLine(c.m.cfg.Timeout)
	if err != nil {
		return stateConnect, fmt.Errorf("read snapshot header: %w", err)
	}
	if strings.HasPrefix(line, "-") {
		return stateConnect, fmt.Errorf("master aborted replication: %s", line[1:])
	}
	hdr, err := resp.ParseBulkHeader(line)
	if err != nil {
		return stateConnect, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}

	var src io.Reader = timeoutReader{conn: c.conn, r: c.r, timeout: c.m.cfg.Timeout}
	if hdr.Marker != nil {
		src = newEOFReader(src, hdr.Marker)
	} else {
		src = &sizedReader{r: src, remaining: hdr.Size}
	}
	src = &countingReader{r: src, m: c.m}

	if c.m.cfg.DisklessLoad {
		c.payload = src
		return stateApplyingSnapshot, nil
	}

	timer := logging.StartTimer(c.logger, "snapshot received")
	f, err := os.CreateTemp(c.m.cfg.SnapshotDir, "replica-*.snap")
	if err != nil {
		return stateConnect, fmt.Errorf("create snapshot file: %w", err)
	}
	c.resources.AddTempFile(f, snapshotResource)
	name := f.Name()

	n, err := io.Copy(f, &keepaliveReader{r: src, c: c})
	if err != nil {
		timer.EndError(err)
		return stateConnect, fmt.Errorf("receive snapshot: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return stateConnect, err
	}
	timer.End()
	c.logger.Debug("snapshot stored", logging.Path(name), logging.Int64("bytes", n))

	c.payload = bufio.NewReaderSize(f, 64<<10)
	return stateApplyingSnapshot, nil
}

// applySnapshot replaces the dataset and adopts the master's identity
// and offset.
func (c *replicaClient) applySnapshot() (linkState, error) {
	c.m.beginFullSync()

	timer := logging.StartTimer(c.logger, "snapshot loaded")
	streamDB, err := c.m.data.Load(&keepaliveReader{r: c.payload, c: c})
	if err != nil {
		timer.EndError(err)
		return stateConnect, fmt.Errorf("load snapshot: %w", err)
	}
	if streamDB < 0 {
		streamDB = 0
	}
	if _, err := io.Copy(io.Discard, c.payload); err != nil {
		return stateConnect, fmt.Errorf("drain snapshot: %w", err)
	}
	timer.End()
	c.payload = nil
	c.releaseSnapshotFile()

	c.m.completeFullSync(c.fullID, c.fullOffset, c.legacy, streamDB)
	c.db = streamDB
	if err := c.sendAck(); err != nil {
		return stateConnect, fmt.Errorf("ack after load: %w", err)
	}
	return stateStreaming, nil
}

func (c *replicaClient) releaseSnapshotFile() {
	if err := c.resources.Release(snapshotResource); err != nil {
		c.logger.Warn("failed to remove snapshot file", logging.Error(err))
	}
}

// beginFullSync prepares for a new dataset: sub-replicas can no longer
// continue and the backlog no longer describes the data.
func (m *Manager) beginFullSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectReplicasLocked("full resync from master")
	m.abortJobLocked()
	m.freeBacklogLocked()
	m.discardCachedMasterLocked()
}

// completeFullSync adopts the identity announced with +FULLRESYNC. A
// legacy SYNC carries no identity, so a fresh one is minted. streamDB is
// the database the master's stream has selected at the snapshot offset.
func (m *Manager) completeFullSync(replid string, offset int64, legacy bool, streamDB int) {
	m.exec.Lock()
	defer m.exec.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if legacy {
		m.ident = NewIdentity()
	} else {
		m.ident = Identity{ID: replid, SecondaryOffset: -1}
		m.offset = offset
	}
	m.newBacklogLocked()
	m.lastDB = streamDB
	m.logger.Info("full resync complete", logging.ReplID(m.ident.ID), logging.Offset(m.offset))
}

// timeoutReader refreshes the read deadline before every read.
type timeoutReader struct {
	conn    net.Conn
	r       io.Reader
	timeout time.Duration
}

func (t timeoutReader) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.r.Read(p)
}

// sizedReader reads exactly remaining bytes and reports a short source
// as io.ErrUnexpectedEOF.
type sizedReader struct {
	r         io.Reader
	remaining int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	if err == io.EOF && s.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// eofReader yields a payload terminated by marker. The last len(marker)
// bytes read are held back until it is known they are not the marker.
type eofReader struct {
	src    io.Reader
	marker []byte
	buf    []byte
	chunk  []byte
	found  bool
	err    error
}

func newEOFReader(src io.Reader, marker []byte) *eofReader {
	return &eofReader{src: src, marker: marker, chunk: make([]byte, 32<<10)}
}

func (e *eofReader) Read(p []byte) (int, error) {
	for {
		if e.found {
			if len(e.buf) == 0 {
				return 0, io.EOF
			}
			n := copy(p, e.buf)
			e.buf = e.buf[n:]
			return n, nil
		}
		if safe := len(e.buf) - len(e.marker); safe > 0 {
			n := copy(p, e.buf[:safe])
			e.buf = e.buf[n:]
			return n, nil
		}
		if e.err != nil {
			return 0, e.err
		}

		n, err := e.src.Read(e.chunk)
		e.buf = append(e.buf, e.chunk[:n]...)
		if bytes.HasSuffix(e.buf, e.marker) {
			e.buf = e.buf[:len(e.buf)-len(e.marker)]
			e.found = true
			continue
		}
		if err == io.EOF {
			e.err = io.ErrUnexpectedEOF
		} else if err != nil {
			e.err = err
		}
	}
}

// keepaliveReader sends a newline to the master at most once per second
// while a snapshot is being received or loaded.
type keepaliveReader struct {
	r io.Reader
	c *replicaClient
}

func (k *keepaliveReader) Read(p []byte) (int, error) {
	if k.c.loadKeepalive.Allow() {
		if err := k.c.write(keepaliveNewline); err != nil {
			k.c.logger.Debug("keepalive to master failed", logging.Error(err))
		}
	}
	return k.r.Read(p)
}

type countingReader struct {
	r io.Reader
	m *Manager
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.m.metrics.ReplicationSnapshotBytes.WithLabelValues("received").Add(float64(n))
	}
	return n, err
}
