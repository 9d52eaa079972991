package replication

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"github.com/google/uuid"
)

// HandleState is the synchronization state of a connected replica.
type HandleState int

const (
	// StateAwaitingSnapshotStart waits for a snapshot job to begin.
	StateAwaitingSnapshotStart HandleState = iota
	// StateAwaitingSnapshotEnd waits for the job it is attached to.
	StateAwaitingSnapshotEnd
	// StateSendingSnapshot is transferring a snapshot file.
	StateSendingSnapshot
	// StateOnline receives the live stream.
	StateOnline
)

func (s HandleState) String() string {
	switch s {
	case StateAwaitingSnapshotStart:
		return "wait_snapshot_start"
	case StateAwaitingSnapshotEnd:
		return "wait_snapshot_end"
	case StateSendingSnapshot:
		return "send_snapshot"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

var (
	errHandleClosed   = errors.New("replication: replica handle closed")
	errCloseAfter     = errors.New("replication: close after reply")
	errReplicaTimeout = errors.New("replication: replica timed out")
)

// replicaHandle is the master-side state of one attached replica.
//
// Fields in the first block are guarded by Manager.mu. Output is guarded
// by h.mu: ordered control items are always written, while the stream
// buffer is only written once streaming is enabled.
type replicaHandle struct {
	id      string
	m       *Manager
	conn    net.Conn
	r       *resp.Reader
	opts    ReplicaOptions
	legacy  bool
	created time.Time
	logger  logging.Logger

	state          HandleState
	job            *snapshotJob
	initialOffset  int64
	ackOffset      int64
	ackTime        time.Time
	putOnlineOnAck bool

	mu        sync.Mutex
	cond      *sync.Cond
	ctrl      []outItem
	stream    []byte
	streaming bool
	closed    bool
	closeErr  error

	sent atomic.Int64
}

func newReplicaHandle(m *Manager, conn net.Conn, r *resp.Reader, opts ReplicaOptions) *replicaHandle {
	h := &replicaHandle{
		id:      uuid.NewString(),
		m:       m,
		conn:    conn,
		r:       r,
		opts:    opts,
		created: time.Now(),
	}
	h.cond = sync.NewCond(&h.mu)
	h.logger = m.logger.With(logging.ReplicaID(h.id), logging.Addr(h.Addr()))
	return h
}

// Addr returns the address the replica announced, falling back to the
// connection's remote address.
func (h *replicaHandle) Addr() string {
	host := h.opts.AnnouncedIP
	if host == "" {
		if h.conn == nil {
			return ""
		}
		host, _, _ = net.SplitHostPort(h.conn.RemoteAddr().String())
	}
	return net.JoinHostPort(host, strconv.Itoa(h.opts.ListeningPort))
}

func (h *replicaHandle) start() {
	h.m.wg.Add(2)
	go h.writeLoop()
	go h.readLoop()
}

// enqueue appends an ordered control item.
func (h *replicaHandle) enqueue(it outItem) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		it.release()
		return
	}
	h.ctrl = append(h.ctrl, it)
	h.mu.Unlock()
	h.cond.Signal()
}

func (h *replicaHandle) enqueueBytes(p []byte) {
	h.enqueue(rawItem(p))
}

// appendStream adds live stream bytes. It fails once pending output
// exceeds limit.
func (h *replicaHandle) appendStream(p []byte, limit int64) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	if int64(len(h.stream)+len(p)) > limit {
		h.mu.Unlock()
		return ErrOutputLimit
	}
	h.stream = append(h.stream, p...)
	streaming := h.streaming
	h.mu.Unlock()
	if streaming {
		h.cond.Signal()
	}
	return nil
}

// copyStreamFrom seeds the stream buffer with another handle's pending
// stream. Both handles must be attached to the same snapshot job.
func (h *replicaHandle) copyStreamFrom(other *replicaHandle) {
	other.mu.Lock()
	buf := append([]byte(nil), other.stream...)
	other.mu.Unlock()

	h.mu.Lock()
	h.stream = append(buf, h.stream...)
	h.mu.Unlock()
}

func (h *replicaHandle) startStreaming() {
	h.mu.Lock()
	h.streaming = true
	h.mu.Unlock()
	h.cond.Signal()
}

// pending returns the number of buffered stream bytes.
func (h *replicaHandle) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stream)
}

// shutdown closes the connection and wakes the writer.
func (h *replicaHandle) shutdown(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.closeErr = err
	h.mu.Unlock()
	h.cond.Broadcast()
	_ = h.conn.Close()
}

// closeAfter queues an error reply and closes the connection once it has
// been written.
func (h *replicaHandle) closeAfter(reply string) {
	h.enqueue(rawItem("-" + reply + "\r\n"))
	h.enqueue(closeItem{})
}

// next blocks until there is output to write. Control items always go
// first; stream bytes are returned only while streaming.
func (h *replicaHandle) next() ([]outItem, []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.closed && len(h.ctrl) == 0 && (!h.streaming || len(h.stream) == 0) {
		h.cond.Wait()
	}
	if h.closed {
		return nil, nil, false
	}
	if len(h.ctrl) > 0 {
		items := h.ctrl
		h.ctrl = nil
		return items, nil, true
	}
	data := h.stream
	h.stream = nil
	return nil, data, true
}

func (h *replicaHandle) writeLoop() {
	defer h.m.wg.Done()

	bw := bufio.NewWriterSize(deadlineWriter{conn: h.conn, timeout: h.m.cfg.Timeout}, 32<<10)
	err := h.drain(bw)

	h.mu.Lock()
	leftover := h.ctrl
	h.ctrl = nil
	h.mu.Unlock()
	for _, it := range leftover {
		it.release()
	}

	if errors.Is(err, errCloseAfter) {
		err = nil
	}
	h.m.dropHandle(h, err)
}

func (h *replicaHandle) drain(bw *bufio.Writer) error {
	for {
		items, data, ok := h.next()
		if !ok {
			return nil
		}
		for i, it := range items {
			err := it.writeTo(h, bw)
			it.release()
			if err == nil {
				continue
			}
			for _, rest := range items[i+1:] {
				rest.release()
			}
			if errors.Is(err, errCloseAfter) {
				_ = bw.Flush()
			}
			return err
		}
		if len(data) > 0 {
			if _, err := bw.Write(data); err != nil {
				return err
			}
			h.sent.Add(int64(len(data)))
			h.m.metrics.ReplicationStreamBytes.WithLabelValues("sent").Add(float64(len(data)))
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
}

// readLoop consumes acknowledgements. Anything other than REPLCONF ACK
// and keepalive newlines is ignored.
func (h *replicaHandle) readLoop() {
	defer h.m.wg.Done()

	for {
		args, err := h.r.ReadCommand()
		if err != nil {
			h.m.dropHandle(h, err)
			return
		}
		if len(args) == 0 {
			continue
		}
		if len(args) >= 3 && eqFold(args[0], "REPLCONF") && eqFold(args[1], "ACK") {
			off, err := strconv.ParseInt(string(args[2]), 10, 64)
			if err != nil {
				h.logger.Debug("ignoring malformed ack", logging.String("value", string(args[2])))
				continue
			}
			h.m.handleAck(h, off)
			continue
		}
		h.logger.Debug("ignoring command from replica", logging.String("command", string(args[0])))
	}
}

func eqFold(b []byte, s string) bool {
	return bytes.EqualFold(b, []byte(s))
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineWriter) Write(p []byte) (int, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Write(p)
}

// outItem is one ordered unit of output.
type outItem interface {
	writeTo(h *replicaHandle, w io.Writer) error
	release()
}

type rawItem []byte

func (it rawItem) writeTo(_ *replicaHandle, w io.Writer) error {
	_, err := w.Write(it)
	return err
}

func (rawItem) release() {}

type closeItem struct{}

func (closeItem) writeTo(*replicaHandle, io.Writer) error { return errCloseAfter }
func (closeItem) release()                                {}

// fileItem sends a snapshot file with a length header and then enables
// streaming.
type fileItem struct {
	file *sharedFile
}

func (it fileItem) writeTo(h *replicaHandle, w io.Writer) error {
	f, err := os.Open(it.file.path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	if _, err := w.Write(resp.FormatBulkHeader(resp.BulkHeader{Size: it.file.size})); err != nil {
		return err
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return err
	}
	if n != it.file.size {
		return fmt.Errorf("snapshot file truncated: sent %d of %d bytes", n, it.file.size)
	}
	h.m.metrics.ReplicationSnapshotBytes.WithLabelValues("sent").Add(float64(n))
	h.m.snapshotSent(h)
	return nil
}

func (it fileItem) release() {
	it.file.release()
}

// pipeItem relays a diskless snapshot framed by an EOF marker.
type pipeItem struct {
	r      *io.PipeReader
	marker []byte
}

func (it pipeItem) writeTo(h *replicaHandle, w io.Writer) error {
	if _, err := w.Write(resp.FormatBulkHeader(resp.BulkHeader{Size: -1, Marker: it.marker})); err != nil {
		return err
	}
	n, err := io.Copy(w, it.r)
	if err != nil {
		return err
	}
	if _, err := w.Write(it.marker); err != nil {
		return err
	}
	h.m.metrics.ReplicationSnapshotBytes.WithLabelValues("sent").Add(float64(n))
	return nil
}

func (it pipeItem) release() {
	_ = it.r.CloseWithError(errHandleClosed)
}

// sharedFile is a snapshot file referenced by every replica it is sent
// to. The file is removed when the last reference is released.
type sharedFile struct {
	path string
	size int64
	refs atomic.Int32
}

func newSharedFile(path string, size int64) *sharedFile {
	f := &sharedFile{path: path, size: size}
	f.refs.Store(1)
	return f
}

func (f *sharedFile) acquire() {
	f.refs.Add(1)
}

func (f *sharedFile) release() {
	if f.refs.Add(-1) == 0 {
		_ = os.Remove(f.path)
	}
}
