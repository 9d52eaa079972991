package storage

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dd0wney/cluso-kv/pkg/snapshot"
)

// DefaultDatabases is the number of logical databases of a new Keyspace.
const DefaultDatabases = 16

// OK is the reply of commands that only acknowledge.
const OK = "OK"

// writeCommands lists the commands that modify the keyspace.
var writeCommands = map[string]bool{
	"SET":      true,
	"DEL":      true,
	"INCR":     true,
	"APPEND":   true,
	"FLUSHDB":  true,
	"FLUSHALL": true,
	"EVAL":     true,
	"EVALSHA":  true,
}

// IsWrite reports whether args is a write command.
func IsWrite(args [][]byte) bool {
	if len(args) == 0 {
		return false
	}
	name := strings.ToUpper(string(args[0]))
	if name == "SCRIPT" && len(args) > 1 {
		sub := strings.ToUpper(string(args[1]))
		return sub == "LOAD" || sub == "FLUSH"
	}
	return writeCommands[name]
}

// Keyspace is an in-memory string store with numbered databases and a
// script store. It is the dataset replicated between nodes.
type Keyspace struct {
	mu      sync.RWMutex
	dbs     []map[string][]byte
	scripts map[string][]byte
}

// NewKeyspace returns an empty keyspace with n databases.
func NewKeyspace(n int) *Keyspace {
	if n <= 0 {
		n = DefaultDatabases
	}
	return &Keyspace{dbs: newDatabases(n), scripts: make(map[string][]byte)}
}

func newDatabases(n int) []map[string][]byte {
	dbs := make([]map[string][]byte, n)
	for i := range dbs {
		dbs[i] = make(map[string][]byte)
	}
	return dbs
}

// Databases returns the number of logical databases.
func (k *Keyspace) Databases() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.dbs)
}

// Get returns the value of key in db.
func (k *Keyspace) Get(db int, key string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if db < 0 || db >= len(k.dbs) {
		return nil, false
	}
	v, ok := k.dbs[db][key]
	return v, ok
}

// DBSize returns the number of keys in db.
func (k *Keyspace) DBSize(db int) int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if db < 0 || db >= len(k.dbs) {
		return 0
	}
	return len(k.dbs[db])
}

// Keys returns the total number of keys.
func (k *Keyspace) Keys() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	n := 0
	for _, db := range k.dbs {
		n += len(db)
	}
	return n
}

// Apply executes a write received from a master.
func (k *Keyspace) Apply(db int, args [][]byte) error {
	_, err := k.Do(db, args)
	return err
}

// Do executes one command against db and returns its reply: OK, an
// int64, a []byte, or nil.
func (k *Keyspace) Do(db int, args [][]byte) (any, error) {
	if len(args) == 0 {
		return nil, ErrSyntax
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if db < 0 || db >= len(k.dbs) {
		return nil, NewError("select").Context(strconv.Itoa(db)).Cause(ErrDBIndex).Err()
	}
	return k.doLocked(db, args, true)
}

func (k *Keyspace) doLocked(db int, args [][]byte, allowScripts bool) (any, error) {
	name := strings.ToUpper(string(args[0]))
	data := k.dbs[db]

	switch name {
	case "GET":
		if len(args) != 2 {
			return nil, wrongArgs(name)
		}
		v, ok := data[string(args[1])]
		if !ok {
			return nil, nil
		}
		return v, nil

	case "SET":
		if len(args) != 3 {
			return nil, wrongArgs(name)
		}
		data[string(args[1])] = append([]byte(nil), args[2]...)
		return OK, nil

	case "DEL":
		if len(args) < 2 {
			return nil, wrongArgs(name)
		}
		var n int64
		for _, key := range args[1:] {
			if _, ok := data[string(key)]; ok {
				delete(data, string(key))
				n++
			}
		}
		return n, nil

	case "INCR":
		if len(args) != 2 {
			return nil, wrongArgs(name)
		}
		key := string(args[1])
		var cur int64
		if v, ok := data[key]; ok {
			n, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return nil, NewError(name).Key(db, key).Cause(ErrNotInteger).Err()
			}
			cur = n
		}
		cur++
		data[key] = []byte(strconv.FormatInt(cur, 10))
		return cur, nil

	case "APPEND":
		if len(args) != 3 {
			return nil, wrongArgs(name)
		}
		key := string(args[1])
		old := data[key]
		v := make([]byte, 0, len(old)+len(args[2]))
		v = append(append(v, old...), args[2]...)
		data[key] = v
		return int64(len(v)), nil

	case "FLUSHDB":
		k.dbs[db] = make(map[string][]byte)
		return OK, nil

	case "FLUSHALL":
		k.dbs = newDatabases(len(k.dbs))
		return OK, nil

	case "EVAL", "EVALSHA", "SCRIPT":
		if !allowScripts {
			return nil, NewError(name).Cause(fmt.Errorf("%w: %s not allowed inside scripts", ErrScript, name)).Err()
		}
		return k.scriptLocked(db, name, args)

	default:
		return nil, fmt.Errorf("%w '%s'", ErrUnknownCmd, strings.ToLower(name))
	}
}

func wrongArgs(name string) error {
	return fmt.Errorf("%w for '%s' command", ErrWrongArgs, strings.ToLower(name))
}

// ScriptBody returns the body of a loaded script.
func (k *Keyspace) ScriptBody(sha string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	body, ok := k.scripts[strings.ToLower(sha)]
	return body, ok
}

// Capture returns a point-in-time copy of every database and script.
// Values are never mutated in place, so the copy shares them. A
// non-negative streamDB is recorded in the snapshot and returned by Load.
func (k *Keyspace) Capture(streamDB int) io.WriterTo {
	k.mu.RLock()
	defer k.mu.RUnlock()

	c := &Capture{
		dbs:      make([]map[string][]byte, len(k.dbs)),
		scripts:  make(map[string][]byte, len(k.scripts)),
		streamDB: streamDB,
	}
	for i, db := range k.dbs {
		cp := make(map[string][]byte, len(db))
		for key, v := range db {
			cp[key] = v
		}
		c.dbs[i] = cp
	}
	for sha, body := range k.scripts {
		c.scripts[sha] = body
	}
	return c
}

// Load replaces the whole keyspace with the snapshot read from r. The
// keyspace is swapped only after the snapshot decoded completely. It
// returns the stream database recorded by Capture, or -1 when the
// snapshot carries none.
func (k *Keyspace) Load(r io.Reader) (int, error) {
	n := k.Databases()
	dbs := newDatabases(n)
	scripts := make(map[string][]byte)
	streamDB := -1

	sr, err := snapshot.NewReader(r)
	if err != nil {
		return -1, NewError("load").Cause(fmt.Errorf("%w: %v", ErrSnapshotLoad, err)).Err()
	}
	for {
		rec, err := sr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return -1, NewError("load").Cause(fmt.Errorf("%w: %v", ErrSnapshotLoad, err)).Err()
		}
		switch rec.Type {
		case snapshot.RecordKey:
			if rec.DB < 0 || rec.DB >= n {
				return -1, NewError("load").Key(rec.DB, rec.Key).Cause(ErrDBIndex).Err()
			}
			dbs[rec.DB][rec.Key] = rec.Value
		case snapshot.RecordScript:
			scripts[rec.Key] = rec.Value
		case snapshot.RecordAux:
			if rec.Key != snapshot.AuxStreamDB {
				continue
			}
			db, err := strconv.Atoi(string(rec.Value))
			if err != nil || db < 0 || db >= n {
				return -1, NewError("load").Context(snapshot.AuxStreamDB).Cause(ErrDBIndex).Err()
			}
			streamDB = db
		}
	}

	k.mu.Lock()
	k.dbs = dbs
	k.scripts = scripts
	k.mu.Unlock()
	return streamDB, nil
}

// Capture is a frozen copy of a Keyspace.
type Capture struct {
	dbs      []map[string][]byte
	scripts  map[string][]byte
	streamDB int
}

// WriteTo serializes the capture as a snapshot. Keys are written in
// sorted order so equal keyspaces produce equal snapshots.
func (c *Capture) WriteTo(w io.Writer) (int64, error) {
	sw, err := snapshot.NewWriter(w)
	if err != nil {
		return 0, err
	}
	if c.streamDB >= 0 {
		aux := snapshot.Record{Type: snapshot.RecordAux, Key: snapshot.AuxStreamDB, Value: []byte(strconv.Itoa(c.streamDB))}
		if err := sw.Write(aux); err != nil {
			return sw.Written(), err
		}
	}
	for db, data := range c.dbs {
		keys := make([]string, 0, len(data))
		for key := range data {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if err := sw.Write(snapshot.Record{Type: snapshot.RecordKey, DB: db, Key: key, Value: data[key]}); err != nil {
				return sw.Written(), err
			}
		}
	}
	shas := make([]string, 0, len(c.scripts))
	for sha := range c.scripts {
		shas = append(shas, sha)
	}
	sort.Strings(shas)
	for _, sha := range shas {
		if err := sw.Write(snapshot.Record{Type: snapshot.RecordScript, Key: sha, Value: c.scripts[sha]}); err != nil {
			return sw.Written(), err
		}
	}
	err = sw.Close()
	return sw.Written(), err
}

// Equal reports whether two keyspaces hold the same keys and values.
func (k *Keyspace) Equal(other *Keyspace) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	if len(k.dbs) != len(other.dbs) {
		return false
	}
	for i := range k.dbs {
		if len(k.dbs[i]) != len(other.dbs[i]) {
			return false
		}
		for key, v := range k.dbs[i] {
			ov, ok := other.dbs[i][key]
			if !ok || !bytes.Equal(v, ov) {
				return false
			}
		}
	}
	return true
}
