package replication

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
)

// ScriptCache remembers which script digests every connected replica is
// known to have, so EVALSHA can be propagated as-is instead of being
// expanded into EVAL with the full body. Entries are evicted oldest first.
type ScriptCache struct {
	mu    sync.Mutex
	max   int
	set   map[string]struct{}
	order []string
}

// NewScriptCache returns an empty cache bounded to max digests.
func NewScriptCache(max int) *ScriptCache {
	if max <= 0 {
		max = 1
	}
	return &ScriptCache{max: max, set: make(map[string]struct{})}
}

// Add records sha as present on every replica.
func (c *ScriptCache) Add(sha string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.set[sha]; ok {
		return
	}
	if len(c.order) == c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.set, oldest)
	}
	c.set[sha] = struct{}{}
	c.order = append(c.order, sha)
}

// Exists reports whether sha is known to every replica.
func (c *ScriptCache) Exists(sha string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[sha]
	return ok
}

// Flush forgets every digest. Called whenever a replica may lack scripts
// the others have: a new replica attaching or a role change.
func (c *ScriptCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = make(map[string]struct{})
	c.order = nil
}

// Len returns the number of cached digests.
func (c *ScriptCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// ScriptSHA returns the lowercase hex SHA1 digest of a script body.
func ScriptSHA(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}
