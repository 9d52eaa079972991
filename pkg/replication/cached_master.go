package replication

import "github.com/dd0wney/cluso-kv/pkg/logging"

// CachedMaster is a suspended master session kept after the link drops,
// so the next connection can ask for a partial resynchronization from
// Offset+1 and resume in database DB.
type CachedMaster struct {
	ReplID string
	Offset int64
	DB     int
}

// CachedMaster returns the cached session, if any.
func (m *Manager) CachedMaster() (CachedMaster, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return CachedMaster{}, false
	}
	return *m.cached, true
}

func (m *Manager) cacheMasterLocked(db int) {
	m.cached = &CachedMaster{ReplID: m.ident.ID, Offset: m.offset, DB: db}
	m.logger.Info("cached master session",
		logging.ReplID(m.ident.ID), logging.Offset(m.offset))
}

// cacheMasterUsingMyselfLocked lets a demoted master resume from its own
// history when its new master shares it.
func (m *Manager) cacheMasterUsingMyselfLocked() {
	db := m.lastDB
	if db < 0 {
		db = 0
	}
	m.cacheMasterLocked(db)
}

func (m *Manager) discardCachedMasterLocked() {
	if m.cached == nil {
		return
	}
	m.logger.Debug("discarding cached master session", logging.ReplID(m.cached.ReplID))
	m.cached = nil
}

func (m *Manager) discardCachedMaster() {
	m.mu.Lock()
	m.discardCachedMasterLocked()
	m.mu.Unlock()
}
