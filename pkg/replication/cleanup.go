package replication

import (
	"io"
	"os"

	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// ResourceCleanup releases the resources of one synchronization attempt
// (the master connection, a partially received snapshot file) in reverse
// registration order. A failed attempt calls Cleanup; a successful step
// hands resources over with Forget.
type ResourceCleanup struct {
	logger    logging.Logger
	resources []namedCloser
}

type namedCloser struct {
	closer io.Closer
	name   string
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewResourceCleanup creates an empty cleanup stack.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ResourceCleanup{
		logger:    logger,
		resources: make([]namedCloser, 0, 4),
	}
}

// Add registers a resource.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// AddTempFile registers f under name to be closed and removed.
func (rc *ResourceCleanup) AddTempFile(f *os.File, name string) {
	path := f.Name()
	rc.Add(closerFunc(func() error {
		_ = f.Close()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}), name)
}

// Forget unregisters the resource registered under name without closing it.
func (rc *ResourceCleanup) Forget(name string) {
	for i := len(rc.resources) - 1; i >= 0; i-- {
		if rc.resources[i].name == name {
			rc.resources = append(rc.resources[:i], rc.resources[i+1:]...)
			return
		}
	}
}

// Release closes and unregisters the resource registered under name.
func (rc *ResourceCleanup) Release(name string) error {
	for i := len(rc.resources) - 1; i >= 0; i-- {
		if rc.resources[i].name != name {
			continue
		}
		r := rc.resources[i]
		rc.resources = append(rc.resources[:i], rc.resources[i+1:]...)
		return r.closer.Close()
	}
	return nil
}

// Cleanup closes every registered resource in reverse order. Close errors
// are logged. Calling it twice is safe.
func (rc *ResourceCleanup) Cleanup() {
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if err := r.closer.Close(); err != nil {
			rc.logger.Warn("failed to release resource", logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
