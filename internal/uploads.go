package internal

import (
	"sort"
	"sync"
	"time"
)

// uploadSession is the server-side cursor of an unfinished chunked upload.
type uploadSession struct {
	Name    string
	Offset  int64
	Total   int64
	Updated time.Time
}

type uploadTracker struct {
	mu       sync.Mutex
	sessions map[string]*uploadSession
	now      func() time.Time
	gauge    func(active int)
}

// newUploadTracker reports the number of open sessions to gauge after every
// change.
func newUploadTracker(gauge func(active int)) *uploadTracker {
	if gauge == nil {
		gauge = func(int) {}
	}
	return &uploadTracker{
		sessions: make(map[string]*uploadSession),
		now:      time.Now,
		gauge:    gauge,
	}
}

// touch records progress for name, creating the session if needed.
func (u *uploadTracker) touch(name string, offset, total int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	session, ok := u.sessions[name]
	if !ok {
		session = &uploadSession{Name: name}
		u.sessions[name] = session
	}
	session.Offset = offset
	if total >= 0 {
		session.Total = total
	} else if !ok {
		session.Total = -1
	}
	session.Updated = u.now()
	u.gauge(len(u.sessions))
}

func (u *uploadTracker) finish(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.sessions[name]; !ok {
		return
	}
	delete(u.sessions, name)
	u.gauge(len(u.sessions))
}

func (u *uploadTracker) get(name string) (uploadSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	session, ok := u.sessions[name]
	if !ok {
		return uploadSession{}, false
	}
	return *session, true
}

// expired lists sessions idle for longer than ttl, oldest first.
func (u *uploadTracker) expired(ttl time.Duration) []string {
	cutoff := u.now().Add(-ttl)
	u.mu.Lock()
	defer u.mu.Unlock()
	var stale []*uploadSession
	for _, session := range u.sessions {
		if session.Updated.Before(cutoff) {
			stale = append(stale, session)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Updated.Before(stale[j].Updated) })
	names := make([]string, 0, len(stale))
	for _, session := range stale {
		names = append(names, session.Name)
	}
	return names
}
