// Package forward manages the port forwards attached to one session.
package forward

import (
	"io"
	"log"
	"sync"

	"github.com/google/uuid"

	"tether/internal/host"
)

// Tunneler is the slice of the transport a forward needs to come up.
// Each call returns a closer that tears the transport-side resource
// down again.
type Tunneler interface {
	ListenLocal(sourcePort int, destHost string, destPort int) (io.Closer, error)
	ListenRemote(sourcePort int, destHost string, destPort int) (io.Closer, error)
	ListenDynamic(sourcePort int) (io.Closer, error)
}

// Forward is one configured tunnel. While enabled it exclusively owns
// the transport-side resource behind closer.
type Forward struct {
	ID   string
	Spec host.ForwardSpec

	mu      sync.Mutex
	enabled bool
	closer  io.Closer
}

// New creates a disabled forward from its persisted spec.
func New(spec host.ForwardSpec) *Forward {
	return &Forward{ID: uuid.NewString(), Spec: spec}
}

// Enabled reports whether the forward currently holds a transport
// resource.
func (f *Forward) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Set is the collection of forwards belonging to one session.
// Safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	forwards []*Forward
}

func NewSet(specs []host.ForwardSpec) *Set {
	s := &Set{}
	for _, spec := range specs {
		s.forwards = append(s.forwards, New(spec))
	}
	return s
}

// Add appends a forward to the set. Returns false if the forward is
// already a member.
func (s *Set) Add(f *Forward) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.forwards {
		if existing == f || existing.ID == f.ID {
			return false
		}
	}
	s.forwards = append(s.forwards, f)
	return true
}

// Remove disables the forward if needed and drops it from the set.
// The disable-first guard prevents a removed entry from leaving a
// live listener behind.
func (s *Set) Remove(f *Forward) bool {
	s.Disable(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.forwards {
		if existing == f {
			s.forwards = append(s.forwards[:i], s.forwards[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the current members in insertion order.
func (s *Set) Snapshot() []*Forward {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Forward, len(s.forwards))
	copy(out, s.forwards)
	return out
}

func (s *Set) contains(f *Forward) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.forwards {
		if existing == f {
			return true
		}
	}
	return false
}

// Enable brings the forward up against the transport. Returns false
// when the forward is not a member, is already enabled, or the
// transport-side resource cannot be created.
func (s *Set) Enable(f *Forward, t Tunneler) bool {
	if !s.contains(f) {
		log.Printf("[FORWARD] Attempt to enable forward not in set: %s", f.Spec.Description())
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled {
		return false
	}

	var (
		closer io.Closer
		err    error
	)
	switch f.Spec.Kind {
	case host.ForwardLocal:
		closer, err = t.ListenLocal(f.Spec.SourcePort, f.Spec.DestHost, f.Spec.DestPort)
	case host.ForwardRemote:
		closer, err = t.ListenRemote(f.Spec.SourcePort, f.Spec.DestHost, f.Spec.DestPort)
	case host.ForwardDynamic:
		closer, err = t.ListenDynamic(f.Spec.SourcePort)
	default:
		log.Printf("[FORWARD] Unknown forward kind %q", f.Spec.Kind)
		return false
	}
	if err != nil {
		log.Printf("[FORWARD] Could not enable %s: %v", f.Spec.Description(), err)
		return false
	}

	f.closer = closer
	f.enabled = true
	return true
}

// Disable tears the forward down. Disabling a forward that is not
// enabled returns false with no side effects.
func (s *Set) Disable(f *Forward) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled || f.closer == nil {
		return false
	}

	f.enabled = false
	closer := f.closer
	f.closer = nil
	if err := closer.Close(); err != nil {
		log.Printf("[FORWARD] Could not tear down %s: %v", f.Spec.Description(), err)
		return false
	}
	return true
}

// EnableAutoStart enables every member whose spec is marked for
// auto-start and returns how many came up.
func (s *Set) EnableAutoStart(t Tunneler) int {
	started := 0
	for _, f := range s.Snapshot() {
		if !f.Spec.AutoStart {
			continue
		}
		log.Printf("[FORWARD] Enabling %s", f.Spec.Description())
		if s.Enable(f, t) {
			started++
		}
	}
	return started
}

// DisableAll tears down every enabled member. Used on disconnect.
func (s *Set) DisableAll() {
	for _, f := range s.Snapshot() {
		s.Disable(f)
	}
}
