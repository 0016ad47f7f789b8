// Package sessionhost holds the agent's records of the session hosts it runs.
//
// The store is shared by the runner path (add, update external id, remove)
// and the heartbeat path (apply reported state). Records are kept in a
// sharded concurrent map so operations on different hosts never wait on
// each other; each record carries its own lock so read-modify-write on one
// host is serialized without touching the shard lock while user code runs.
package sessionhost

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"evalgo.org/sessionagent/models"
)

// ErrNotFound is returned when no record exists for a session host id.
var ErrNotFound = errors.New("session host not found")

// Observer receives store change events. It is called synchronously after
// the change is visible and outside of any store lock.
type Observer func(models.SessionHostEvent)

type record struct {
	mu      sync.Mutex
	info    models.SessionHostInfo
	removed bool
}

// Store is the Host Record Store.
type Store struct {
	hosts cmap.ConcurrentMap[string, *record]

	obsMu     sync.RWMutex
	observers []Observer

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		hosts: cmap.New[*record](),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers an observer for store changes.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) publish(ev models.SessionHostEvent) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}

// AddHost registers a new session host and returns a copy of the stored record.
//
// If info carries no SessionHostID a fresh one is generated. A caller-chosen
// id that is already taken is replaced by a generated one, so AddHost always
// succeeds with a unique identity.
func (s *Store) AddHost(info models.SessionHostInfo) *models.SessionHostInfo {
	rec := &record{info: *info.Clone()}
	rec.info.CreatedAt = s.now()

	id := rec.info.SessionHost.SessionHostID
	if id == "" {
		id = uuid.New().String()
	}
	for {
		rec.info.SessionHost.SessionHostID = id
		if s.hosts.SetIfAbsent(id, rec) {
			break
		}
		id = uuid.New().String()
	}

	out := rec.info.Clone()
	s.publish(models.SessionHostEvent{
		Type:          models.EventHostAdded,
		SessionHostID: id,
		State:         out.SessionHost.State,
		Timestamp:     out.CreatedAt,
	})
	return out
}

// UpdateHostExternalID records the backend unit identifier (process id or
// container id) for a session host.
func (s *Store) UpdateHostExternalID(id, externalID string) error {
	rec, ok := s.hosts.Get(id)
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return ErrNotFound
	}
	rec.info.TypeSpecificID = externalID
	rec.mu.Unlock()

	s.publish(models.SessionHostEvent{
		Type:           models.EventHostStarted,
		SessionHostID:  id,
		TypeSpecificID: externalID,
		Timestamp:      s.now(),
	})
	return nil
}

// RemoveHost deletes the record for id. It reports whether a record was
// removed; removing an absent id is a no-op that returns false.
func (s *Store) RemoveHost(id string) bool {
	rec, ok := s.hosts.Pop(id)
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.removed = true
	externalID := rec.info.TypeSpecificID
	rec.mu.Unlock()

	s.publish(models.SessionHostEvent{
		Type:           models.EventHostRemoved,
		SessionHostID:  id,
		TypeSpecificID: externalID,
		Timestamp:      s.now(),
	})
	return true
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (*models.SessionHostInfo, error) {
	rec, ok := s.hosts.Get(id)
	if !ok {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return nil, ErrNotFound
	}
	return rec.info.Clone(), nil
}

// All returns copies of every record ordered by instance number.
func (s *Store) All() []*models.SessionHostInfo {
	items := s.hosts.Items()
	out := make([]*models.SessionHostInfo, 0, len(items))
	for _, rec := range items {
		rec.mu.Lock()
		if !rec.removed {
			out = append(out, rec.info.Clone())
		}
		rec.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceNumber != out[j].InstanceNumber {
			return out[i].InstanceNumber < out[j].InstanceNumber
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// List returns the backend unit identifiers of all records that have one.
func (s *Store) List() []string {
	hosts := s.All()
	ids := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h.TypeSpecificID != "" {
			ids = append(ids, h.TypeSpecificID)
		}
	}
	return ids
}

// FindByExternalID returns the record whose backend unit id is externalID.
func (s *Store) FindByExternalID(externalID string) (*models.SessionHostInfo, error) {
	for _, h := range s.All() {
		if h.TypeSpecificID == externalID {
			return h, nil
		}
	}
	return nil, ErrNotFound
}

// Count returns the number of records.
func (s *Store) Count() int {
	return s.hosts.Count()
}

// ApplyHeartbeat stores the reported state, health and players of a host.
//
// The state transition time is only updated when the state actually changes.
// It reports whether the state changed.
func (s *Store) ApplyHeartbeat(id string, hb *models.SessionHostHeartbeatInfo) (bool, error) {
	rec, ok := s.hosts.Get(id)
	if !ok {
		return false, ErrNotFound
	}

	now := s.now()

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return false, ErrNotFound
	}
	changed := rec.info.SessionHost.State != hb.CurrentGameState
	if changed {
		rec.info.SessionHost.State = hb.CurrentGameState
		t := now
		rec.info.SessionHost.LastStateTransitionTimeUTC = &t
	}
	rec.info.Health = hb.CurrentGameHealth
	rec.info.SessionHost.ConnectedPlayers = append([]models.ConnectedPlayer(nil), hb.CurrentPlayers...)
	rec.info.LastHeartbeatAt = &now
	rec.mu.Unlock()

	if changed {
		s.publish(models.SessionHostEvent{
			Type:          models.EventStateChanged,
			SessionHostID: id,
			State:         hb.CurrentGameState,
			Timestamp:     now,
		})
	}
	return changed, nil
}

// SetSessionID records the game session a host was activated for.
func (s *Store) SetSessionID(id, sessionID string) error {
	rec, ok := s.hosts.Get(id)
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return ErrNotFound
	}
	rec.info.SessionHost.SessionID = sessionID
	return nil
}
