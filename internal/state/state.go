// Package state holds the queryable in-memory snapshot the windows
// read: rooms, buddies, timelines, reactions, invites, spaces. All
// access goes through one mutex; mutation methods return the bus events
// describing what changed, in application order, so the caller can
// publish them without races between snapshot and notification.
package state

import (
	"sort"
	"sync"

	"github.com/retroim/buddyd/internal/model"
)

type reactionRef struct {
	targetEventID string
	sender        string
	key           string
}

type roomState struct {
	room       model.Room
	timeline   []model.Message
	byEventID  map[string]int
	reactions  map[string]map[string][]string // target event -> key -> senders
	reactionBy map[string]reactionRef         // reaction event -> what it added
	tombstones map[string]bool
	typing     []string
}

func newRoomState(roomID string) *roomState {
	return &roomState{
		room:       model.Room{RoomID: roomID},
		byEventID:  make(map[string]int),
		reactions:  make(map[string]map[string][]string),
		reactionBy: make(map[string]reactionRef),
		tombstones: make(map[string]bool),
	}
}

// Store is the account's live state.
type Store struct {
	mu      sync.RWMutex
	selfID  string
	rooms   map[string]*roomState
	buddies map[string]model.Buddy
	spaces  map[string]model.Space
	invites map[string]model.Invite
	visible map[string]bool
	directs map[string][]string // peer user ID -> room IDs, from m.direct
}

// New creates an empty store.
func New() *Store {
	return &Store{
		rooms:   make(map[string]*roomState),
		buddies: make(map[string]model.Buddy),
		spaces:  make(map[string]model.Space),
		invites: make(map[string]model.Invite),
		visible: make(map[string]bool),
		directs: make(map[string][]string),
	}
}

// SetSelf records the logged-in user ID. Own messages never bump unread
// counters and own typing notices are filtered out.
func (s *Store) SetSelf(userID string) {
	s.mu.Lock()
	s.selfID = userID
	s.mu.Unlock()
}

// Self returns the logged-in user ID.
func (s *Store) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// Reset drops all state. Used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.selfID = ""
	s.rooms = make(map[string]*roomState)
	s.buddies = make(map[string]model.Buddy)
	s.spaces = make(map[string]model.Space)
	s.invites = make(map[string]model.Invite)
	s.visible = make(map[string]bool)
	s.directs = make(map[string][]string)
	s.mu.Unlock()
}

// HasRoom reports whether the room is known.
func (s *Store) HasRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Room returns a snapshot of one room.
func (s *Store) Room(roomID string) (model.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, false
	}
	return rs.room, true
}

// Rooms returns all joined rooms sorted by name then ID.
func (s *Store) Rooms() []model.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		out = append(out, rs.room)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// Messages returns a copy of the room's in-memory timeline.
func (s *Store) Messages(roomID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(rs.timeline))
	copy(out, rs.timeline)
	return out
}

// Message looks up one timeline entry.
func (s *Store) Message(roomID, eventID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return model.Message{}, false
	}
	idx, ok := rs.byEventID[eventID]
	if !ok {
		return model.Message{}, false
	}
	return rs.timeline[idx], true
}

// Reactions returns the aggregate for one event: key to sorted senders.
func (s *Store) Reactions(roomID, eventID string) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return copyReactions(rs.reactions[eventID])
}

// Typing returns who is currently typing in the room.
func (s *Store) Typing(roomID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, len(rs.typing))
	copy(out, rs.typing)
	return out
}

// Buddy returns one known user.
func (s *Store) Buddy(userID string) (model.Buddy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buddies[userID]
	return b, ok
}

// Buddies returns all known users sorted by user ID.
func (s *Store) Buddies() []model.Buddy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Buddy, 0, len(s.buddies))
	for _, b := range s.buddies {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Invites returns pending invites sorted by room ID.
func (s *Store) Invites() []model.Invite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Invite, 0, len(s.invites))
	for _, inv := range s.invites {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Spaces returns known spaces sorted by ID.
func (s *Store) Spaces() []model.Space {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Space, 0, len(s.spaces))
	for _, sp := range s.spaces {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpaceID < out[j].SpaceID })
	return out
}

// IsVisible reports whether a window for the room is open.
func (s *Store) IsVisible(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible[roomID]
}

// DirectRoomsWith returns the rooms marked direct with userID in
// m.direct account data, filtered to rooms still joined.
func (s *Store) DirectRoomsWith(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, roomID := range s.directs[userID] {
		if _, ok := s.rooms[roomID]; ok {
			out = append(out, roomID)
		}
	}
	return out
}

func copyReactions(in map[string][]string) map[string][]string {
	if in == nil {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(in))
	for key, senders := range in {
		cp := make([]string, len(senders))
		copy(cp, senders)
		out[key] = cp
	}
	return out
}
