package memory

import (
	"errors"
	"sync"

	"github.com/adwski/socket-chat/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

type room struct {
	pub     *sync.Mutex // serializes publishing within the room
	members map[string]model.Participant
}

// MemStore is the room registry of the relay. A room exists while it has
// at least one subscriber: it is created by the first Subscribe and removed
// by the Unsubscribe of its last member.
type MemStore struct {
	mx *sync.Mutex
	db map[string]*room
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*room),
	}
}

// Subscribe adds participant to the room. created reports whether the room
// was created by this call.
func (ms *MemStore) Subscribe(roomID string, p model.Participant) (created bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		r = &room{
			pub:     &sync.Mutex{},
			members: make(map[string]model.Participant),
		}
		ms.db[roomID] = r
	}
	r.members[p.SessionID] = p
	return !ok
}

// Unsubscribe removes a session from the room. destroyed reports whether
// the room became empty and was removed.
func (ms *MemStore) Unsubscribe(roomID, sessionID string) (found, destroyed bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return false, false
	}
	if _, found = r.members[sessionID]; !found {
		return false, false
	}
	delete(r.members, sessionID)
	if len(r.members) == 0 {
		delete(ms.db, roomID)
		destroyed = true
	}
	return found, destroyed
}

// Publish calls fn with the room members at the time of publishing.
// Calls for the same room never overlap, so every member observes
// publications in the same order.
func (ms *MemStore) Publish(roomID string, fn func([]model.Participant)) error {
	ms.mx.Lock()
	r, ok := ms.db[roomID]
	ms.mx.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	r.pub.Lock()
	defer r.pub.Unlock()

	ms.mx.Lock()
	members := make([]model.Participant, 0, len(r.members))
	for _, p := range r.members {
		members = append(members, p)
	}
	ms.mx.Unlock()

	fn(members)
	return nil
}

// GetRoom returns a snapshot of the room.
func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	snapshot := &model.Room{
		ID:           roomID,
		Participants: make(map[string]model.Participant, len(r.members)),
	}
	for id, p := range r.members {
		snapshot.Participants[id] = p
	}
	return snapshot, nil
}

// Len returns the number of live rooms.
func (ms *MemStore) Len() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.db)
}
