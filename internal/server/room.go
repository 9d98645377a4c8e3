// Package server tracks room membership: lazily created, bounded broadcast
// groups that are deleted the moment they empty.
package server

import (
	"errors"
	"sync"
)

// Room validation and membership errors.
var (
	ErrRoomNameEmpty   = errors.New("room name cannot be empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrRoomNameInvalid = errors.New("room name must be alphanumeric")
	ErrRoomFull        = errors.New("room is full")
	ErrNotInRoom       = errors.New("not in a room")
)

// RoomTable maps room names to member slot sets behind one mutex. Rooms are
// created on first join and removed when the last member leaves, so every
// room present in the table has at least one member.
type RoomTable struct {
	mu    sync.Mutex
	rooms map[string]map[int]struct{}

	maxMembers     int
	maxRoomNameLen int
}

// NewRoomTable creates an empty table with the given membership cap and room
// name length limit.
func NewRoomTable(maxMembers, maxRoomNameLen int) *RoomTable {
	return &RoomTable{
		rooms:          make(map[string]map[int]struct{}),
		maxMembers:     maxMembers,
		maxRoomNameLen: maxRoomNameLen,
	}
}

// ValidateName checks a room name against the length and charset rules.
func (t *RoomTable) ValidateName(name string) error {
	switch {
	case name == "":
		return ErrRoomNameEmpty
	case len(name) > t.maxRoomNameLen:
		return ErrRoomNameTooLong
	case !namePattern.MatchString(name):
		return ErrRoomNameInvalid
	}
	return nil
}

// joinLocked adds a slot to a room, creating the room if absent. Caller holds
// t.mu. Returns ErrRoomFull when the membership cap is reached.
func (t *RoomTable) joinLocked(room string, slot int) error {
	members := t.rooms[room]
	if members == nil {
		members = make(map[int]struct{})
		t.rooms[room] = members
	} else if len(members) >= t.maxMembers {
		return ErrRoomFull
	}
	members[slot] = struct{}{}
	return nil
}

// leaveLocked removes a slot from a room and deletes the room if it emptied.
// Caller holds t.mu. Reports whether the room was deleted.
func (t *RoomTable) leaveLocked(room string, slot int) bool {
	members := t.rooms[room]
	if members == nil {
		return false
	}
	delete(members, slot)
	if len(members) == 0 {
		delete(t.rooms, room)
		return true
	}
	return false
}

// membersLocked returns the member slots of a room excluding one slot.
// Caller holds t.mu.
func (t *RoomTable) membersLocked(room string, except int) []int {
	members := t.rooms[room]
	out := make([]int, 0, len(members))
	for slot := range members {
		if slot != except {
			out = append(out, slot)
		}
	}
	return out
}

// Members returns the member slots of a room, or nil if it does not exist.
func (t *RoomTable) Members(room string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.membersLocked(room, -1)
}

// Count returns the number of live rooms.
func (t *RoomTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}
