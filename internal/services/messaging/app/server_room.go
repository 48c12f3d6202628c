package server

import (
	"encoding/json"
	"sync"
)

// wsPeer serializes frame writes to one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession tracks the authenticated user and the room a connection is in.
type wsSession struct {
	mu     sync.Mutex
	userID string
	room   *conversationRoom
	peer   *wsPeer
}

func newWSSession(userID string, peer *wsPeer) *wsSession {
	return &wsSession{
		userID: userID,
		peer:   peer,
	}
}

func (s *wsSession) setRoom(next *conversationRoom) *conversationRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *conversationRoom {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return room
}

// roomHub hands out one room per conversation.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*conversationRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*conversationRoom)}
}

func (h *roomHub) room(conversationID string) *conversationRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conversationID]
	if ok {
		return room
	}

	room = newConversationRoom(conversationID)
	h.rooms[conversationID] = room
	return room
}

// conversationRoom fans live frames out to the subscribers of one
// conversation. Message state lives in the service, not the room.
type conversationRoom struct {
	mu             sync.Mutex
	conversationID string
	subscribers    map[*wsPeer]struct{}
}

func newConversationRoom(conversationID string) *conversationRoom {
	return &conversationRoom{
		conversationID: conversationID,
		subscribers:    make(map[*wsPeer]struct{}),
	}
}

func (r *conversationRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.subscribers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *conversationRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.subscribers, peer)
	empty := len(r.subscribers) == 0
	r.mu.Unlock()
	return empty
}

func (r *conversationRoom) peers() []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]*wsPeer, 0, len(r.subscribers))
	for peer := range r.subscribers {
		peers = append(peers, peer)
	}
	return peers
}

func (r *conversationRoom) broadcast(frame wsFrame) {
	for _, peer := range r.peers() {
		_ = peer.writeFrame(frame)
	}
}
