package mtproto

import (
	"fmt"
	"sync"

	"github.com/gotd/td/tg"

	"tg-forward-bot/internal/domain"
)

const channelShift = domain.ChannelIDShift

type peerKind int

const (
	peerUser peerKind = iota
	peerChat
	peerChannel
)

type peerRef struct {
	kind       peerKind
	id         int64
	accessHash int64
}

// ChatID переводит идентификатор MTProto в формат Bot API, которым пользователь задаёт правила.
func ChatID(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return -channelShift - p.ChannelID, true
	default:
		return 0, false
	}
}

// splitChatID выполняет обратное преобразование.
func splitChatID(chatID int64) (peerKind, int64) {
	switch {
	case chatID > 0:
		return peerUser, chatID
	case chatID < -channelShift:
		return peerChannel, -chatID - channelShift
	default:
		return peerChat, -chatID
	}
}

// peerCache запоминает access hash собеседников, увиденных в обновлениях и диалогах.
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]peerRef
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[int64]peerRef)}
}

func (c *peerCache) storeUsers(users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			c.peers[user.ID] = peerRef{kind: peerUser, id: user.ID, accessHash: user.AccessHash}
		}
	}
}

func (c *peerCache) storeChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chats {
		switch chat := ch.(type) {
		case *tg.Chat:
			c.peers[-chat.ID] = peerRef{kind: peerChat, id: chat.ID}
		case *tg.Channel:
			c.peers[-channelShift-chat.ID] = peerRef{kind: peerChannel, id: chat.ID, accessHash: chat.AccessHash}
		case *tg.ChannelForbidden:
			c.peers[-channelShift-chat.ID] = peerRef{kind: peerChannel, id: chat.ID, accessHash: chat.AccessHash}
		}
	}
}

func (c *peerCache) storeEntities(e tg.Entities) {
	users := make([]tg.UserClass, 0, len(e.Users))
	for _, u := range e.Users {
		users = append(users, u)
	}
	chats := make([]tg.ChatClass, 0, len(e.Chats)+len(e.Channels))
	for _, ch := range e.Chats {
		chats = append(chats, ch)
	}
	for _, ch := range e.Channels {
		chats = append(chats, ch)
	}
	c.storeUsers(users)
	c.storeChats(chats)
}

// inputPeer строит InputPeer для идентификатора в формате Bot API.
// Обычным группам access hash не нужен, поэтому они разрешаются без кэша.
func (c *peerCache) inputPeer(chatID int64) (tg.InputPeerClass, error) {
	kind, id := splitChatID(chatID)
	if kind == peerChat {
		return &tg.InputPeerChat{ChatID: id}, nil
	}
	c.mu.RLock()
	ref, ok := c.peers[chatID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("чат %d не найден среди диалогов", chatID)
	}
	if ref.kind == peerChannel {
		return &tg.InputPeerChannel{ChannelID: ref.id, AccessHash: ref.accessHash}, nil
	}
	return &tg.InputPeerUser{UserID: ref.id, AccessHash: ref.accessHash}, nil
}
