package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaenox/chatbot-api/internal/models"
)

type MemoryStorage struct {
	mu       sync.RWMutex
	users    map[int64]*models.User // keyed by telegram id
	chats    map[int64]*models.Chat // keyed by telegram id
	messages []*models.Message
	nextID   int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users: make(map[int64]*models.User),
		chats: make(map[int64]*models.Chat),
	}
}

func (s *MemoryStorage) UpsertUser(ctx context.Context, user *models.User) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.TelegramID]; ok {
		existing.LastActiveAt = user.LastActiveAt
		user.ID = existing.ID
		return existing.ID, nil
	}

	s.nextID++
	stored := *user
	stored.ID = s.nextID
	s.users[user.TelegramID] = &stored
	user.ID = stored.ID
	return stored.ID, nil
}

func (s *MemoryStorage) UpsertChat(ctx context.Context, chat *models.Chat) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.chats[chat.TelegramID]; ok {
		chat.ID = existing.ID
		return existing.ID, nil
	}

	s.nextID++
	stored := *chat
	stored.ID = s.nextID
	s.chats[chat.TelegramID] = &stored
	chat.ID = stored.ID
	return stored.ID, nil
}

func (s *MemoryStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasChat(msg.ChatID) {
		return fmt.Errorf("%w: chat %d does not exist", ErrPersistence, msg.ChatID)
	}
	if !s.hasUser(msg.FromUserID) {
		return fmt.Errorf("%w: user %d does not exist", ErrPersistence, msg.FromUserID)
	}

	s.nextID++
	stored := *msg
	stored.ID = s.nextID
	s.messages = append(s.messages, &stored)
	msg.ID = stored.ID
	return nil
}

func (s *MemoryStorage) hasChat(id int64) bool {
	for _, c := range s.chats {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (s *MemoryStorage) hasUser(id int64) bool {
	for _, u := range s.users {
		if u.ID == id {
			return true
		}
	}
	return false
}

func (s *MemoryStorage) CountChats(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.chats)), nil
}

func (s *MemoryStorage) CountUsers(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

// User returns a copy of the stored user with the given Telegram id.
func (s *MemoryStorage) User(telegramID int64) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[telegramID]; ok {
		return *u, true
	}
	return models.User{}, false
}

// Chat returns a copy of the stored chat with the given Telegram id.
func (s *MemoryStorage) Chat(telegramID int64) (models.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.chats[telegramID]; ok {
		return *c, true
	}
	return models.Chat{}, false
}

// Messages returns copies of all stored messages in insertion order.
func (s *MemoryStorage) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
