package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/xaenox/chatbot-api/internal/models"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type DatabaseConfig struct {
	Driver   string
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the connection string for the configured driver.
func (c DatabaseConfig) DSN() string {
	switch c.Driver {
	case DriverSQLite:
		return c.Path
	default:
		if c.URL != "" {
			return c.URL
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:   "/" + c.DBName,
		}
		q := u.Query()
		q.Set("sslmode", c.SSLMode)
		u.RawQuery = q.Encode()
		return u.String()
	}
}

// SQLStorage implements Storage on top of sqlx. Queries are written with
// '?' placeholders and rebound for the active driver.
type SQLStorage struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// New opens the store selected by config.Driver.
func New(config DatabaseConfig, logger *zap.Logger) (Storage, error) {
	switch config.Driver {
	case DriverMemory:
		logger.Info("Using in-memory storage")
		return NewMemoryStorage(), nil
	case DriverPostgres, DriverSQLite:
		s, err := NewSQLStorage(config, logger)
		if err != nil {
			return nil, err
		}
		if err := s.MigrateUp(); err != nil {
			s.Close()
			return nil, fmt.Errorf("error initializing database schema: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
}

// NewSQLStorage connects without touching the schema.
func NewSQLStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	logger = logger.Named("storage")

	db, err := sqlx.Connect(config.Driver, config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	switch config.Driver {
	case DriverSQLite:
		// SQLite doesn't support concurrent writes; a single connection also
		// keeps ":memory:" databases alive for the life of the pool.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("error enabling foreign keys: %w", err)
		}
	default:
		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(config.MaxIdleConns)
		}
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	logger.Info("Connected to database", zap.String("driver", config.Driver))

	return &SQLStorage{db: db, driver: config.Driver, logger: logger}, nil
}

const upsertUserQuery = `
	INSERT INTO users (telegram_id, username, first_name, last_name, language_code, is_bot, is_premium, created_at, last_active_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (telegram_id) DO UPDATE SET last_active_at = excluded.last_active_at
	RETURNING id`

func (s *SQLStorage) UpsertUser(ctx context.Context, user *models.User) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(upsertUserQuery),
		user.TelegramID,
		user.Username,
		user.FirstName,
		user.LastName,
		user.LanguageCode,
		user.IsBot,
		user.IsPremium,
		user.CreatedAt,
		user.LastActiveAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: upsert user %d: %w", ErrPersistence, user.TelegramID, err)
	}

	user.ID = id
	return id, nil
}

// The no-op update makes RETURNING yield the existing row on conflict.
const upsertChatQuery = `
	INSERT INTO chats (telegram_id, type, title, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (telegram_id) DO UPDATE SET telegram_id = excluded.telegram_id
	RETURNING id`

func (s *SQLStorage) UpsertChat(ctx context.Context, chat *models.Chat) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(upsertChatQuery),
		chat.TelegramID,
		chat.Type,
		chat.Title,
		chat.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: upsert chat %d: %w", ErrPersistence, chat.TelegramID, err)
	}

	chat.ID = id
	return id, nil
}

const insertMessageQuery = `
	INSERT INTO messages (message_id, chat_id, from_user_id, text, sent_at)
	VALUES (?, ?, ?, ?, ?)
	RETURNING id`

func (s *SQLStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(insertMessageQuery),
		msg.MessageID,
		msg.ChatID,
		msg.FromUserID,
		msg.Text,
		msg.SentAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("%w: save message %d in chat %d: %w", ErrPersistence, msg.MessageID, msg.ChatID, err)
	}
	return nil
}

func (s *SQLStorage) CountChats(ctx context.Context) (int64, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM chats")
}

func (s *SQLStorage) CountUsers(ctx context.Context) (int64, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM users")
}

func (s *SQLStorage) count(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPersistence, query, err)
	}
	return n, nil
}

func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
