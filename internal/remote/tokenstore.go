package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore はセッショントークンの永続化先。
// プロセス再起動をまたいでセッションを復元するために使用する。
type TokenStore interface {
	// Load は保存済みトークンを返す。存在しない場合は空文字列を返す。
	Load(ctx context.Context) (string, error)
	// Save はトークンをttlの間保存する。
	Save(ctx context.Context, token string, ttl time.Duration) error
	// Clear は保存済みトークンを削除する。
	Clear(ctx context.Context) error
}

// MemoryTokenStore はプロセス内にトークンを保持するTokenStore。
type MemoryTokenStore struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewMemoryTokenStore はMemoryTokenStoreを生成する。
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{now: time.Now}
}

func (s *MemoryTokenStore) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || !s.expiresAt.After(s.now()) {
		s.token = ""
		return "", nil
	}
	return s.token, nil
}

func (s *MemoryTokenStore) Save(ctx context.Context, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *MemoryTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// RedisTokenStore はRedisにトークンを保存するTokenStore。
// キーのTTLでトークンの寿命を管理する。
type RedisTokenStore struct {
	client *redis.Client
	key    string
}

// NewRedisTokenStore はRedisTokenStoreを生成する。
func NewRedisTokenStore(client *redis.Client, key string) *RedisTokenStore {
	if key == "" {
		key = "hospiboard:session"
	}
	return &RedisTokenStore{client: client, key: key}
}

func (s *RedisTokenStore) Load(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to load session token: %v", ErrUnavailable, err)
	}
	return token, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, token string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("%w: failed to save session token: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisTokenStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%w: failed to clear session token: %v", ErrUnavailable, err)
	}
	return nil
}

// NewRedisClient はRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// compile-time interface check
var (
	_ TokenStore = (*MemoryTokenStore)(nil)
	_ TokenStore = (*RedisTokenStore)(nil)
)
