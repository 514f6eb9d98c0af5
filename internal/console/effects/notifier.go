package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LogNotifier logs notifications instead of dispatching them. Used when
// no push backend is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) (bool, error) {
	n.logger.Info("[Effects] Notification (log only)", "session", note.SessionID,
		"client_name", note.ClientName, "client_number", note.ClientNumber)
	return true, nil
}

func (n *LogNotifier) Retract(ctx context.Context, sessionID string) error {
	n.logger.Info("[Effects] Notification retracted (log only)", "session", sessionID)
	return nil
}

// RedisConfig configures the Redis push backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys and channels, e.g. "callconsole".
	Prefix string
	// AgentID scopes claims so every device of the agent shares them.
	AgentID string
	// DeviceID identifies this console instance in the claim.
	DeviceID string
	// TTL bounds how long a claim blocks other devices.
	TTL time.Duration
}

// pushMessage is what push workers read from the channel.
type pushMessage struct {
	Type         string        `json:"type"`
	AgentID      string        `json:"agent_id"`
	DeviceID     string        `json:"device_id"`
	Notification *Notification `json:"notification,omitempty"`
	SessionID    string        `json:"session_id"`
}

// RedisNotifier claims each notification with SETNX so only one device or
// tab of the agent dispatches it, then publishes it to the push channel.
// Retract deletes the claim and publishes a clear message.
type RedisNotifier struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "callconsole"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("[Effects] Connected to Redis", "addr", cfg.Addr, "prefix", cfg.Prefix)
	return &RedisNotifier{client: rdb, cfg: cfg}, nil
}

func (n *RedisNotifier) claimKey(sessionID string) string {
	return fmt.Sprintf("%s:notify:%s:%s", n.cfg.Prefix, n.cfg.AgentID, sessionID)
}

func (n *RedisNotifier) channel() string {
	return fmt.Sprintf("%s:push:%s", n.cfg.Prefix, n.cfg.AgentID)
}

func (n *RedisNotifier) Notify(ctx context.Context, note Notification) (bool, error) {
	ok, err := n.client.SetNX(ctx, n.claimKey(note.SessionID), n.cfg.DeviceID, n.cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	if !ok {
		slog.Debug("[Effects] Notification already claimed", "session", note.SessionID)
		return false, nil
	}
	if err := n.publish(ctx, pushMessage{Type: "show", Notification: &note, SessionID: note.SessionID}); err != nil {
		return false, err
	}
	return true, nil
}

func (n *RedisNotifier) Retract(ctx context.Context, sessionID string) error {
	if err := n.client.Del(ctx, n.claimKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("release notification claim: %w", err)
	}
	return n.publish(ctx, pushMessage{Type: "clear", SessionID: sessionID})
}

func (n *RedisNotifier) publish(ctx context.Context, msg pushMessage) error {
	msg.AgentID = n.cfg.AgentID
	msg.DeviceID = n.cfg.DeviceID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(), data).Err(); err != nil {
		return fmt.Errorf("publish push message: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)
