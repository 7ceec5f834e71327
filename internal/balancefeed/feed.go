// Package balancefeed pushes balance changes to live sessions over Redis
// pub/sub. It is the display read path only; the database stays authoritative.
package balancefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/digkill/TGDeckBot/internal/models"
)

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Channel is the pub/sub channel carrying one user's balance document.
func Channel(userID string) string {
	return "balance:" + userID
}

type Feed struct {
	client *redis.Client
	log    *slog.Logger
}

func New(client *redis.Client, log *slog.Logger) *Feed {
	return &Feed{client: client, log: log}
}

// Publish broadcasts the new balance of userID.
func (f *Feed) Publish(ctx context.Context, userID string, balance models.TokenBalance) error {
	payload, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	if err := f.client.Publish(ctx, Channel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish balance: %w", err)
	}
	return nil
}

// Watch calls onChange for every balance published for userID until stop is
// called or ctx ends. The subscription is confirmed before Watch returns.
func (f *Feed) Watch(ctx context.Context, userID string, onChange func(models.TokenBalance)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	pubsub := f.client.Subscribe(watchCtx, Channel(userID))
	if _, err := pubsub.Receive(watchCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe balance: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		messages := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var balance models.TokenBalance
				if err := json.Unmarshal([]byte(msg.Payload), &balance); err != nil {
					f.log.Warn("discard malformed balance message", "user_id", userID, "err", err)
					continue
				}
				if balance.FreeUnits < 0 || balance.PremiumUnits < 0 {
					f.log.Warn("discard negative balance message", "user_id", userID)
					continue
				}
				onChange(balance)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}
	return stop, nil
}
