package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/askhub/livesync/internal/logger"
)

const redisChannelPrefix = "livesync:changes:"

// ChannelName is the Redis pub/sub channel carrying changes of table.
func ChannelName(table string) string {
	return redisChannelPrefix + table
}

// RedisFeed receives JSON-encoded changes from Redis pub/sub and fans them
// out locally. Filters are evaluated on this side.
type RedisFeed struct {
	ps         *redis.PubSub
	src        messageSource
	broker     *Broker
	cancel     context.CancelFunc
	done       chan struct{}
	minBackoff time.Duration
}

// messageSource is the receiving half of *redis.PubSub.
type messageSource interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
}

const redisMinBackoff = 500 * time.Millisecond

// NewRedisFeed pattern-subscribes to every change channel and starts the
// receive loop. The loop lives until Close.
func NewRedisFeed(ctx context.Context, cli *redis.Client, bufSize int) (*RedisFeed, error) {
	ps := cli.PSubscribe(ctx, redisChannelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis feed psubscribe: %w", err)
	}
	f := startRedisFeed(ps, bufSize, redisMinBackoff)
	f.ps = ps
	return f, nil
}

func startRedisFeed(src messageSource, bufSize int, minBackoff time.Duration) *RedisFeed {
	loopCtx, cancel := context.WithCancel(context.Background())
	f := &RedisFeed{
		src:        src,
		broker:     NewBroker(bufSize),
		cancel:     cancel,
		done:       make(chan struct{}),
		minBackoff: minBackoff,
	}
	go f.loop(loopCtx)
	return f
}

func (f *RedisFeed) Subscribe(ctx context.Context, spec Spec, h Handler, status StatusFunc) (*Handle, error) {
	return f.broker.Subscribe(ctx, spec, h, status)
}

func (f *RedisFeed) loop(ctx context.Context) {
	defer close(f.done)
	backoff := f.minBackoff
	for {
		msg, err := f.src.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// go-redis переподключается сам; подписчики узнают о разрыве и пересинхронизируются
			logger.Errorf("redis feed receive, retry in %v: %v", backoff, err)
			f.broker.FailAll(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = f.minBackoff

		c, err := decodeRedisMessage(msg)
		if err != nil {
			logger.Errorf("redis feed: %v", err)
			continue
		}
		f.broker.Publish(c)
	}
}

// decodeRedisMessage takes the table from the channel name when the payload
// leaves it out.
func decodeRedisMessage(msg *redis.Message) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
		return c, fmt.Errorf("bad payload on %s: %w", msg.Channel, err)
	}
	if c.Table == "" {
		c.Table = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
	}
	return c, nil
}

func (f *RedisFeed) Close() error {
	f.cancel()
	var err error
	if f.ps != nil {
		err = f.ps.Close()
	}
	<-f.done
	f.broker.Close()
	return err
}

// RedisPublisher publishes changes to the channel of their table.
type RedisPublisher struct {
	cli *redis.Client
}

func NewRedisPublisher(cli *redis.Client) *RedisPublisher {
	return &RedisPublisher{cli: cli}
}

func (p *RedisPublisher) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis publish encode: %w", err)
	}
	if err := p.cli.Publish(ctx, ChannelName(c.Table), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", c.Table, err)
	}
	return nil
}
