package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askhub/livesync/internal/logger"
)

// PGChannel is the NOTIFY channel written by the livesync_notify() trigger.
const PGChannel = "livesync_changes"

// PGFeed listens on PGChannel using one pooled connection held for the life
// of the feed and fans changes out locally.
type PGFeed struct {
	pool   *pgxpool.Pool
	broker *Broker
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan error
}

// NewPGFeed starts listening and waits until the first LISTEN succeeds.
func NewPGFeed(ctx context.Context, pool *pgxpool.Pool, bufSize int) (*PGFeed, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	f := &PGFeed{
		pool:   pool,
		broker: NewBroker(bufSize),
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan error, 1),
	}
	go f.loop(loopCtx)
	select {
	case err := <-f.ready:
		if err != nil {
			cancel()
			<-f.done
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		<-f.done
		return nil, ctx.Err()
	}
	return f, nil
}

func (f *PGFeed) Subscribe(ctx context.Context, spec Spec, h Handler, status StatusFunc) (*Handle, error) {
	return f.broker.Subscribe(ctx, spec, h, status)
}

func (f *PGFeed) loop(ctx context.Context) {
	defer close(f.done)
	first := true
	backoff := time.Second
	for {
		err := f.listen(ctx, func() {
			if first {
				first = false
				f.ready <- nil
			}
			backoff = time.Second
		})
		if ctx.Err() != nil {
			return
		}
		if first {
			f.ready <- err
			return
		}
		logger.Errorf("pg feed: listen lost, retry in %v: %v", backoff, err)
		f.broker.FailAll(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *PGFeed) listen(ctx context.Context, onListening func()) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pg feed acquire: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+PGChannel); err != nil {
		return fmt.Errorf("pg feed listen: %w", err)
	}
	onListening()
	logger.Infof("pg feed: listening on %s", PGChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// соединение в неизвестном состоянии: не возвращаем его в пул
			conn.Hijack().Close(context.Background())
			return fmt.Errorf("pg feed wait: %w", err)
		}
		var c Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			logger.Errorf("pg feed: bad payload: %v", err)
			continue
		}
		if c.Partial {
			full, ok, err := completeRow(ctx, conn, c)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Errorf("pg feed: refetch %s row: %v", c.Table, err)
				continue
			}
			if !ok {
				// строка уже удалена, её DELETE придёт следующим уведомлением
				logger.Debugf("pg feed: %s row gone before refetch", c.Table)
				continue
			}
			c = full
		}
		f.broker.Publish(c)
	}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// completeRow replaces the cut-down New image of a partial change with the
// current row read by id. Deletes carry no New image and pass through with
// their short Old image, which still holds the key. ok is false when the row
// no longer exists.
func completeRow(ctx context.Context, q rowQuerier, c Change) (Change, bool, error) {
	if !present(c.New) {
		return c, true, nil
	}
	var key struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(c.New, &key); err != nil || key.ID == "" {
		return c, false, fmt.Errorf("partial change without id on %s", c.Table)
	}
	sql := "SELECT row_to_json(t) FROM " + pgx.Identifier{c.Table}.Sanitize() + " t WHERE t.id = $1"
	var raw []byte
	if err := q.QueryRow(ctx, sql, key.ID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, false, nil
		}
		return c, false, err
	}
	c.New = raw
	c.Partial = false
	return c, true, nil
}

func (f *PGFeed) Close() error {
	f.cancel()
	<-f.done
	return f.broker.Close()
}
