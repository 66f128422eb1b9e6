package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/askhub/livesync/internal/logger"
)

// Publisher sends a change to a shared transport.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Relay copies every change of tables from src to pub until ctx is done,
// e.g. from a single Postgres LISTEN connection to Redis for many syncd
// instances. A channel error resubscribes after a pause.
func Relay(ctx context.Context, src Feed, pub Publisher, tables ...string) error {
	if len(tables) == 0 {
		return fmt.Errorf("relay: no tables")
	}
	errs := make(chan error, len(tables))
	handles := make([]*Handle, 0, len(tables))
	defer func() {
		for _, h := range handles {
			_ = h.Unsubscribe()
		}
	}()

	subscribe := func(table string) (*Handle, error) {
		return src.Subscribe(ctx, Spec{Table: table, Events: All}, func(c Change) {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := pub.Publish(pctx, c); err != nil {
				logger.Errorf("relay %s: %v", c.Table, err)
			}
		}, func(st Status, err error) {
			if st == StatusChannelError {
				errs <- fmt.Errorf("relay %s: %w", table, err)
			}
		})
	}

	byTable := make(map[string]int, len(tables))
	for _, t := range tables {
		h, err := subscribe(t)
		if err != nil {
			return err
		}
		byTable[t] = len(handles)
		handles = append(handles, h)
	}
	logger.Infof("relay: forwarding %v", tables)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			logger.Errorf("%v; resubscribing", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			for drained := false; !drained; {
				select {
				case <-errs:
				default:
					drained = true
				}
			}
			for t, i := range byTable {
				if handles[i] != nil {
					_ = handles[i].Unsubscribe()
				}
				h, serr := subscribe(t)
				if serr != nil {
					handles[i] = nil
					select {
					case errs <- fmt.Errorf("relay resubscribe %s: %w", t, serr):
					default:
					}
					continue
				}
				handles[i] = h
			}
		}
	}
}
