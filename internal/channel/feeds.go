package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"userstream/internal/metrics"
	"userstream/internal/userdata"
	"userstream/logger"
)

// ErrFeedClosed is returned by Publish after Close.
var ErrFeedClosed = errors.New("feeds closed")

type FeedStats struct {
	AccountSent    int64
	AccountDropped int64
	OrderSent      int64
	OrderDropped   int64
	TradeSent      int64
	TradeDropped   int64
}

// Feeds holds one buffered channel per event kind. Every decoded event is
// offered to the matching channel after the registered handlers ran.
type Feeds struct {
	Account chan *userdata.AccountUpdate
	Order   chan *userdata.OrderUpdate
	Trade   chan *userdata.TradeUpdate

	stats      FeedStats
	statsMutex sync.RWMutex

	closeMu sync.RWMutex
	closed  bool
	log     *logger.Log
}

func NewFeeds(bufferSize int) *Feeds {
	log := logger.GetLogger()
	f := &Feeds{
		Account: make(chan *userdata.AccountUpdate, bufferSize),
		Order:   make(chan *userdata.OrderUpdate, bufferSize),
		Trade:   make(chan *userdata.TradeUpdate, bufferSize),
		log:     log,
	}

	log.WithComponent("feeds").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("user data feeds initialized")

	return f
}

// Close closes every channel. Sends after Close report false.
func (f *Feeds) Close() {
	f.closeMu.Lock()
	if f.closed {
		f.closeMu.Unlock()
		return
	}
	f.closed = true
	close(f.Account)
	close(f.Order)
	close(f.Trade)
	f.closeMu.Unlock()

	f.log.WithComponent("feeds").Info("user data feeds closed")
}

func (f *Feeds) SendAccount(ctx context.Context, ev *userdata.AccountUpdate) bool {
	sent, dropped := offer(f, ctx, f.Account, ev)
	f.count(&f.stats.AccountSent, &f.stats.AccountDropped, sent, dropped)
	return sent
}

func (f *Feeds) SendOrder(ctx context.Context, ev *userdata.OrderUpdate) bool {
	sent, dropped := offer(f, ctx, f.Order, ev)
	f.count(&f.stats.OrderSent, &f.stats.OrderDropped, sent, dropped)
	return sent
}

func (f *Feeds) SendTrade(ctx context.Context, ev *userdata.TradeUpdate) bool {
	sent, dropped := offer(f, ctx, f.Trade, ev)
	f.count(&f.stats.TradeSent, &f.stats.TradeDropped, sent, dropped)
	return sent
}

// Publish routes ev to the channel for its kind. A full buffer is not a
// handler failure: the drop is counted in the stats and as a feed_full drop
// and Publish returns nil.
func (f *Feeds) Publish(ctx context.Context, ev userdata.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var sent bool
	switch e := ev.(type) {
	case *userdata.AccountUpdate:
		sent = f.SendAccount(ctx, e)
	case *userdata.TradeUpdate:
		sent = f.SendTrade(ctx, e)
	case *userdata.OrderUpdate:
		sent = f.SendOrder(ctx, e)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
	if sent {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if f.isClosed() {
		return ErrFeedClosed
	}
	metrics.RecordDrop(metrics.DropFeedFull)
	return nil
}

func (f *Feeds) GetStats() FeedStats {
	f.statsMutex.RLock()
	defer f.statsMutex.RUnlock()
	return f.stats
}

func (f *Feeds) isClosed() bool {
	f.closeMu.RLock()
	defer f.closeMu.RUnlock()
	return f.closed
}

func (f *Feeds) count(sentCounter, droppedCounter *int64, sent, dropped bool) {
	if !sent && !dropped {
		return
	}
	f.statsMutex.Lock()
	if sent {
		*sentCounter++
	} else {
		*droppedCounter++
	}
	f.statsMutex.Unlock()
}

// offer makes a non-blocking send. A cancelled ctx or closed feeds report
// neither sent nor dropped.
func offer[T any](f *Feeds, ctx context.Context, ch chan T, v T) (sent, dropped bool) {
	if ctx.Err() != nil {
		return false, false
	}

	f.closeMu.RLock()
	defer f.closeMu.RUnlock()
	if f.closed {
		return false, false
	}

	select {
	case ch <- v:
		return true, false
	default:
		return false, true
	}
}
