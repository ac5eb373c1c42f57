package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "userstream/config"
	"userstream/internal/userdata"
	"userstream/logger"
)

// UserStreamReader keeps one account's user data stream open. It owns the
// listen key, renews it, and rotates to a new key when renewal fails or the
// exchange reports the key as expired. Frames are handed to the dispatcher
// under the current key.
type UserStreamReader struct {
	config     *appconfig.Config
	account    appconfig.AccountConfig
	identity   userdata.Identity
	keys       ListenKeyService
	dispatcher *userdata.Dispatcher
	streams    *Streams
	dialer     *websocket.Dialer

	ctx        context.Context
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	listenKey  string
	connCancel context.CancelFunc
	renew      chan struct{}
	log        *logger.Log
}

func NewUserStreamReader(cfg *appconfig.Config, account appconfig.AccountConfig, keys ListenKeyService, dispatcher *userdata.Dispatcher, streams *Streams) *UserStreamReader {
	if streams == nil {
		streams = NewStreams()
	}
	return &UserStreamReader{
		config:     cfg,
		account:    account,
		identity:   userdata.Identity(account.Name),
		keys:       keys,
		dispatcher: dispatcher,
		streams:    streams,
		dialer:     websocket.DefaultDialer,
		wg:         &sync.WaitGroup{},
		renew:      make(chan struct{}, 1),
		log:        logger.GetLogger(),
	}
}

// Registration is a handler installed by Start before the first frame is
// read.
type Registration struct {
	Category userdata.Category
	Handler  userdata.Handler
}

// Start obtains a listen key, registers initial on it and launches the read
// and keepalive workers. Frames for a stream with no registration are
// dropped, so callers that need every event pass at least one here instead
// of subscribing after Start returns.
func (r *UserStreamReader) Start(ctx context.Context, initial ...Registration) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("user stream reader for %s already running", r.account.Name)
	}
	r.running = true
	r.mu.Unlock()

	log := r.log.WithComponent("binance_user_reader").WithFields(logger.Fields{
		"account":   r.account.Name,
		"operation": "Start",
	})

	fail := func(err error) error {
		r.mu.Lock()
		r.running = false
		r.listenKey = ""
		r.mu.Unlock()
		return fmt.Errorf("failed to start user data stream for %s: %w", r.account.Name, err)
	}

	key, err := r.keys.Start(ctx)
	if err != nil {
		log.WithError(err).Error("failed to obtain listen key")
		return fail(err)
	}

	registry := r.dispatcher.Registry()
	for _, reg := range initial {
		if _, err := registry.Subscribe(key, r.identity, reg.Category, reg.Handler); err != nil {
			log.WithError(err).WithField("category", reg.Category.String()).Error("failed to register initial handler")
			_ = registry.UnsubscribeStream(key)
			closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if cerr := r.keys.Close(closeCtx, key); cerr != nil {
				log.WithError(cerr).Warn("failed to close listen key")
			}
			done()
			return fail(err)
		}
	}

	r.mu.Lock()
	r.listenKey = key
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	r.streams.Add(key, r.account.Name)

	r.wg.Add(2)
	go r.readLoop()
	go r.keepaliveLoop()

	log.WithField("registrations", len(initial)).Info("user data stream reader started")
	return nil
}

// Stop ends both workers, closes the listen key and releases every
// registration made on it.
func (r *UserStreamReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	log := r.log.WithComponent("binance_user_reader").WithField("account", r.account.Name)
	log.Info("stopping user data stream reader")

	cancel()
	r.wg.Wait()

	key := r.ListenKey()
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := r.keys.Close(ctx, key); err != nil {
		log.WithError(err).Warn("failed to close listen key")
	}
	r.streams.Remove(key)
	if err := r.dispatcher.Registry().UnsubscribeStream(key); err != nil {
		log.WithError(err).Warn("failed to release stream registrations")
	}

	log.Info("user data stream reader stopped")
}

// ListenKey returns the key currently in use.
func (r *UserStreamReader) ListenKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listenKey
}

func (r *UserStreamReader) Identity() userdata.Identity {
	return r.identity
}

// Subscribe registers handler on the current listen key. Registrations
// follow the key through rotations.
func (r *UserStreamReader) Subscribe(category userdata.Category, handler userdata.Handler) (userdata.SubscriptionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.listenKey == "" {
		return "", fmt.Errorf("user stream reader for %s not started", r.account.Name)
	}
	return r.dispatcher.Registry().Subscribe(r.listenKey, r.identity, category, handler)
}

func (r *UserStreamReader) Unsubscribe(category userdata.Category, id userdata.SubscriptionID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.listenKey == "" {
		return nil
	}
	return r.dispatcher.Registry().Unsubscribe(r.listenKey, category, id)
}

func (r *UserStreamReader) readLoop() {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_user_reader").WithFields(logger.Fields{
		"account": r.account.Name,
		"worker":  "user_stream",
	})
	delay := r.config.Binance.ReconnectDelay

	for {
		if r.ctx.Err() != nil {
			return
		}

		key := r.ListenKey()
		url := strings.TrimRight(r.config.Binance.WSURL, "/") + "/" + key
		conn, _, err := r.dialer.DialContext(r.ctx, url, nil)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to connect to user data stream")
			if waitForReconnect(r.ctx, delay) {
				return
			}
			continue
		}

		connCtx, connCancel := context.WithCancel(r.ctx)
		if !r.attach(key, connCancel) {
			connCancel()
			conn.Close()
			continue
		}
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()

		log.Debug("connected to user data stream")
		pingCancel := startPingLoop(connCtx, conn, r.config.Binance.PingInterval, log)

		err = r.readMessages(connCtx, conn, log)

		pingCancel()
		connCancel()

		if r.ctx.Err() != nil {
			return
		}
		if r.ListenKey() != key {
			log.Info("reconnecting on rotated listen key")
			continue
		}
		if err != nil {
			log.WithError(err).Warn("user data stream read loop ended")
		}
		if waitForReconnect(r.ctx, delay) {
			return
		}
	}
}

// attach records cancel as the way to drop the current connection, unless
// the key rotated while dialing.
func (r *UserStreamReader) attach(key string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listenKey != key {
		return false
	}
	r.connCancel = cancel
	return true
}

func (r *UserStreamReader) readMessages(ctx context.Context, conn *websocket.Conn, log *logger.Entry) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		logger.RecordFrame(r.account.Name, len(msg))

		if isListenKeyExpired(msg) {
			log.Warn("listen key expired")
			r.requestRenewal()
			continue
		}
		r.dispatcher.DecodeAndDispatch(r.ctx, r.ListenKey(), msg)
	}
}

func (r *UserStreamReader) requestRenewal() {
	select {
	case r.renew <- struct{}{}:
	default:
	}
}

func (r *UserStreamReader) keepaliveLoop() {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_user_reader").WithFields(logger.Fields{
		"account": r.account.Name,
		"worker":  "keepalive",
	})

	interval := r.config.Binance.KeepaliveInterval
	if interval <= 0 {
		interval = defaultKeepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			err := r.keys.Keepalive(r.ctx, r.ListenKey())
			if err == nil {
				log.Debug("listen key renewed")
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("listen key keepalive failed, starting a new stream")
			r.rotateListenKey(log)
		case <-r.renew:
			r.rotateListenKey(log)
		}
	}
}

// rotateListenKey starts a new stream, moves every registration onto it
// and drops the current connection so the read loop dials the new key.
func (r *UserStreamReader) rotateListenKey(log *logger.Entry) {
	newKey, err := r.keys.Start(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("failed to start a new user data stream")
		time.AfterFunc(r.config.Binance.ReconnectDelay, r.requestRenewal)
		return
	}

	r.mu.Lock()
	oldKey := r.listenKey
	if newKey != oldKey {
		r.listenKey = newKey
		r.dispatcher.HandleIdentifierRotation(oldKey, newKey)
	}
	if r.connCancel != nil {
		r.connCancel()
	}
	r.mu.Unlock()
}
