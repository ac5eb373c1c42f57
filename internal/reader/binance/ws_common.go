package binance

import (
	"bytes"
	"context"
	"time"

	"github.com/gorilla/websocket"

	"userstream/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second

	// Binance expires a listen key after 60 minutes without a keepalive.
	defaultKeepaliveInterval = 30 * time.Minute
)

var listenKeyExpired = []byte(`"listenKeyExpired"`)

func isListenKeyExpired(msg []byte) bool {
	return bytes.Contains(msg, listenKeyExpired)
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					if pingCtx.Err() == nil {
						log.WithError(err).Warn("failed to send websocket ping")
					}
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
