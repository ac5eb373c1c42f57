package binance

import (
	"context"
	"fmt"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "userstream/config"
)

// ListenKeyService manages the lifecycle of a user data stream listen key.
type ListenKeyService interface {
	Start(ctx context.Context) (string, error)
	Keepalive(ctx context.Context, listenKey string) error
	Close(ctx context.Context, listenKey string) error
}

// RESTListenKeys calls the spot user data stream endpoints. Every call
// waits on a shared limiter so reconnect storms stay under the REST quota.
type RESTListenKeys struct {
	client  *gobinance.Client
	limiter *rate.Limiter
}

func NewRESTListenKeys(cfg *appconfig.Config, account appconfig.AccountConfig) *RESTListenKeys {
	client := gobinance.NewClient(account.APIKey, account.SecretKey)
	if cfg.Binance.RestURL != "" {
		client.BaseURL = cfg.Binance.RestURL
	}

	burst := cfg.Binance.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &RESTListenKeys{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.Binance.RateLimit.RequestsPerSecond), burst),
	}
}

func (s *RESTListenKeys) Start(ctx context.Context) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	key, err := s.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("start user stream: %w", err)
	}
	return key, nil
}

func (s *RESTListenKeys) Keepalive(ctx context.Context, listenKey string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("keepalive user stream: %w", err)
	}
	return nil
}

func (s *RESTListenKeys) Close(ctx context.Context, listenKey string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("close user stream: %w", err)
	}
	return nil
}
