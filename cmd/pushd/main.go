// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/askhub/livesync/internal/config"
	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/push"
	"github.com/askhub/livesync/internal/startup"
)

func main() {
	logger.SetPrefix("pushd")
	defer logger.Flush()
	genVAPID := flag.Bool("gen-vapid", false, "print a fresh VAPID key pair and exit")
	flag.Parse()

	if *genVAPID {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			logger.Flush()
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("VAPID_PRIVATE_KEY=%s", priv)
		return
	}
	if err := run(); err != nil {
		logger.Errorf("push: %v", err)
		logger.Flush()
		os.Exit(1)
	}
}

func run() error {
	logger.Info("starting push service")
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysPath)
	if err != nil {
		logger.Infof("VAPID: не удалось загрузить/сгенерировать ключи: %v, отправка отключена", err)
	}
	vapid := keys.Options(cfg.Push.Subscriber)
	if vapid == nil {
		logger.Info("VAPID keys missing: subscriptions are stored, nothing is sent")
	}

	rdb, err := startup.ConnectRedis(ctx, cfg.Redis.URL, 30*time.Second)
	if err != nil {
		return err
	}
	defer rdb.Close()

	var publicKey string
	if keys != nil {
		publicKey = keys.PublicKey
	}
	srv := &http.Server{
		Addr:         cfg.Push.Addr,
		Handler:      push.NewServer(push.NewDispatcher(push.NewRedisStore(rdb), vapid), publicKey).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("push server listening on %s", cfg.Push.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
	return nil
}
