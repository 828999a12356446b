package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/relayd/internal/config"
	"github.com/die-net/relayd/internal/conn"
	"github.com/die-net/relayd/internal/logging"
	"github.com/die-net/relayd/internal/metrics"
	"github.com/die-net/relayd/internal/proxy"
	"github.com/die-net/relayd/internal/queue"
	"github.com/die-net/relayd/internal/tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()
	ka := cfg.KeepAlive()
	pc := cfg.ProxyConfig(logger, m)
	q := queue.New[*proxy.Job](cfg.QueueSize)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ConfigFile != "" {
		logger.Info("loaded config file", zap.String("path", cfg.ConfigFile))
	}

	if cfg.DebugListen != "" {
		http.Handle("/metrics", m.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", zap.String("addr", cfg.DebugListen))
	}

	serve := func(name, addr string, ln net.Listener, handshake proxy.HandshakeFunc) {
		a := proxy.NewAcceptor(name, pc, q, handshake)
		g.Go(func() error {
			if err := a.Serve(ctx, ln); err != nil {
				return fmt.Errorf("%s serve: %w", name, err)
			}
			return nil
		})
		logger.Info("proxy listening", zap.String("source", name), zap.String("addr", addr))
	}

	if cfg.HTTPListen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp", cfg.HTTPListen, ka, conn.ReuseAddr)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		serve(proxy.SourceHTTP, cfg.HTTPListen, ln, nil)
	}

	if cfg.SOCKS5Listen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp", cfg.SOCKS5Listen, ka, conn.ReuseAddr)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		serve(proxy.SourceSOCKS5, cfg.SOCKS5Listen, ln, proxy.SOCKS5Handshake(cfg.SOCKS5Auth()))
	}

	if cfg.TProxyListen != "" {
		ln, err := tproxy.Listen(ctx, cfg.TProxyListen, ka)
		if err != nil {
			return fmt.Errorf("tproxy listen: %w", err)
		}
		serve(proxy.SourceTProxy, cfg.TProxyListen, ln, tproxy.Handshake)
	}

	d := proxy.NewDispatcher(pc, q)
	g.Go(func() error {
		return d.Run(ctx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
