package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/legamerdc/gipc/server"
)

type serveOptions struct {
	duration time.Duration
	restarts int
	echo     bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept clients on the pipe and echo or log their messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root.cfg, opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 waits for a signal)")
	flags.IntVar(&opts.restarts, "restarts", 3, "restart the acceptor this many times after a failure")
	flags.BoolVar(&opts.echo, "echo", true, "send every message back to its sender")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func runServe(ctx context.Context, cfg *cliConfig, opts serveOptions) error {
	pipeCfg, err := cfg.Pipe.toConfig()
	if err != nil {
		return err
	}
	logger := log.G(ctx).WithField("name", cfg.Name)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	srvOpts := []server.Option{server.WithLogger(logger), server.WithRestart(opts.restarts)}
	var reg *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector())
		reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
		srvOpts = append(srvOpts, server.WithMetrics(reg))
	}

	s, err := server.New(cfg.Name, pipeCfg, srvOpts...)
	if err != nil {
		return err
	}
	defer s.Close()

	fatal := make(chan error, 1)
	s.SetConnectionCallback(func(c *server.Conn, err error) {
		l := logger.WithField("conn", c.ID)
		if c.Connected() {
			l.Info("client connected")
			return
		}
		l.WithError(err).Info("client disconnected")
	})
	s.SetMessageCallback(func(c *server.Conn, msg []byte) {
		logger.WithFields(log.Fields{"conn": c.ID, "bytes": len(msg)}).Debugf("message %q", msg)
		if opts.echo {
			if err := c.Send(msg); err != nil {
				logger.WithError(err).WithField("conn", c.ID).Warn("echo failed")
			}
		}
	})
	restartsLeft := opts.restarts
	s.SetExceptionCallback(func(err error) {
		if err == nil {
			return
		}
		if restartsLeft--; restartsLeft < 0 {
			select {
			case fatal <- err:
			default:
			}
		}
	})
	if err := s.Listen(); err != nil {
		return err
	}
	logger.WithField("path", s.Path()).Info("serving")

	g, gctx := errgroup.WithContext(ctx)
	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-fatal:
			return err
		}
	})
	err = g.Wait()
	s.Stop()
	logger.Info("stopped")
	return err
}
