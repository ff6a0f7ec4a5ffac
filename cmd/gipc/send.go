package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/legamerdc/gipc"
	"github.com/legamerdc/gipc/client"
)

type sendOptions struct {
	clients int
	count   int
	wait    bool
	timeout time.Duration
}

func newSendCommand(root *rootOptions) *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send [flags] MESSAGE...",
		Short: "Connect to the pipe and send messages, optionally waiting for replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), root.cfg, opts, args)
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&opts.clients, "clients", "c", 1, "concurrent clients")
	flags.IntVarP(&opts.count, "count", "n", 1, "times each client sends the messages")
	flags.BoolVar(&opts.wait, "wait", true, "wait for one reply per message")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "reply timeout")
	return cmd
}

// replies 把客户端读 goroutine 上的回调转成 channel
type replies struct {
	ch     chan []byte
	closed chan error
}

func (r *replies) OnOpen(*client.Client) {}

// 不等待回复时多余的回复直接丢弃
func (r *replies) OnMessage(_ *client.Client, msg []byte) {
	select {
	case r.ch <- append([]byte(nil), msg...):
	default:
	}
}

func (r *replies) OnClose(_ *client.Client, err error) {
	r.closed <- err
	close(r.closed)
}

func runSend(ctx context.Context, cfg *cliConfig, opts sendOptions, msgs []string) error {
	if opts.clients <= 0 || opts.count <= 0 {
		return errors.Wrap(gipc.ErrInvalidArgument, "--clients and --count must be positive")
	}
	pipeCfg, err := cfg.Pipe.toConfig()
	if err != nil {
		return err
	}

	var sent, received atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.clients; i++ {
		g.Go(func() error {
			logger := log.G(gctx).WithField("client", uuid.NewString())
			h := &replies{ch: make(chan []byte, len(msgs)), closed: make(chan error, 1)}
			c, err := client.Dial(gctx, cfg.Name, pipeCfg, h)
			if err != nil {
				return err
			}
			defer c.Close()

			for n := 0; n < opts.count; n++ {
				for _, m := range msgs {
					if err := c.Send([]byte(m)); err != nil {
						return errors.Wrap(err, "send")
					}
					sent.Add(1)
					if !opts.wait {
						continue
					}
					select {
					case reply := <-h.ch:
						received.Add(1)
						logger.Debugf("reply %q", reply)
					case err := <-h.closed:
						return errors.Wrap(gipc.ErrClosed, errorString(err))
					case <-time.After(opts.timeout):
						return errors.Errorf("no reply within %s", opts.timeout)
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			return nil
		})
	}
	err = g.Wait()
	log.G(ctx).WithFields(log.Fields{
		"clients":  opts.clients,
		"sent":     sent.Load(),
		"received": received.Load(),
		"elapsed":  time.Since(start),
	}).Info("send finished")
	return err
}

func errorString(err error) string {
	if err == nil {
		return "server closed the connection"
	}
	return err.Error()
}
