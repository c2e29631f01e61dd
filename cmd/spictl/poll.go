package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/spilink/internal/logging"
	"github.com/danmuck/spilink/internal/observability"
	"github.com/danmuck/spilink/internal/protocol"
	"github.com/danmuck/spilink/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type pollOptions struct {
	count       int
	attempts    int
	maxDelay    time.Duration
	keep        bool
	metricsAddr string
}

func newPollCmd(opts *options) *cobra.Command {
	var po pollOptions
	cmd := &cobra.Command{
		Use:   "poll <stream>",
		Short: "Wait for messages on a stream, printing and popping each one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if po.metricsAddr != "" {
				_, shutdown, err := serveMetrics(po.metricsAddr)
				if err != nil {
					return err
				}
				defer shutdown()
			}
			return opts.withEngine(func(eng *session.Engine) error {
				return opts.poll(ctx, eng, args[0], po)
			})
		},
	}
	cmd.Flags().IntVarP(&po.count, "count", "n", 1, "messages to receive before exiting (0 runs until interrupted)")
	cmd.Flags().IntVar(&po.attempts, "attempts", 0, "give up after this many empty polls per message (0 is unbounded)")
	cmd.Flags().DurationVar(&po.maxDelay, "max-delay", session.DefaultPollConfig().MaxDelay, "longest wait between empty polls")
	cmd.Flags().BoolVar(&po.keep, "keep", false, "leave messages queued instead of popping them")
	cmd.Flags().StringVar(&po.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while polling")
	return cmd
}

func (o *options) poll(ctx context.Context, eng *session.Engine, stream string, po pollOptions) error {
	cfg := session.DefaultPollConfig()
	cfg.MaxAttempts = po.attempts
	cfg.MaxDelay = po.maxDelay
	log := logging.Component("poll")

	for received := 0; po.count == 0 || received < po.count; received++ {
		var msg protocol.Message
		err := session.Poll(ctx, cfg, func() error {
			m, err := eng.FetchMessage(stream)
			if err != nil {
				return err
			}
			msg = m
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) && po.count == 0 {
				log.Info().Int("received", received).Msg("poll interrupted")
				return nil
			}
			return fmt.Errorf("poll %s after %d message(s): %w", stream, received, err)
		}
		o.printMessage(stream, msg, true)
		if po.keep {
			continue
		}
		if err := eng.PopMessage(stream); err != nil {
			return err
		}
	}
	return nil
}

func metricsRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// serveMetrics exposes the default prometheus registry on addr until the
// returned func is called. The bound address is returned so ":0" works.
func serveMetrics(addr string) (string, func(), error) {
	observability.RegisterMetrics()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: metricsRouter(), ReadHeaderTimeout: 5 * time.Second}
	log := logging.Component("metrics")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	bound := ln.Addr().String()
	log.Info().Str("addr", bound).Msg("serving metrics")
	return bound, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
