package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/internal/recorder"
	"github.com/MrWong99/pdmlink/internal/scope"
)

func newScopeCmd(c *cli) *cobra.Command {
	var (
		listen string
		port   string
		baud   int
	)
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Serve a live oscilloscope and recorder for a TLV serial link",
		Long: `Serve the scope API and websocket. Clients pick a serial port through
POST /api/connect; with --port the scope connects on start-up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := c.cfg.Scope
			if listen != "" {
				sc.ListenAddr = listen
			}
			if baud > 0 {
				sc.Baud = baud
			}
			c.cfg.Scope = sc
			return c.scope(cmd.Context(), port)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&listen, "listen", "l", "", "HTTP listen address (default scope.listen_addr)")
	f.StringVarP(&port, "port", "p", "", "serial device to connect to on start-up")
	f.IntVarP(&baud, "baud", "b", 0, "baud rate (default scope.baud)")
	return cmd
}

func (c *cli) scope(ctx context.Context, port string) error {
	log := c.log
	sc := c.cfg.Scope

	tel, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:    "pdmlink-scope",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := tel.Metrics

	rec, err := recorder.New(sc.RecordingsDir, recorder.WithLogger(log))
	if err != nil {
		return err
	}

	hub := scope.NewHub(scope.HubConfig{
		WaveSeconds:    sc.WaveSeconds,
		SampleRate:     sc.SampleRate,
		Channels:       sc.Channels,
		MaxFrameLength: sc.MaxFrameLength,
		FrameQueue:     sc.FrameQueue,
		LogFrames:      sc.LogFrames,
		Recorder:       rec,
	}, scope.WithLogger(log), scope.WithMetrics(metrics))
	defer func() {
		if err := hub.Close(); err != nil {
			log.Warn("close scope hub", "err", err)
		}
	}()

	srv := scope.NewServer(hub, scope.ServerConfig{
		DefaultBaud: sc.Baud,
		AutoRecord:  sc.AutoRecording(),
	},
		scope.WithServerLogger(log),
		scope.WithServerMetrics(metrics),
		scope.WithMetricsHandler(tel.Handler()),
	)

	if port != "" {
		if err := hub.Connect(ctx, port, sc.Baud, sc.SampleRate); err != nil {
			return err
		}
		if sc.AutoRecording() {
			if _, err := hub.StartRecording(); err != nil {
				log.Warn("auto record", "err", err)
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if w := c.configWatcher(); w != nil {
		g.Go(func() error { return w.Run(ctx) })
	}

	httpSrv := &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Websocket connections are hijacked and not waited on by Shutdown;
		// they end with their request context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		log.Info("scope listening", "addr", sc.ListenAddr, "recordings", rec.Dir())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
