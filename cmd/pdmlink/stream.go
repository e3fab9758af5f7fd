package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pdmlink/internal/capture"
	"github.com/MrWong99/pdmlink/internal/config"
	"github.com/MrWong99/pdmlink/internal/health"
	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/internal/pipeline"
	"github.com/MrWong99/pdmlink/internal/pool"
	"github.com/MrWong99/pdmlink/internal/queue"
	"github.com/MrWong99/pdmlink/internal/serial"
	"github.com/MrWong99/pdmlink/internal/trigger"
)

const (
	shutdownTimeout = 15 * time.Second

	// statsDelay coalesces bursts of stats requests into one report.
	statsDelay = 100 * time.Millisecond
)

func newStreamCmd(c *cli) *cobra.Command {
	var (
		output string
		port   string
		out    string
		file   string
		listen string
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Capture audio and transmit it as TLV frames",
		Long: `Capture PCM blocks from the configured device and transmit each one as a
timestamp frame followed by a PCM frame. A SYNC frame is sent once at start.

Send SIGUSR1 to log a statistics snapshot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if output != "" {
				cfg.Output.Kind = config.OutputKind(output)
			}
			if port != "" {
				cfg.Output.Kind = config.OutputSerial
				cfg.Output.Device = port
			}
			if out != "" {
				cfg.Output.Kind = config.OutputFile
				cfg.Output.Path = out
			}
			if file != "" {
				cfg.Capture.Device = config.DeviceFile
				cfg.Capture.File = file
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.ListenAddr = listen
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return c.stream(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&output, "output", "", "output kind: serial, file or stdout")
	f.StringVarP(&port, "port", "p", "", "serial device to transmit on (implies --output serial)")
	f.StringVarP(&out, "out", "o", "", "file to write the TLV stream to (implies --output file)")
	f.StringVarP(&file, "file", "f", "", "raw s16le PCM file to replay instead of the tone device")
	f.StringVar(&listen, "listen", "", "health and metrics address; empty disables it")
	return cmd
}

func (c *cli) stream(ctx context.Context, cfg *config.Config) error {
	log := c.log

	tel, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:    "pdmlink",
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

	cc := cfg.Capture
	blocks, err := pool.New(cc.BlockCount, cc.BlockSize())
	if err != nil {
		return err
	}
	q, err := queue.New(cfg.Queue.Capacity)
	if err != nil {
		return err
	}

	dev, closeDev, err := openDevice(cc)
	if err != nil {
		return err
	}
	defer closeDev()

	ch, err := serial.OpenOutput(serial.OutputConfig{
		Kind:       string(cfg.Output.Kind),
		Device:     cfg.Output.Device,
		Baud:       cfg.Output.Baud,
		Path:       cfg.Output.Path,
		BufferSize: cfg.Output.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Warn("close output", "err", err)
		}
	}()

	p, err := pipeline.New(dev, ch, pipeline.Config{
		Stream: capture.StreamConfig{
			SampleRate: cc.SampleRate,
			Width:      cc.Width,
			Channels:   cc.Channels,
			BlockSize:  cc.BlockSize(),
			Pool:       blocks,
		},
		Queue: q,
	},
		pipeline.WithLogger(log),
		pipeline.WithMetrics(metrics),
		pipeline.WithReadTimeout(cc.DeviceReadTimeout()),
	)
	if err != nil {
		return err
	}

	log.Info("streaming",
		"device", cc.Device,
		"output", cfg.Output.Kind,
		"sample_rate_hz", cc.SampleRate,
		"channels", cc.Channels,
		"block_bytes", cc.BlockSize(),
		"blocks", cc.BlockCount,
		"queue", cfg.Queue.Capacity,
	)

	report := trigger.New(statsDelay)
	stopNotify := notifyStats(report)
	defer stopNotify()

	g, ctx := errgroup.WithContext(ctx)
	if w := c.configWatcher(); w != nil {
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error {
		return report.Run(ctx, func(context.Context) {
			log.Info("pipeline stats", "tx_state", p.TxState(), "stats", p.Stats().Snapshot())
		})
	})

	if addr := cfg.Server.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		health.New(health.Func("pipeline", func() error {
			if !p.Running() {
				return errors.New("pipeline not running")
			}
			return nil
		})).Register(mux)
		mux.Handle("GET /metrics", tel.Handler())

		srv := &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openDevice builds the configured sampling device. The returned func
// releases any file it opened.
func openDevice(cc config.CaptureConfig) (capture.Device, func(), error) {
	switch cc.Device {
	case config.DeviceFile:
		f, err := os.Open(cc.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open capture file: %w", err)
		}
		return capture.NewReader(f, cc.Loop), func() { _ = f.Close() }, nil
	default:
		return capture.NewTone(cc.ToneHz, cc.Amplitude), func() {}, nil
	}
}
