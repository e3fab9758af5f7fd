package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pdmlink/internal/serial"
	"github.com/MrWong99/pdmlink/pkg/audio"
	"github.com/MrWong99/pdmlink/pkg/tlv"
)

func newDecodeCmd(c *cli) *cobra.Command {
	var (
		port      string
		baud      int
		maxLength int
		levels    bool
	)
	cmd := &cobra.Command{
		Use:   "decode [file|-]",
		Short: "Print the frames of a TLV stream",
		Long: `Decode a TLV stream from a file, standard input ("-") or a serial port and
print one line per frame. Oversized frames trigger a resync to the next SYNC
frame or block timestamp.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var src io.Reader
			switch {
			case port != "":
				if len(args) > 0 {
					return errors.New("decode: give either a file or --port, not both")
				}
				if baud <= 0 {
					baud = c.cfg.Scope.Baud
				}
				cfg := serial.DefaultConfig(port)
				cfg.Baud = baud
				p, err := serial.Open(cfg)
				if err != nil {
					return err
				}
				defer p.Close()
				src = serial.NewLiveReader(ctx, p)
			case len(args) == 0 || args[0] == "-":
				src = cmd.InOrStdin()
			default:
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			if maxLength <= 0 {
				maxLength = c.cfg.Scope.MaxFrameLength
			}
			return decodeStream(ctx, cmd.OutOrStdout(), src, maxLength, levels)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&port, "port", "p", "", "serial device to read from")
	f.IntVarP(&baud, "baud", "b", 0, "baud rate (default scope.baud)")
	f.IntVar(&maxLength, "max-length", 0, "largest accepted frame value (default scope.max_frame_length)")
	f.BoolVar(&levels, "levels", false, "append the RMS level in dBFS to PCM lines")
	return cmd
}

// decodeStream prints every frame read from src until it ends or ctx is
// cancelled. A stream that ends inside a frame is not an error.
func decodeStream(ctx context.Context, w io.Writer, src io.Reader, maxLength int, levels bool) error {
	dec := tlv.NewDecoder(src, tlv.WithMaxLength(maxLength))
	lastTS := "-"
	for {
		f, err := dec.Next()
		switch {
		case err == nil:
		case errors.Is(err, tlv.ErrFrameTooLong):
			fmt.Fprintf(w, "[ERR] %v, resyncing\n", err)
			skipped, rerr := dec.Resync()
			if rerr != nil {
				return endOfStream(ctx, rerr)
			}
			fmt.Fprintf(w, "[RESYNC] skipped %d bytes\n", skipped)
			continue
		default:
			return endOfStream(ctx, err)
		}

		switch f.Tag {
		case tlv.TagSync:
			fmt.Fprintln(w, "[SYNC]")
		case tlv.TagTimestamp:
			ts, err := f.Timestamp()
			if err != nil {
				fmt.Fprintf(w, "[TS ] malformed, len=%d\n", len(f.Value))
				continue
			}
			lastTS = fmt.Sprint(ts)
			fmt.Fprintf(w, "[TS ] %d ms\n", ts)
		case tlv.TagPCM:
			samples := audio.Samples(f.Value)
			lv := audio.Levels(samples)
			fmt.Fprintf(w, "[PCM] %d samples  min=%6d max=%6d avg=%7.1f  ts=%s", len(samples), lv.Min, lv.Max, lv.Mean, lastTS)
			if levels {
				if db := lv.DBFS(); math.IsInf(db, -1) {
					fmt.Fprint(w, "  rms=-inf dBFS")
				} else {
					fmt.Fprintf(w, "  rms=%.1f dBFS", db)
				}
			}
			fmt.Fprintln(w)
		default:
			fmt.Fprintf(w, "[TLV] type=0x%02X len=%d\n", uint8(f.Tag), len(f.Value))
		}
	}
}

func endOfStream(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("decode: %w", err)
}
