// Command pdmlink streams PDM microphone audio over a serial link as TLV
// frames and provides the host-side tools to inspect that stream.
//
//	pdmlink stream   capture → queue → TLV transmitter
//	pdmlink scope    browser oscilloscope and CSV recorder for a serial link
//	pdmlink decode   print the frames of a captured or live TLV stream
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pdmlink: %v (run without --config to use the defaults)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "pdmlink: %v\n", err)
		}
		return 1
	}
	return 0
}
