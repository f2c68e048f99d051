// Command wsrelay-probe connects to a relay, sends each argument as a message and
// prints the reply to each one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sammck-go/wsrelay/pkg/probe"
	wsrshare "github.com/sammck-go/wsrelay/share"
	flag "github.com/spf13/pflag"
)

func main() {
	var cfg probe.Config
	flag.StringVarP(&cfg.URL, "url", "u", "ws://localhost:9002/", "Relay URL")
	flag.BoolVarP(&cfg.Binary, "binary", "b", false, "Send binary messages")
	flag.IntVarP(&cfg.MaxAttempts, "attempts", "a", 5, "Connection attempts before giving up")
	flag.DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", 5*time.Second, "Longest wait between connection attempts")
	flag.DurationVar(&cfg.ReplyTimeout, "reply-timeout", 10*time.Second, "Wait for each reply")
	debug := flag.BoolP("debug", "v", false, "Debug logging")
	flag.Parse()
	cfg.Messages = flag.Args()
	if len(cfg.Messages) == 0 {
		cfg.Messages = []string{"ping"}
	}

	logLevel := wsrshare.LogLevelInfo
	if *debug {
		logLevel = wsrshare.LogLevelDebug
	}
	logger := wsrshare.NewLogger("wsrelay-probe", logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	replies, err := probe.Run(ctx, logger, cfg)
	for _, r := range replies {
		fmt.Println(r)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsrelay-probe: %v\n", err)
		os.Exit(1)
	}
}
