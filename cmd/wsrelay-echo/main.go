// Command wsrelay-echo is a WebSocket echo server, handy as an upstream when
// trying out wsrelay by hand.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/wsrelay/pkg/echo"
	wsrshare "github.com/sammck-go/wsrelay/share"
	flag "github.com/spf13/pflag"
)

func main() {
	listen := flag.StringP("listen", "l", ":4000", "Address to listen on")
	path := flag.String("path", "/", "URL path served")
	debug := flag.BoolP("debug", "v", false, "Debug logging")
	flag.Parse()

	logLevel := wsrshare.LogLevelInfo
	if *debug {
		logLevel = wsrshare.LogLevelDebug
	}
	logger := wsrshare.NewLogger("wsrelay-echo", logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle(*path, echo.NewServer(logger))

	logger.ILogf("Echo server listening on %s%s", *listen, *path)
	httpServer := wsrshare.NewHTTPServer(logger)
	if err := httpServer.ListenAndServe(ctx, *listen, mux); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "wsrelay-echo: %v\n", err)
		os.Exit(1)
	}
}
