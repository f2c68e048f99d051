package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sammck-go/wsrelay/pkg/relay"
	wsrshare "github.com/sammck-go/wsrelay/share"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// Execute parses args and runs the relay until ctx is done
func Execute(ctx context.Context, args []string, stderr io.Writer) error {
	var (
		flagCfg     relay.Config
		configPath  string
		debug       bool
		check       bool
		showVersion bool
		showHelp    bool
	)
	fs := flag.NewFlagSet("wsrelay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&flagCfg.ListenAddr, "listen", "l", relay.DefaultListenAddr, "Address to accept client WebSockets on")
	fs.StringVarP(&flagCfg.UpstreamURL, "upstream", "u", "", "Upstream WebSocket URL dialed for every client (required)")
	fs.DurationVar(&flagCfg.ConnectTimeout, "connect-timeout", relay.DefaultConnectTimeout, "Upstream dial and handshake timeout")
	fs.DurationVar(&flagCfg.WriteTimeout, "write-timeout", relay.DefaultWriteTimeout, "Per-message write timeout (0 disables)")
	fs.Int64Var(&flagCfg.ReadLimit, "read-limit", 0, "Largest accepted message in bytes (0 is unlimited)")
	fs.IntVar(&flagCfg.MaxPendingMessages, "max-pending", relay.DefaultMaxPendingMessages, "Client messages queued while the upstream is dialed")
	fs.BoolVar(&flagCfg.DialOnAccept, "dial-on-accept", false, "Dial the upstream when a client connects instead of on its first message")
	fs.StringVar(&flagCfg.LogLevel, "log-level", "info", "panic|fatal|error|warning|info|debug|trace")
	fs.StringVar(&flagCfg.LogFormat, "log-format", "plain", "plain|text|json")
	fs.BoolVarP(&debug, "debug", "v", false, "Shorthand for --log-level debug")
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file; log_level changes apply live")
	fs.BoolVar(&check, "check", false, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		fmt.Fprintf(stderr, "Usage: wsrelay --upstream ws://host:port/path [options]\n\n")
		fs.PrintDefaults()
		return nil
	}
	if showVersion {
		fmt.Fprintf(stderr, "wsrelay %s\n", wsrshare.BuildVersion)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg, err := buildConfig(fs, &flagCfg, configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	var logLevel wsrshare.LogLevel
	if err := logLevel.FromString(cfg.LogLevel); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if check {
		fmt.Fprintf(stderr, "configuration OK: %s -> %s\n", cfg.ListenAddr, cfg.UpstreamURL)
		return nil
	}

	logger, err := wsrshare.NewSinkLogger(stderr, cfg.LogFormat, "wsrelay", logLevel)
	if err != nil {
		return err
	}
	server, err := relay.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the watcher has nothing to do once the server is gone
		defer cancel()
		return server.Run(gctx)
	})
	if configPath != "" {
		watcher, err := wsrshare.NewFileWatcher(logger, configPath, func(path string) {
			reloadLogLevel(logger, path)
		})
		if err != nil {
			logger.WLogf("Not watching %s: %s", configPath, err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}
	return g.Wait()
}

// buildConfig layers defaults, the config file, the environment, and explicitly
// set flags, in that order
func buildConfig(fs *flag.FlagSet, flagCfg *relay.Config, configPath string) (relay.Config, error) {
	cfg := relay.DefaultConfig()
	if configPath != "" {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := loadFromEnv(&cfg); err != nil {
		return cfg, err
	}
	if fs.Changed("listen") {
		cfg.ListenAddr = flagCfg.ListenAddr
	}
	if fs.Changed("upstream") {
		cfg.UpstreamURL = flagCfg.UpstreamURL
	}
	if fs.Changed("connect-timeout") {
		cfg.ConnectTimeout = flagCfg.ConnectTimeout
	}
	if fs.Changed("write-timeout") {
		cfg.WriteTimeout = flagCfg.WriteTimeout
	}
	if fs.Changed("read-limit") {
		cfg.ReadLimit = flagCfg.ReadLimit
	}
	if fs.Changed("max-pending") {
		cfg.MaxPendingMessages = flagCfg.MaxPendingMessages
	}
	if fs.Changed("dial-on-accept") {
		cfg.DialOnAccept = flagCfg.DialOnAccept
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = flagCfg.LogFormat
	}
	return cfg, nil
}

// reloadLogLevel applies log_level from a changed config file. Other settings
// only take effect on restart.
func reloadLogLevel(logger wsrshare.Logger, path string) {
	// editors often truncate before writing; give the write a moment to land
	time.Sleep(50 * time.Millisecond)
	var cfg relay.Config
	if err := loadConfigFile(path, &cfg); err != nil {
		logger.WLogf("Ignoring unreadable config change: %s", err)
		return
	}
	if cfg.LogLevel == "" {
		return
	}
	var level wsrshare.LogLevel
	if err := level.FromString(cfg.LogLevel); err != nil {
		logger.WLogf("Ignoring config change: %s", err)
		return
	}
	if level != logger.GetLogLevel() {
		logger.SetLogLevel(level)
		logger.ILogf("Log level is now %s", level)
	}
}
