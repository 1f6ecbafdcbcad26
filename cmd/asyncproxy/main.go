package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"asyncproxy/internal/application"
	"asyncproxy/internal/config"
	"asyncproxy/internal/infrastructure/resolver"
	"asyncproxy/pkg/logger"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath string
	listenPort uint16
	bind       string
	to         string
	unixPath   string
	allow      []string
	bindOut    string
	backend    string
	verbose    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("asyncproxy", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "YAML rule file; reloaded when it changes")
	flagSet.Uint16VarP(&opts.listenPort, "listen-port", "p", 0, "local port to accept connections on (single rule mode)")
	flagSet.StringVar(&opts.bind, "bind", "127.0.0.1", "local address to listen on")
	flagSet.StringVar(&opts.to, "to", "", "destination host:port")
	flagSet.StringVar(&opts.unixPath, "unix", "", "destination unix socket path")
	flagSet.StringSliceVar(&opts.allow, "allow", nil, "peer addresses allowed to connect (default: all)")
	flagSet.StringVar(&opts.bindOut, "bind-out", "", "source address for outbound connections")
	flagSet.StringVar(&opts.backend, "backend", "pump", "forwarder backend: pump or stream")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log every session")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if opts.verbose {
		level = logger.ParseLevel("debug")
	}
	log := logger.Setup(os.Stderr, level)
	sink := logger.NewSink(log, os.Stderr)

	supervisor := application.NewSupervisor(sink, resolver.Default())
	if err := supervisor.Apply(cfg); err != nil {
		supervisor.Shutdown()
		return err
	}
	log.Info("Proxy running", "rules", supervisor.Rules(), "backend", cfg.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if opts.configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, opts.configPath,
				func(next *config.Config) {
					log.Info("Reloading rules", "path", opts.configPath)
					if err := supervisor.Apply(next); err != nil {
						log.Error("Failed to apply rules", "error", err)
					}
				},
				func(err error) {
					log.Warn("Ignoring config change", "error", err)
				})
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		supervisor.Shutdown()
		return nil
	})
	return g.Wait()
}

// loadConfig reads the rule file or builds a single passive rule from flags.
func loadConfig(opts options) (*config.Config, error) {
	if opts.configPath != "" {
		return config.Load(opts.configPath)
	}
	if opts.listenPort == 0 {
		return nil, fmt.Errorf("either --config or --listen-port is required")
	}

	rule := config.Rule{
		Name:        "default",
		Mode:        config.ModePassive,
		Listen:      config.EndpointConfig{Host: opts.bind, Port: opts.listenPort},
		AllowedIPs:  opts.allow,
		BindHostOut: opts.bindOut,
		Debug:       opts.verbose,
	}
	switch {
	case opts.unixPath != "" && opts.to != "":
		return nil, fmt.Errorf("--to and --unix are mutually exclusive")
	case opts.unixPath != "":
		rule.Destination.Path = opts.unixPath
	case opts.to != "":
		host, port, err := net.SplitHostPort(opts.to)
		if err != nil {
			return nil, fmt.Errorf("invalid --to %q: %w", opts.to, err)
		}
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid --to port %q: %w", port, err)
		}
		rule.Destination = config.EndpointConfig{Host: host, Port: uint16(n)}
	default:
		return nil, fmt.Errorf("either --to or --unix is required")
	}

	return config.Finish(&config.Config{Backend: opts.backend, Rules: []config.Rule{rule}})
}
