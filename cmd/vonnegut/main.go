// Command vonnegut runs a single replica of the chain-replicated,
// Kafka-framed append log described by SPEC_FULL.md. It plays the role
// of the process supervisor the core storage/replication engine treats
// as an external collaborator: it loads the static chain map, derives
// this node's role within it, opens the on-disk topic registry, and
// serves client and chain connections on one listening socket.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/vonnegut/vonnegut/internal/cluster"
	"github.com/vonnegut/vonnegut/internal/conn"
	"github.com/vonnegut/vonnegut/internal/registry"
	"github.com/vonnegut/vonnegut/internal/wire"
)

func main() {
	var cfgFile string
	cfg := Config{}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&cfgFile, "config.file", "vonnegut.yaml", "YAML configuration file (missing file falls back to flag defaults).")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if err := LoadConfig(cfgFile, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "vonnegut exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger log.Logger) error {
	if len(cfg.Log.Dirs) == 0 {
		return errors.New("config: log.log_dirs must name at least one directory")
	}
	for _, dir := range cfg.Log.Dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrapf(err, "create log data directory %s", dir)
		}
	}

	chains := cluster.NewChainMap(cfg.Chain.Entries)
	nodes := cluster.NewNodeAssignment(chains)

	role, assigned, err := cluster.LocalRole(chains, cfg.Chain.Self)
	if err != nil {
		return err
	}
	if !assigned {
		level.Warn(logger).Log("msg", "this node does not appear in any configured chain; defaulting to solo", "self", cfg.Chain.Self.String())
		role = wire.RoleSolo
	}
	level.Info(logger).Log("msg", "starting vonnegut", "role", role.String(), "self", cfg.Chain.Self.String(), "port", cfg.Server.Port)

	reg := registry.New(cfg.Log.Dirs, cfg.Log.toPartitionConfig(), nodes, logger)
	defer reg.Close()
	if err := reg.OpenExisting(); err != nil {
		return errors.Wrap(err, "reopen existing partitions")
	}

	for _, entry := range chains.All() {
		level.Info(logger).Log("msg", "configured chain", "name", entry.Name, "head", entry.Head().String(), "tail", entry.Tail().String())
	}

	handler, err := conn.NewRequestHandler(reg, chains, cfg.Chain.Self, cfg.Chain.Timeout, cfg.Log.FDCacheSize, logger)
	if err != nil {
		return errors.Wrap(err, "build request handler")
	}

	addr := net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.Port))
	ln, err := conn.Listen(addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	defer ln.Close()

	server := &conn.Server{
		Listener:         ln,
		Role:             role,
		Handler:          handler,
		Logger:           logger,
		AcceptorPoolSize: cfg.Server.AcceptorPoolSize,
	}

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- server.Serve() }()

	if cfg.Server.MetricsAddr != "" {
		admin := newAdminRouter(reg)
		go func() {
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, admin); err != nil {
				level.Error(logger).Log("msg", "admin HTTP server stopped", "err", err)
			}
		}()
		level.Info(logger).Log("msg", "serving metrics and debug endpoints", "addr", cfg.Server.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig.String())
		return ln.Close()
	case err := <-serveErrs:
		return err
	}
}
