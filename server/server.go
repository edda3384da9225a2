// Package server runs the HTTP side of a worker process: a listener bound
// with SO_REUSEPORT on the shared port and a single CPU-bound route.
//
// Several engines are available. They all answer the same route with the
// same bytes; they differ only in how connections are polled.
package server

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/vektra/errors"

	"sum-cluster/sum"
)

// DefaultPort is the port every worker shares when none is configured.
const DefaultPort = 3000

const sumPath = "/api/sum"

// Config describes one worker's HTTP server.
type Config struct {
	// Port is shared by every worker; 0 means DefaultPort.
	Port int
	// Engine names the implementation, see Engines. Empty means "std".
	Engine string
	// Bound is the exclusive upper bound of the summation; 0 means
	// sum.MaxValue.
	Bound int64
	// TLSCertFile and TLSKeyFile switch the gnet engine to HTTPS.
	TLSCertFile string
	TLSKeyFile  string
	// Logger defaults to the gnet default logger.
	Logger logging.Logger
}

func (cfg *Config) port() int {
	if cfg.Port == 0 {
		return DefaultPort
	}
	return cfg.Port
}

func (cfg *Config) addr() string {
	return fmt.Sprintf(":%d", cfg.port())
}

func (cfg *Config) bound() int64 {
	if cfg.Bound == 0 {
		return sum.MaxValue
	}
	return cfg.Bound
}

func (cfg *Config) logger() logging.Logger {
	if cfg.Logger == nil {
		return logging.GetDefaultLogger()
	}
	return cfg.Logger
}

type engine interface {
	serve(ctx context.Context, cfg *Config) error
}

var engines = map[string]engine{
	"std":     stdEngine{},
	"gnet":    gnetEngine{},
	"nbio":    nbioEngine{},
	"netpoll": netpollEngine{},
	"uio":     uioEngine{},
}

// Engines lists the accepted values of Config.Engine.
func Engines() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve binds the shared port and answers requests until ctx is done or
// the engine fails.
func Serve(ctx context.Context, cfg Config) error {
	name := cfg.Engine
	if name == "" {
		name = "std"
	}
	eng, ok := engines[name]
	if !ok {
		return fmt.Errorf("unknown engine %q, want one of %v", name, Engines())
	}
	if (cfg.TLSCertFile != "" || cfg.TLSKeyFile != "") && name != "gnet" {
		return fmt.Errorf("engine %q does not serve TLS", name)
	}

	cfg.logger().Infof("Worker %d started", os.Getpid())
	if err := eng.serve(ctx, &cfg); err != nil {
		return errors.Context(err, name+" engine")
	}
	return nil
}
