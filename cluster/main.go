package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/panjf2000/gnet/v2/pkg/logging"

	"sum-cluster/logger"
	"sum-cluster/server"
	"sum-cluster/supervisor"
)

type options struct {
	port     int
	workers  int
	engine   string
	procs    int
	tlsCert  string
	tlsKey   string
	logLevel string
	logFile  string
	backoff  supervisor.Backoff
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	var opts options
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	fs.SetOutput(output)

	// Example command: go run ./cluster --port 3000 --workers 2 --engine gnet
	fs.IntVar(&opts.port, "port", server.DefaultPort, "port shared by every worker")
	fs.IntVar(&opts.workers, "workers", 0, "number of workers, 0 for one per CPU")
	fs.StringVar(&opts.engine, "engine", "std", "HTTP engine: "+strings.Join(server.Engines(), ", "))
	fs.IntVar(&opts.procs, "procs", 1, "GOMAXPROCS inside each worker, 0 to leave the runtime default")
	fs.StringVar(&opts.tlsCert, "tls-cert", "", "certificate file, enables HTTPS (gnet engine only)")
	fs.StringVar(&opts.tlsKey, "tls-key", "", "private key file for -tls-cert")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&opts.logFile, "log-file", "", "rotate logs into this file instead of stdout, workers append .worker-<id>")
	fs.DurationVar(&opts.backoff.Initial, "backoff", 0, "delay before replacing a worker that died young, 0 to replace immediately")
	fs.DurationVar(&opts.backoff.Max, "max-backoff", 0, "upper bound of the doubling respawn delay")
	fs.DurationVar(&opts.backoff.MinUptime, "min-uptime", 0, "uptime after which a worker's exit resets the respawn delay")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments: %v", fs.Args())
		fmt.Fprintln(fs.Output(), err)
		fs.Usage()
		return nil, err
	}
	return &opts, nil
}

func run(ctx context.Context, args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	logFile := opts.logFile
	if id := os.Getenv(supervisor.WorkerEnv); id != "" && logFile != "" {
		logFile += ".worker-" + id
	}
	_, flush, err := logger.Setup(opts.logLevel, logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logger: %v\n", err)
		return 1
	}
	defer func() { _ = flush() }()

	if supervisor.IsWorker() {
		return runWorker(ctx, opts)
	}
	return runMaster(ctx, opts, args)
}

func newMaster(opts *options, args []string) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Workers: opts.workers,
		Command: supervisor.WorkerCommand(args),
		Backoff: opts.backoff,
	})
}

func runMaster(ctx context.Context, opts *options, args []string) int {
	s := newMaster(opts, args)
	if err := s.Run(ctx); err != nil {
		logging.Errorf("master exits: %v", err)
		return 1
	}
	return 0
}

func runWorker(ctx context.Context, opts *options) int {
	if opts.procs > 0 {
		runtime.GOMAXPROCS(opts.procs)
	}
	err := server.Serve(ctx, server.Config{
		Port:        opts.port,
		Engine:      opts.engine,
		TLSCertFile: opts.tlsCert,
		TLSKeyFile:  opts.tlsKey,
	})
	if err != nil {
		logging.Errorf("worker %d exits: %v", os.Getpid(), err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
