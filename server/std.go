package server

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"sum-cluster/sum"
)

type stdEngine struct{}

func newMux(bound int64) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+sumPath, func(w http.ResponseWriter, r *http.Request) {
		body := sum.AppendMessage(nil, sum.Sum(bound))
		w.Header().Set("Server", "sum-cluster")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	mux.HandleFunc(sumPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write(methodNotAllowedBody)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write(notFoundBody)
	})
	return mux
}

func (stdEngine) serve(ctx context.Context, cfg *Config) error {
	l, err := Listen(ctx, cfg.addr())
	if err != nil {
		return err
	}
	cfg.logger().Infof("App listening on port %d", cfg.port())

	server := &http.Server{Handler: newMux(cfg.bound())}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(l); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Close()
	})
	return g.Wait()
}
