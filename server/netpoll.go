package server

import (
	"context"
	"runtime"
	"time"

	"github.com/cloudwego/netpoll"
	"golang.org/x/sync/errgroup"
)

type netpollEngine struct{}

type sessionKey struct{}

func (netpollEngine) serve(ctx context.Context, cfg *Config) error {
	logger := cfg.logger()
	bound := cfg.bound()

	if err := netpoll.SetNumLoops(runtime.GOMAXPROCS(0)); err != nil {
		return err
	}

	prepare := func(connection netpoll.Connection) context.Context {
		s := newSession(bound)
		_ = connection.AddCloseCallback(func(netpoll.Connection) error {
			s.release()
			return nil
		})
		return context.WithValue(context.Background(), sessionKey{}, s)
	}

	onRequest := func(ctx context.Context, connection netpoll.Connection) error {
		s, ok := ctx.Value(sessionKey{}).(*session)
		if !ok {
			return connection.Close()
		}
		// the reader must be drained on every call or netpoll keeps
		// invoking onRequest for the same bytes
		r := connection.Reader()
		data, err := r.Next(r.Len())
		if err != nil {
			return err
		}
		serr := s.feed(data, func(out []byte) { _, _ = connection.Write(out) })
		_ = r.Release()
		if serr != nil {
			logger.Debugf("closing connection %s: %v", connection.RemoteAddr(), serr)
			return connection.Close()
		}
		return nil
	}

	eventLoop, err := netpoll.NewEventLoop(
		onRequest,
		netpoll.WithOnPrepare(prepare),
		netpoll.WithReadTimeout(time.Second),
	)
	if err != nil {
		return err
	}

	l, err := Listen(ctx, cfg.addr())
	if err != nil {
		return err
	}
	logger.Infof("App listening on port %d", cfg.port())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eventLoop.Serve(l); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eventLoop.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}
