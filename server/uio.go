package server

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/urpc/uio"
	"go.uber.org/atomic"
)

type uioEngine struct{}

func (uioEngine) serve(ctx context.Context, cfg *Config) error {
	logger := cfg.logger()
	bound := cfg.bound()
	pollers := runtime.GOMAXPROCS(0)

	var bufferPool = sync.Pool{
		New: func() interface{} {
			return &bytes.Buffer{}
		},
	}
	// Events.Close needs the listeners Serve creates; any accepted
	// connection proves they exist.
	var accepted atomic.Bool

	var events uio.Events
	events.Pollers = pollers
	events.Addrs = []string{fmt.Sprintf("tcp://:%d", cfg.port())}
	events.ReusePort = true
	events.OnOpen = func(c uio.Conn) {
		accepted.Store(true)
		c.SetContext(newSession(bound))
	}
	events.OnData = func(c uio.Conn) error {
		s, ok := c.Context().(*session)
		if !ok {
			return c.Close()
		}
		buffer := bufferPool.Get().(*bytes.Buffer)
		defer func() {
			buffer.Reset()
			bufferPool.Put(buffer)
		}()
		_, _ = c.WriteTo(buffer)

		if err := s.feed(buffer.Bytes(), func(out []byte) { _, _ = c.Write(out) }); err != nil {
			logger.Debugf("closing connection %s: %v", c.RemoteAddr(), err)
			return err
		}
		return nil
	}
	events.OnClose = func(c uio.Conn, _ error) {
		if s, ok := c.Context().(*session); ok {
			c.SetContext(nil)
			s.release()
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- events.Serve() }()
	logger.Infof("uio server with loop=%d is listening on %s", pollers, events.Addrs[0])
	logger.Infof("App listening on port %d", cfg.port())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	if !accepted.Load() {
		return nil
	}
	_ = events.Close(ctx.Err())
	select {
	case <-errc:
	case <-time.After(time.Second):
	}
	return nil
}
