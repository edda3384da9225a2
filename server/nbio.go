package server

import (
	"context"
	"net"
	"runtime"

	"github.com/lesismal/nbio"
)

type nbioEngine struct{}

func (nbioEngine) serve(ctx context.Context, cfg *Config) error {
	logger := cfg.logger()
	bound := cfg.bound()

	engine := nbio.NewEngine(nbio.Config{
		Network:            "tcp",
		Addrs:              []string{cfg.addr()},
		MaxWriteBufferSize: 6 * 1024 * 1024,
		NPoller:            runtime.GOMAXPROCS(0),
		Listen: func(network, addr string) (net.Listener, error) {
			return Listen(ctx, addr)
		},
	})

	engine.OnOpen(func(c *nbio.Conn) {
		c.SetSession(newSession(bound))
	})
	engine.OnClose(func(c *nbio.Conn, err error) {
		if s, ok := c.Session().(*session); ok {
			s.release()
		}
	})
	engine.OnData(func(c *nbio.Conn, data []byte) {
		s, ok := c.Session().(*session)
		if !ok {
			c.Close()
			return
		}
		// data is only valid for the duration of the callback; feed copies it
		err := s.feed(data, func(out []byte) { _, _ = c.Write(out) })
		if err != nil {
			logger.Debugf("closing connection %s: %v", c.RemoteAddr(), err)
			c.Close()
		}
	})

	if err := engine.Start(); err != nil {
		return err
	}
	logger.Infof("App listening on port %d", cfg.port())

	<-ctx.Done()
	engine.Stop()
	return nil
}
