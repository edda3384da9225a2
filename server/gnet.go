package server

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/leslie-fei/gnettls"
	"github.com/leslie-fei/gnettls/tls"
	"github.com/panjf2000/gnet/v2"
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"golang.org/x/sync/errgroup"
)

type gnetEngine struct{}

type httpServer struct {
	gnet.BuiltinEventEngine

	addr      string
	port      int
	multicore bool
	bound     int64
	logger    logging.Logger

	eng    gnet.Engine
	booted chan struct{}
}

func (hs *httpServer) OnBoot(eng gnet.Engine) gnet.Action {
	hs.eng = eng
	hs.logger.Infof("HTTP server with multi-core=%t is listening on %s", hs.multicore, hs.addr)
	hs.logger.Infof("App listening on port %d", hs.port)
	close(hs.booted)
	return gnet.None
}

func (hs *httpServer) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	c.SetContext(newCodec(hs.bound))
	return nil, gnet.None
}

func (hs *httpServer) OnClose(c gnet.Conn, err error) gnet.Action {
	if hc, ok := c.Context().(*codec); ok {
		hc.release()
	}
	return gnet.None
}

func (hs *httpServer) OnTraffic(c gnet.Conn) gnet.Action {
	hc, ok := c.Context().(*codec)
	if !ok {
		return gnet.Close
	}

	data, _ := c.Peek(c.InboundBuffered())
	n, err := hc.serve(data)
	_, _ = c.Discard(n)
	if len(hc.buf.B) > 0 {
		_, _ = c.Write(hc.buf.B)
		hc.buf.Reset()
	}
	if err != nil {
		hs.logger.Debugf("closing connection %s: %v", c.RemoteAddr(), err)
		return gnet.Close
	}
	return gnet.None
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (gnetEngine) serve(ctx context.Context, cfg *Config) error {
	hs := &httpServer{
		addr:      fmt.Sprintf("tcp://:%d", cfg.port()),
		port:      cfg.port(),
		multicore: runtime.GOMAXPROCS(0) > 1,
		bound:     cfg.bound(),
		logger:    cfg.logger(),
		booted:    make(chan struct{}),
	}

	options := []gnet.Option{
		gnet.WithMulticore(hs.multicore),
		gnet.WithTCPKeepAlive(time.Minute * 5),
		gnet.WithReusePort(true),
		gnet.WithLogger(hs.logger),
	}

	run := func() error { return gnet.Run(hs, hs.addr, options...) }
	if cfg.TLSCertFile != "" {
		tlsConfig, err := loadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		run = func() error { return gnettls.Run(hs, hs.addr, tlsConfig, options...) }
	}

	runDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(runDone)
		return run()
	})
	g.Go(func() error {
		<-gctx.Done()
		select {
		case <-runDone:
		case <-hs.booted:
			if err := hs.eng.Stop(context.Background()); err != nil {
				hs.logger.Debugf("stop gnet engine: %v", err)
			}
		}
		return nil
	})
	return g.Wait()
}
