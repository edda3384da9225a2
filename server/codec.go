package server

import (
	"bytes"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	cxstrconv "github.com/cloudxaas/gostrconv"
	"github.com/evanphx/wildcat"
	"github.com/valyala/bytebufferpool"

	"sum-cluster/sum"
)

var (
	now atomic.Value

	crlf2 = []byte("\r\n\r\n")

	methodGet  = []byte("GET")
	methodHead = []byte("HEAD")
	pathSum    = []byte(sumPath)

	headerContentLength = []byte("Content-Length")

	statusOK               = []byte("HTTP/1.1 200 OK\r\n")
	statusBadRequest       = []byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n")
	statusNotFound         = []byte("HTTP/1.1 404 Not Found\r\n")
	statusMethodNotAllowed = []byte("HTTP/1.1 405 Method Not Allowed\r\nAllow: GET, HEAD\r\n")
	statusBodyTooLarge     = []byte("HTTP/1.1 413 Payload Too Large\r\nConnection: close\r\n")
	statusHeaderTooLarge   = []byte("HTTP/1.1 431 Request Header Fields Too Large\r\nConnection: close\r\n")

	headerTail = []byte("Server: sum-cluster\r\nContent-Type: text/plain; charset=utf-8\r\nDate: ")

	notFoundBody         = []byte("404 Not Found")
	badRequestBody       = []byte("400 Bad Request")
	methodNotAllowedBody = []byte("405 Method Not Allowed")
	bodyTooLargeBody     = []byte("413 Payload Too Large")
	headerTooLargeBody   = []byte("431 Request Header Fields Too Large")

	errBadContentLength = errors.New("invalid Content-Length")
	errBodyTooLarge     = errors.New("request body too large")
	errHeaderTooLarge   = errors.New("request header too large")
)

const (
	// The route reads no body; anything beyond a small upload is refused.
	maxBodyBytes   = 1 << 20
	maxHeaderBytes = 64 << 10
)

func updateCurrentTime() {
	now.Store(time.Now().UTC().Format(http.TimeFormat))
}

// codec turns raw request bytes into raw HTTP/1.1 responses for the event
// loop engines, which get no help from net/http.
type codec struct {
	parser *wildcat.HTTPParser
	buf    *bytebufferpool.ByteBuffer
	bound  int64
}

func newCodec(bound int64) *codec {
	return &codec{
		parser: wildcat.NewHTTPParser(),
		buf:    bytebufferpool.Get(),
		bound:  bound,
	}
}

func (hc *codec) release() {
	if hc.buf != nil {
		bytebufferpool.Put(hc.buf)
		hc.buf = nil
	}
}

func (hc *codec) appendResponse(status, body []byte, withBody bool) {
	updateCurrentTime()
	hc.buf.Write(status)
	hc.buf.Write(headerTail)
	hc.buf.WriteString(now.Load().(string))
	hc.buf.WriteString("\r\nContent-Length: ")
	hc.buf.WriteString(cxstrconv.Inttoa(len(body)))
	hc.buf.WriteString("\r\n\r\n")
	if withBody {
		hc.buf.Write(body)
	}
}

func requestPath(target []byte) []byte {
	if i := bytes.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}

func (hc *codec) route() {
	method := hc.parser.Method
	head := bytes.Equal(method, methodHead)
	if !bytes.Equal(requestPath(hc.parser.Path), pathSum) {
		hc.appendResponse(statusNotFound, notFoundBody, !head)
		return
	}
	if !head && !bytes.Equal(method, methodGet) {
		hc.appendResponse(statusMethodNotAllowed, methodNotAllowedBody, true)
		return
	}
	body := sum.AppendMessage(nil, sum.Sum(hc.bound))
	hc.appendResponse(statusOK, body, !head)
}

// serve answers every complete request at the front of data, appending the
// responses to hc.buf, and reports how many bytes it consumed. A trailing
// partial request is left for the next round. On a malformed or oversized
// request an error response is appended and the error is returned; the
// caller should flush and close.
func (hc *codec) serve(data []byte) (int, error) {
	consumed := 0
	for {
		rest := data[consumed:]
		if !bytes.Contains(rest, crlf2) {
			if len(rest) > maxHeaderBytes {
				hc.appendResponse(statusHeaderTooLarge, headerTooLargeBody, true)
				return consumed, errHeaderTooLarge
			}
			return consumed, nil
		}
		// wildcat caches Content-Length across Parse calls
		hc.parser = wildcat.NewHTTPParser()
		headerOffset, err := hc.parser.Parse(rest)
		if err != nil {
			hc.appendResponse(statusBadRequest, badRequestBody, true)
			return consumed, err
		}
		contentLength := hc.parser.ContentLength()
		switch {
		case contentLength == -1 && hc.parser.FindHeader(headerContentLength) == nil:
			contentLength = 0
		case contentLength < 0:
			hc.appendResponse(statusBadRequest, badRequestBody, true)
			return consumed, errBadContentLength
		case contentLength > maxBodyBytes:
			hc.appendResponse(statusBodyTooLarge, bodyTooLargeBody, true)
			return consumed, errBodyTooLarge
		}
		bodyLen := int(contentLength)
		if len(rest)-headerOffset < bodyLen {
			return consumed, nil
		}
		hc.route()
		consumed += headerOffset + bodyLen
	}
}

// session holds a connection's codec and the bytes of a request that has
// not fully arrived yet, for engines whose input buffer must be drained on
// every read.
type session struct {
	codec   *codec
	pending []byte
}

func newSession(bound int64) *session {
	return &session{codec: newCodec(bound)}
}

// feed appends data, answers what is complete and hands the responses to
// write. A non-nil error means the connection should be closed.
func (s *session) feed(data []byte, write func([]byte)) error {
	s.pending = append(s.pending, data...)
	n, err := s.codec.serve(s.pending)
	s.pending = s.pending[:copy(s.pending, s.pending[n:])]

	hc := s.codec
	if len(hc.buf.B) > 0 {
		write(hc.buf.B)
		hc.buf.Reset()
	}
	return err
}

func (s *session) release() {
	s.codec.release()
	s.pending = nil
}
