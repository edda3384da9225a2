package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	tls2 "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"sum-cluster/sum"
)

const testBound = 1000

func freePort(t *testing.T) int {
	t.Helper()
	l, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to pick a port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startServer runs Serve in the background and waits until url answers.
func startServer(t *testing.T, cfg Config, client *http.Client, url string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, cfg) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Serve returned %v after cancel", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Serve did not return after cancel")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errc:
			t.Fatalf("Serve exited early: %v", err)
		default:
		}
		rsp, err := client.Get(url)
		if err == nil {
			rsp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server on %s never became ready", url)
}

func get(t *testing.T, client *http.Client, method, url string) (int, http.Header, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	rsp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer rsp.Body.Close()
	data, err := io.ReadAll(rsp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return rsp.StatusCode, rsp.Header, string(data)
}

func TestEngines(t *testing.T) {
	want := sum.Message(sum.Sum(testBound))
	for _, name := range Engines() {
		name := name
		t.Run(name, func(t *testing.T) {
			port := freePort(t)
			base := fmt.Sprintf("http://127.0.0.1:%d", port)
			client := &http.Client{Timeout: 5 * time.Second}
			startServer(t, Config{Port: port, Engine: name, Bound: testBound}, client, base+sumPath)

			for i := 0; i < 3; i++ {
				code, header, body := get(t, client, http.MethodGet, base+sumPath)
				if code != http.StatusOK {
					t.Errorf("GET status = %d, want 200", code)
				}
				if ct := header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
					t.Errorf("Content-Type = %q", ct)
				}
				if body != want {
					t.Errorf("body = %q, want %q", body, want)
				}
			}

			code, _, body := get(t, client, http.MethodHead, base+sumPath)
			if code != http.StatusOK || body != "" {
				t.Errorf("HEAD = %d %q", code, body)
			}
			code, _, _ = get(t, client, http.MethodGet, base+"/missing")
			if code != http.StatusNotFound {
				t.Errorf("GET /missing = %d, want 404", code)
			}
			code, header, _ := get(t, client, http.MethodPost, base+sumPath)
			if code != http.StatusMethodNotAllowed {
				t.Errorf("POST = %d, want 405", code)
			}
			if allow := header.Get("Allow"); allow != "GET, HEAD" {
				t.Errorf("Allow = %q", allow)
			}
		})
	}
}

func TestServeRejectsUnknownEngine(t *testing.T) {
	if err := Serve(context.Background(), Config{Engine: "fasthttp"}); err == nil {
		t.Fatal("expected an error for an unknown engine")
	}
	if err := Serve(context.Background(), Config{Engine: "std", TLSCertFile: "a.crt"}); err == nil {
		t.Fatal("expected an error for TLS on the std engine")
	}
}

func TestListenSharesPort(t *testing.T) {
	l1, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("first listen: %v", err)
	}
	defer l1.Close()
	l2, err := Listen(context.Background(), l1.Addr().String())
	if err != nil {
		t.Fatalf("second listen on %s: %v", l1.Addr(), err)
	}
	defer l2.Close()
}

func writeCertificate(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestGnetTLS(t *testing.T) {
	certFile, keyFile := writeCertificate(t)
	port := freePort(t)
	url := fmt.Sprintf("https://127.0.0.1:%d%s", port, sumPath)
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls2.Config{
				InsecureSkipVerify: true,
				MaxVersion:         tls2.VersionTLS12,
			},
		},
	}
	startServer(t, Config{
		Port:        port,
		Engine:      "gnet",
		Bound:       testBound,
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	}, client, url)

	code, _, body := get(t, client, http.MethodGet, url)
	if code != http.StatusOK || body != sum.Message(sum.Sum(testBound)) {
		t.Errorf("GET over TLS = %d %q", code, body)
	}
}

// Requests to the full bound must not queue behind each other.
func TestConcurrentRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("wall-clock test skipped in short mode")
	}
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	if n < 2 || runtime.GOMAXPROCS(0) < 2 {
		t.Skip("needs at least 2 CPUs")
	}

	port := freePort(t)
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, sumPath)
	client := &http.Client{Timeout: time.Minute}
	startServer(t, Config{Port: port}, client, url+"-warmup")

	start := time.Now()
	get(t, client, http.MethodGet, url)
	single := time.Since(start)

	start = time.Now()
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			rsp, err := client.Get(url)
			if err != nil {
				return err
			}
			defer rsp.Body.Close()
			body, err := io.ReadAll(rsp.Body)
			if err != nil {
				return err
			}
			if string(body) != "Final sum is : 4999999950000000" {
				return fmt.Errorf("unexpected body %q", body)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	concurrent := time.Since(start)

	if limit := time.Duration(float64(single) * float64(n) * 0.8); concurrent > limit {
		t.Errorf("%d concurrent requests took %v, single took %v", n, concurrent, single)
	}
}

func dialPartial(t *testing.T, port int, partial string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte(partial)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return conn
}

// A request arriving in pieces is answered once it is complete.
func TestEnginesSplitRequest(t *testing.T) {
	req := "GET /api/sum HTTP/1.1\r\nHost: x\r\n\r\n"
	want := sum.Message(sum.Sum(testBound))
	for _, name := range Engines() {
		name := name
		t.Run(name, func(t *testing.T) {
			port := freePort(t)
			client := &http.Client{Timeout: 5 * time.Second}
			startServer(t, Config{Port: port, Engine: name, Bound: testBound}, client,
				fmt.Sprintf("http://127.0.0.1:%d/ready", port))

			conn := dialPartial(t, port, req[:16])
			defer conn.Close()
			time.Sleep(50 * time.Millisecond)
			if _, err := conn.Write([]byte(req[16:])); err != nil {
				t.Fatalf("write rest: %v", err)
			}

			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var got []byte
			buf := make([]byte, 1024)
			for !strings.HasSuffix(string(got), want) {
				n, err := conn.Read(buf)
				if err != nil {
					t.Fatalf("read after %q: %v", got, err)
				}
				got = append(got, buf[:n]...)
			}
			if !strings.HasPrefix(string(got), "HTTP/1.1 200 OK\r\n") {
				t.Errorf("unexpected response %q", got)
			}
		})
	}
}

func cpuTime(t *testing.T) time.Duration {
	t.Helper()
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		t.Fatalf("getrusage: %v", err)
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

// An incomplete request must not keep the event loop spinning.
func TestNetpollIdleWithPartialRequest(t *testing.T) {
	if testing.Short() {
		t.Skip("cpu accounting test skipped in short mode")
	}
	port := freePort(t)
	client := &http.Client{Timeout: 5 * time.Second}
	startServer(t, Config{Port: port, Engine: "netpoll", Bound: testBound}, client,
		fmt.Sprintf("http://127.0.0.1:%d/ready", port))
	client.CloseIdleConnections()

	conn := dialPartial(t, port, "GET /api/sum HTTP/1.1\r\n")
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	before := cpuTime(t)
	time.Sleep(time.Second)
	if used := cpuTime(t) - before; used > 300*time.Millisecond {
		t.Errorf("process used %v of CPU in 1s while a request was pending", used)
	}
}
