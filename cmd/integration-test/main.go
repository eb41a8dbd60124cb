// Integration test against a local CoAP peer and DNS server.
//
// Starts a go-coap UDP server and a DNS server on loopback, points a session at
// them and walks through resolution, delivery and the peer reset rules.
//
// Usage:
//
//	go run ./cmd/integration-test
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/mux"
	coapNet "github.com/plgd-dev/go-coap/v2/net"
	"github.com/plgd-dev/go-coap/v2/udp"

	"github.com/layr8/meshcoap"
)

const (
	hostname = "coap.integration.test"
	uriPath  = "v2/things/integration"
	interval = 200 * time.Millisecond
)

// peerServer records every request the CoAP server receives.
type peerServer struct {
	mu       sync.Mutex
	paths    []string
	payloads []string
}

func (p *peerServer) handle(w mux.ResponseWriter, r *mux.Message) {
	path, _ := r.Options.Path()
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	p.mu.Lock()
	p.paths = append(p.paths, strings.Trim(path, "/"))
	p.payloads = append(p.payloads, string(body))
	p.mu.Unlock()

	if r.IsConfirmable {
		w.SetResponse(codes.Changed, 0, nil)
	}
}

func (p *peerServer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paths)
}

func (p *peerServer) last() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.paths) == 0 {
		return "", ""
	}
	return p.paths[len(p.paths)-1], p.payloads[len(p.payloads)-1]
}

// diagnostics keeps the sink lines for inspection.
type diagnostics struct {
	mu    sync.Mutex
	lines []meshcoap.Diagnostic
}

func (d *diagnostics) Emit(line meshcoap.Diagnostic) {
	d.mu.Lock()
	d.lines = append(d.lines, line)
	d.mu.Unlock()
}

func (d *diagnostics) count(kind meshcoap.DiagnosticKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range d.lines {
		if l.Kind == kind {
			n++
		}
	}
	return n
}

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	passed := 0
	failed := 0
	check := func(ok bool, pass, fail string) {
		if ok {
			fmt.Println("  PASS: " + pass)
			passed++
		} else {
			fmt.Println("  FAIL: " + fail)
			failed++
		}
	}

	fmt.Println("=== meshcoap Integration Test ===")
	fmt.Println()

	peer := &peerServer{}
	coapPort, stopCoAP, err := startCoAPServer(peer)
	if err != nil {
		log.Fatalf("start CoAP server: %v", err)
	}
	defer stopCoAP()

	dnsAddr, stopDNS, err := startDNSServer()
	if err != nil {
		log.Fatalf("start DNS server: %v", err)
	}
	defer stopDNS()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	diag := &diagnostics{}
	mesh := meshcoap.NewStaticMesh(meshcoap.RoleChild, true)
	transport := meshcoap.NewCoAPTransport(meshcoap.CoAPTransportConfig{Port: coapPort, Logger: logger})

	session, err := meshcoap.NewSession(meshcoap.Config{
		Hostname:      hostname,
		ResolverAddr:  dnsAddr,
		URIPath:       uriPath,
		ContentFormat: meshcoap.ContentFormatJSON,
		Interval:      interval,
	}, mesh, transport,
		meshcoap.WithLogger(logger),
		meshcoap.WithSink(diag),
		meshcoap.WithPayload(meshcoap.JSONValues("temp", func() int { return 21 })),
	)
	if err != nil {
		log.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Start(ctx); err != nil {
		log.Fatalf("Start: %v", err)
	}

	// --- Test 1: Resolve and deliver ---
	fmt.Println("[Test 1] Resolve hostname and deliver requests...")
	ok := waitFor(5*time.Second, func() bool { return peer.count() >= 3 })
	path, payload := peer.last()
	check(ok && path == uriPath && payload == `{"values":[{"key":"temp","value":"21"}]}`,
		fmt.Sprintf("%d requests to /%s with %s", peer.count(), path, payload),
		fmt.Sprintf("got %d requests, last path %q payload %q", peer.count(), path, payload))

	// --- Test 2: Detach forgets the peer ---
	fmt.Println("[Test 2] Detach resets the peer...")
	gen := session.Snapshot().Generation
	mesh.SetRole(meshcoap.RoleDetached)
	ok = waitFor(5*time.Second, func() bool { return session.Snapshot().Generation > gen })
	check(ok, "generation advanced after detach", "generation did not advance")

	// --- Test 3: Re-resolve after reset ---
	fmt.Println("[Test 3] Re-resolve after reset...")
	before := peer.count()
	ok = waitFor(5*time.Second, func() bool { return peer.count() > before && !session.Snapshot().Peer.IsUnspecified() })
	check(ok, "peer re-resolved and requests resumed", "requests did not resume")

	// --- Test 4: Partition change forgets the peer ---
	fmt.Println("[Test 4] Partition change resets the peer...")
	gen = session.Snapshot().Generation
	mesh.SetRole(meshcoap.RoleRouter)
	mesh.ChangePartition(42)
	ok = waitFor(5*time.Second, func() bool { return session.Snapshot().Generation > gen })
	check(ok, "generation advanced after partition change", "generation did not advance")

	// --- Test 5: Diagnostics ---
	fmt.Println("[Test 5] Diagnostics...")
	check(diag.count(meshcoap.DiagResolved) >= 2 && diag.count(meshcoap.DiagStateChanged) >= 3,
		fmt.Sprintf("%d resolutions, %d state changes reported", diag.count(meshcoap.DiagResolved), diag.count(meshcoap.DiagStateChanged)),
		"missing resolution or state change diagnostics")
	check(diag.count(meshcoap.DiagSendFailed) == 0, "no send failures", "unexpected send failures")

	// --- Summary ---
	fmt.Println()
	fmt.Println("=== Results ===")
	fmt.Printf("  Passed: %d\n", passed)
	fmt.Printf("  Failed: %d\n", failed)

	if failed > 0 {
		os.Exit(1)
	}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func startCoAPServer(peer *peerServer) (int, func(), error) {
	router := mux.NewRouter()
	router.DefaultHandle(mux.HandlerFunc(peer.handle))

	l, err := coapNet.NewListenUDP("udp4", "127.0.0.1:0")
	if err != nil {
		return 0, nil, err
	}
	srv := udp.NewServer(udp.WithMux(router))
	go func() {
		if err := srv.Serve(l); err != nil {
			log.Printf("CoAP server: %v", err)
		}
	}()
	stop := func() {
		srv.Stop()
		l.Close()
	}
	return l.LocalAddr().(*net.UDPAddr).Port, stop, nil
}

// startDNSServer answers AAAA queries for hostname with the IPv4-mapped loopback,
// so the test runs on hosts without IPv6.
func startDNSServer() (string, func(), error) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	handler := dns.NewServeMux()
	handler.HandleFunc(dns.Fqdn(hostname), func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.Question[0].Qtype == dns.TypeAAAA {
			rr, _ := dns.NewRR(dns.Fqdn(hostname) + " 60 IN AAAA ::ffff:127.0.0.1")
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		pc.Close()
		return "", nil, fmt.Errorf("DNS server did not start")
	}
	return pc.LocalAddr().String(), func() { srv.Shutdown() }, nil
}
