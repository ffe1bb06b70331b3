// SPDX-License-Identifier: MIT
//
// poolping - a small client exercising kexuepool against a live endpoint.
//
// Adapted from kexuedns/main.go: same flag set shape, XDG config directory
// convention, signal-driven shutdown, and optional pprof debug mux: but in
// place of starting/stopping a DNS forwarder, this opens a pool.Pool,
// issues a checkout/ping/return loop against it, and serves the pool's own
// /stats and /metrics instead of a webui.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/http2"

	"kexuepool/api"
	"kexuepool/config"
	"kexuepool/connect"
	"kexuepool/identity"
	"kexuepool/log"
	"kexuepool/pool"
	"kexuepool/wire"
)

const progname = "poolping"

var (
	// set by build flags
	version     string
	versionDate string
)

func main() {
	isDebug := flag.Bool("debug", false, "enable debug profiling")
	logLevel := flag.String("log-level", "info", "log level: debug/info/notice/warn/error")
	configDir := flag.String("config-dir", "",
		fmt.Sprintf("config directory (default \"${XDG_CONFIG_HOME}/%s\")",
			strings.ToLower(progname)))
	configInit := flag.Bool("config-init", false, "initialize with the default configs")
	pingInterval := flag.Duration("ping-interval", 5*time.Second, "interval between checkout/ping/return cycles")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (%s)\n", progname, version, versionDate)
		return
	}

	config.SetVersion(&config.VersionInfo{
		Version: version,
		Date:    versionDate,
	})

	log.SetLevelString(*logLevel)
	log.Infof("set log level to [%s]", *logLevel)

	if *configDir == "" {
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir == "" {
			fmt.Printf("ERROR: ${XDG_CONFIG_HOME} required but missing\n")
			os.Exit(1)
		} else {
			*configDir = filepath.Join(dir, strings.ToLower(progname))
			log.Infof("use default config directory: %s", *configDir)
		}
	}

	if *configInit {
		if err := config.Initialize(*configDir); err != nil {
			fmt.Printf("ERROR: failed to initialize config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := config.Load(*configDir); err != nil {
		fmt.Printf("ERROR: failed to load config: %v\n", err)
		os.Exit(1)
	}
	cf := config.Get()

	p, err := newPool(cf)
	if err != nil {
		log.Fatalf("failed to construct pool: %v", err)
	}
	defer p.Close()

	addr, err := netip.ParseAddr(cf.ListenAddr)
	if err != nil {
		log.Fatalf("invalid listen address: %s, error: %v", cf.ListenAddr, err)
	}
	addrport := netip.AddrPortFrom(addr, uint16(cf.ListenPort))
	baseURL := "http://" + addrport.String()

	apiHandler := api.NewApiHandler(p)

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)

	if *isDebug {
		path := "/debug/pprof/"
		mux.HandleFunc(path, pprof.Index)
		mux.HandleFunc(path+"cmdline", pprof.Cmdline)
		mux.HandleFunc(path+"profile", pprof.Profile)
		mux.HandleFunc(path+"symbol", pprof.Symbol)
		mux.HandleFunc(path+"trace", pprof.Trace)
		log.Infof("enabled debug pprof at: %s%s", baseURL, path)
	}

	listener, err := net.Listen("tcp", addrport.String())
	if err != nil {
		log.Fatalf("failed to listen at: %s, error: %v", addrport.String(), err)
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	server := &http.Server{Handler: mux}
	if *isDebug {
		// Accept cleartext HTTP/2 alongside HTTP/1.1 so probeH2C can fetch.
		var protos http.Protocols
		protos.SetHTTP1(true)
		protos.SetUnencryptedHTTP2(true)
		server.Protocols = &protos
	}
	go func() {
		defer wg.Done()
		log.Infof("serving stats/metrics: %s", baseURL)
		err := server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("stats server failed: %v", err)
		}
	}()

	ctx, cancelPing := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		runPingLoop(ctx, p, *pingInterval)
	}()

	if *isDebug {
		go probeH2C(baseURL)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancelPing()
	if err := server.Close(); err != nil {
		log.Errorf("failed to close the stats server: %v", err)
	}

	wg.Wait()
	log.Infof("done; exiting")
}

func newPool(cf *config.Config) (*pool.Pool, error) {
	ep, err := wire.ParseEndpoint(cf.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cf.Endpoint, err)
	}

	var connOpts connect.Options
	if cf.UseTLS {
		connOpts.TLSConfig = &tls.Config{
			RootCAs:    cf.CaPool,
			ServerName: cf.TLSServerName,
		}
	}

	return pool.New(pool.Config{
		Name:            progname,
		Endpoint:        ep,
		MaxIdle:         cf.MaxIdle,
		ConnectTimeout:  time.Duration(cf.ConnectTimeout) * time.Millisecond,
		IOTimeout:       time.Duration(cf.IOTimeout) * time.Millisecond,
		UseTLS:          cf.UseTLS,
		TLSConfig:       connOpts,
		ConcurrencyMode: identity.ModeTask,
	})
}

// runPingLoop is the client-side shape of a logical task (spec's
// ModeTask): derive a caller from ctx, bracket a checkout with
// StartRequest/EndRequest, and surface connect failures without crashing
// the loop.
func runPingLoop(ctx context.Context, p *pool.Pool, interval time.Duration) {
	caller := p.Current(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping(ctx, p, caller)
		}
	}
}

// probeH2C is an optional manual-debugging aid (enabled by -debug): it
// fetches /stats from this process's own stats server over HTTP/2
// cleartext, so that H2-specific framing bugs in anything sitting in front
// of the stats server (a reverse proxy, say) show up during manual
// testing rather than only over plain HTTP/1.1.
func probeH2C(baseURL string) {
	time.Sleep(200 * time.Millisecond) // let the listener goroutine start accepting
	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
	resp, err := client.Get(baseURL + "/stats")
	if err != nil {
		log.Debugw("h2c probe failed", "error", err)
		return
	}
	defer resp.Body.Close()
	log.Debugw("h2c probe ok", "status", resp.StatusCode, "proto", resp.Proto)
}

func ping(ctx context.Context, p *pool.Pool, caller *identity.Caller) {
	// Stamp a fresh request id on ctx for this cycle so connect.Connect's
	// log lines can be correlated to it even though it only has a
	// context.Context, not this caller handle, in scope.
	ctx = identity.WithCaller(ctx, caller)

	p.StartRequest(caller)
	defer p.EndRequest(caller)

	s, err := p.GetSocket(ctx, caller, nil)
	if err != nil {
		log.Warnw("ping: checkout failed", "error", err)
		return
	}

	p.MaybeReturnSocket(caller, s)
	log.Debugw("ping: checkout ok", "generation", s.Generation)
}
