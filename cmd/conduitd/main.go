// Command conduitd runs the conduit code-execution substrate: an
// agent-facing JSON-RPC surface (stdio or a local socket) in front of the
// sandboxed-execution and tool-gateway machinery, plus a reverse-IPC
// endpoint sandboxed code calls back into and a small ops HTTP server.
//
// # Configuration
//
// Environment variables:
//
//	CONDUIT_TRANSPORT              - "line-delimited-over-process-stdio" or "local-socket" (default: local-socket)
//	CONDUIT_PORT                   - agent-facing socket port, local-socket transport only (default: 8787)
//	CONDUIT_OPS_PORT                - /healthz + /metrics port (default: 8788)
//	CONDUIT_IPC_BEARER_TOKEN        - master token; empty disables authentication (stdio transport only)
//	CONDUIT_MAX_CONCURRENT          - concurrency gate in-flight ceiling (default: 16)
//	CONDUIT_MAX_QUEUE               - concurrency gate wait-queue ceiling (default: 64)
//	CONDUIT_LIMIT_TIMEOUT_MS        - default execution wall-clock limit (default: 30000)
//	CONDUIT_LIMIT_MEMORY_MB         - default execution memory limit (default: 256)
//	CONDUIT_LIMIT_MAX_OUTPUT_BYTES  - default captured-output cap (default: 1048576)
//	CONDUIT_LIMIT_MAX_LOG_ENTRIES   - default captured-log-line cap (default: 1000)
//	CONDUIT_RATE_LIMIT              - requests per CONDUIT_RATE_LIMIT_WINDOW per caller (default: 30)
//	CONDUIT_RATE_LIMIT_WINDOW       - rate limit window (default: 1m)
//	CONDUIT_REVERSE_IPC_NETWORK     - "tcp" or "unix" for the sandbox callback endpoint (default: tcp)
//	CONDUIT_REVERSE_IPC_ADDRESS     - bind address for the reverse-IPC endpoint (default: 127.0.0.1:0)
//	CONDUIT_EMBEDDED_POOL_SIZE      - EmbeddedScriptBackend worker pool size (default: 3)
//	CONDUIT_UPSTREAMS               - JSON array of {id, transport, url?, command?, args?, credentials?}
//	CONDUIT_DEBUG                   - any non-empty value enables debug logging
//
// # Example
//
//	CONDUIT_IPC_BEARER_TOKEN=secret CONDUIT_PORT=8787 conduitd
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/conduit-run/conduit/authbroker"
	"github.com/conduit-run/conduit/concurrency"
	"github.com/conduit-run/conduit/conduitcfg"
	"github.com/conduit-run/conduit/gateway"
	"github.com/conduit-run/conduit/netpolicy"
	"github.com/conduit-run/conduit/opsserver"
	"github.com/conduit-run/conduit/pipeline"
	"github.com/conduit-run/conduit/reverseipc"
	"github.com/conduit-run/conduit/sandbox"
	"github.com/conduit-run/conduit/schemacache"
	"github.com/conduit-run/conduit/session"
	"github.com/conduit-run/conduit/supervisor"
	"github.com/conduit-run/conduit/telemetry"
	"github.com/conduit-run/conduit/upstream"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("CONDUIT_DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited cleanly"})
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := conduitcfg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	netPolicy := netpolicy.New(netpolicy.WithRateLimit(cfg.RateLimit, cfg.RateLimitWindow))
	sessions := session.New()
	schemas := schemacache.New()
	gw := gateway.New(schemas, gateway.WithLogger(logger), gateway.WithMetrics(metrics))
	broker := authbroker.New()

	if err := registerUpstreams(ctx, gw, netPolicy, broker, cfg.Upstreams); err != nil {
		return fmt.Errorf("register upstreams: %w", err)
	}

	masterToken := cfg.IPCBearerToken
	authDisabled := false
	if masterToken == "" {
		if cfg.Transport != conduitcfg.TransportStdio {
			return fmt.Errorf("CONDUIT_IPC_BEARER_TOKEN is required for the %q transport", cfg.Transport)
		}
		// spec §6: an absent ipcBearerToken disables authentication on the
		// stdio transport, which is implicitly trusted.
		authDisabled = true
	}

	p, err := pipeline.New(pipeline.Options{
		MasterToken:  masterToken,
		AuthDisabled: authDisabled,
		Sessions:     sessions,
		RateLimit:    netPolicy,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("construct pipeline: %w", err)
	}

	reverseIPC := reverseipc.New(cfg.ReverseIPCNetwork, cfg.ReverseIPCAddress, p, reverseipc.WithLogger(logger))
	if err := reverseIPC.Start(ctx); err != nil {
		return fmt.Errorf("start reverse-ipc endpoint: %w", err)
	}
	defer reverseIPC.Close()

	sup, err := supervisor.New(supervisor.Options{
		Gateway:           gw,
		Sessions:          sessions,
		Embedded:          sandbox.NewEmbeddedScriptBackend(sandbox.WithEmbeddedPoolSize(cfg.EmbeddedPoolSize)),
		ReverseIPCAddress: reverseIPC.Addr().String(),
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("construct supervisor: %w", err)
	}

	registerHandlers(p, deps{gateway: gw, supervisor: sup})

	gate := concurrency.New(cfg.MaxConcurrent, cfg.MaxQueue)

	ops := opsserver.New(fmt.Sprintf(":%d", cfg.OpsPort), gw, schemas, gate)
	opsErrc := ops.Start()

	switch cfg.Transport {
	case conduitcfg.TransportStdio:
		log.Print(ctx, log.KV{K: "msg", V: "serving on stdio"})
		go serveStdio(ctx, p, gate, os.Stdin, os.Stdout)
	case conduitcfg.TransportSocket:
		addr := fmt.Sprintf(":%d", cfg.Port)
		agentSrv := reverseipc.New("tcp", addr, p, reverseipc.WithLogger(logger), reverseipc.WithConcurrencyGate(gate))
		if err := agentSrv.Start(ctx); err != nil {
			return fmt.Errorf("start agent-facing listener: %w", err)
		}
		defer agentSrv.Close()
		log.Print(ctx, log.KV{K: "msg", V: "serving on socket"}, log.KV{K: "addr", V: agentSrv.Addr().String()})
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-opsErrc:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	}
}

func registerUpstreams(ctx context.Context, gw *gateway.Gateway, netPolicy *netpolicy.Policy, broker *authbroker.Broker, ups []conduitcfg.Upstream) error {
	for _, u := range ups {
		conn, err := buildConnector(ctx, netPolicy, broker, u)
		if err != nil {
			return fmt.Errorf("upstream %q: %w", u.ID, err)
		}
		gw.RegisterUpstream(u.ID, conn)
	}
	return nil
}

func buildConnector(ctx context.Context, netPolicy *netpolicy.Policy, broker *authbroker.Broker, u conduitcfg.Upstream) (upstream.Connector, error) {
	switch u.Variant {
	case conduitcfg.VariantSubprocess:
		return upstream.NewSubprocessConnector(upstream.SubprocessConfig{Command: u.Command, Args: u.Args}), nil

	case conduitcfg.VariantHTTPRPC:
		resolved, err := netPolicy.ValidateURL(ctx, u.URL)
		if err != nil {
			return nil, err
		}
		if !resolved.Valid {
			return newBlockedConnector(resolved.Message), nil
		}
		return upstream.NewHTTPRPCConnector(upstream.HTTPRPCConfig{
			URL:      u.URL,
			Resolved: resolved,
			Client:   credentialClient(broker, u),
		})

	case conduitcfg.VariantHTTPStreaming:
		resolved, err := netPolicy.ValidateURL(ctx, u.URL)
		if err != nil {
			return nil, err
		}
		if !resolved.Valid {
			return newBlockedConnector(resolved.Message), nil
		}
		return upstream.NewHTTPStreamingConnector(upstream.HTTPStreamingConfig{
			URL:           u.URL,
			Resolved:      resolved,
			WrapTransport: credentialTransportWrapper(broker, u),
		})

	default:
		return nil, fmt.Errorf("unknown upstream transport %q", u.Variant)
	}
}

// credentialClient returns nil (letting the connector fall back to its own
// default client) unless u carries a credential, in which case the
// returned client's transport injects that credential's projected headers
// on every outbound request via authbroker.Transport.
func credentialClient(broker *authbroker.Broker, u conduitcfg.Upstream) *http.Client {
	if u.Credentials == nil {
		return nil
	}
	cred, ok := u.Credentials.ToAuthbroker()
	if !ok {
		return nil
	}
	return &http.Client{Transport: &authbroker.Transport{Broker: broker, Credential: cred}}
}

// credentialTransportWrapper returns a WrapTransport func for
// HTTPStreamingConfig, or nil if u carries no credential.
func credentialTransportWrapper(broker *authbroker.Broker, u conduitcfg.Upstream) func(http.RoundTripper) http.RoundTripper {
	if u.Credentials == nil {
		return nil
	}
	cred, ok := u.Credentials.ToAuthbroker()
	if !ok {
		return nil
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return &authbroker.Transport{Broker: broker, Credential: cred, Next: next}
	}
}
