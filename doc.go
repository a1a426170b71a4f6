// Package bapd exposes the Go APIs behind a buyer-side application platform
// (BAP) for mentoring sessions on a Beckn-style network. bapd accepts browser
// actions (search, select, init, confirm), forwards them as protocol
// envelopes to the gateway or the provider, receives the provider's
// asynchronous callbacks and relays them to every connected websocket client.
// When an order is confirmed, bapd issues a proof-of-association credential
// through a registry and relays the registry's answer as well.
//
// # Running a server
//
//	cfg := bapd.Config{
//	    Listen:      ":8080",
//	    BapURI:      "https://bap.example/bap",
//	    RegistryURL: "http://registry:8081/api/v1",
//	}
//	srv, err := bapd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("bapd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer wraps the same flow, blocks until the listener is bound and
// returns an idempotent stop function, which is convenient in tests:
//
//	srv, stop, err := bapd.StartServer(ctx, bapd.Config{Listen: "127.0.0.1:0"})
//	if err != nil { t.Fatal(err) }
//	defer stop(context.Background())
//	base := "http://" + srv.ListenerAddr().String()
//
// # Endpoints
//
// Browser actions live under /api: POST /api/search, /api/select, /api/init
// and /api/confirm answer with the transaction and message ids used for the
// outbound envelope. The envelope itself is forwarded in the background, so
// an unreachable provider never delays the browser.
//
// Provider callbacks POST to /api/on_search, /api/on_select, /api/on_init,
// /api/on_confirm, /api/on_status and /api/on_cancel. Each is acknowledged
// with the protocol ACK once the raw payload has been queued for relay.
//
// GET /api/ws upgrades to a websocket session. Every relayed payload arrives
// as a JSON frame carrying the action, the transaction id and the original
// payload. Clients may send "/name", "/join", "/list" or free text.
//
// GET /api/pdf/{id} renders an issued certificate; /api/health, /healthz and
// /readyz report liveness and readiness.
//
// # Routing
//
// Config.RoutingMode selects how callbacks reach sessions. "broadcast" sends
// every callback to every session. "transaction" delivers to the session that
// confirmed the transaction (the sessionId sent with confirm) and falls back
// to broadcast for transactions with no bound session.
//
// # Correlation store
//
// Confirm records the user's name, email and title under the transaction id
// before forwarding the order, so the on_confirm callback can always build
// the credential. Config.StoreTTL bounds how long entries are kept; the
// default of zero keeps them for the life of the process.
//
// # Observability
//
// Logging uses pslog; every component tags its entries with a dotted "sys"
// field. Config.OTLPEndpoint enables OpenTelemetry tracing (grpc:// or
// http:// collectors), Config.MetricsListen exposes Prometheus metrics and
// Config.PprofListen serves the standard pprof handlers.
package bapd
