// Package gateway orchestrates the cpx-gateway server components.
//
// # Overview
//
// The gateway package is the composition root of a cpx-gateway node. It
// owns every long-lived component and wires them together: the SQLite
// store, the RSA login key, the event manager, the session table, the
// agent registry, the raft cluster node, the queue manager, the call
// router, and the HTTP dispatcher.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    store      store.Store
//	    key        *rsa.PrivateKey
//	    events     *event.Manager
//	    sessions   *session.Table
//	    agents     *agent.Registry
//	    node       *cluster.Node
//	    queues     *queue.Manager
//	    router     *route.Router
//	    dispatcher *dispatch.Dispatcher
//	    // ... servers and listeners
//	}
//
// # HTTP Surface
//
// The HTTP server serves three surfaces from one mux:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (ensemble has a leader)
//   - everything else - the dispatch package: static files, the command
//     API, and the /ops API
//
// # Cluster
//
// Each gateway is a raft member replicating the queue name registry. A
// second gRPC server on cluster.rpc_addr carries leader forwarding and
// remote enqueues between nodes. The clusterEvents loop feeds leadership
// and membership changes into the queue manager, which republishes
// ownership after elections and adopts the queues of downed peers.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	err = gw.Run(ctx)
//
// Run blocks until the context is canceled or a server fails, then shuts
// everything down in dependency order. Cancel the context for a graceful
// stop.
//
// # Key Files
//
//   - gateway.go: Gateway struct, wiring, Run/Shutdown, listeners
//   - events.go: cluster event loop
package gateway
