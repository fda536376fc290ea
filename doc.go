// Package docwire is the coordination runtime for multi-tenant document
// workers. It ties together the building blocks each worker needs to serve
// many documents from one process:
//
//   - Keyed mutexes for per-document exclusive sections (kmutex)
//   - A FIFO memory pool bounding concurrent document footprints (mempool)
//   - A ping-coalescing work coordinator driving the save loop (coordinator)
//   - CPU throttling of runaway sandbox processes (throttle)
//   - A shared worker/document registry for connection routing (registry)
//   - Realtime client transport with a long-polling fallback (transport)
//   - Action bundle analysis for access rechecks (actions)
//   - Artifact storage for exports and attachments (blobstore, codec)
//
// The DocWorker type composes these into one serving unit: it registers
// itself in the worker registry, accepts realtime connections, claims
// documents, applies mutation bundles under the per-document lock, fans out
// updates to the document's other connections, and pings the save
// coordinator.
//
// # Quick Start
//
//	reg := registry.NewMemoryRegistry()
//	worker, err := docwire.New(registry.WorkerInfo{
//	    ID:          "w1",
//	    InternalURL: "http://10.0.0.5:8080",
//	    PublicURL:   "https://docs.example.com/w1",
//	}, reg, saveDirtyDocs)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := worker.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer worker.Close()
//
//	http.ListenAndServe(":8080", worker.Handler())
//
// Clients connect with a docId query parameter; the worker claims the
// document in the registry and redirects clients whose document is already
// served elsewhere.
package docwire
