// Package relay is the paddock server: it owns the HTTP surface, wires the
// store, lifecycle machine, terminal broker, and reaper together, and
// manages the listeners they serve on.
//
// # Routes
//
// Health:
//
//	GET  /health                      liveness, always 200
//	GET  /health/ready                readiness, pings the store
//
// Agent API (session token required):
//
//	POST   /api/agents                create an agent, returns 202 and
//	                                  provisions the VM in the background
//	GET    /api/agents                the caller's agents plus shared ones
//	GET    /api/agents/{id}           one agent record
//	POST   /api/agents/{id}/cancel    delete the VM, mark cancelled
//	DELETE /api/agents/{id}           remove a terminal agent's record
//	POST   /api/agents/{id}/share     grant another user read/terminal access
//
// VM and operator surfaces:
//
//	POST /api/agents/{id}/report      VM status callback, authenticated with
//	                                  an instance identity token
//	GET  /api/agents/{id}/terminal    browser terminal WebSocket
//	POST /internal/reaper/run         trigger a reaper sweep, restricted to
//	                                  the configured caller subject
//
// # Listeners
//
// The relay serves the same mux on a plain TCP listener, a tsnet (Tailscale)
// listener, or both, depending on configuration. Shutdown drains the HTTP
// server, closes terminal sessions, waits briefly for in-flight provision
// pipelines, and closes the store.
package relay
