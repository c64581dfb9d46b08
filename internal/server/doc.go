// Package server assembles a gorelay process from its configuration: the
// entity store, the broadcast hub, the expiration sweeper and the lifecycle
// manager that sequences server instances against them.
//
// Run maps process signals onto the manager: SIGHUP restarts the active
// instance, SIGINT and SIGTERM shut everything down.
package server
