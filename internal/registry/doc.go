// Package registry implements the device registry: the server-side source
// of truth for device identity, adoption lifecycle, display config, and
// liveness.
//
// A device moves through three persisted states: pending (announced,
// awaiting an operator), adopted (in the fleet), and archived (retired).
// Liveness statuses - online, offline, stale - are derived from
// timestamps at read time and never stored, so a device goes offline by
// silence alone with no writer involved.
//
// All state transitions go through Registry, which serialises concurrent
// operations per device. The HTTP layer and the retention sweep both sit
// on top of it.
package registry
