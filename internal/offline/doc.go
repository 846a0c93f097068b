// Package offline implements the offline cache manager: a versioned cache
// bucket populated from a fixed manifest at install, stale buckets removed at
// activate, and a cache-first, network-fallback, write-through policy applied
// to every intercepted request that is same-origin or under the allowed
// third-party prefix.
//
// The three lifecycle steps are exposed as plain functions (Install, Activate,
// Fetch) taking an explicit cache.Storage and Fetcher, so tests can drive them
// against an in-memory store. Worker binds them to one cache version and
// Registration plays the host that sequences install → activate → claim and
// dispatches fetch events to the controlling worker.
package offline
