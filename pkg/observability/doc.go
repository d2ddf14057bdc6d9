/*
Package observability turns round lifecycle events into logs, Prometheus
metrics and a status snapshot.

Every producer here is a domain.RoundHooks value; Compose merges several of
them so the engine only ever holds one set of hooks.
*/
package observability
