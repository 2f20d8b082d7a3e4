// Package storage persists the engine's durable state: the watchlist,
// settings, per-channel poll state, notification records, the avatar cache,
// and notification click-through routes.
//
// Two drivers are provided: a dependency-free file backend and a SQLite
// backend. Both serialize all read-modify-write cycles internally.
package storage
