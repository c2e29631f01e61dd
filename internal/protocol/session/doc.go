// Package session owns the host side of one SPI device session.
//
// Ownership boundary:
// - transport contract (one frame per Send/Receive)
// - chunked retrieval driver
// - size/fetch/catalog/pop/send operations
// - application-side polling helper
//
// An Engine holds its transport and scratch frames; it never retries on its
// own and never times out. Callers own every buffer it returns.
package session
