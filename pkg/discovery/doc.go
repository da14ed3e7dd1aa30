// Package discovery is the client side of the marketplace: it joins
// provider offers with their latest heartbeats into a filterable,
// sortable listing and negotiates spawn, status, and topup over
// encrypted direct messages.
//
// Listings are cached for a short window so one command invocation that
// resolves a provider and then messages it queries the relays once.
// Payment-bearing requests are only sent to providers with a recent
// heartbeat.
package discovery
