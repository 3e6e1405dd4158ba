// Package status follows a single execution over a duplex websocket.
//
// A Channel subscribes to one execution id, folds the server's snapshot and
// per-node frames into local node state, pings on a fixed interval and
// reconnects with capped exponential backoff. A close with code 1008 means the
// server no longer knows the session and ends the channel for good.
package status
