// Package dispatch sends trigger requests to the remote execution endpoint.
//
// Each workflow has an execution lock. A dispatch for a locked workflow is
// dropped (never queued or retried); the lock is released a fixed cooldown
// after the request completes, whatever the outcome. Failed requests are
// logged and not retried: the next tick or manual run is the only recovery.
package dispatch
