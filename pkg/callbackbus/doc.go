// Package callbackbus implements the per-job rendezvous that the HTTP
// callback adapter uses to signal a running stage's supervisor: a
// one-shot, exactly-once delivery per job, deliberately narrower than a
// fan-out broadcast bus so a duplicate signal can never land on the
// wrong listener.
package callbackbus
