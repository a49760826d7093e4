// Package envsig abstracts the runtime environment signals that change how
// saves are delivered: visibility, connectivity, shutdown and fire-and-forget
// beacon delivery. They never change what is saved.
//
// Process wires them to a real process (OS signals, an HTTP client). Manual
// is driven by hand, for tests and embedding.
package envsig

// Env is the capability set consumed by the persistence queue and the lock
// manager.
type Env interface {
	// IsHidden reports whether the client is in the background; saves then
	// prefer beacon delivery.
	IsHidden() bool
	// IsOnline reports whether the network is believed to be reachable.
	IsOnline() bool
	// OnOnline registers fn to run when connectivity comes back.
	OnOnline(fn func()) (unregister func())
	// OnUnload registers fn to run once when the client shuts down.
	OnUnload(fn func()) (unregister func())
	// SendBeacon queues a fire-and-forget JSON POST. It returns false when
	// the beacon could not be queued; delivery itself is never reported.
	SendBeacon(url string, body []byte) bool
}
