// Package health backs the liveness and readiness endpoints served on both
// the public listener (/-/healthy, /-/ready) and the ops listener (/healthz,
// /readyz).
//
// ticketmarket is live while the process can serve at all. It is ready when
// the [ShutdownGate] is open and the marketplace database answers a ping
// within a [Timeout]. main closes the gate on SIGTERM so load balancers stop
// routing buyers to the instance before in-flight purchases drain.
package health
