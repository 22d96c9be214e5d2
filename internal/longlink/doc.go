// Package longlink owns the persistent connection engine.
//
// Ownership boundary:
// - socket dial (TCP or WebSocket) and the per-link event loop
// - identify queue and outbound application queue
// - decode loop over the receive buffer
// - lifecycle reporting on the response channel
//
// Lifecycle order:
// - Connecting -> CheckIdentify -> Connected
// - Connecting -> ConnectFail
// - any -> Disconnected on shutdown, identify rejection, protocol or socket error
//
// Failures never escape the loop as errors; they are reported as responses
// and the loop exits. The engine does not reconnect.
package longlink
