// Package relay implements a WebSocket relay. Every client connection accepted by
// a Server gets its own Session, which dials one dedicated connection to a fixed
// upstream URL and forwards messages verbatim in both directions until either side
// closes, at which point both sides are closed together.
//
// Sessions are found through a Registry keyed by the typed identity of each
// connection (InboundKey, OutboundKey). Each Session runs one reader goroutine per
// side, so messages keep their order within a direction.
package relay
