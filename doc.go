// Package relais is the connection engine of a message broker client.
//
// A `Provider` speaks one protocol to one broker: it connects, creates and
// destroys resources (connections, sessions, producers, consumers and
// temporary destinations), sends envelopes and acknowledges deliveries.
// Every operation is asynchronous and completes an `AsyncResult`.
//
// ## Providers
//
// Concrete providers register themselves for URI schemes when imported:
//
//   - `pkg/wireprovider` for `tcp://`, `ssl://`, `nio://` and `quic://`, over
//     the binary command encoding of `pkg/wire`.
//   - `pkg/stompprovider` for `stomp://` and `stomp+ssl://`.
//
// Both dial through `pkg/transport`.
//
// ## Failover
//
// A `failover:(uri1,uri2)?...` URI builds a `Failover`, which wraps the
// provider of one candidate at a time. When the connection is lost, it
// reconnects to the next candidate, recreates the resources it tracked and
// replays the requests which did not complete. Callers see
// `EventConnectionInterrupted` then `EventConnectionRestored`, their
// results only fail when recovery is impossible.
//
// ## Discovery
//
// A `discovery:(agent1,agent2)?...` URI feeds the candidates of a failover
// from discovery agents. `pkg/discovery` registers the `static`, `multicast`
// and `gossip` agents.
//
// ## Configuration
//
// `LoadConfig` reads a TOML file and `Config.Open` builds the provider it
// describes. Logs go through `log/slog` and metrics through
// `hashicorp/go-metrics`.
package relais
