// Package relay wires the relay together: MQTT and UDP ingestion feed the
// filter engine, passing values are forwarded to the Miniserver, and the
// MQTT control topics drive configuration, whitelist synchronisation and
// the external UI process.
//
// The active configuration is an immutable snapshot behind an atomic
// pointer. Control operations build a new snapshot, bump the epoch and swap
// it in; in-flight messages finish against the snapshot they started with
// and the epoch-keyed decision cache makes stale verdicts unreachable.
package relay
