// Package filter implements the relay's message processing pipeline:
// regex-based topic filtering, JSON payload flattening, boolean vocabulary
// conversion, topic normalisation for Loxone virtual input names, and the
// whitelist / do-not-forward forwarding decision.
//
// Engines are immutable per configuration snapshot; decisions are memoised
// in an epoch-keyed Cache so hot topics skip regex evaluation entirely and
// a configuration swap invalidates all prior decisions at once.
package filter
