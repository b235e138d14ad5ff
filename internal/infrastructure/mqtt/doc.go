// Package mqtt provides the relay's MQTT client infrastructure.
//
// It wraps eclipse/paho.mqtt.golang with connection management, Last Will
// and Testament on the relay status topic, client-side subscription tracking
// with automatic restoration after reconnects, and panic-safe message
// handler dispatch.
//
// The Topics type centralises the relay's well-known topic layout (control
// topics, debug echo topics, status) so the rest of the codebase never
// concatenates topic strings by hand.
package mqtt
