// Package transport carries executed commands to field hardware.
//
// The command pipeline treats delivery as a fire-and-forget collaborator
// behind the control.Dispatcher interface; this package provides the
// MQTT implementation (publishing JSON envelopes to per-device command
// topics) and a no-op fallback for broker-less deployments.
package transport
