// Package smschannel implements the offline SMS command channel.
//
// Field sites lose internet before they lose cell coverage, so FieldWard
// accepts actuator commands over plain SMS. The message carries its own
// authentication: a truncated HMAC-SHA256 signature computed with the
// target device's registration secret, so no session or token exchange
// is needed.
//
// Message format:
//
//	AGRI OPEN V1 F42 1700000000 A3F91
//
// where A3F91 is the first five uppercase hex characters of
// HMAC-SHA256(secret, "AGRI OPEN V1 F42 1700000000").
//
// The handler validates grammar before resolving any device, verifies
// the signature in constant time, optionally enforces a replay window
// on the timestamp, and forwards accepted commands into the command
// pipeline with source sms_offline. Every path, success or rejection,
// produces a reply string for the sender.
package smschannel
