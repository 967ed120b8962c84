// Package identity implements device identity for the fleet protocol:
// Ed25519 keypair management on the device side and the canonical
// request-signing codec shared by both sides.
//
// A device's public key is its authoritative identity. Serial numbers and
// MAC addresses are OS-reported and attacker-spoofable, so they are carried
// as advisory metadata only; every authenticated request is verified
// against the public key bound at adoption.
//
// The signing payload is METHOD\nPATH\nTIMESTAMP\nBODY where BODY is the
// exact wire bytes. Verification enforces a 5-minute timestamp window to
// bound replay.
package identity
