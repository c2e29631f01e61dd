// Package protocol owns the SPI command wire contract and reply parsing.
//
// Ownership boundary:
// - command header encode/decode
// - size/status/catalog/message reply decoders
// - protocol error taxonomy
//
// Frame integrity lives in protocol/frame; transaction sequencing lives in
// protocol/session.
package protocol
