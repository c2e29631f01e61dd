package protocol

import "errors"

var (
	ErrEncoding          = errors.New("protocol: encoding error")
	ErrTransport         = errors.New("protocol: transport failure")
	ErrFraming           = errors.New("protocol: framing error")
	ErrNoData            = errors.New("protocol: no data available")
	ErrChecksumMismatch  = errors.New("protocol: checksum mismatch")
	ErrShortTransfer     = errors.New("protocol: short transfer")
	ErrAllocation        = errors.New("protocol: allocation failed")
	ErrProtocolViolation = errors.New("protocol: protocol violation")
	ErrRejected          = errors.New("protocol: request rejected by device")
)
