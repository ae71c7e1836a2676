package protocol

import (
	"bytes"
	"errors"
)

// BinaryTag prefixes the header line of every data-plane binary frame.
const BinaryTag = "BINARY|"

var (
	ErrNoHeader    = errors.New("protocol: binary frame without header delimiter")
	ErrUnknownTag  = errors.New("protocol: unknown binary header tag")
	ErrEmptyTarget = errors.New("protocol: binary header names no target")
)

// ParseBinary splits a binary frame into its destination identifier and body.
// The header is everything up to the first newline; the body is every byte
// after it and aliases frame.
func ParseBinary(frame []byte) (target string, body []byte, err error) {
	header, body, found := bytes.Cut(frame, []byte{'\n'})
	if !found {
		return "", nil, ErrNoHeader
	}
	rest, ok := bytes.CutPrefix(header, []byte(BinaryTag))
	if !ok {
		return "", nil, ErrUnknownTag
	}
	if len(rest) == 0 {
		return "", nil, ErrEmptyTarget
	}
	return string(rest), body, nil
}

// BuildBinary assembles a binary frame addressed to target.
func BuildBinary(target string, body []byte) []byte {
	frame := make([]byte, 0, len(BinaryTag)+len(target)+1+len(body))
	frame = append(frame, BinaryTag...)
	frame = append(frame, target...)
	frame = append(frame, '\n')
	return append(frame, body...)
}
