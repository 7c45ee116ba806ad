package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxPayloadSize is the largest payload a single frame may declare.
// Frames claiming a larger length are rejected before the payload is read.
const MaxPayloadSize = 1 << 20 // 1 MiB

// Sentinel errors for frame decoding.
var (
	// ErrMessageTooLarge indicates a frame's declared length exceeds MaxPayloadSize.
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrMalformedMessage indicates a frame's payload is not valid JSON, or
	// lacks a recognized "type" field.
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrUnexpectedEOF indicates the stream closed before a complete frame
	// was read, including a close before the first byte of the length prefix.
	ErrUnexpectedEOF = errors.New("protocol: unexpected eof")
)

// WriteMessage serializes msg to JSON and writes it to w as a single frame:
// a 4-byte little-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal message: %w", err)
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// messageType is used to peek at the type field before picking a concrete type.
type messageType struct {
	Type string `json:"type"`
}

// ReadMessage reads and decodes the next frame from r.
// It returns one of *TunnelRequestMessage, *TunnelResponseMessage,
// *CreateDataChannelMessage, or *HeartbeatMessage.
func ReadMessage(r io.Reader) (any, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("protocol: read length prefix: %w", err)
	}

	length := binary.LittleEndian.Uint32(hdr[:])
	if length > MaxPayloadSize {
		return nil, ErrMessageTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	var mt messageType
	if err := json.Unmarshal(payload, &mt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch mt.Type {
	case TypeTunnelRequest:
		var m TunnelRequestMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &m, nil

	case TypeTunnelResponse:
		var m TunnelResponseMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &m, nil

	case TypeCreateDataChan:
		var m CreateDataChannelMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &m, nil

	case TypeHeartbeat:
		var m HeartbeatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &m, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, mt.Type)
	}
}
