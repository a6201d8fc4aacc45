package protocol

import (
	"encoding/binary"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/reassembly"
)

// Binary frames are [36-byte session id]['a'|'f'][uint32 big-endian index][payload].
const (
	sessionIDLen = 36
	HeaderLen    = sessionIDLen + 1 + 4
)

const (
	kindAudio byte = 'a'
	kindFrame byte = 'f'
)

type BinaryFrame struct {
	SessionID string
	Key       reassembly.Key
	Payload   []byte
}

// ParseBinary splits a binary message into header and payload. The payload
// aliases raw.
func ParseBinary(raw []byte) (*BinaryFrame, error) {
	if len(raw) < HeaderLen {
		return nil, malformed("binary frame of %d bytes, need at least %d", len(raw), HeaderLen)
	}
	var modality models.Modality
	switch raw[sessionIDLen] {
	case kindAudio:
		modality = models.ModalityAudio
	case kindFrame:
		modality = models.ModalityVideo
	default:
		return nil, malformed("unknown binary frame kind %q", raw[sessionIDLen])
	}
	return &BinaryFrame{
		SessionID: string(raw[:sessionIDLen]),
		Key: reassembly.Key{
			Modality: modality,
			Index:    int64(binary.BigEndian.Uint32(raw[sessionIDLen+1 : HeaderLen])),
		},
		Payload: raw[HeaderLen:],
	}, nil
}

// EncodeBinary is the client side of ParseBinary.
func EncodeBinary(sessionID string, modality models.Modality, index uint32, payload []byte) ([]byte, error) {
	if len(sessionID) != sessionIDLen {
		return nil, malformed("session id must be %d bytes", sessionIDLen)
	}
	out := make([]byte, HeaderLen, HeaderLen+len(payload))
	copy(out, sessionID)
	switch modality {
	case models.ModalityAudio:
		out[sessionIDLen] = kindAudio
	case models.ModalityVideo:
		out[sessionIDLen] = kindFrame
	default:
		return nil, malformed("unknown modality %q", modality)
	}
	binary.BigEndian.PutUint32(out[sessionIDLen+1:], index)
	return append(out, payload...), nil
}
