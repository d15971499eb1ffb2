package session

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
)

// SDP attribute keys carried by offers and answers.
const (
	AttrSession = "carrier-session"
	AttrNoise   = "noise-ik"
)

// description is the part of an offer or answer the session layer reads.
type description struct {
	ID        uuid.UUID
	Handshake []byte
}

// marshalDescription renders id and a handshake message as an SDP document.
func marshalDescription(id uuid.UUID, handshake []byte) (string, error) {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "carrier",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "carrier",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute(AttrSession, id.String()),
			sdp.NewAttribute(AttrNoise, base64.StdEncoding.EncodeToString(handshake)),
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "application",
					Port:    sdp.RangedPort{Value: 9},
					Protos:  []string{"UDP", "NOISE"},
					Formats: []string{"carrier"},
				},
			},
		},
	}
	raw, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(raw), nil
}

// parseDescription extracts the session ID and handshake message from an
// offer or answer.
func parseDescription(text string) (description, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(text)); err != nil {
		return description{}, fmt.Errorf("%w: %v", ErrMalformedOffer, err)
	}

	rawID, ok := sd.Attribute(AttrSession)
	if !ok {
		return description{}, fmt.Errorf("%w: missing %s attribute", ErrMalformedOffer, AttrSession)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return description{}, fmt.Errorf("%w: session id: %v", ErrMalformedOffer, err)
	}

	rawHS, ok := sd.Attribute(AttrNoise)
	if !ok {
		return description{}, fmt.Errorf("%w: missing %s attribute", ErrMalformedOffer, AttrNoise)
	}
	hs, err := base64.StdEncoding.DecodeString(rawHS)
	if err != nil || len(hs) == 0 {
		return description{}, fmt.Errorf("%w: bad handshake encoding", ErrMalformedOffer)
	}
	return description{ID: id, Handshake: hs}, nil
}
