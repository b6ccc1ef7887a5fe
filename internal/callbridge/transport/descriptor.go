package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Kind discriminates the descriptor union.
type Kind string

const (
	KindOfficial   Kind = "official"
	KindUnofficial Kind = "unofficial"
)

// Descriptor is the server-chosen audio transport of a call. It is either
// Official or Unofficial.
type Descriptor interface {
	Kind() Kind
	isDescriptor()
}

// Official carries the remote SDP offer for a WebRTC-style exchange.
type Official struct {
	SDPOffer string
}

// Unofficial points at a raw PCM websocket server.
type Unofficial struct {
	Host string
	Port int
}

func (Official) Kind() Kind   { return KindOfficial }
func (Unofficial) Kind() Kind { return KindUnofficial }
func (Official) isDescriptor()   {}
func (Unofficial) isDescriptor() {}

// Addr returns host:port.
func (u Unofficial) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// ErrInvalidDescriptor is returned for payloads that match neither variant.
var ErrInvalidDescriptor = errors.New("invalid transport descriptor")

type wireDescriptor struct {
	Type   Kind            `json:"type"`
	SDP    json.RawMessage `json:"sdp,omitempty"`
	Server *wireServer     `json:"server,omitempty"`
}

type wireServer struct {
	Host string          `json:"host"`
	Port json.RawMessage `json:"port"`
}

type wireSessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ParseDescriptor decodes the device's transport payload. The official SDP
// may be a bare string or a {type, sdp} object; the unofficial port may be
// a number or a numeric string.
func ParseDescriptor(raw json.RawMessage) (Descriptor, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDescriptor)
	}

	var w wireDescriptor
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	switch w.Type {
	case KindOfficial:
		offer, err := decodeSDP(w.SDP)
		if err != nil {
			return nil, err
		}
		return Official{SDPOffer: offer}, nil

	case KindUnofficial:
		if w.Server == nil || w.Server.Host == "" {
			return nil, fmt.Errorf("%w: missing server", ErrInvalidDescriptor)
		}
		port, err := decodePort(w.Server.Port)
		if err != nil {
			return nil, err
		}
		return Unofficial{Host: w.Server.Host, Port: port}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDescriptor, w.Type)
	}
}

// MarshalDescriptor encodes d in the wire form ParseDescriptor accepts.
func MarshalDescriptor(d Descriptor) (json.RawMessage, error) {
	switch v := d.(type) {
	case Official:
		sdp, _ := json.Marshal(wireSessionDescription{Type: "offer", SDP: v.SDPOffer})
		return json.Marshal(wireDescriptor{Type: KindOfficial, SDP: sdp})
	case Unofficial:
		port, _ := json.Marshal(v.Port)
		return json.Marshal(wireDescriptor{Type: KindUnofficial, Server: &wireServer{Host: v.Host, Port: port}})
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidDescriptor, d)
	}
}

func decodeSDP(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing sdp", ErrInvalidDescriptor)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	var desc wireSessionDescription
	if err := json.Unmarshal(raw, &desc); err == nil && desc.SDP != "" {
		return desc.SDP, nil
	}
	return "", fmt.Errorf("%w: unreadable sdp", ErrInvalidDescriptor)
}

func decodePort(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 && n < 65536 {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n < 65536 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: bad port %s", ErrInvalidDescriptor, string(raw))
}
