package transport

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// AudioSummary is what the transport logs about a session description.
type AudioSummary struct {
	Port      int
	Protocols string
	Codecs    []string
	Direction string
}

// ParseAudio parses raw SDP and summarises its first audio section.
func ParseAudio(raw string) (*AudioSummary, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		summary := &AudioSummary{
			Port:      md.MediaName.Port.Value,
			Protocols: strings.Join(md.MediaName.Protos, "/"),
			Direction: "sendrecv",
		}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "rtpmap":
				// "111 opus/48000/2" -> "opus/48000/2"
				if _, codec, ok := strings.Cut(attr.Value, " "); ok {
					summary.Codecs = append(summary.Codecs, codec)
				}
			case "sendrecv", "sendonly", "recvonly", "inactive":
				summary.Direction = attr.Key
			}
		}
		return summary, nil
	}
	return nil, ErrNoAudioSection
}
