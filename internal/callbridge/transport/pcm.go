package transport

import (
	"github.com/zaf/g711"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// ToPCM16 converts a capture frame to the little-endian 16-bit PCM the
// websocket transport carries. Rate conversion is the capture side's job.
func ToPCM16(enc media.Encoding, frame []byte) []byte {
	switch enc {
	case media.EncodingPCMU:
		return g711.DecodeUlaw(frame)
	case media.EncodingPCMA:
		return g711.DecodeAlaw(frame)
	default:
		return frame
	}
}
