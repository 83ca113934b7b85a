package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// defaultSTUN is used when the config names no STUN servers.
var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

func iceServers(stunServers []string) []webrtc.ICEServer {
	if len(stunServers) == 0 {
		stunServers = defaultSTUN
	}
	return []webrtc.ICEServer{{URLs: stunServers}}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio
// so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even without local capture.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", callID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", callID, err)
	}
}
