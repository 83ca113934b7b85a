//go:build !(linux && cgo)

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates a receive-only PeerConnection on non-Linux
// platforms. Capture via pion/mediadevices needs platform drivers
// (V4L2/malgo) that are only wired up for Linux.
func initMediaPC(callID string, stunServers []string) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(stunServers)})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(callID, pc)
	log.Printf("CALL [%s]: session ready (receive-only, no local capture on this platform)", callID)
	return pc, nil, nil
}
