package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Quality tiers derived from RTCP receiver reports and inbound RTP loss.
const (
	QualityUnknown = "unknown"
	QualityGood    = "good"
	QualityFair    = "fair"
	QualityPoor    = "poor"
)

// Session is the pion-backed Negotiator: one PeerConnection plus local
// media for one call.
type Session struct {
	callID string
	stun   []string

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	stopMedia func()
	closed    bool
	remoteSet bool
	quality   string

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

// NewSession prepares a session for a call id. Nothing heavy happens
// until Start.
func NewSession(callID string, stunServers []string) *Session {
	return &Session{callID: callID, stun: stunServers, quality: QualityUnknown}
}

// Start captures local media and builds the PeerConnection. Callbacks
// registered via OnICECandidate/OnConnectionStateChange fire only after
// a local description exists, so wiring them right after Start is safe.
func (s *Session) Start(_ context.Context) error {
	pc, stop, err := initMediaPC(s.callID, s.stun)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		pc.Close()
		return ErrInvalidState
	}
	s.pc = pc
	s.stopMedia = stop
	s.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", s.callID, state)
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track %s", s.callID, track.Kind(), track.ID())
		go s.drainRemoteTrack(track)
	})

	for _, sender := range pc.GetSenders() {
		go s.rtcpLoop(sender)
	}
	return nil
}

func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	pc := s.conn()
	if pc == nil {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	pc := s.conn()
	if pc == nil {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc := s.conn()
	if pc == nil {
		return ErrInvalidState
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	return nil
}

func (s *Session) AddICECandidate(cand webrtc.ICECandidateInit) error {
	pc := s.conn()
	if pc == nil {
		return ErrInvalidState
	}
	return pc.AddICECandidate(cand)
}

func (s *Session) RemoteDescriptionSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *Session) SignalingState() webrtc.SignalingState {
	pc := s.conn()
	if pc == nil {
		return webrtc.SignalingStateClosed
	}
	return pc.SignalingState()
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *Session) QualityTier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Close releases local media and the PeerConnection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc := s.pc
	stop := s.stopMedia
	s.pc = nil
	s.stopMedia = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			return fmt.Errorf("close peer connection: %w", err)
		}
	}
	log.Printf("CALL [%s]: session closed", s.callID)
	return nil
}

func (s *Session) conn() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

// rtcpLoop reads receiver reports for one outbound track and maps the
// remote's reported loss onto a quality tier.
func (s *Session) rtcpLoop(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				s.setQuality(tierFromFraction(rep.FractionLost))
			}
		}
	}
}

// drainRemoteTrack must keep reading or the interceptor pipeline stalls.
// Sequence gaps feed an inbound loss estimate so receive-only sessions
// still report a quality tier.
func (s *Session) drainRemoteTrack(track *webrtc.TrackRemote) {
	var (
		got, lost uint64
		lastSeq   uint16
		haveSeq   bool
	)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote %s track done: %v", s.callID, track.Kind(), err)
			}
			return
		}
		got++
		if haveSeq {
			lost += seqGap(lastSeq, pkt.Header)
		}
		lastSeq = pkt.Header.SequenceNumber
		haveSeq = true

		if got%500 == 0 {
			s.setQuality(tierFromRate(float64(lost) / float64(got+lost)))
		}
	}
}

// seqGap counts packets missing between two RTP headers, tolerating
// wraparound and reordering.
func seqGap(prev uint16, h rtp.Header) uint64 {
	d := h.SequenceNumber - prev
	if d > 1 && d < 0x8000 {
		return uint64(d - 1)
	}
	return 0
}

func (s *Session) setQuality(tier string) {
	s.mu.Lock()
	s.quality = tier
	s.mu.Unlock()
}

// tierFromFraction maps an RTCP fraction-lost octet (loss*256) to a tier.
func tierFromFraction(fraction uint8) string {
	switch {
	case fraction < 13: // < 5%
		return QualityGood
	case fraction < 64: // < 25%
		return QualityFair
	default:
		return QualityPoor
	}
}

func tierFromRate(rate float64) string {
	switch {
	case rate < 0.05:
		return QualityGood
	case rate < 0.25:
		return QualityFair
	default:
		return QualityPoor
	}
}
