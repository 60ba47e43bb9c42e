// Package media is the WebRTC-backed implementation of the media-engine
// port, built on pion. The session core never imports it directly; it is
// wired in through the engine factory.
package media

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"peercall/core/internal/config"
	"peercall/core/internal/domain"
	"peercall/core/internal/stats"
)

var log = logrus.WithField("component", "media")

// Factory returns an engine factory bound to the given media parameters.
// videoOut, when non-nil, receives the remote video track as a raw Annex-B
// H264 stream.
func Factory(params config.MediaParams, videoOut io.Writer) domain.EngineFactory {
	return func(events domain.MediaEngineEvents) (domain.MediaEngine, error) {
		return &Engine{params: params, videoOut: videoOut, events: events}, nil
	}
}

// Engine adapts a pion PeerConnection to the media-engine port.
type Engine struct {
	params   config.MediaParams
	videoOut io.Writer
	events   domain.MediaEngineEvents

	mu            sync.Mutex
	pc            *pion.PeerConnection
	audioSender   *pion.RTPSender
	audioTrack    pion.TrackLocal
	videoSender   *pion.RTPSender
	videoTrack    pion.TrackLocal
	remoteDescSet bool
	pendingCands  []domain.IceCandidate
	cameraIndex   int
	statsStop     chan struct{}
	closed        bool
}

// CreatePeerConnection builds the peer connection with the configured codecs
// and the ICE servers from the join handshake, and attaches local tracks.
func (e *Engine) CreatePeerConnection(params *domain.SignalingParameters) error {
	m := &pion.MediaEngine{}
	if err := e.registerCodecs(m); err != nil {
		return err
	}

	reg := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return fmt.Errorf("create nack responder: %w", err)
	}
	reg.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return fmt.Errorf("create nack generator: %w", err)
	}
	reg.Add(generator)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(reg),
	)

	var servers []pion.ICEServer
	for _, s := range params.IceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	if err := e.addLocalTracks(pc); err != nil {
		pc.Close()
		return err
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Info("ice gathering complete")
			return
		}
		j := c.ToJSON()
		if isLoopbackCandidate(j.Candidate) {
			log.Debug("filtering loopback ice candidate")
			return
		}
		mid := ""
		if j.SDPMid != nil {
			mid = *j.SDPMid
		}
		mLine := 0
		if j.SDPMLineIndex != nil {
			mLine = int(*j.SDPMLineIndex)
		}
		e.events.OnIceCandidate(domain.IceCandidate{Mid: mid, MLineIndex: mLine, SDP: j.Candidate})
	})

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.WithField("state", state.String()).Info("ice connection state")
		switch state {
		case pion.ICEConnectionStateConnected:
			e.events.OnIceConnected()
		case pion.ICEConnectionStateFailed:
			e.events.OnIceFailed()
		case pion.ICEConnectionStateDisconnected:
			e.events.OnIceDisconnected()
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		log.WithFields(logrus.Fields{
			"kind":  track.Kind().String(),
			"codec": codec.MimeType,
		}).Info("remote track")
		if track.Kind() == pion.RTPCodecTypeVideo && e.videoOut != nil &&
			strings.EqualFold(codec.MimeType, pion.MimeTypeH264) {
			go e.readVideoTrack(track)
			return
		}
		go drainTrack(track)
	})

	e.mu.Lock()
	e.pc = pc
	e.mu.Unlock()
	return nil
}

func (e *Engine) registerCodecs(m *pion.MediaEngine) error {
	audio := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		PayloadType: 111,
	}
	if strings.EqualFold(e.params.AudioCodec, "PCMU") {
		audio = pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:  pion.MimeTypePCMU,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 0,
		}
	}
	if err := m.RegisterCodec(audio, pion.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("register audio codec: %w", err)
	}

	if !e.params.VideoEnabled {
		return nil
	}
	video := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}
	if strings.EqualFold(e.params.VideoCodec, "H264") {
		video = pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:    pion.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		}
	}
	if err := m.RegisterCodec(video, pion.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("register video codec: %w", err)
	}
	return nil
}

func (e *Engine) addLocalTracks(pc *pion.PeerConnection) error {
	audioTrack, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: e.audioMimeType()}, "audio", "peercall")
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}

	e.mu.Lock()
	e.audioTrack = audioTrack
	e.audioSender = audioSender
	e.mu.Unlock()

	if !e.params.VideoEnabled {
		return nil
	}
	videoTrack, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: e.videoMimeType()}, "video", "peercall")
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}

	e.mu.Lock()
	e.videoTrack = videoTrack
	e.videoSender = videoSender
	e.mu.Unlock()
	return nil
}

func (e *Engine) audioMimeType() string {
	if strings.EqualFold(e.params.AudioCodec, "PCMU") {
		return pion.MimeTypePCMU
	}
	return pion.MimeTypeOpus
}

func (e *Engine) videoMimeType() string {
	if strings.EqualFold(e.params.VideoCodec, "H264") {
		return pion.MimeTypeH264
	}
	return pion.MimeTypeVP8
}

// CreateOffer produces the local offer and reports it via OnLocalDescription.
func (e *Engine) CreateOffer() {
	e.createLocalDescription("offer", func(pc *pion.PeerConnection) (pion.SessionDescription, error) {
		return pc.CreateOffer(nil)
	})
}

// CreateAnswer produces the local answer to a previously applied offer.
func (e *Engine) CreateAnswer() {
	e.createLocalDescription("answer", func(pc *pion.PeerConnection) (pion.SessionDescription, error) {
		return pc.CreateAnswer(nil)
	})
}

func (e *Engine) createLocalDescription(kind string, create func(*pion.PeerConnection) (pion.SessionDescription, error)) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		e.events.OnEngineError("create " + kind + " without peer connection")
		return
	}
	desc, err := create(pc)
	if err != nil {
		e.events.OnEngineError(fmt.Sprintf("create %s: %v", kind, err))
		return
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		e.events.OnEngineError(fmt.Sprintf("set local %s: %v", kind, err))
		return
	}
	log.WithField("type", kind).Info("local description set")
	e.events.OnLocalDescription(domain.SessionDescription{Type: kind, SDP: desc.SDP})
}

// SetRemoteDescription applies the peer's SDP and flushes candidates that
// arrived before it.
func (e *Engine) SetRemoteDescription(sdp domain.SessionDescription) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		e.events.OnEngineError("remote description without peer connection")
		return
	}

	sdpType := pion.SDPTypeAnswer
	if sdp.Type == "offer" {
		sdpType = pion.SDPTypeOffer
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: sdpType, SDP: sdp.SDP}); err != nil {
		e.events.OnEngineError(fmt.Sprintf("set remote description: %v", err))
		return
	}
	log.WithField("type", sdp.Type).Info("remote description set")

	e.mu.Lock()
	e.remoteDescSet = true
	pending := e.pendingCands
	e.pendingCands = nil
	e.mu.Unlock()
	for _, c := range pending {
		e.addCandidate(pc, c)
	}
}

// AddRemoteIceCandidate applies one remote candidate, buffering it while the
// remote description is still missing.
func (e *Engine) AddRemoteIceCandidate(c domain.IceCandidate) {
	e.mu.Lock()
	pc := e.pc
	if pc == nil || !e.remoteDescSet {
		e.pendingCands = append(e.pendingCands, c)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.addCandidate(pc, c)
}

func (e *Engine) addCandidate(pc *pion.PeerConnection, c domain.IceCandidate) {
	mid := c.Mid
	mLine := uint16(c.MLineIndex)
	err := pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:     c.SDP,
		SDPMid:        &mid,
		SDPMLineIndex: &mLine,
	})
	if err != nil {
		log.WithError(err).Warn("adding remote ice candidate")
	}
}

// RemoveRemoteIceCandidates drops buffered candidates that were retracted
// before being applied. Candidates already given to the transport cannot be
// withdrawn.
func (e *Engine) RemoveRemoteIceCandidates(cs []domain.IceCandidate) {
	removed := make(map[string]bool, len(cs))
	for _, c := range cs {
		removed[c.SDP] = true
	}
	e.mu.Lock()
	kept := e.pendingCands[:0]
	for _, c := range e.pendingCands {
		if !removed[c.SDP] {
			kept = append(kept, c)
		}
	}
	e.pendingCands = kept
	e.mu.Unlock()
	log.WithField("count", len(cs)).Debug("remote ice candidates retracted")
}

// SetAudioEnabled mutes or unmutes the microphone by detaching the audio
// track from its sender.
func (e *Engine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	sender := e.audioSender
	track := e.audioTrack
	e.mu.Unlock()
	if sender == nil {
		return
	}
	var err error
	if enabled {
		err = sender.ReplaceTrack(track)
	} else {
		err = sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.WithError(err).Warn("toggling audio track")
		return
	}
	log.WithField("enabled", enabled).Info("audio source")
}

// StartVideoSource re-attaches the local video track.
func (e *Engine) StartVideoSource() { e.setVideoEnabled(true) }

// StopVideoSource detaches the local video track.
func (e *Engine) StopVideoSource() { e.setVideoEnabled(false) }

func (e *Engine) setVideoEnabled(enabled bool) {
	e.mu.Lock()
	sender := e.videoSender
	track := e.videoTrack
	e.mu.Unlock()
	if sender == nil {
		return
	}
	var err error
	if enabled {
		err = sender.ReplaceTrack(track)
	} else {
		err = sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.WithError(err).Warn("toggling video track")
		return
	}
	log.WithField("enabled", enabled).Info("video source")
}

// SwitchCamera cycles to the next capture source. The frame producer feeding
// the local video track observes the index and switches its input.
func (e *Engine) SwitchCamera() {
	e.mu.Lock()
	e.cameraIndex++
	idx := e.cameraIndex
	e.mu.Unlock()
	log.WithField("source", idx).Info("switching video source")
}

// EnableStats starts periodic sampling of the peer connection stats,
// delivered as raw samples via OnStatsReady. Idempotent.
func (e *Engine) EnableStats(interval time.Duration) {
	e.mu.Lock()
	if e.statsStop != nil || e.pc == nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.statsStop = stop
	pc := e.pc
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.events.OnStatsReady(e.collectStats(pc))
			}
		}
	}()
}

// collectStats converts a pion stats report into the loosely-typed sample
// records the aggregator consumes.
func (e *Engine) collectStats(pc *pion.PeerConnection) []stats.RawSample {
	report := pc.GetStats()

	candidates := map[string]pion.ICECandidateStats{}
	for _, s := range report {
		if c, ok := s.(pion.ICECandidateStats); ok {
			candidates[c.ID] = c
		}
	}

	var samples []stats.RawSample
	for _, s := range report {
		switch v := s.(type) {
		case pion.ICECandidatePairStats:
			if !v.Nominated || v.State != pion.StatsICECandidatePairStateSucceeded {
				continue
			}
			values := map[string]string{
				"googActiveConnection": "true",
			}
			if local, ok := candidates[v.LocalCandidateID]; ok {
				values["googLocalAddress"] = fmt.Sprintf("%s:%d", local.IP, local.Port)
				values["googLocalCandidateType"] = local.CandidateType.String()
				values["googTransportType"] = local.Protocol
			}
			if remote, ok := candidates[v.RemoteCandidateID]; ok {
				values["googRemoteAddress"] = fmt.Sprintf("%s:%d", remote.IP, remote.Port)
				values["googRemoteCandidateType"] = remote.CandidateType.String()
			}
			samples = append(samples, stats.RawSample{Type: "googCandidatePair", Values: values})
		case pion.InboundRTPStreamStats:
			values := map[string]string{
				"mediaType":       v.Kind,
				"bytesReceived":   strconv.FormatUint(v.BytesReceived, 10),
				"packetsReceived": strconv.FormatUint(uint64(v.PacketsReceived), 10),
				"packetsLost":     strconv.FormatInt(int64(v.PacketsLost), 10),
			}
			e.annotateStream(values, v.Kind)
			samples = append(samples, stats.RawSample{Type: "ssrc", Values: values})
		case pion.OutboundRTPStreamStats:
			values := map[string]string{
				"mediaType":   v.Kind,
				"bytesSent":   strconv.FormatUint(v.BytesSent, 10),
				"packetsSent": strconv.FormatUint(uint64(v.PacketsSent), 10),
			}
			e.annotateStream(values, v.Kind)
			if v.Kind == "video" && e.params.VideoWidth > 0 {
				values["googFrameWidthSent"] = strconv.Itoa(e.params.VideoWidth)
				values["googFrameHeightSent"] = strconv.Itoa(e.params.VideoHeight)
				if e.params.VideoFPS > 0 {
					values["googFrameRateSent"] = strconv.Itoa(e.params.VideoFPS)
				}
			}
			samples = append(samples, stats.RawSample{Type: "ssrc", Values: values})
		}
	}
	return samples
}

func (e *Engine) annotateStream(values map[string]string, kind string) {
	if kind == "audio" {
		values["googCodecName"] = strings.ToUpper(e.params.AudioCodec)
	} else {
		values["googCodecName"] = strings.ToUpper(e.params.VideoCodec)
	}
}

func (e *Engine) readVideoTrack(track *pion.TrackRemote) {
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	depack := NewH264Depacketizer()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.WithError(err).Debug("video track finished")
			return
		}
		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			e.videoOut.Write(startCode)
			e.videoOut.Write(nalu)
		}
	}
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// Close releases the peer connection and stops stats sampling. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	stop := e.statsStop
	pc := e.pc
	e.pc = nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if pc != nil {
		pc.Close()
	}
	log.Info("media engine closed")
}

func isLoopbackCandidate(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
