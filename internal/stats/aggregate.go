package stats

import "strconv"

// Sample type tags and value keys as reported by the media engine. These
// mirror the legacy goog-prefixed stats naming used on the wire.
const (
	sampleTypeCandidatePair = "googCandidatePair"
	sampleTypeStream        = "ssrc"

	keyActiveConnection    = "googActiveConnection"
	keyLocalAddress        = "googLocalAddress"
	keyLocalCandidateType  = "googLocalCandidateType"
	keyRemoteAddress       = "googRemoteAddress"
	keyRemoteCandidateType = "googRemoteCandidateType"
	keyTransportType       = "googTransportType"
	keyMediaType           = "mediaType"
	keyCodecName           = "googCodecName"
	keyBytesSent           = "bytesSent"
	keyBytesReceived       = "bytesReceived"
	keyPacketsSent         = "packetsSent"
	keyPacketsReceived     = "packetsReceived"
	keyPacketsLost         = "packetsLost"
	keyFrameWidthSent      = "googFrameWidthSent"
	keyFrameHeightSent     = "googFrameHeightSent"
	keyFrameRateSent       = "googFrameRateSent"
	keyFrameWidthReceived  = "googFrameWidthReceived"
	keyFrameHeightReceived = "googFrameHeightReceived"
	keyFrameRateReceived   = "googFrameRateReceived"
)

// Build aggregates one unordered collection of raw samples into a CallStats
// tree. Samples with missing keys contribute whatever fields they carry; an
// incomplete sample set never fails, it only yields an emptier tree.
func Build(samples []RawSample) *CallStats {
	out := &CallStats{}
	for _, sample := range samples {
		switch sample.Type {
		case sampleTypeCandidatePair:
			// Only the pair that marks itself active describes how the peers
			// are actually connected.
			if boolValue(sample, keyActiveConnection) {
				out.LocalAddress = strValue(sample, keyLocalAddress)
				out.LocalCandidateType = translateCandidateType(strValue(sample, keyLocalCandidateType))
				out.RemoteAddress = strValue(sample, keyRemoteAddress)
				out.RemoteCandidateType = translateCandidateType(strValue(sample, keyRemoteCandidateType))
				out.TransportType = strValue(sample, keyTransportType)
			}
		case sampleTypeStream:
			buildStream(out, sample)
		}
	}
	return out
}

func buildStream(out *CallStats, sample RawSample) {
	codec := strValue(sample, keyCodecName)
	bytesSent := int64Value(sample, keyBytesSent)
	bytesReceived := int64Value(sample, keyBytesReceived)
	packetsLost := int64Value(sample, keyPacketsLost)

	// An explicit media type decides the slot; a stream sample without one
	// describes neither track and is ignored. The presence of a sent vs.
	// received byte counter decides the stream direction; a sample with
	// neither is also ignored.
	switch sample.Values[keyMediaType] {
	case "audio":
		var audio *MediaStats
		switch {
		case bytesSent != nil:
			audio = &MediaStats{Direction: Outgoing, Bytes: bytesSent, PacketsLost: packetsLost,
				PacketsSentRecvd: int64Value(sample, keyPacketsSent)}
			out.OutAudio = audio
		case bytesReceived != nil:
			audio = &MediaStats{Direction: Incoming, Bytes: bytesReceived, PacketsLost: packetsLost,
				PacketsSentRecvd: int64Value(sample, keyPacketsReceived)}
			out.InAudio = audio
		}
		if audio != nil {
			audio.Codec = codec
		}
	case "video":
		var video *VideoStats
		switch {
		case bytesSent != nil:
			video = &VideoStats{MediaStats: MediaStats{Direction: Outgoing, Bytes: bytesSent,
				PacketsLost: packetsLost, PacketsSentRecvd: int64Value(sample, keyPacketsSent)}}
			video.FrameWidth = intValue(sample, keyFrameWidthSent)
			video.FrameHeight = intValue(sample, keyFrameHeightSent)
			video.FrameRate = intValue(sample, keyFrameRateSent)
			out.OutVideo = video
		case bytesReceived != nil:
			video = &VideoStats{MediaStats: MediaStats{Direction: Incoming, Bytes: bytesReceived,
				PacketsLost: packetsLost, PacketsSentRecvd: int64Value(sample, keyPacketsReceived)}}
			video.FrameWidth = intValue(sample, keyFrameWidthReceived)
			video.FrameHeight = intValue(sample, keyFrameHeightReceived)
			video.FrameRate = intValue(sample, keyFrameRateReceived)
			out.InVideo = video
		}
		if video != nil {
			video.Codec = codec
		}
	}
}

// translateCandidateType maps the legacy pair naming onto RFC 5245 candidate
// type names; already-canonical values pass through.
func translateCandidateType(t string) string {
	switch t {
	case "local":
		return "host"
	case "stun":
		return "srflx"
	}
	return t
}

func strValue(sample RawSample, key string) string {
	return sample.Values[key]
}

func boolValue(sample RawSample, key string) bool {
	return sample.Values[key] == "true"
}

func int64Value(sample RawSample, key string) *int64 {
	raw, ok := sample.Values[key]
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func intValue(sample RawSample, key string) *int {
	raw, ok := sample.Values[key]
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}
