package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(typ string, kv map[string]string) RawSample {
	return RawSample{Type: typ, Values: kv}
}

func TestBuild_OutgoingAudioWithPacketLoss(t *testing.T) {
	out := Build([]RawSample{
		sample("ssrc", map[string]string{
			"mediaType":     "audio",
			"bytesSent":     "1000",
			"packetsSent":   "10",
			"packetsLost":   "1",
			"googCodecName": "opus",
		}),
	})

	require.NotNil(t, out.OutAudio)
	assert.Equal(t, Outgoing, out.OutAudio.Direction)
	assert.Equal(t, "opus", out.OutAudio.Codec)
	assert.Equal(t, int64(1000), *out.OutAudio.Bytes)

	ratio := out.OutAudio.PacketLossRatio()
	require.NotNil(t, ratio)
	assert.InDelta(t, 0.1, *ratio, 1e-9)

	// The incoming counterpart was never reported and must stay unset.
	assert.Nil(t, out.InAudio)
	assert.Nil(t, out.InVideo)
	assert.Nil(t, out.OutVideo)
}

func TestBuild_ActiveConnectionPairOnly(t *testing.T) {
	out := Build([]RawSample{
		sample("googCandidatePair", map[string]string{
			"googActiveConnection": "false",
			"googLocalAddress":     "10.0.0.9:1111",
		}),
		sample("googCandidatePair", map[string]string{
			"googActiveConnection":    "true",
			"googLocalAddress":        "192.168.1.2:50000",
			"googLocalCandidateType":  "local",
			"googRemoteAddress":       "203.0.113.7:3478",
			"googRemoteCandidateType": "stun",
			"googTransportType":       "udp",
		}),
	})

	assert.Equal(t, "192.168.1.2:50000", out.LocalAddress)
	assert.Equal(t, "203.0.113.7:3478", out.RemoteAddress)
	assert.Equal(t, "udp", out.TransportType)
	// Legacy pair naming is translated to canonical candidate types.
	assert.Equal(t, "host", out.LocalCandidateType)
	assert.Equal(t, "srflx", out.RemoteCandidateType)
}

func TestBuild_IncomingVideoWithGeometry(t *testing.T) {
	out := Build([]RawSample{
		sample("ssrc", map[string]string{
			"mediaType":               "video",
			"bytesReceived":           "500000",
			"packetsReceived":         "400",
			"packetsLost":             "0",
			"googCodecName":           "VP8",
			"googFrameWidthReceived":  "640",
			"googFrameHeightReceived": "480",
			"googFrameRateReceived":   "30",
		}),
	})

	require.NotNil(t, out.InVideo)
	assert.Equal(t, Incoming, out.InVideo.Direction)
	assert.Equal(t, 640, *out.InVideo.FrameWidth)
	assert.Equal(t, 480, *out.InVideo.FrameHeight)
	assert.Equal(t, 30, *out.InVideo.FrameRate)

	ratio := out.InVideo.PacketLossRatio()
	require.NotNil(t, ratio)
	assert.Zero(t, *ratio)
}

func TestBuild_ToleratesIncompleteSamples(t *testing.T) {
	out := Build([]RawSample{
		// No byte counter at all: direction is undecidable, sample ignored.
		sample("ssrc", map[string]string{"mediaType": "audio", "packetsLost": "3"}),
		// Unknown sample types are skipped.
		sample("googTrack", map[string]string{"whatever": "1"}),
		// Missing packet counters leave the loss ratio undefined, not zero.
		sample("ssrc", map[string]string{"mediaType": "video", "bytesSent": "1234"}),
	})

	assert.Nil(t, out.InAudio)
	assert.Nil(t, out.OutAudio)
	require.NotNil(t, out.OutVideo)
	assert.Equal(t, int64(1234), *out.OutVideo.Bytes)
	assert.Nil(t, out.OutVideo.PacketLossRatio())
	assert.Nil(t, out.OutVideo.FrameWidth)
}

func TestBuild_StreamWithoutMediaTypeIsIgnored(t *testing.T) {
	out := Build([]RawSample{
		// A stream sample that never says what it carries must not be
		// classified as video by default.
		sample("ssrc", map[string]string{"bytesSent": "4096", "packetsSent": "32"}),
		sample("ssrc", map[string]string{"mediaType": "data", "bytesReceived": "512"}),
	})

	assert.Nil(t, out.OutAudio)
	assert.Nil(t, out.InAudio)
	assert.Nil(t, out.OutVideo)
	assert.Nil(t, out.InVideo)
}

func TestPacketLossRatio_ZeroDenominatorIsUndefined(t *testing.T) {
	lost := int64(5)
	sent := int64(0)
	m := &MediaStats{PacketsLost: &lost, PacketsSentRecvd: &sent}
	assert.Nil(t, m.PacketLossRatio())
}

func TestTotals(t *testing.T) {
	out := Build([]RawSample{
		sample("ssrc", map[string]string{"mediaType": "audio", "bytesSent": "100"}),
		sample("ssrc", map[string]string{"mediaType": "audio", "bytesReceived": "200"}),
		sample("ssrc", map[string]string{"mediaType": "video", "bytesSent": "1000"}),
	})

	assert.Equal(t, int64(300), out.TotalAudioBytes())
	assert.Equal(t, int64(1000), out.TotalVideoBytes())
}

func TestRender_HumanReadable(t *testing.T) {
	out := Build([]RawSample{
		sample("googCandidatePair", map[string]string{
			"googActiveConnection":    "true",
			"googLocalAddress":        "192.168.1.2:50000",
			"googLocalCandidateType":  "local",
			"googRemoteAddress":       "198.51.100.4:40000",
			"googRemoteCandidateType": "relay",
			"googTransportType":       "udp",
		}),
		sample("ssrc", map[string]string{
			"mediaType": "audio", "bytesSent": "1000",
			"packetsSent": "10", "packetsLost": "1", "googCodecName": "opus",
		}),
	})

	plain := out.String()
	assert.Contains(t, plain, "LOCAL : 192.168.1.2:50000 (host over udp)")
	assert.Contains(t, plain, "REMOTE: 198.51.100.4:40000 (relay over udp)")
	assert.Contains(t, plain, "OUT AUDIO (opus): 1000 bytes (pkt loss: 10.00%)")

	// With an elapsed window the byte counts become average bitrates.
	timed := out.Render(10 * time.Second)
	assert.Contains(t, timed, "800 bps")
}

func TestJSONTree_Shape(t *testing.T) {
	out := Build([]RawSample{
		sample("googCandidatePair", map[string]string{
			"googActiveConnection": "true",
			"googLocalAddress":     "192.168.1.2:50000",
			"googTransportType":    "udp",
		}),
		sample("ssrc", map[string]string{
			"mediaType": "audio", "bytesReceived": "2048",
			"packetsReceived": "20", "packetsLost": "2", "googCodecName": "opus",
		}),
		sample("ssrc", map[string]string{
			"mediaType": "video", "bytesSent": "4096", "packetsSent": "40",
			"googCodecName": "VP8", "googFrameWidthSent": "640", "googFrameHeightSent": "480",
		}),
	})

	tree := out.JSONTree()
	assert.Equal(t, "192.168.1.2:50000", tree["address"])
	assert.Equal(t, "udp", tree["transport"])

	audio := tree["audio"].(map[string]any)
	in := audio["in"].(map[string]any)
	assert.Equal(t, int64(2048), in["bytes"])
	assert.Equal(t, "2 KB", in["formattedBytes"])
	assert.Equal(t, int64(20), in["packetsRecvd"])
	assert.Equal(t, int64(2), in["packetsLost"])
	_, hasOut := audio["out"]
	assert.False(t, hasOut)

	video := tree["video"].(map[string]any)
	vout := video["out"].(map[string]any)
	assert.Equal(t, int64(40), vout["packetsSent"])
	assert.Equal(t, 640, vout["frameWidth"])
	assert.Equal(t, 480, vout["frameHeight"])
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", FormatBytes(512))
	assert.Equal(t, "2 KB", FormatBytes(2048))
	assert.Equal(t, "1.5 MB", FormatBytes(1.5*1024*1024))
	assert.Equal(t, "3 GB", FormatBytes(3*1024*1024*1024))
}

func TestFormatBitratePerSecond(t *testing.T) {
	assert.Equal(t, "0.0 Kbps", FormatBitratePerSecond(1000, 0))
	assert.Equal(t, "800 bps", FormatBitratePerSecond(1000, 10))
	assert.Equal(t, "2 Kbps", FormatBitratePerSecond(20*1024, 10))
	assert.Equal(t, "2 Mbps", FormatBitratePerSecond(20*1024*1024, 10))
}
