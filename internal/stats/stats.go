// Package stats turns the media engine's loosely-typed stat samples into a
// structured per-direction, per-media metrics tree.
package stats

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawSample is a single report from the media engine: a type tag plus a flat
// name -> string value map with no fixed schema.
type RawSample struct {
	Type   string
	Values map[string]string
}

// Direction of a media stream relative to this client.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "OUT"
	}
	return "IN"
}

// MediaStats holds the per-stream counters for one direction of one media
// kind. Pointer fields stay nil when the sample set did not carry the value.
type MediaStats struct {
	Direction        Direction
	Codec            string
	Bytes            *int64
	PacketsLost      *int64
	PacketsSentRecvd *int64
}

// PacketLossRatio is lost/(sent or received) when the denominator is present
// and positive, nil otherwise. Never zero by default.
func (m *MediaStats) PacketLossRatio() *float64 {
	if m.PacketsLost == nil || m.PacketsSentRecvd == nil {
		return nil
	}
	if *m.PacketsSentRecvd <= 0 {
		return nil
	}
	ratio := float64(*m.PacketsLost) / float64(*m.PacketsSentRecvd)
	return &ratio
}

func (m *MediaStats) render(kind string, elapsed time.Duration) string {
	var sb strings.Builder
	sb.WriteString(m.Direction.String())
	sb.WriteString(" ")
	sb.WriteString(kind)
	sb.WriteString(" (")
	sb.WriteString(m.Codec)
	sb.WriteString("): ")

	bytes := int64(0)
	if m.Bytes != nil {
		bytes = *m.Bytes
	}
	if elapsed > 0 {
		sb.WriteString(FormatBitratePerSecond(bytes, elapsed.Seconds()))
	} else {
		fmt.Fprintf(&sb, "%d bytes", bytes)
	}

	lossStr := "???"
	if ratio := m.PacketLossRatio(); ratio != nil {
		lossStr = fmt.Sprintf("%.2f%%", *ratio*100)
	}
	sb.WriteString(" (pkt loss: ")
	sb.WriteString(lossStr)
	sb.WriteString(")")
	return sb.String()
}

func (m *MediaStats) jsonTree(elapsed time.Duration) map[string]any {
	entry := map[string]any{"codec": m.Codec}
	if m.Bytes != nil {
		entry["bytes"] = *m.Bytes
		entry["formattedBytes"] = FormatBytes(float64(*m.Bytes))
		if elapsed > 0 {
			entry["avgBitrate"] = FormatBitratePerSecond(*m.Bytes, elapsed.Seconds())
		}
	}
	if m.PacketsLost != nil {
		entry["packetsLost"] = *m.PacketsLost
	}
	if m.PacketsSentRecvd != nil {
		if m.Direction == Incoming {
			entry["packetsRecvd"] = *m.PacketsSentRecvd
		} else {
			entry["packetsSent"] = *m.PacketsSentRecvd
		}
	}
	return entry
}

// VideoStats extends MediaStats with frame geometry and rate.
type VideoStats struct {
	MediaStats
	FrameWidth  *int
	FrameHeight *int
	FrameRate   *int
}

func (v *VideoStats) render(elapsed time.Duration) string {
	var sb strings.Builder
	sb.WriteString(v.MediaStats.render("VIDEO", elapsed))
	if v.FrameWidth != nil && v.FrameHeight != nil {
		fmt.Fprintf(&sb, " (%dx%d", *v.FrameWidth, *v.FrameHeight)
		if v.FrameRate != nil {
			fmt.Fprintf(&sb, " at %dfps", *v.FrameRate)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

func (v *VideoStats) jsonTree(elapsed time.Duration) map[string]any {
	entry := v.MediaStats.jsonTree(elapsed)
	if v.FrameWidth != nil && v.FrameHeight != nil {
		entry["frameWidth"] = *v.FrameWidth
		entry["frameHeight"] = *v.FrameHeight
		if v.FrameRate != nil {
			entry["frameRate"] = *v.FrameRate
		}
	}
	return entry
}

// CallStats is the structured metrics tree for one stats sample of the live
// call. A fresh instance is created on every sample; the most recent one is
// retained on the session for post-call reporting.
type CallStats struct {
	// CallConnectedAt is the moment the call reached IN_CALL. Zero when the
	// call never connected; used for average-bitrate rendering.
	CallConnectedAt time.Time

	LocalAddress        string
	LocalCandidateType  string
	RemoteAddress       string
	RemoteCandidateType string
	TransportType       string

	InAudio  *MediaStats
	OutAudio *MediaStats
	InVideo  *VideoStats
	OutVideo *VideoStats
}

// TotalAudioBytes sums both audio directions, treating absent entries as zero.
func (s *CallStats) TotalAudioBytes() int64 {
	return mediaBytes(s.InAudio) + mediaBytes(s.OutAudio)
}

// TotalVideoBytes sums both video directions, treating absent entries as zero.
func (s *CallStats) TotalVideoBytes() int64 {
	if s.InVideo == nil && s.OutVideo == nil {
		return 0
	}
	var total int64
	if s.InVideo != nil {
		total += mediaBytes(&s.InVideo.MediaStats)
	}
	if s.OutVideo != nil {
		total += mediaBytes(&s.OutVideo.MediaStats)
	}
	return total
}

func mediaBytes(m *MediaStats) int64 {
	if m == nil || m.Bytes == nil {
		return 0
	}
	return *m.Bytes
}

// String renders the tree with absolute byte counts.
func (s *CallStats) String() string {
	return s.Render(0)
}

// Render produces the multi-line human-readable form. A positive elapsed
// duration switches byte counts to average bitrates over that window.
func (s *CallStats) Render(elapsed time.Duration) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "LOCAL : %s (%s over %s)\n", s.LocalAddress, s.LocalCandidateType, s.TransportType)
	fmt.Fprintf(&sb, "REMOTE: %s (%s over %s)\n", s.RemoteAddress, s.RemoteCandidateType, s.TransportType)
	if s.InAudio != nil {
		sb.WriteString(s.InAudio.render("AUDIO", elapsed))
		sb.WriteString("\n")
	}
	if s.OutAudio != nil {
		sb.WriteString(s.OutAudio.render("AUDIO", elapsed))
		sb.WriteString("\n")
	}
	if s.InVideo != nil {
		sb.WriteString(s.InVideo.render(elapsed))
		sb.WriteString("\n")
	}
	if s.OutVideo != nil {
		sb.WriteString(s.OutVideo.render(elapsed))
		sb.WriteString("\n")
	}
	return sb.String()
}

// JSONTree is the structured form sent to the signaling server as the
// clientStats diagnostic field of the leave message.
func (s *CallStats) JSONTree() map[string]any {
	var elapsed time.Duration
	if !s.CallConnectedAt.IsZero() {
		elapsed = time.Since(s.CallConnectedAt)
	}

	tree := map[string]any{
		"address":   s.LocalAddress,
		"transport": s.TransportType,
	}

	audio := map[string]any{}
	if s.InAudio != nil {
		audio["in"] = s.InAudio.jsonTree(elapsed)
	}
	if s.OutAudio != nil {
		audio["out"] = s.OutAudio.jsonTree(elapsed)
	}
	tree["audio"] = audio

	video := map[string]any{}
	if s.InVideo != nil {
		video["in"] = s.InVideo.jsonTree(elapsed)
	}
	if s.OutVideo != nil {
		video["out"] = s.OutVideo.jsonTree(elapsed)
	}
	tree["video"] = video
	return tree
}

const (
	bitsInByte = 8
	kb         = int64(1024)
	kbits      = kb * bitsInByte
	mb         = 1024 * kb
	mbits      = mb * bitsInByte
	gb         = 1024 * mb
	gbits      = gb * bitsInByte
)

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(bytes float64) string {
	switch {
	case bytes > float64(gb):
		return trimZeros(bytes/float64(gb), 3) + " GB"
	case bytes > float64(mb):
		return trimZeros(bytes/float64(mb), 3) + " MB"
	case bytes > float64(kb):
		return trimZeros(bytes/float64(kb), 3) + " KB"
	}
	return trimZeros(bytes, 3) + " bytes"
}

// FormatBitratePerSecond renders an average bitrate for totalBytes carried
// over durationSecs.
func FormatBitratePerSecond(totalBytes int64, durationSecs float64) string {
	if durationSecs <= 0 {
		return "0.0 Kbps"
	}
	bitrate := float64(totalBytes*bitsInByte) / durationSecs
	switch {
	case bitrate > float64(gbits):
		return trimZeros(bitrate/float64(gbits), 2) + " Gbps"
	case bitrate > float64(mbits):
		return trimZeros(bitrate/float64(mbits), 2) + " Mbps"
	case bitrate > float64(kbits):
		return trimZeros(bitrate/float64(kbits), 2) + " Kbps"
	}
	return trimZeros(bitrate, 2) + " bps"
}

func trimZeros(v float64, decimals int) string {
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
