package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peercall/core/internal/config"
	"peercall/core/internal/domain"
	"peercall/core/internal/media"
	"peercall/core/internal/session"
	"peercall/core/internal/stats"
)

const helpText = `peercall - two-party audio/video calls through a signaling room server

Usage:
  peercall [options]

Joins the configured room and drives the call from stdin commands:
  call [peer]   offer a call (initiator only)
  accept        accept the pending incoming call
  reject        reject the pending incoming call
  hangup        end the current call
  mute          toggle the microphone
  video on|off  start/stop the local video source
  camera        switch to the next video source
  stats         print the latest call statistics
  state         print the session state
  quit          leave the room and exit

Environment Variables:
  PEERCALL_ROOM_SERVER   room server base URL (required)
  PEERCALL_USERNAME      this participant's name (required)
  PEERCALL_ROOM          room ID (random when unset)
  PEERCALL_CALLEE        default peer for the call command
  PEERCALL_LOOPBACK      self-test loopback mode (true/false)
  PEERCALL_MEDIA_CONFIG  YAML media parameters file
  PEERCALL_VIDEO_OUT     raw H264 sink for remote video ("-" for stdout)

Examples:
  # Live playback of the remote video track
  PEERCALL_VIDEO_OUT=- peercall | ffplay -f h264 -

Options:
  -h, --help  Show this help message
`

// cliCallbacks prints session events for the interactive loop.
type cliCallbacks struct {
	connectedAt time.Time
}

func (c *cliCallbacks) OnRoomJoined(roomID string, initiator bool) bool {
	role := "receiver (waiting for a call)"
	if initiator {
		role = "initiator (use: call [peer])"
	}
	fmt.Fprintf(os.Stderr, "* joined room %s as %s\n", roomID, role)
	return true
}

func (c *cliCallbacks) OnIncomingCall() {
	fmt.Fprintln(os.Stderr, "* incoming call (accept/reject)")
}

func (c *cliCallbacks) OnIncomingCallCancelled() {
	fmt.Fprintln(os.Stderr, "* incoming call cancelled")
}

func (c *cliCallbacks) OnCallConnected() {
	c.connectedAt = time.Now()
	fmt.Fprintln(os.Stderr, "* call connected")
}

func (c *cliCallbacks) OnCallOfferFailed() {
	fmt.Fprintln(os.Stderr, "* call offer failed (peer busy or gone)")
}

func (c *cliCallbacks) OnHangup() {
	fmt.Fprintln(os.Stderr, "* call ended")
}

func (c *cliCallbacks) OnStats(s *stats.CallStats) {
	// Collected every second; printed on demand via the stats command.
}

func (c *cliCallbacks) OnError(code domain.ErrorCode) {
	fmt.Fprintf(os.Stderr, "* error: %s (%d)\n", code, int(code))
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	logrus.SetOutput(os.Stderr)
	log := logrus.WithField("component", "main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.RoomID == "" {
		cfg.RoomID = uuid.NewString()[:8]
		log.WithField("room", cfg.RoomID).Info("generated room id")
	}

	videoOut, err := openVideoOut(cfg.VideoOutPath)
	if err != nil {
		log.Fatal(err)
	}

	cb := &cliCallbacks{}
	ctrl := session.New(cb, media.Factory(cfg.Media, videoOut))

	ctrl.Connect(domain.RoomConnectionParams{
		RoomServerURL: cfg.RoomServerURL,
		RoomID:        cfg.RoomID,
		Loopback:      cfg.Loopback,
	}, cfg.Username)

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		ctrl.Shutdown()
		os.Exit(0)
	}()

	runCommandLoop(ctrl, cb, cfg)
	ctrl.Shutdown()
}

func runCommandLoop(ctrl *session.Controller, cb *cliCallbacks, cfg *config.Config) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call":
			peer := cfg.Callee
			if len(fields) > 1 {
				peer = fields[1]
			}
			ctrl.Call(peer)
		case "accept":
			ctrl.AcceptCall()
		case "reject":
			ctrl.RejectCall()
		case "hangup":
			ctrl.Hangup()
		case "mute":
			if ctrl.ToggleAudioMute() {
				fmt.Fprintln(os.Stderr, "* microphone muted")
			} else {
				fmt.Fprintln(os.Stderr, "* microphone live")
			}
		case "video":
			if len(fields) > 1 && fields[1] == "off" {
				ctrl.MuteVideo()
			} else {
				ctrl.UnmuteVideo()
			}
		case "camera":
			ctrl.SwitchCamera()
		case "stats":
			printStats(ctrl, cb)
		case "state":
			fmt.Fprintf(os.Stderr, "* session state: %s\n", ctrl.State())
		case "quit":
			return
		default:
			fmt.Fprintf(os.Stderr, "* unknown command %q (try -h)\n", fields[0])
		}
	}
}

func printStats(ctrl *session.Controller, cb *cliCallbacks) {
	last := ctrl.LastStats()
	if last == nil {
		fmt.Fprintln(os.Stderr, "* no stats collected yet")
		return
	}
	var elapsed time.Duration
	if !cb.connectedAt.IsZero() {
		elapsed = time.Since(cb.connectedAt)
	}
	fmt.Fprint(os.Stderr, last.Render(elapsed))
}

func openVideoOut(path string) (io.Writer, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return os.Stdout, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open video sink: %w", err)
	}
	return f, nil
}
