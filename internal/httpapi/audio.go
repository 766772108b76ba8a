package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakwell/internal/app"
	"github.com/MrWong99/speakwell/pkg/voice"
)

const (
	// bridgePoll is how often the bridge looks for a new vendor call.
	bridgePoll = 100 * time.Millisecond

	// maxAudioFrame bounds one inbound microphone frame.
	maxAudioFrame = 1 << 20
)

// audioBridge relays binary audio between the browser and the user's
// current vendor call. Microphone frames go to the call; examiner audio
// comes back. The bridge outlives calls: it follows whichever call is
// current, and frames that arrive without a live call are dropped. A user
// holds at most one bridge; a second request is refused before the upgrade.
func (s *Server) audioBridge(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	detach, err := rt.AttachBridge()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer detach()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.origins),
	})
	if err != nil {
		// Accept has already written the response.
		s.log.Warn("httpapi: audio bridge handshake", "user_id", rt.UserID, "err", err)
		return
	}
	conn.SetReadLimit(maxAudioFrame)
	defer conn.CloseNow()
	log := s.log.With("user_id", rt.UserID)
	log.Info("httpapi: audio bridge opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pumpExaminer(ctx, conn, rt)
	}()

	err = s.pumpMicrophone(ctx, conn, rt)
	cancel()
	<-done

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		log.Info("httpapi: audio bridge closed")
	case errors.Is(err, context.Canceled):
	default:
		log.Warn("httpapi: audio bridge failed", "err", err)
	}
}

// pumpMicrophone forwards binary frames to the current call until the
// connection fails.
func (s *Server) pumpMicrophone(ctx context.Context, conn *websocket.Conn, rt *app.Runtime) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		c := rt.Conversation.Client()
		if c == nil || !rt.Live() {
			continue
		}
		if err := c.SendAudio(data); err != nil {
			s.log.Debug("httpapi: forward microphone frame", "user_id", rt.UserID, "err", err)
		}
	}
}

// pumpExaminer writes the examiner audio of the current call to conn. A
// closed audio stream is not resubscribed until a different call appears.
func (s *Server) pumpExaminer(ctx context.Context, conn *websocket.Conn, rt *app.Runtime) {
	tick := time.NewTicker(bridgePoll)
	defer tick.Stop()

	var (
		cur   voice.Client
		audio <-chan []byte
	)
	resolve := func() {
		c := rt.Conversation.Client()
		if c == cur {
			return
		}
		cur, audio = c, nil
		if c != nil {
			audio = c.Audio()
		}
	}
	resolve()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			resolve()
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
	}
}

// originPatterns turns configured origins into the host patterns the
// WebSocket handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
