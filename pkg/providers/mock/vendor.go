package mock

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxgate/pkg/frames"
)

// VendorConfig scripts the fake vendor's replies.
type VendorConfig struct {
	// Transcript is echoed back for every recognized chunk.
	Transcript string
	// AckConfig replies to the configuration frame with a success message.
	AckConfig bool
	// PartialEvery emits a partial result after every N audio chunks.
	PartialEvery int
	// ErrorAfter sends an error frame after N audio chunks (0 disables).
	ErrorAfter   int
	ErrorMessage string
	// RejectStatus refuses the upgrade with this HTTP status.
	RejectStatus int
	// ExpectAuth, when set, must match the Authorization header.
	ExpectAuth string
}

// Vendor is an in-process speech vendor speaking the binary frame protocol.
// It records everything it receives so tests can assert on it.
type Vendor struct {
	cfg      VendorConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []frames.Response
	headers  []http.Header
	conns    int
	closed   int
}

func NewVendor(cfg VendorConfig) *Vendor {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.PartialEvery <= 0 {
		cfg.PartialEvery = 1
	}
	if cfg.ErrorMessage == "" {
		cfg.ErrorMessage = "mock vendor error"
	}
	return &Vendor{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (v *Vendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if v.cfg.RejectStatus != 0 {
		w.WriteHeader(v.cfg.RejectStatus)
		return
	}
	if v.cfg.ExpectAuth != "" && r.Header.Get("Authorization") != v.cfg.ExpectAuth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	v.mu.Lock()
	v.conns++
	v.headers = append(v.headers, r.Header.Clone())
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.closed++
		v.mu.Unlock()
	}()

	chunks := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		resp, ok := frames.Decode(data)
		if !ok {
			continue
		}
		v.record(resp)

		switch resp.Type {
		case frames.TypeJSON:
			if v.cfg.AckConfig {
				_ = v.reply(conn, frames.TypeJSON, 1, map[string]any{"code": 1000, "message": "Success"})
			}
		case frames.TypeAudio:
			if len(resp.Payload) == 0 && resp.Sequence < 0 {
				_ = v.reply(conn, frames.TypeJSON, int32(chunks+1), result(v.cfg.Transcript, true))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			chunks++
			if v.cfg.ErrorAfter > 0 && chunks == v.cfg.ErrorAfter {
				_ = conn.WriteMessage(websocket.BinaryMessage,
					frames.Encode(frames.TypeError, int32(chunks+1), []byte(v.cfg.ErrorMessage)))
				continue
			}
			if chunks%v.cfg.PartialEvery == 0 {
				_ = v.reply(conn, frames.TypeJSON, int32(chunks+1), result(v.cfg.Transcript, false))
			}
		}
	}
}

// Received returns the frames received so far, in order.
func (v *Vendor) Received() []frames.Response {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]frames.Response(nil), v.received...)
}

// Headers returns the handshake headers of every connection.
func (v *Vendor) Headers() []http.Header {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]http.Header(nil), v.headers...)
}

// Connections reports how many streams were opened and how many have ended.
func (v *Vendor) Connections() (opened, closed int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns, v.closed
}

func (v *Vendor) record(resp frames.Response) {
	resp.Payload = append([]byte(nil), resp.Payload...)
	v.mu.Lock()
	v.received = append(v.received, resp)
	v.mu.Unlock()
}

func (v *Vendor) reply(conn *websocket.Conn, t frames.MessageType, seq int32, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, frames.Encode(t, seq, b))
}

func result(text string, final bool) map[string]any {
	return map[string]any{
		"result":   []map[string]string{{"text": text}},
		"is_final": final,
	}
}

var _ http.Handler = (*Vendor)(nil)
