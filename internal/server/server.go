package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/mhersche/chartassist/internal/applog"
	"nhooyr.io/websocket"
)

// IncomingMsg is a message from the extension to the daemon.
type IncomingMsg struct {
	Type  string `json:"type"`
	TabID int    `json:"tabId,omitempty"`
	// Correlation id echoed back in the ack, set by the popup.
	ID string `json:"id,omitempty"`
	// Payload carries the page context for "page_context" messages.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Chat request fields.
	Message          string `json:"message,omitempty"`
	UseDefaultPrompt bool   `json:"useDefaultPrompt,omitempty"`
	PageURL          string `json:"pageUrl,omitempty"`
}

// Message types understood by the daemon.
const (
	TypePageContext  = "page_context"
	TypePopupRequest = "popup_request"
	TypeChatRequest  = "chat_request"
	TypeResetChat    = "reset_chat"
	TypeTabRemoved   = "tab_removed"
)

// OutgoingMsg is a message from the daemon to the extension.
type OutgoingMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	TabID int    `json:"tabId,omitempty"`
	// Ack fields.
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	// State carries the marshaled tab state for "state" messages.
	State json.RawMessage `json:"state,omitempty"`
}

// Outgoing message types. "context_updated" is a lightweight poke: it
// carries only the tab id, and the popup re-requests state if it cares.
const (
	TypeState          = "state"
	TypeAck            = "ack"
	TypeContextUpdated = "context_updated"
)

// ContextUpdated builds the notification pushed after a tab's state
// changes.
func ContextUpdated(tabID int) OutgoingMsg {
	return OutgoingMsg{Type: TypeContextUpdated, TabID: tabID}
}

// Ack builds an ack for msg. A nil err acknowledges success.
func Ack(msg IncomingMsg, err error) OutgoingMsg {
	out := OutgoingMsg{Type: TypeAck, ID: msg.ID, TabID: msg.TabID, OK: new(bool)}
	if err != nil {
		out.Error = err.Error()
	} else {
		*out.OK = true
	}
	return out
}

// Server manages the WebSocket connection to the extension. A single
// extension connects at a time; a new connection replaces the old one.
type Server struct {
	port    int
	msgs    chan IncomingMsg
	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
}

// New creates a new Server. Port 0 means the caller manages the listener.
func New(port int) *Server {
	return &Server{
		port: port,
		msgs: make(chan IncomingMsg, 64),
	}
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Messages returns the channel of incoming messages from the extension.
func (s *Server) Messages() <-chan IncomingMsg {
	return s.msgs
}

// Connected reports whether an extension is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send sends a message to the connected extension. A no-op when nothing
// is connected; the popup re-requests state on reconnect anyway.
func (s *Server) Send(msg OutgoingMsg) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	applog.Debug("ws.send", "type", msg.Type, "tab", msg.TabID)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("websocket accept: %v", err)
			applog.Error("ws.accept", err)
			return
		}

		conn.SetReadLimit(1 << 20) // 1 MB — page contexts carry a DOM excerpt

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			applog.Info("ws.replaced")
			s.conn.CloseNow()
		}
		s.conn = conn
		s.connCtx = ctx
		s.mu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.connCtx = nil
			}
			s.mu.Unlock()
			conn.CloseNow()
			applog.Info("ws.disconnected")
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg IncomingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			applog.Debug("ws.recv", "type", msg.Type, "tab", msg.TabID)
			select {
			case s.msgs <- msg:
			default:
				applog.Error("ws.recv.dropped", nil, "type", msg.Type, "tab", msg.TabID)
			}
		}
	})
}

// ListenAndServe starts the WebSocket server on the configured port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return srv.ListenAndServe()
}
