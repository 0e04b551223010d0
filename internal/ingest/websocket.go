package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"memoir/internal/blob"
	"memoir/internal/config"
	"memoir/internal/logging"
	"memoir/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one JSON control frame of the ingest protocol. Chunk payloads
// travel as separate binary frames between a chunk declaration and its ack.
type Message struct {
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	Seq        *int64 `json:"seq,omitempty"`
	StartMS    int64  `json:"start_ms,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Size       int64  `json:"size,omitempty"`
	LastSeq    *int64 `json:"last_seq,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Frame types.
const (
	TypeInit        = "init"
	TypeInitAck     = "init_ack"
	TypeChunk       = "chunk"
	TypeChunkReady  = "chunk_ready"
	TypeChunkAck    = "chunk_ack"
	TypeComplete    = "complete"
	TypeCompleteAck = "complete_ack"
	TypeError       = "error"
)

// Handler upgrades HTTP requests into ingest sessions.
type Handler struct {
	store  *store.Store
	blobs  blob.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewHandler builds the websocket ingest handler.
func NewHandler(st *store.Store, blobs blob.Store, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{store: st, blobs: blobs, cfg: cfg, logger: logger}
}

// Serve runs one connection's session. userID comes from the authenticated
// request; the socket itself never carries credentials.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.cfg.Ingest.MaxChunkSizeBytes + 4096)
	session := NewSession(h.store, h.blobs, h.cfg, h.logger)
	h.run(r.Context(), conn, session, userID)
}

func (h *Handler) run(ctx context.Context, conn *websocket.Conn, session *Session, userID string) {
	for !session.Ended() {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			seq, err := session.AcceptPayload(ctx, data)
			if err != nil {
				h.terminate(conn, err)
				return
			}
			h.send(conn, Message{Type: TypeChunkAck, Seq: &seq})

		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				h.terminate(conn, err)
				return
			}
			if done := h.dispatch(ctx, conn, session, userID, msg); done {
				return
			}
		}
	}
}

// dispatch handles one control frame. Returns true when the connection is
// finished, cleanly or not.
func (h *Handler) dispatch(ctx context.Context, conn *websocket.Conn, session *Session, userID string, msg Message) bool {
	switch msg.Type {
	case TypeInit:
		if err := session.Init(ctx, msg.ProjectID, userID); err != nil {
			h.terminate(conn, err)
			return true
		}
		lastSeq := session.LastSeq()
		h.send(conn, Message{Type: TypeInitAck, LastSeq: &lastSeq})
		return false

	case TypeChunk:
		if msg.Seq == nil {
			h.terminate(conn, errMissingSeq)
			return true
		}
		err := session.AcceptMeta(ctx, ChunkMeta{
			Seq:        *msg.Seq,
			StartMS:    msg.StartMS,
			DurationMS: msg.DurationMS,
			ByteSize:   msg.Size,
		})
		if err != nil {
			h.terminate(conn, err)
			return true
		}
		h.send(conn, Message{Type: TypeChunkReady, Seq: msg.Seq})
		return false

	case TypeComplete:
		lastSeq, err := session.Complete(ctx)
		if err != nil {
			h.terminate(conn, err)
			return true
		}
		h.send(conn, Message{Type: TypeCompleteAck, LastSeq: &lastSeq})
		return true

	default:
		h.terminate(conn, errUnknownFrame(msg.Type))
		return true
	}
}

// terminate sends the single error frame the protocol allows, then closes.
func (h *Handler) terminate(conn *websocket.Conn, err error) {
	h.logger.Warn("ingest session terminated", logging.Error(err))
	h.send(conn, Message{Type: TypeError, Error: err.Error()})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
}

func (h *Handler) send(conn *websocket.Conn, msg Message) {
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("ingest write failed", logging.Error(err))
	}
}
