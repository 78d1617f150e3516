package server

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/littleci/internal/storage"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamPollInterval is how often the stream handler checks output.log
// for growth; the drain loop has no separate notification channel for
// writes, so tailing is poll-based.
const streamPollInterval = 250 * time.Millisecond

// streamJobOutput upgrades the request to a WebSocket and tails the job's
// output.log, closing the connection once the job reaches a terminal
// state and no further bytes appear.
func (h *Handler) streamJobOutput(w http.ResponseWriter, r *http.Request, slug, jobID string) {
	repo, err := h.store.FindRepositoryBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	path := filepath.Join(h.queue.DataDir(), "jobs", jobID, "output.log")
	file, err := os.Open(path)
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, []byte("error: "+err.Error()))
		return
	}
	defer file.Close()

	go h.drainCloseSignal(conn)

	buf := make([]byte, 4096)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF {
			job, jerr := h.store.FindByRepoAndID(r.Context(), repo.ID, jobID)
			if jerr == nil && isTerminal(job.Status) {
				return
			}
			time.Sleep(streamPollInterval)
			continue
		}
		if err != nil {
			return
		}
	}
}

// drainCloseSignal discards inbound client frames; its only purpose is to
// detect the client closing the connection.
func (h *Handler) drainCloseSignal(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func isTerminal(status storage.JobStatus) bool {
	switch status {
	case storage.JobStatusCompleted, storage.JobStatusFailed, storage.JobStatusCancelled:
		return true
	default:
		return false
	}
}
