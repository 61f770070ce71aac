package http

import (
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"braindump/internal/workflow"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowedOrigins, origin)
	},
}

type snapshotMessage struct {
	Type  string         `json:"type"`
	State workflow.State `json:"state"`
}

// handleWorkflowEvents streams every accepted transition of a workflow over
// a websocket, starting with a snapshot of the current state.
func (a *API) handleWorkflowEvents(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	snapshot, transitions, cancel := m.Subscribe()
	go readPump(conn, cancel)
	writePump(conn, snapshot, transitions)
}

func writePump(conn *websocket.Conn, snapshot workflow.State, transitions <-chan workflow.Transition) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snapshotMessage{Type: "snapshot", State: snapshot}); err != nil {
		return
	}

	for {
		select {
		case tr, ok := <-transitions:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(tr); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and ends the subscription once the peer
// goes away.
func readPump(conn *websocket.Conn, unsubscribe func()) {
	defer unsubscribe()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
	}
}
