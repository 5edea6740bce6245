package testing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"
)

// Aria2Download is a download record held by the mock aria2 server,
// shaped like the JSON-RPC wire format.
type Aria2Download struct {
	GID    string       `json:"gid"`
	Status string       `json:"status"`
	Files  []Aria2File  `json:"files"`
	BT     *Aria2BTInfo `json:"bittorrent,omitempty"`
}

// Aria2File is a file entry in the wire format. Numeric fields are
// strings, as aria2 sends them.
type Aria2File struct {
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
}

// Aria2BTInfo carries the bittorrent name in the wire format.
type Aria2BTInfo struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
}

// Aria2Server is a mock aria2 JSON-RPC server for testing. It serves
// both POST requests and websocket upgrades on /jsonrpc.
type Aria2Server struct {
	*httptest.Server

	secret string

	mu        sync.RWMutex
	downloads map[string]*Aria2Download
	removed   []string
	calls     []string

	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  []*websocket.Conn
}

// NewAria2Server creates a new mock aria2 server.
func NewAria2Server(secret string) *Aria2Server {
	s := &Aria2Server{
		secret:    secret,
		downloads: make(map[string]*Aria2Download),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleRPC)

	s.Server = httptest.NewServer(mux)
	return s
}

// AddDownload registers a download record.
func (s *Aria2Server) AddDownload(dl *Aria2Download) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[dl.GID] = dl
}

// Removed returns the gids whose results were removed.
func (s *Aria2Server) Removed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, len(s.removed))
	copy(result, s.removed)
	return result
}

// Calls returns the RPC method names received, in order.
func (s *Aria2Server) Calls() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, len(s.calls))
	copy(result, s.calls)
	return result
}

// NotifyComplete pushes an aria2.onDownloadComplete notification to every
// connected websocket client.
func (s *Aria2Server) NotifyComplete(gid string) {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "aria2.onDownloadComplete",
		"params":  []map[string]string{{"gid": gid}},
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	for _, conn := range s.conns {
		_ = conn.WriteJSON(msg)
	}
}

// CloseConnections drops all websocket clients, simulating an aria2 restart.
func (s *Aria2Server) CloseConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Aria2Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebsocket(w, r)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, req.Method)
	s.mu.Unlock()

	var params []json.RawMessage
	_ = json.Unmarshal(req.Params, &params)

	if s.secret != "" {
		var token string
		if len(params) == 0 || json.Unmarshal(params[0], &token) != nil || token != "token:"+s.secret {
			s.writeError(w, req.ID, 1, "Unauthorized")
			return
		}
		params = params[1:]
	}

	switch req.Method {
	case "aria2.tellActive":
		s.writeResult(w, req.ID, s.byStatus("active"))
	case "aria2.tellWaiting":
		s.writeResult(w, req.ID, s.byStatus("waiting", "paused"))
	case "aria2.tellStopped":
		s.writeResult(w, req.ID, s.byStatus("complete", "error", "removed"))
	case "aria2.tellStatus":
		s.tellStatus(w, req.ID, params)
	case "aria2.forceRemove":
		s.writeResult(w, req.ID, "OK")
	case "aria2.removeDownloadResult":
		s.removeResult(w, req.ID, params)
	default:
		s.writeError(w, req.ID, 1, "unknown method")
	}
}

func (s *Aria2Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.connMu.Lock()
	s.conns = append(s.conns, conn)
	s.connMu.Unlock()

	// Drain client frames so ping control messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Aria2Server) byStatus(statuses ...string) []*Aria2Download {
	wanted := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Aria2Download, 0)
	for _, dl := range s.downloads {
		if wanted[dl.Status] {
			result = append(result, dl)
		}
	}
	return result
}

func (s *Aria2Server) tellStatus(w http.ResponseWriter, id string, params []json.RawMessage) {
	var gid string
	if len(params) == 0 || json.Unmarshal(params[0], &gid) != nil {
		s.writeError(w, id, 1, "gid required")
		return
	}

	s.mu.RLock()
	dl, ok := s.downloads[gid]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, id, 1, "GID "+gid+" is not found")
		return
	}

	s.writeResult(w, id, dl)
}

func (s *Aria2Server) removeResult(w http.ResponseWriter, id string, params []json.RawMessage) {
	var gid string
	if len(params) == 0 || json.Unmarshal(params[0], &gid) != nil {
		s.writeError(w, id, 1, "gid required")
		return
	}

	s.mu.Lock()
	delete(s.downloads, gid)
	s.removed = append(s.removed, gid)
	s.mu.Unlock()

	s.writeResult(w, id, "OK")
}

func (s *Aria2Server) writeResult(w http.ResponseWriter, id string, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func (s *Aria2Server) writeError(w http.ResponseWriter, id string, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}
