package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"modbot/gateway"
)

// HTTPScope is the scope of invocations made through POST /api/command
const HTTPScope = "http"

// CommandRequest is the body of POST /api/command
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	User    string   `json:"user,omitempty"`
}

// CommandResponse carries the replies a command produced
type CommandResponse struct {
	Success bool     `json:"success"`
	ID      string   `json:"id,omitempty"`
	Replies []string `json:"replies,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// handleCommand runs one invocation synchronously and answers with its
// replies. Listeners run on the request goroutine.
func (c *Client) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, CommandResponse{Error: "unauthorized"})
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{Error: "invalid request body"})
		return
	}

	name, args, ok := gateway.ParseCommand(req.Command)
	if !ok {
		writeJSON(w, http.StatusBadRequest, CommandResponse{Error: "missing command"})
		return
	}
	args = append(args, req.Args...)

	user := req.User
	if user == "" {
		user = r.RemoteAddr
	}

	var (
		mu      sync.Mutex
		replies []string
	)
	scope := gateway.Scope{ID: HTTPScope, Name: r.RemoteAddr}
	inv := &gateway.Invocation{
		Command: name,
		Args:    args,
		Scope:   scope,
		User:    user,
		Responder: gateway.ResponderFunc(func(_ context.Context, text string) error {
			mu.Lock()
			defer mu.Unlock()
			replies = append(replies, text)
			return nil
		}),
	}

	c.logger.Debug("http command", "command", name, "remote", r.RemoteAddr)
	c.listeners.Emit(r.Context(), gateway.Event{Type: gateway.EventCommand, Scope: scope, Invocation: inv})

	mu.Lock()
	defer mu.Unlock()
	writeJSON(w, http.StatusOK, CommandResponse{Success: true, ID: inv.ID, Replies: replies})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
