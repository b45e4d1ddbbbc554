// Package demo wires the engine to a tiny HTTP KV API over the public
// Ruft facade, using the gob command encoding kv.Store expects. It
// exists so a locally started cluster can be poked with curl.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ruftgo/ruft/pkg/kv"
	"github.com/ruftgo/ruft/pkg/raft"
)

// HTTPHandler exposes a running Ruft node and its kv.Store over a small
// REST surface: GET/PUT/DELETE on /kv/{key}, and a /status endpoint.
type HTTPHandler struct {
	node  raft.Ruft
	store *kv.Store
	mux   *http.ServeMux
}

func NewHTTPHandler(node raft.Ruft, store *kv.Store) *HTTPHandler {
	h := &HTTPHandler{node: node, store: store, mux: http.NewServeMux()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		// ?linearizable=1 routes the read through the leader's read-index
		// barrier instead of serving this node's possibly-stale local copy.
		if r.URL.Query().Get("linearizable") != "" {
			h.handleLinearizableGet(w, key)
			return
		}
		value, ok := h.store.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		payload, err := kv.EncodeCommand(kv.CommandSet, key, []byte(body.Value), kv.NewClientID(), 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := h.submit(w, payload); err != nil {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	case http.MethodDelete:
		payload, err := kv.EncodeCommand(kv.CommandDelete, key, nil, kv.NewClientID(), 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := h.submit(w, payload); err != nil {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handleLinearizableGet(w http.ResponseWriter, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := h.node.Submit(ctx, raft.CmdReq{Payload: []byte(key), Linearizable: true})
	switch resp.Status {
	case raft.CmdNotLeader:
		h.respondNotLeader(w, resp.LeaderHint)
		return
	case raft.CmdRejectedTimeout:
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	if resp.Err != nil {
		http.Error(w, resp.Err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.Result == nil {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"value": string(resp.Result)})
}

func (h *HTTPHandler) submit(w http.ResponseWriter, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := h.node.Submit(ctx, raft.CmdReq{Payload: payload})
	switch resp.Status {
	case raft.CmdNotLeader:
		h.respondNotLeader(w, resp.LeaderHint)
		return errors.New("not leader")
	case raft.CmdRejectedTimeout:
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return resp.Err
	}
	if resp.Err != nil {
		http.Error(w, resp.Err.Error(), http.StatusInternalServerError)
		return resp.Err
	}
	return nil
}

func (h *HTTPHandler) respondNotLeader(w http.ResponseWriter, leaderHint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "not leader",
		"leader_id": leaderHint,
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"id":        h.node.Self().ID,
		"term":      h.node.CurrentTerm(),
		"is_leader": h.node.IsLeader(),
		"state":     h.node.State().String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
