package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2p_chat/internal/metrics"
	"p2p_chat/internal/model"
	"p2p_chat/internal/store"
	"p2p_chat/internal/utils/log"
)

type (
	// HttpServer exposes the conversation store over HTTP.
	HttpServer struct {
		store store.Store
	}

	registerRequest struct {
		Username string `json:"username"`
	}

	saveRequest struct {
		Username  string          `json:"username"`
		PeerID    string          `json:"peerId"`
		Data      json.RawMessage `json:"data"`
		Overwrite bool            `json:"overwrite"`
	}
)

func NewHttpServer(s store.Store) *HttpServer {
	return &HttpServer{
		store: s,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/user/register", s.HandleRegister()).Methods(http.MethodPost)
	r.HandleFunc("/conversation/save", s.HandleSave()).Methods(http.MethodPost)
	r.HandleFunc("/conversation/{username}/{peerId}", s.HandleRead()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{username}", s.HandleListAll()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.HandleHealth()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *HttpServer) Run(addr string) error {
	log.Info("conversation store listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Router())
}

func (s *HttpServer) HandleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !validUsername(req.Username) {
			writeError(w, http.StatusBadRequest, "invalid username")
			return
		}

		if err := s.store.Register(r.Context(), req.Username); err != nil {
			s.storeError(w, "register", err)
			return
		}

		metrics.UsersRegistered.Inc()
		writeJSON(w, map[string]any{
			"success":  true,
			"username": req.Username,
		})
	}
}

func (s *HttpServer) HandleSave() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Username == "" || req.PeerID == "" {
			writeError(w, http.StatusBadRequest, "username and peerId are required")
			return
		}

		batch, ok := decodeData(req.Data)
		if !ok {
			writeError(w, http.StatusBadRequest, "data must be a message or an array of messages")
			return
		}

		if err := s.store.Append(r.Context(), req.Username, req.PeerID, batch, req.Overwrite); err != nil {
			s.storeError(w, "save", err)
			return
		}

		mode := "append"
		if req.Overwrite {
			mode = "overwrite"
		}
		metrics.ConversationSaves.WithLabelValues(mode).Inc()
		writeJSON(w, map[string]any{"success": true})
	}
}

func (s *HttpServer) HandleRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		msgs, err := s.store.Read(r.Context(), vars["username"], vars["peerId"])
		if err != nil {
			s.storeError(w, "read", err)
			return
		}
		if msgs == nil {
			msgs = []model.Message{}
		}

		metrics.ConversationReads.Inc()
		writeJSON(w, map[string]any{
			"success":  true,
			"messages": msgs,
		})
	}
}

func (s *HttpServer) HandleListAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		all, err := s.store.ListAll(r.Context(), vars["username"])
		if err != nil {
			s.storeError(w, "list", err)
			return
		}

		writeJSON(w, map[string]any{
			"success":       true,
			"conversations": all,
		})
	}
}

func (s *HttpServer) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true})
	}
}

// validUsername rejects names that would break conversation-key derivation
// (the separator) or that carry path syntax the store refuses.
func validUsername(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.Contains(name, model.Separator) {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// decodeData accepts either a single message object or an array of messages.
func decodeData(data json.RawMessage) ([]model.Message, bool) {
	if len(data) == 0 {
		return nil, false
	}

	var batch []model.Message
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, true
	}

	var single model.Message
	if err := json.Unmarshal(data, &single); err == nil {
		return []model.Message{single}, true
	}
	return nil, false
}

func (s *HttpServer) storeError(w http.ResponseWriter, op string, err error) {
	if err == store.ErrUnknownUser {
		writeError(w, http.StatusBadRequest, "user does not exist")
		return
	}
	if err == store.ErrInvalidKey {
		writeError(w, http.StatusBadRequest, "invalid record key")
		return
	}
	log.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   msg,
	})
}
