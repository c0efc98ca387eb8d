package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lmoretti/mnemosyne/internal/blocks"
	"github.com/lmoretti/mnemosyne/internal/config"
	"github.com/lmoretti/mnemosyne/internal/conversation"
	"github.com/lmoretti/mnemosyne/internal/engine"
	"github.com/lmoretti/mnemosyne/internal/facts"
	"github.com/lmoretti/mnemosyne/internal/hydrator"
	"github.com/lmoretti/mnemosyne/internal/observability"
	"github.com/lmoretti/mnemosyne/internal/profile"
	"github.com/lmoretti/mnemosyne/internal/protocol"
)

// TurnProcessor runs the full per-turn pipeline. The engine implements it;
// tests can substitute a stub.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

type Server struct {
	cfg      config.Config
	registry *conversation.Registry
	facts    facts.Store
	blocks   *blocks.Manager
	profile  profile.Store
	turns    TurnProcessor
	hub      *engine.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *conversation.Registry, factStore facts.Store, blockManager *blocks.Manager, profileStore profile.Store, turns TurnProcessor, hub *engine.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		facts:    factStore,
		blocks:   blockManager,
		profile:  profileStore,
		turns:    turns,
		hub:      hub,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot read a user's memory
				// feed if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/conversations", s.handleCreateConversation)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)
	r.Post("/v1/conversations/{id}/close", s.handleCloseConversation)
	r.Post("/v1/conversations/{id}/turns", s.handleProcessTurn)
	r.Get("/v1/conversations/{id}/facts", s.handleListFacts)
	r.Get("/v1/conversations/{id}/facts/{key}", s.handleGetFact)
	r.Get("/v1/conversations/{id}/facts/{key}/history", s.handleFactHistory)
	r.Put("/v1/conversations/{id}/facts/{key}/pin", s.handlePinFact)
	r.Get("/v1/conversations/{id}/blocks", s.handleListBlocks)
	r.Get("/v1/conversations/{id}/profile", s.handleGetProfile)
	r.Get("/v1/conversations/{id}/events", s.handleEventsWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"store_mode":         s.storeMode(),
		"open_conversations": s.registry.OpenCount(),
	})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	conv := s.registry.Create(req.UserID)
	s.metrics.OpenConversations.Set(float64(s.registry.OpenCount()))
	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.registry.Close(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}
	s.metrics.OpenConversations.Set(float64(s.registry.OpenCount()))
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleProcessTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req struct {
		TurnID string `json:"turn_id"`
		Text   string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	result, err := s.turns.ProcessTurn(r.Context(), engine.TurnRequest{
		ConversationID: conversationID,
		TurnID:         strings.TrimSpace(req.TurnID),
		Text:           req.Text,
	})
	if err != nil {
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := s.registry.Get(conversationID); err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}

	snap, err := s.facts.Snapshot(r.Context(), conversationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	records := make([]facts.FactRecord, 0, len(snap.Current))
	for _, key := range sortedKeys(snap.Current) {
		records = append(records, snap.Current[key])
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"as_of_sequence":  snap.AsOfSequence,
		"facts":           records,
	})
}

func (s *Server) handleGetFact(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	var (
		rec facts.FactRecord
		err error
	)
	if asOfRaw := strings.TrimSpace(r.URL.Query().Get("as_of")); asOfRaw != "" {
		asOf, parseErr := strconv.ParseUint(asOfRaw, 10, 64)
		if parseErr != nil {
			respondError(w, http.StatusBadRequest, "invalid_as_of", parseErr.Error())
			return
		}
		rec, err = s.facts.CurrentAsOf(r.Context(), conversationID, key, asOf)
	} else {
		rec, err = s.facts.Current(r.Context(), conversationID, key)
	}
	if err != nil {
		if errors.Is(err, facts.ErrNotFound) {
			respondError(w, http.StatusNotFound, "fact_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFactHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	history, err := s.facts.History(r.Context(), conversationID, key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if len(history) == 0 {
		respondError(w, http.StatusNotFound, "fact_not_found", "no records for key")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"key":             key,
		"history":         history,
	})
}

func (s *Server) handlePinFact(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.facts.SetPinned(r.Context(), conversationID, key, req.Pinned); err != nil {
		if errors.Is(err, facts.ErrNotFound) {
			respondError(w, http.StatusNotFound, "fact_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	rec, err := s.facts.Current(r.Context(), conversationID, key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := s.registry.Get(conversationID); err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}

	includeArchived := false
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("include_archived"))) {
	case "1", "true", "yes":
		includeArchived = true
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"blocks":          s.blocks.List(conversationID, includeArchived),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := s.registry.Get(conversationID); err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}

	prof, err := s.profile.Snapshot(r.Context(), conversationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, prof)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := s.registry.Get(conversationID); err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.hub.Subscribe(conversationID)
	defer unsubscribe()

	outbound := make(chan any, 256)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				msg = ev
			case queued, ok := <-outbound:
				if !ok {
					return
				}
				msg = queued
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queueOutbound(outbound, protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conversationID,
				Code:           "invalid_client_message",
				Source:         "gateway",
				Retryable:      false,
				Detail:         err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientTurn:
			if msg.ConversationID != conversationID {
				queueOutbound(outbound, protocol.ErrorEvent{
					Type:           protocol.TypeErrorEvent,
					ConversationID: conversationID,
					Code:           "conversation_mismatch",
					Source:         "gateway",
					Retryable:      false,
					Detail:         "client_turn addressed to a different conversation",
				})
				continue
			}
			go s.processTurnFromWS(ctx, outbound, msg)
		case protocol.ClientControl:
			s.handleControl(outbound, msg)
		}
	}

	cancel()
	<-writerDone
}

// processTurnFromWS runs the pipeline for a turn submitted over the event
// feed. Progress events reach the client through the hub subscription;
// failures are reported on this connection only.
func (s *Server) processTurnFromWS(ctx context.Context, outbound chan any, msg protocol.ClientTurn) {
	_, err := s.turns.ProcessTurn(ctx, engine.TurnRequest{
		ConversationID: msg.ConversationID,
		TurnID:         msg.TurnID,
		Text:           msg.Text,
	})
	if err != nil {
		_, code := turnErrorStatus(err)
		queueOutbound(outbound, protocol.ErrorEvent{
			Type:           protocol.TypeErrorEvent,
			ConversationID: msg.ConversationID,
			Code:           code,
			Source:         "engine",
			Retryable:      code != "budget_too_small",
			Detail:         err.Error(),
		})
	}
}

func (s *Server) handleControl(outbound chan any, msg protocol.ClientControl) {
	switch msg.Action {
	case "close":
		if _, err := s.registry.Close(msg.ConversationID); err != nil {
			queueOutbound(outbound, protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: msg.ConversationID,
				Code:           "conversation_not_found",
				Source:         "gateway",
				Retryable:      false,
				Detail:         err.Error(),
			})
			return
		}
		s.metrics.OpenConversations.Set(float64(s.registry.OpenCount()))
		queueOutbound(outbound, protocol.SystemEvent{
			Type:           protocol.TypeSystemEvent,
			ConversationID: msg.ConversationID,
			Code:           "conversation_closed",
		})
	default:
		queueOutbound(outbound, protocol.ErrorEvent{
			Type:           protocol.TypeErrorEvent,
			ConversationID: msg.ConversationID,
			Code:           "unknown_action",
			Source:         "gateway",
			Retryable:      false,
			Detail:         msg.Action,
		})
	}
}

// queueOutbound keeps websocket writes single-threaded; drops if the
// outbound queue is saturated.
func queueOutbound(outbound chan any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, hydrator.ErrBudgetTooSmall):
		return http.StatusUnprocessableEntity, "budget_too_small"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "turn_failed"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func sortedKeys(m map[string]facts.FactRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnRouted:
		return m.Type, true
	case protocol.FactUpserted:
		return m.Type, true
	case protocol.BlockArchived:
		return m.Type, true
	case protocol.BundleReady:
		return m.Type, true
	case protocol.TurnCompleted:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
