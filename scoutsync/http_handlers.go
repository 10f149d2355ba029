// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// PeerAuthenticator extracts the calling peer's server ID from HTTP requests.
// Implementations should validate auth (e.g., JWT).
type PeerAuthenticator interface {
	GetServerID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides the peer-facing sync API and the admin API
type HTTPSyncHandlers struct {
	engine        *Engine
	authenticator PeerAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates sync handlers. Requests are authenticated with
// the engine's shared-secret JWTs when a secret is configured.
func NewHTTPSyncHandlers(engine *Engine, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = engine.logger
	}
	h := &HTTPSyncHandlers{
		engine: engine,
		logger: logger,
	}
	if engine.auth != nil {
		h.authenticator = engine.auth
	}
	return h
}

// Register mounts every handler on mux.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathPing, h.HandlePing)
	mux.HandleFunc("GET "+PathChanges, h.HandleChanges)
	mux.HandleFunc("POST "+PathReceiveChanges, h.HandleReceiveChanges)
	mux.HandleFunc("GET "+PathFullSyncSend, h.HandleFullSyncSend)
	mux.HandleFunc("POST "+PathFullSyncReceive, h.HandleFullSyncReceive)

	mux.HandleFunc("GET /api/sync/status", h.HandleStatus)
	mux.HandleFunc("GET /api/sync/servers", h.HandleListPeers)
	mux.HandleFunc("POST /api/sync/servers", h.HandleAddPeer)
	mux.HandleFunc("POST /api/sync/servers/{id}/sync", h.HandleRunCycle)
	mux.HandleFunc("POST /api/sync/servers/{id}/full-sync", h.HandleRunFullSync)
	mux.HandleFunc("POST /api/sync/servers/{id}/enable", h.HandleEnablePeer)
	mux.HandleFunc("POST /api/sync/servers/{id}/disable", h.HandleDisablePeer)
	mux.HandleFunc("GET /api/sync/reliability", h.HandleReliability)
	mux.HandleFunc("GET /api/sync/log", h.HandleSyncLog)
}

// requester returns the calling peer's server ID: from the token when
// authentication is on, otherwise from the declared value.
func (h *HTTPSyncHandlers) requester(w http.ResponseWriter, r *http.Request, declared string) (string, bool) {
	if h.authenticator == nil {
		return declared, true
	}
	serverID, err := h.authenticator.GetServerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	if declared != "" && declared != serverID {
		h.writeError(w, http.StatusForbidden, "server_id_mismatch", "declared server_id does not match token")
		return "", false
	}
	return serverID, true
}

// authorized gates admin endpoints behind the same peer token.
func (h *HTTPSyncHandlers) authorized(w http.ResponseWriter, r *http.Request) bool {
	_, ok := h.requester(w, r, "")
	return ok
}

// HandlePing answers liveness probes
func (h *HTTPSyncHandlers) HandlePing(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, PingResponse{
		Status:   "ok",
		ServerID: h.engine.serverID,
		Version:  Version,
	})
}

// HandleChanges serves local changes since a point in time, minus the requester's own
func (h *HTTPSyncHandlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requester, ok := h.requester(w, r, q.Get("server_id"))
	if !ok {
		return
	}
	if f := q.Get("format"); f != "" && f != WireFormat {
		h.writeError(w, http.StatusBadRequest, "unsupported_format", "Unsupported format "+f)
		return
	}
	since := h.engine.now().Add(-h.engine.config.DefaultLookback)
	if s := q.Get("since"); s != "" {
		t, ok := parseTime(s)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since parameter")
			return
		}
		since = t
	}

	stage := h.engine.stageStart()
	res, err := h.engine.ChangesFor(r.Context(), since, requester)
	h.engine.observeStage(r.Context(), MetricsOpServe, MetricsStageServeCapture, requester, stage, len(res.Changes), err != nil)
	if err != nil {
		h.logger.Error("Failed to capture changes", "error", err, "requester", requester)
		h.writeError(w, http.StatusInternalServerError, "capture_failed", "Failed to capture changes")
		return
	}

	stage = h.engine.stageStart()
	h.writeJSON(w, r, http.StatusOK, ChangesResponse{
		Changes:    ToWire(res.Changes),
		ServerID:   h.engine.serverID,
		Timestamp:  time.Now().UTC(),
		Format:     WireFormat,
		TotalCount: len(res.Changes),
		Checksum:   BatchChecksum(res.Changes),
	})
	h.engine.observeStage(r.Context(), MetricsOpServe, MetricsStageServeEncode, requester, stage, len(res.Changes), false)
}

// HandleReceiveChanges applies a pushed batch and reports how many records were handled
func (h *HTTPSyncHandlers) HandleReceiveChanges(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r)
}

// HandleFullSyncReceive applies one batch of a full resync
func (h *HTTPSyncHandlers) HandleFullSyncReceive(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r)
}

func (h *HTTPSyncHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stage := h.engine.stageStart()
	body, err := readBody(r.Body, r.Header.Get("Content-Encoding"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}
	var req PushRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}
	h.engine.observeStage(ctx, MetricsOpReceive, MetricsStageReceiveDecode, req.ServerID, stage, len(req.Changes), false)

	requester, ok := h.requester(w, r, req.ServerID)
	if !ok {
		return
	}
	if requester == h.engine.serverID {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Batch was sent by this node")
		return
	}
	if req.Format != "" && req.Format != WireFormat {
		h.writeError(w, http.StatusBadRequest, "unsupported_format", "Unsupported format "+req.Format)
		return
	}

	records := FromWire(req.Changes, requester)
	if err := verifyBatch(records, req.TotalCount, req.Checksum); err != nil {
		h.logger.Warn("Rejecting pushed batch", "error", err, "requester", requester)
		h.writeError(w, http.StatusBadRequest, "checksum_mismatch", err.Error())
		return
	}

	stage = h.engine.stageStart()
	res, err := h.engine.applier.Apply(ctx, records, ApplyOptions{GuardNewerLocal: true})
	h.engine.observeStage(ctx, MetricsOpReceive, MetricsStageReceiveApply, requester, stage, res.AppliedCount, err != nil)
	if err != nil {
		h.logger.Error("Failed to apply pushed batch", "error", err, "requester", requester)
		h.writeError(w, http.StatusServiceUnavailable, "apply_failed", "Failed to apply changes")
		return
	}

	h.logger.Debug("Applied pushed batch",
		"requester", requester,
		"received", len(records),
		"applied", res.AppliedCount,
		"superseded", res.Superseded,
		"errors", len(res.Errors))

	h.writeJSON(w, r, http.StatusOK, PushResponse{
		AppliedCount: res.AppliedCount,
		Superseded:   res.Superseded,
		Errors:       res.Errors,
	})
}

// HandleFullSyncSend serves one page of the complete local dataset
func (h *HTTPSyncHandlers) HandleFullSyncSend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requester, ok := h.requester(w, r, q.Get("server_id"))
	if !ok {
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offset parameter")
		return
	}
	limit, err := queryInt(q.Get("limit"), FullSyncBatchSize)
	if err != nil || limit <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit parameter")
		return
	}
	limit = min(limit, 4*FullSyncBatchSize)

	res, err := h.engine.capturer.CaptureAll(r.Context())
	if err != nil {
		h.logger.Error("Failed to capture full dataset", "error", err, "requester", requester)
		h.writeError(w, http.StatusInternalServerError, "capture_failed", "Failed to capture changes")
		return
	}
	all := withoutOrigin(res.Changes, requester)
	sortForPaging(all)

	start := min(offset, len(all))
	end := min(start+limit, len(all))
	page := all[start:end]
	h.writeJSON(w, r, http.StatusOK, FullSyncPage{
		Changes:  ToWire(page),
		ServerID: h.engine.serverID,
		Offset:   start,
		Limit:    limit,
		Total:    len(all),
		HasMore:  end < len(all),
		Checksum: BatchChecksum(page),
	})
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// HandleStatus reports node identity and change-log counters
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	counts, err := h.engine.changeLog.StatusCounts(r.Context())
	if err != nil {
		h.logger.Error("Failed to read change log status", "error", err)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to read status")
		return
	}
	names := make([]string, 0, len(h.engine.partitions.All()))
	for _, p := range h.engine.partitions.All() {
		names = append(names, p.Name)
	}
	h.writeJSON(w, r, http.StatusOK, StatusResponse{
		ServerID:   h.engine.serverID,
		Version:    Version,
		Partitions: names,
		Changes:    counts,
	})
}

// HandleListPeers lists every registered peer
func (h *HTTPSyncHandlers) HandleListPeers(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	peers, err := h.engine.peers.List(r.Context(), false)
	if err != nil {
		h.logger.Error("Failed to list peers", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list peers")
		return
	}
	if peers == nil {
		peers = []Peer{}
	}
	h.writeJSON(w, r, http.StatusOK, peers)
}

// HandleAddPeer registers a peer
func (h *HTTPSyncHandlers) HandleAddPeer(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req AddPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse peer")
		return
	}
	peer, err := h.engine.peers.Add(r.Context(), Peer{Name: req.Name, Host: req.Host, Port: req.Port, Protocol: req.Protocol})
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_peer", err.Error())
		return
	}
	h.writeJSON(w, r, http.StatusCreated, peer)
}

func (h *HTTPSyncHandlers) peerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid peer id")
		return 0, false
	}
	return id, true
}

// HandleRunCycle runs one cycle on demand
func (h *HTTPSyncHandlers) HandleRunCycle(w http.ResponseWriter, r *http.Request) {
	h.runOnDemand(w, r, h.engine.RunCycle)
}

// HandleRunFullSync runs a full resync on demand
func (h *HTTPSyncHandlers) HandleRunFullSync(w http.ResponseWriter, r *http.Request) {
	h.runOnDemand(w, r, h.engine.RunFullSync)
}

func (h *HTTPSyncHandlers) runOnDemand(w http.ResponseWriter, r *http.Request,
	run func(ctx context.Context, peerID int64) (*CycleReport, error)) {
	if !h.authorized(w, r) {
		return
	}
	id, ok := h.peerID(w, r)
	if !ok {
		return
	}
	report, err := run(r.Context(), id)
	switch {
	case errors.Is(err, ErrPeerNotFound):
		h.writeError(w, http.StatusNotFound, "peer_not_found", err.Error())
	case errors.Is(err, ErrPeerDisabled):
		h.writeError(w, http.StatusConflict, "peer_disabled", err.Error())
	case errors.Is(err, ErrCycleInProgress):
		h.writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
	case err != nil:
		h.logger.Error("Failed to run sync", "error", err, "peer_id", id)
		h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to run sync")
	default:
		h.writeJSON(w, r, http.StatusOK, report)
	}
}

// HandleEnablePeer re-enables sync with a peer
func (h *HTTPSyncHandlers) HandleEnablePeer(w http.ResponseWriter, r *http.Request) {
	h.setPeerEnabled(w, r, true)
}

// HandleDisablePeer stops sync with a peer without removing it
func (h *HTTPSyncHandlers) HandleDisablePeer(w http.ResponseWriter, r *http.Request) {
	h.setPeerEnabled(w, r, false)
}

func (h *HTTPSyncHandlers) setPeerEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if !h.authorized(w, r) {
		return
	}
	id, ok := h.peerID(w, r)
	if !ok {
		return
	}
	if err := h.engine.peers.SetSyncEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, ErrPeerNotFound) {
			h.writeError(w, http.StatusNotFound, "peer_not_found", err.Error())
			return
		}
		h.logger.Error("Failed to update peer", "error", err, "peer_id", id)
		h.writeError(w, http.StatusInternalServerError, "update_failed", "Failed to update peer")
		return
	}
	peer, err := h.engine.peers.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "update_failed", err.Error())
		return
	}
	h.writeJSON(w, r, http.StatusOK, peer)
}

// HandleReliability lists reliability metrics of every peer and operation type
func (h *HTTPSyncHandlers) HandleReliability(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	metrics, err := h.engine.tracker.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list reliability metrics", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list reliability metrics")
		return
	}
	if metrics == nil {
		metrics = []ReliabilityMetric{}
	}
	h.writeJSON(w, r, http.StatusOK, metrics)
}

// HandleSyncLog lists recent cycle reports, optionally for one peer
func (h *HTTPSyncHandlers) HandleSyncLog(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	q := r.URL.Query()
	peerID, err := queryInt(q.Get("peer_id"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid peer_id parameter")
		return
	}
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit parameter")
		return
	}
	entries, err := h.engine.syncLog.List(r.Context(), int64(peerID), limit)
	if err != nil {
		h.logger.Error("Failed to list sync log", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list sync log")
		return
	}
	if entries == nil {
		entries = []SyncLogEntry{}
	}
	h.writeJSON(w, r, http.StatusOK, entries)
}

// writeJSON encodes v, compressing it when the client accepts zstd
func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusInternalServerError, "encode_failed", "Failed to encode response")
		return
	}
	data, encoding := maybeCompress(data, h.engine.config.CompressThreshold, acceptsZstd(r.Header))
	w.Header().Set("Content-Type", "application/json")
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
		w.Header().Add("Vary", "Accept-Encoding")
	}
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Failed to write response", "error", err, "path", r.URL.Path)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
