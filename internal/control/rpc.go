package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/phantomvault/phantomd/internal/analytics"
	"github.com/phantomvault/phantomd/internal/logger"
	"github.com/phantomvault/phantomd/internal/ratelimiter"
	"github.com/phantomvault/phantomd/pkg/crypto"
	"github.com/phantomvault/phantomd/pkg/vault"
)

// Command kinds accepted by POST /v1/rpc. Unknown kinds are rejected.
const (
	KindCreateProfile     = "create_profile"
	KindDeleteProfile     = "delete_profile"
	KindListProfiles      = "list_profiles"
	KindLockFolder        = "lock_folder"
	KindUnlockFolder      = "unlock_folder"
	KindListLockedFolders = "list_locked_folders"
	KindRelockTemporary   = "relock_temporary"
	KindValidateIntegrity = "validate_integrity"
	KindStatus            = "status"
	KindRecentEvents      = "recent_events"
)

// Deps carries everything the RPC handler needs.
type Deps struct {
	Manager  *vault.Manager
	Recorder analytics.Recorder

	// Events is the queryable event store, nil when analytics is disabled
	Events *analytics.Store

	// OnFolderLocked runs after each successful lock, outside the request
	// path. Used for backup uploads.
	OnFolderLocked func(profileID, vaultToken string)

	Version string
}

// Request is the command envelope.
type Request struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the uniform reply envelope.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type handler struct {
	deps    Deps
	limiter *ratelimiter.RateLimiter
	workers chan struct{}
	started time.Time
}

func (h *handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Message: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status":         "ok",
			"version":        h.deps.Version,
			"uptime_seconds": int64(time.Since(h.started).Seconds()),
		},
	})
}

func (h *handler) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Message: "method not allowed"})
		return
	}

	if !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, Response{Message: "rate limit exceeded"})
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	// Command kinds are logged, payloads never are: they carry master keys
	logger.Debug("Control plane command: %s", req.Kind)

	status, resp := h.dispatch(r, req)
	writeJSON(w, status, resp)
}

func (h *handler) dispatch(r *http.Request, req Request) (int, Response) {
	switch req.Kind {
	case KindCreateProfile:
		return h.createProfile(req)
	case KindDeleteProfile:
		return h.deleteProfile(req)
	case KindListProfiles:
		return h.listProfiles()
	case KindLockFolder:
		return h.lockFolder(r, req)
	case KindUnlockFolder:
		return h.unlockFolder(r, req)
	case KindListLockedFolders:
		return h.listLockedFolders(req)
	case KindRelockTemporary:
		return h.relockTemporary(r, req)
	case KindValidateIntegrity:
		return h.validateIntegrity(req)
	case KindStatus:
		return h.status()
	case KindRecentEvents:
		return h.recentEvents(req)
	default:
		return http.StatusBadRequest, Response{Message: fmt.Sprintf("unknown command kind %q", req.Kind)}
	}
}

// decodePayload unmarshals the raw payload into a typed struct through
// mapstructure, so unknown fields are ignored and field names follow the
// same convention as the config file.
func decodePayload(raw json.RawMessage, out interface{}) error {
	var m map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

type createProfilePayload struct {
	Name      string `json:"name"`
	MasterKey string `json:"master_key"`
}

func (h *handler) createProfile(req Request) (int, Response) {
	var p createProfilePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}
	if p.MasterKey == "" {
		return http.StatusBadRequest, Response{Message: "master_key is required"}
	}

	key := crypto.NewSecureBytes([]byte(p.MasterKey))
	defer key.Wipe()

	profileID, err := h.deps.Manager.CreateProfile(p.Name, key)
	if err != nil {
		return h.failure("failed to create profile", err)
	}

	h.deps.Recorder.Record(analytics.Event{Type: analytics.EventProfileCreated, ProfileID: profileID})
	return http.StatusOK, Response{
		Success: true,
		Message: "profile created",
		Data:    map[string]string{"profile_id": profileID},
	}
}

type deleteProfilePayload struct {
	ProfileID string `json:"profile_id"`
	MasterKey string `json:"master_key"`
}

func (h *handler) deleteProfile(req Request) (int, Response) {
	var p deleteProfilePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}
	if p.ProfileID == "" || p.MasterKey == "" {
		return http.StatusBadRequest, Response{Message: "profile_id and master_key are required"}
	}

	key := crypto.NewSecureBytes([]byte(p.MasterKey))
	defer key.Wipe()

	if err := h.deps.Manager.DeleteProfile(p.ProfileID, key); err != nil {
		h.recordFailure(p.ProfileID, err)
		return h.failure("failed to delete profile", err)
	}

	h.deps.Recorder.Record(analytics.Event{Type: analytics.EventProfileDeleted, ProfileID: p.ProfileID})
	return http.StatusOK, Response{Success: true, Message: "profile deleted"}
}

func (h *handler) listProfiles() (int, Response) {
	profiles, err := h.deps.Manager.ListProfiles()
	if err != nil {
		return h.failure("failed to list profiles", err)
	}
	return http.StatusOK, Response{Success: true, Data: profiles}
}

type folderPayload struct {
	ProfileID string `json:"profile_id"`
	Path      string `json:"path"`
	MasterKey string `json:"master_key"`
	Mode      string `json:"mode"`
}

func (h *handler) lockFolder(r *http.Request, req Request) (int, Response) {
	var p folderPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}
	if p.ProfileID == "" || p.Path == "" || p.MasterKey == "" {
		return http.StatusBadRequest, Response{Message: "profile_id, path and master_key are required"}
	}

	key := crypto.NewSecureBytes([]byte(p.MasterKey))
	defer key.Wipe()

	release, err := h.acquireWorker(r)
	if err != nil {
		return http.StatusServiceUnavailable, Response{Message: "request cancelled while waiting for a worker"}
	}
	defer release()

	result, err := h.deps.Manager.LockFolder(r.Context(), p.ProfileID, p.Path, key)
	if err != nil {
		h.recordFailure(p.ProfileID, err)
		return h.failure("failed to lock folder", err)
	}

	h.deps.Recorder.Record(analytics.Event{
		Type:      analytics.EventFolderLocked,
		ProfileID: p.ProfileID,
		Detail:    result.OriginalPath,
	})
	if h.deps.OnFolderLocked != nil {
		go h.deps.OnFolderLocked(p.ProfileID, result.VaultToken)
	}
	return http.StatusOK, Response{
		Success: true,
		Message: "folder locked",
		Data: map[string]interface{}{
			"vault_token": result.VaultToken,
			"file_count":  result.FileCount,
			"total_size":  result.TotalSize,
		},
	}
}

func (h *handler) unlockFolder(r *http.Request, req Request) (int, Response) {
	var p folderPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}
	if p.ProfileID == "" || p.Path == "" || p.MasterKey == "" {
		return http.StatusBadRequest, Response{Message: "profile_id, path and master_key are required"}
	}

	var mode vault.UnlockMode
	switch p.Mode {
	case "temporary":
		mode = vault.UnlockTemporary
	case "permanent":
		mode = vault.UnlockPermanent
	default:
		return http.StatusBadRequest, Response{Message: `mode must be "temporary" or "permanent"`}
	}

	key := crypto.NewSecureBytes([]byte(p.MasterKey))
	defer key.Wipe()

	release, err := h.acquireWorker(r)
	if err != nil {
		return http.StatusServiceUnavailable, Response{Message: "request cancelled while waiting for a worker"}
	}
	defer release()

	result, err := h.deps.Manager.UnlockFolder(r.Context(), p.ProfileID, p.Path, key, mode)
	if err != nil {
		h.recordFailure(p.ProfileID, err)
		return h.failure("failed to unlock folder", err)
	}

	eventType := analytics.EventFolderUnlockedPrm
	if mode == vault.UnlockTemporary {
		eventType = analytics.EventFolderUnlockedTmp
	}
	h.deps.Recorder.Record(analytics.Event{
		Type:      eventType,
		ProfileID: p.ProfileID,
		Detail:    result.OriginalPath,
	})
	return http.StatusOK, Response{
		Success: true,
		Message: "folder unlocked",
		Data: map[string]interface{}{
			"mode":       result.Mode,
			"file_count": result.FileCount,
		},
	}
}

type profilePayload struct {
	ProfileID string `json:"profile_id"`
}

func (h *handler) listLockedFolders(req Request) (int, Response) {
	var p profilePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}
	if p.ProfileID == "" {
		return http.StatusBadRequest, Response{Message: "profile_id is required"}
	}

	folders, err := h.deps.Manager.ListLockedFolders(p.ProfileID)
	if err != nil {
		return h.failure("failed to list locked folders", err)
	}
	return http.StatusOK, Response{Success: true, Data: folders}
}

func (h *handler) relockTemporary(r *http.Request, req Request) (int, Response) {
	var p profilePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}

	release, err := h.acquireWorker(r)
	if err != nil {
		return http.StatusServiceUnavailable, Response{Message: "request cancelled while waiting for a worker"}
	}
	defer release()

	var relocked int
	if p.ProfileID != "" {
		relocked, err = h.deps.Manager.RelockProfile(r.Context(), p.ProfileID)
	} else {
		relocked, err = h.deps.Manager.RelockAll(r.Context())
	}
	if err != nil {
		return h.failure("relock sweep failed", err)
	}

	h.deps.Recorder.Record(analytics.Event{
		Type:      analytics.EventRelockSweep,
		ProfileID: p.ProfileID,
		Detail:    fmt.Sprintf("relocked %d folders", relocked),
	})
	return http.StatusOK, Response{
		Success: true,
		Message: "relock sweep complete",
		Data:    map[string]int{"relocked": relocked},
	}
}

func (h *handler) validateIntegrity(req Request) (int, Response) {
	var p profilePayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}
	if p.ProfileID == "" {
		return http.StatusBadRequest, Response{Message: "profile_id is required"}
	}

	report, err := h.deps.Manager.ValidateIntegrity(p.ProfileID)
	if err != nil {
		return h.failure("integrity check failed", err)
	}
	if !report.Valid {
		h.deps.Recorder.Record(analytics.Event{
			Type:      analytics.EventIntegrityFailure,
			ProfileID: p.ProfileID,
			Detail:    fmt.Sprintf("%d corrupted entries", len(report.Corrupted)),
		})
	}
	return http.StatusOK, Response{Success: true, Data: report}
}

func (h *handler) status() (int, Response) {
	profiles, err := h.deps.Manager.ListProfiles()
	if err != nil {
		return h.failure("failed to read status", err)
	}

	totalSize, err := h.deps.Manager.TotalSize()
	if err != nil {
		logger.Warn("Failed to compute total vault size: %v", err)
	}

	return http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"version":        h.deps.Version,
			"uptime_seconds": int64(time.Since(h.started).Seconds()),
			"profiles":       len(profiles),
			"total_size":     totalSize,
		},
	}
}

type recentEventsPayload struct {
	Limit int `json:"limit"`
}

func (h *handler) recentEvents(req Request) (int, Response) {
	if h.deps.Events == nil {
		return http.StatusConflict, Response{Message: "analytics is disabled"}
	}

	var p recentEventsPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return http.StatusBadRequest, Response{Message: err.Error()}
	}

	events, err := h.deps.Events.Recent(p.Limit)
	if err != nil {
		return h.failure("failed to read events", err)
	}
	counts, err := h.deps.Events.CountByType()
	if err != nil {
		return h.failure("failed to aggregate events", err)
	}
	return http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"events": events,
		"counts": counts,
	}}
}

// acquireWorker takes a worker slot, blocking until one frees up or the
// request is cancelled. The returned func releases the slot.
func (h *handler) acquireWorker(r *http.Request) (func(), error) {
	select {
	case h.workers <- struct{}{}:
		return func() { <-h.workers }, nil
	case <-r.Context().Done():
		return nil, r.Context().Err()
	}
}

// failure maps a vault error to an HTTP status and safe message. The
// underlying error text may include paths but never key material.
func (h *handler) failure(prefix string, err error) (int, Response) {
	status := http.StatusInternalServerError
	switch vault.CodeOf(err) {
	case vault.ErrAuthFailure:
		status = http.StatusUnauthorized
	case vault.ErrPrecondition:
		status = http.StatusConflict
	case vault.ErrCorruption:
		status = http.StatusUnprocessableEntity
	}

	var vErr *vault.VaultError
	if !errors.As(err, &vErr) {
		logger.Error("Control plane internal error: %v", err)
	}
	return status, Response{Message: fmt.Sprintf("%s: %v", prefix, err)}
}

// recordFailure emits an auth failure event when the error is one.
func (h *handler) recordFailure(profileID string, err error) {
	if vault.IsCode(err, vault.ErrAuthFailure) {
		h.deps.Recorder.Record(analytics.Event{Type: analytics.EventAuthFailure, ProfileID: profileID})
	}
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to encode control plane response: %v", err)
	}
}
