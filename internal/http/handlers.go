package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"care-companion/internal/auth"
	"care-companion/internal/core"
	"care-companion/internal/db"
	"care-companion/internal/llm"
	"care-companion/pkg"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Server bundles together the dependencies required by the HTTP handlers.
type Server struct {
	Repo *db.Repository
	Chat *core.ChatService

	// Seed credentials for the nurse account, auto-created on login.
	NurseUsername string
	NursePin      string
}

// NewServer constructs a Server.
func NewServer(repo *db.Repository, chat *core.ChatService, nurseUsername, nursePin string) *Server {
	return &Server{
		Repo:          repo,
		Chat:          chat,
		NurseUsername: nurseUsername,
		NursePin:      nursePin,
	}
}

// RegisterRoutes mounts all endpoints on the given router.
func RegisterRoutes(r chi.Router, s *Server) {
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Post("/chat", s.handleChat)
	r.Get("/patients", s.handleListPatients)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireNurse)
		r.Post("/patients", s.handleCreatePatient)
		r.Get("/patients/{id}", s.handleGetPatient)
		r.Put("/patients/{id}", s.handleUpdatePatient)
		r.Put("/patients/{id}/status", s.handleUpdatePatientStatus)
		r.Delete("/patients/{id}", s.handleDeletePatient)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Pin      string `json:"pin"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Pin) < 4 || len(req.Pin) > 12 {
		writeError(w, http.StatusBadRequest, "invalid credentials format")
		return
	}

	// Auto-seed the nurse account so a fresh deployment is usable.
	if hash, err := auth.HashPin(s.NursePin); err == nil {
		if _, err := s.Repo.EnsureNurseUser(ctx, s.NurseUsername, hash); err != nil {
			log.Printf("seed nurse: %v", err)
		}
	}

	user, err := s.Repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil || !auth.VerifyPin(req.Pin, user.PinHash) {
		writeError(w, http.StatusUnauthorized, "incorrect username or PIN")
		return
	}

	auth.SetCookie(w, auth.Session{UserID: user.ID, Role: user.Role, ClinicID: user.ClinicID})
	writeJSON(w, http.StatusOK, map[string]any{"role": user.Role})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID, err := s.Repo.EnsureDefaultClinic(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch patients")
		return
	}
	patients, err := s.Repo.GetPatientsForSelector(ctx, clinicID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch patients")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": patients})
}

type createPatientRequest struct {
	Username    string        `json:"username"`
	Pin         string        `json:"pin"`
	Diseases    pkg.FlexValue `json:"diseases"`
	Medications pkg.FlexValue `json:"medications"`
	Religion    string        `json:"religion"`
	Family      pkg.FlexValue `json:"family"`
	Preferences pkg.FlexValue `json:"preferences"`
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 48 {
		writeError(w, http.StatusBadRequest, "username must be 3-48 characters")
		return
	}
	if len(req.Pin) < 4 || len(req.Pin) > 12 {
		writeError(w, http.StatusBadRequest, "PIN must be 4-12 digits")
		return
	}

	hash, err := auth.HashPin(req.Pin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create patient")
		return
	}

	clinicID := auth.SessionFromContext(ctx).ClinicID
	if clinicID == nil {
		if id, err := s.Repo.EnsureDefaultClinic(ctx); err == nil {
			clinicID = &id
		}
	}

	var religion *string
	if req.Religion != "" {
		religion = &req.Religion
	}
	userID, profileID, err := s.Repo.CreatePatientAccount(ctx, db.CreatePatientParams{
		Username:    req.Username,
		PinHash:     hash,
		ClinicID:    clinicID,
		Diseases:    req.Diseases,
		Medications: req.Medications,
		Religion:    religion,
		Family:      req.Family,
		Preferences: req.Preferences,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create patient")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"userId":           userID,
		"patientProfileId": profileID,
		"username":         req.Username,
		"pin":              req.Pin,
	})
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID, ok := s.patientID(w, r)
	if !ok {
		return
	}

	clinicID, err := s.Repo.EnsureDefaultClinic(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch patient")
		return
	}
	patients, err := s.Repo.GetPatientsForSelector(ctx, clinicID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch patient")
		return
	}
	var patient *pkg.PatientForSelector
	for i := range patients {
		if patients[i].UserID == patientID {
			patient = &patients[i]
			break
		}
	}
	if patient == nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}

	history, err := s.Repo.GetChatHistoryForUser(ctx, patientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch patient")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patient":     patient,
		"chatHistory": history,
	})
}

type updateProfileRequest struct {
	Diseases    pkg.FlexValue `json:"diseases"`
	Medications pkg.FlexValue `json:"medications"`
	Religion    string        `json:"religion"`
	Family      pkg.FlexValue `json:"family"`
	Preferences pkg.FlexValue `json:"preferences"`
}

func (s *Server) handleUpdatePatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID, ok := s.patientID(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var religion *string
	if req.Religion != "" {
		religion = &req.Religion
	}
	err := s.Repo.UpdatePatientProfile(ctx, patientID, db.ProfileUpdate{
		Diseases:    req.Diseases,
		Medications: req.Medications,
		Religion:    religion,
		Family:      req.Family,
		Preferences: req.Preferences,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type updateStatusRequest struct {
	LastMood     string        `json:"lastMood"`
	MedsSignal   string        `json:"medsSignal"`
	Concerns     pkg.FlexValue `json:"concerns"`
	DailySummary string        `json:"dailySummary"`
}

func (s *Server) handleUpdatePatientStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID, ok := s.patientID(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signal := pkg.MedsSignal(req.MedsSignal)
	switch signal {
	case "", pkg.MedsTook, pkg.MedsSkipped, pkg.MedsUnknown:
	default:
		writeError(w, http.StatusBadRequest, "medsSignal must be took, skipped or unknown")
		return
	}
	var mood, summary *string
	if req.LastMood != "" {
		mood = &req.LastMood
	}
	if req.DailySummary != "" {
		summary = &req.DailySummary
	}
	err := s.Repo.UpdatePatientStatus(ctx, patientID, db.StatusUpdate{
		LastMood:     mood,
		MedsSignal:   signal,
		Concerns:     req.Concerns,
		DailySummary: summary,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeletePatient(w http.ResponseWriter, r *http.Request) {
	patientID, ok := s.patientID(w, r)
	if !ok {
		return
	}
	if err := s.Repo.DeleteUser(r.Context(), patientID); err != nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// patientID extracts and validates the {id} route parameter.
func (s *Server) patientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient id")
		return "", false
	}
	return id, true
}

type chatRequest struct {
	Messages  []pkg.ChatMessage `json:"messages"`
	Model     string            `json:"model"`
	WebSearch bool              `json:"webSearch"`
	PatientID string            `json:"patientId"`
}

// streamFrame is the SSE wire format: one JSON object per event, tagged by
// type, terminated by a "done" frame.
type streamFrame struct {
	Type   string      `json:"type"`
	Delta  string      `json:"delta,omitempty"`
	Source *llm.Source `json:"source,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events, err := s.Chat.Stream(r.Context(), core.ChatRequest{
		Messages:  req.Messages,
		Model:     req.Model,
		WebSearch: req.WebSearch,
		PatientID: req.PatientID,
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, "failed to start chat")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var assistant strings.Builder
	failed := false
	for ev := range events {
		frame := toFrame(ev)
		if ev.Type == llm.EventText {
			assistant.WriteString(ev.Text)
		}
		if ev.Type == llm.EventError {
			failed = true
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	// Persist the completed turn for the selected patient.  Best effort,
	// off the request path, mirroring how the reply itself is never held
	// up by bookkeeping.
	if req.PatientID != "" && !failed && assistant.Len() > 0 {
		userText := lastUserText(req.Messages)
		reply := assistant.String()
		go s.persistTurn(req.PatientID, userText, reply)
	}
}

func (s *Server) persistTurn(patientID, userText, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chatID, err := s.Repo.EnsureChatForUser(ctx, patientID)
	if err != nil {
		log.Printf("chat: persist turn: %v", err)
		return
	}
	if userText != "" {
		if _, err := s.Repo.SaveMessage(ctx, chatID, "user", []pkg.MessagePart{{Type: "text", Text: userText}}); err != nil {
			log.Printf("chat: save user message: %v", err)
		}
	}
	if _, err := s.Repo.SaveMessage(ctx, chatID, "assistant", []pkg.MessagePart{{Type: "text", Text: reply}}); err != nil {
		log.Printf("chat: save assistant message: %v", err)
	}
	if err := s.Repo.TouchPatientActivity(ctx, patientID, time.Now()); err != nil {
		log.Printf("chat: touch activity: %v", err)
	}
}

func lastUserText(messages []pkg.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text()
		}
	}
	return ""
}

func toFrame(ev llm.Event) streamFrame {
	switch ev.Type {
	case llm.EventText:
		return streamFrame{Type: "text-delta", Delta: ev.Text}
	case llm.EventReasoning:
		return streamFrame{Type: "reasoning-delta", Delta: ev.Text}
	case llm.EventSource:
		return streamFrame{Type: "source", Source: ev.Source}
	case llm.EventToolError:
		return streamFrame{Type: "tool-error", Error: ev.Err.Error()}
	case llm.EventError:
		return streamFrame{Type: "error", Error: ev.Err.Error()}
	default:
		return streamFrame{Type: "done"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
