package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler/cron"
	"github.com/aatumaykin/chaoshub/internal/scheduling"
)

func target(r *http.Request) scheduling.Target {
	return scheduling.Target{
		Org:        chi.URLParam(r, "org"),
		Workspace:  chi.URLParam(r, "workspace"),
		Experiment: chi.URLParam(r, "experiment"),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var definition map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&definition); err != nil {
		respondErrors(w, http.StatusBadRequest, fieldError{Message: "Invalid JSON body"})
		return
	}

	sc, err := s.svc.CreateSchedule(r.Context(), callerFrom(r.Context()), target(r), definition)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.ScheduleContext(r.Context(), callerFrom(r.Context()), target(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sc, err := s.svc.GetSchedule(r.Context(), callerFrom(r.Context()), target(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sc, err := s.svc.CancelSchedule(r.Context(), callerFrom(r.Context()), target(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSchedule(r.Context(), callerFrom(r.Context()), target(r), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondServiceError maps scheduling errors to status codes.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *scheduling.ValidationError
		ae *scheduling.AuthorizationError
		de *scheduling.DispatchError
	)
	switch {
	case errors.As(err, &ve):
		respondErrors(w, http.StatusBadRequest, fieldError{Field: ve.Field, Message: ve.Message})
	case errors.As(err, &ae):
		respondMessage(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, scheduling.ErrNotFound):
		respondMessage(w, http.StatusNotFound, "Not found")
	case errors.As(err, &de):
		s.logger.WarnCtx(r.Context(), "schedule dispatch failed",
			logger.Field{Key: "schedule_id", Value: de.ScheduleID},
			logger.Field{Key: "error", Value: de.Err.Error()})
		msg := de.Err.Error()
		if cron.IsCrontabError(err) {
			// crontab stderr is host detail.
			msg = "Crontab could not be updated"
		}
		respondErrors(w, http.StatusBadGateway, fieldError{Field: "scheduler", Message: msg})
	default:
		s.logger.ErrorCtx(r.Context(), "request failed", err,
			logger.Field{Key: "path", Value: r.URL.Path})
		respondMessage(w, http.StatusInternalServerError, "Internal error")
	}
}
