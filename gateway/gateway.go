// Package gateway exposes the session service over HTTP.
//
// It is deliberately thin: every request is translated into a call on the
// session manager, dispatcher, ledger or workspace store, and realtime
// events stream back out over Server-Sent Events. No business logic lives
// here.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"goa.design/clue/log"

	"goa.design/console/bus"
	"goa.design/console/command"
	"goa.design/console/dispatch"
	"goa.design/console/session"
	"goa.design/console/workspace"
)

type (
	// Options configures a Gateway.
	Options struct {
		// Sessions is the session manager. Required.
		Sessions *session.Manager
		// Dispatcher runs submitted commands. Required.
		Dispatcher *dispatch.Dispatcher
		// Ledger serves command history reads. Required.
		Ledger command.Ledger
		// Files serves workspace tree reads. Required.
		Files workspace.Store
		// Bus feeds the event stream endpoint. Required.
		Bus *bus.Bus
	}

	// Gateway is the HTTP boundary of the service.
	Gateway struct {
		sessions   *session.Manager
		dispatcher *dispatch.Dispatcher
		ledger     command.Ledger
		files      workspace.Store
		bus        *bus.Bus
	}

	createSessionRequest struct {
		OwnerID string `json:"owner_id"`
		Name    string `json:"name"`
	}

	updateSessionRequest struct {
		Name    *string `json:"name,omitempty"`
		Archive bool    `json:"archive,omitempty"`
	}

	submitCommandRequest struct {
		Command string         `json:"command"`
		Input   map[string]any `json:"input,omitempty"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// New builds a Gateway from the provided options.
func New(opts Options) (*Gateway, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("command ledger is required")
	}
	if opts.Files == nil {
		return nil, errors.New("workspace store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	return &Gateway{
		sessions:   opts.Sessions,
		dispatcher: opts.Dispatcher,
		ledger:     opts.Ledger,
		files:      opts.Files,
		bus:        opts.Bus,
	}, nil
}

// Handler returns the HTTP handler serving the gateway routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", g.createSession)
	mux.HandleFunc("GET /sessions", g.listSessions)
	mux.HandleFunc("GET /sessions/{id}", g.getSession)
	mux.HandleFunc("PATCH /sessions/{id}", g.updateSession)
	mux.HandleFunc("DELETE /sessions/{id}", g.deleteSession)
	mux.HandleFunc("POST /sessions/{id}/commands", g.submitCommand)
	mux.HandleFunc("GET /sessions/{id}/commands", g.listCommands)
	mux.HandleFunc("GET /sessions/{id}/files", g.getFiles)
	mux.HandleFunc("GET /sessions/{id}/events", g.streamEvents)
	return mux
}

func (g *Gateway) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := g.sessions.CreateSession(r.Context(), req.OwnerID, req.Name)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respond(w, http.StatusCreated, sess)
}

func (g *Gateway) listSessions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		respondError(w, http.StatusBadRequest, errors.New("owner query parameter is required"))
		return
	}
	sessions, err := g.sessions.ListSessions(r.Context(), owner)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respond(w, http.StatusOK, sessions)
}

func (g *Gateway) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

func (g *Gateway) updateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("id")
	var (
		sess session.Session
		err  error
	)
	switch {
	case req.Archive:
		sess, err = g.sessions.Archive(r.Context(), id)
	case req.Name != nil:
		sess, err = g.sessions.Rename(r.Context(), id, *req.Name)
	default:
		respondError(w, http.StatusBadRequest, errors.New("nothing to update"))
		return
	}
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

func (g *Gateway) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		respondFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) submitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Command == "" {
		respondError(w, http.StatusBadRequest, errors.New("command is required"))
		return
	}
	id := r.PathValue("id")
	var (
		cmd command.Command
		err error
	)
	if r.URL.Query().Get("nowait") != "" {
		cmd, err = g.dispatcher.TrySubmit(r.Context(), id, req.Command, req.Input)
	} else {
		cmd, err = g.dispatcher.Submit(r.Context(), id, req.Command, req.Input)
	}
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	// A failed command is a successful submission; callers read its status.
	respond(w, http.StatusOK, cmd)
}

func (g *Gateway) listCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.sessions.GetSession(r.Context(), id); err != nil {
		respondFailure(w, r, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	cmds, err := g.ledger.History(r.Context(), id, limit, offset)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respond(w, http.StatusOK, cmds)
}

func (g *Gateway) getFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.sessions.GetSession(r.Context(), id); err != nil {
		respondFailure(w, r, err)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		node, err := g.files.GetNode(r.Context(), id, path)
		if err != nil {
			respondFailure(w, r, err)
			return
		}
		respond(w, http.StatusOK, node)
		return
	}
	tree, err := g.files.GetTree(r.Context(), id)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respond(w, http.StatusOK, tree)
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respond(w, status, errorResponse{Error: err.Error()})
}

// respondFailure maps domain errors onto HTTP status codes.
func respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, command.ErrNotFound),
		errors.Is(err, workspace.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, command.ErrSessionBusy),
		errors.Is(err, command.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, workspace.ErrOrphanPath):
		respondError(w, http.StatusUnprocessableEntity, err)
	default:
		log.Errorf(r.Context(), err, "request failed")
		respondError(w, http.StatusServiceUnavailable, err)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
