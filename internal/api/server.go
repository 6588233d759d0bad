// Package api exposes the coordinator's HTTP surface (spec.md §6): four
// POST endpoints (/auth, /read, /write, /execute), each a tagged union
// {"type", "params"} dispatched to a typed handler. Grounded on the
// teacher's internal/api.Server for the overall shape (plain net/http, a
// Server struct wiring together the domain packages, ServeMux routing) and
// its middleware.go for the correlation-id/logging chain.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chis/corectl/internal/apperr"
	"github.com/chis/corectl/internal/auth"
	"github.com/chis/corectl/internal/dispatch"
	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/output"
	"github.com/chis/corectl/internal/storage"
)

// Server is the coordinator's HTTP frontend.
type Server struct {
	dispatch   *dispatch.Dispatcher
	repo       storage.Repository
	tokens     *auth.TokenManager
	httpServer *http.Server
}

func NewServer(listenAddr string, d *dispatch.Dispatcher, repo storage.Repository, tokens *auth.TokenManager) *Server {
	s := &Server{dispatch: d, repo: repo, tokens: tokens}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/read", s.authenticated(s.handleRead))
	mux.HandleFunc("/write", s.authenticated(s.handleWrite))
	mux.HandleFunc("/execute", s.authenticated(s.handleExecute))

	handler := ChainMiddleware(mux, CorrelationIDMiddleware, RequestLoggingMiddleware)
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// envelope is the wire shape of every request body (spec.md §6).
type envelope struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func decodeEnvelope(r *http.Request) (envelope, error) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return envelope{}, apperr.InvalidRequest("malformed request body: %w", err)
	}
	return env, nil
}

// callerKey is the context key the auth middleware stores the resolved
// Caller under.
type callerKey struct{}

func callerFromContext(ctx context.Context) dispatch.Caller {
	if c, ok := ctx.Value(callerKey{}).(dispatch.Caller); ok {
		return c
	}
	return dispatch.Caller{}
}

// authenticated resolves Authorization: <token> or X-Api-Key/X-Api-Secret
// into a Caller before calling next (spec.md §6).
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.resolveCaller(r)
		if err != nil {
			output.WriteError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) resolveCaller(r *http.Request) (dispatch.Caller, error) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		secret := r.Header.Get("X-Api-Secret")
		key, err := s.repo.FindApiKeyByKey(r.Context(), apiKey)
		if err != nil {
			return dispatch.Caller{}, apperr.PermissionDenied("invalid api key")
		}
		if !auth.VerifyAPISecret(secret, key.SecretHash) {
			return dispatch.Caller{}, apperr.PermissionDenied("invalid api secret")
		}
		user, err := s.repo.FindUser(r.Context(), key.UserID)
		if err != nil {
			return dispatch.Caller{}, apperr.PermissionDenied("invalid api key")
		}
		return dispatch.Caller{UserID: user.ID, IsAdmin: user.Admin}, nil
	}

	token := r.Header.Get("Authorization")
	if token == "" {
		return dispatch.Caller{}, apperr.PermissionDenied("missing credentials")
	}
	userID, err := s.tokens.Verify(token)
	if err != nil {
		return dispatch.Caller{}, err
	}
	user, err := s.repo.FindUser(r.Context(), userID)
	if err != nil {
		return dispatch.Caller{}, apperr.PermissionDenied("invalid token")
	}
	return dispatch.Caller{UserID: user.ID, IsAdmin: user.Admin}, nil
}

// --- /auth ------------------------------------------------------------

type loginParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		output.WriteError(w, err)
		return
	}

	switch env.Type {
	case "Login":
		var p loginParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		user, err := s.repo.FindUserByUsername(r.Context(), p.Username)
		if err != nil || !auth.VerifyPassword(p.Password, user.PasswordHash) {
			output.WriteError(w, apperr.PermissionDenied("invalid username or password"))
			return
		}
		token := s.tokens.Issue(user.ID, 24*time.Hour)
		output.WriteJSON(w, http.StatusOK, loginResponse{Token: token})

	default:
		output.WriteError(w, apperr.InvalidRequest("unknown auth variant %q", env.Type))
	}
}

// --- /read --------------------------------------------------------------

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		output.WriteError(w, err)
		return
	}
	caller := callerFromContext(r.Context())
	ctx := r.Context()

	switch env.Type {
	case "GetServersSummary":
		resp, err := s.dispatch.GetServersSummary(ctx, caller)
		respond(w, resp, err)

	case "GetServer":
		var p struct{ ID string `json:"id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.GetServer(ctx, p.ID, caller)
		respond(w, resp, err)

	case "ListServers":
		resp, err := s.dispatch.ListServers(ctx, caller)
		respond(w, resp, err)

	case "GetServerStatus":
		var p struct{ ID string `json:"id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.GetServerStatus(ctx, p.ID, caller)
		respond(w, resp, err)

	case "GetCpuUsage":
		var p struct{ ServerID string `json:"server_id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.GetCpuUsage(ctx, p.ServerID, caller)
		respond(w, resp, err)

	case "GetDiskUsage":
		var p struct{ ServerID string `json:"server_id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.GetDiskUsage(ctx, p.ServerID, caller)
		respond(w, resp, err)

	case "GetHistoricalServerStats":
		var p struct {
			ServerID   string `json:"server_id"`
			IntervalMS int64  `json:"interval_ms"`
			Page       int    `json:"page"`
		}
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		records, nextPage, err := s.dispatch.GetHistoricalServerStats(ctx, p.ServerID, time.Duration(p.IntervalMS)*time.Millisecond, p.Page, caller)
		if err != nil {
			output.WriteError(w, err)
			return
		}
		output.WriteJSON(w, http.StatusOK, struct {
			Records  []*domain.SystemStatsRecord `json:"records"`
			NextPage *int                        `json:"next_page"`
		}{records, nextPage})

	case "GetDeployment":
		var p struct{ ID string `json:"id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.GetDeployment(ctx, p.ID, caller)
		respond(w, resp, err)

	case "ListDeployments":
		var p struct {
			Tag string `json:"tag,omitempty"`
		}
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &p); err != nil {
				output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
				return
			}
		}
		resp, err := s.dispatch.ListDeployments(ctx, p.Tag, caller)
		respond(w, resp, err)

	case "GetUpdate":
		var p struct{ ID string `json:"id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.GetUpdate(ctx, p.ID)
		respond(w, resp, err)

	default:
		output.WriteError(w, apperr.InvalidRequest("unknown read variant %q", env.Type))
	}
}

// --- /write ---------------------------------------------------------------

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		output.WriteError(w, err)
		return
	}
	caller := callerFromContext(r.Context())
	ctx := r.Context()

	switch env.Type {
	case "CreateServer":
		var srv domain.Server
		if err := json.Unmarshal(env.Params, &srv); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		if !caller.IsAdmin {
			output.WriteError(w, apperr.PermissionDenied("only admins may create servers"))
			return
		}
		if err := s.repo.InsertServer(ctx, &srv); err != nil {
			output.WriteError(w, apperr.WrapStore(err))
			return
		}
		output.WriteJSON(w, http.StatusOK, srv)

	case "CreateDeployment":
		var dep domain.Deployment
		if err := json.Unmarshal(env.Params, &dep); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		if !caller.IsAdmin {
			output.WriteError(w, apperr.PermissionDenied("only admins may create deployments"))
			return
		}
		if err := s.repo.InsertDeployment(ctx, &dep); err != nil {
			output.WriteError(w, apperr.WrapStore(err))
			return
		}
		output.WriteJSON(w, http.StatusOK, dep)

	case "UpdateProcedure":
		var p struct {
			ProcedureID     string                  `json:"procedure_id"`
			Name            string                  `json:"name"`
			Stages          []domain.ProcedureStage `json:"stages"`
			ContinueOnError bool                    `json:"continue_on_error"`
		}
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.UpdateProcedure(ctx, dispatch.UpdateProcedureRequest{
			ProcedureID:     p.ProcedureID,
			Name:            p.Name,
			Stages:          p.Stages,
			ContinueOnError: p.ContinueOnError,
		}, caller)
		respond(w, resp, err)

	default:
		output.WriteError(w, apperr.InvalidRequest("unknown write variant %q", env.Type))
	}
}

// --- /execute ---------------------------------------------------------------

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		output.WriteError(w, err)
		return
	}
	caller := callerFromContext(r.Context())
	ctx := r.Context()

	switch env.Type {
	case "Deploy":
		var p dispatch.DeployRequest
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.Deploy(ctx, p, caller)
		respond(w, resp, err)

	case "StartContainer":
		var p struct{ DeploymentID string `json:"deployment_id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.StartContainer(ctx, p.DeploymentID, caller)
		respond(w, resp, err)

	case "StopContainer":
		var p dispatch.StopOrRemoveRequest
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.StopContainer(ctx, p, caller)
		respond(w, resp, err)

	case "RemoveContainer":
		var p dispatch.StopOrRemoveRequest
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.RemoveContainer(ctx, p, caller)
		respond(w, resp, err)

	case "StopAllContainers":
		var p struct{ ServerID string `json:"server_id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.StopAllContainers(ctx, p.ServerID, caller)
		respond(w, resp, err)

	case "PruneContainers", "PruneNetworks", "PruneImages":
		var p struct{ ServerID string `json:"server_id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		kind := map[string]dispatch.PruneKind{
			"PruneContainers": dispatch.PruneContainers,
			"PruneNetworks":   dispatch.PruneNetworks,
			"PruneImages":     dispatch.PruneImages,
		}[env.Type]
		resp, err := s.dispatch.Prune(ctx, p.ServerID, kind, caller)
		respond(w, resp, err)

	case "RunBuild":
		var p struct {
			BuildID string `json:"build_id"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.RunBuild(ctx, p.BuildID, p.Version, caller)
		respond(w, resp, err)

	case "RunProcedure":
		var p struct{ ProcedureID string `json:"procedure_id"` }
		if err := json.Unmarshal(env.Params, &p); err != nil {
			output.WriteError(w, apperr.InvalidRequest("bad params: %w", err))
			return
		}
		resp, err := s.dispatch.RunProcedure(ctx, p.ProcedureID, caller)
		respond(w, resp, err)

	default:
		output.WriteError(w, apperr.InvalidRequest("unknown execute variant %q", env.Type))
	}
}

func respond(w http.ResponseWriter, data any, err error) {
	if err != nil {
		output.WriteError(w, err)
		return
	}
	output.WriteJSON(w, http.StatusOK, data)
}
