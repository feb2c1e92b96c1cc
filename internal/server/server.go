package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flowstate/internal/app"
	"flowstate/internal/config"
	"flowstate/internal/domain"
	"flowstate/internal/engine"
	"flowstate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	App       *config.Config
	SessionID string
	BasePath  string
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"wip_exceeded"`
	Message string         `json:"message" example:"move 3f2a ready -> doing: wip limit exceeded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// Server owns the live session. The engine is single-threaded, so every
// handler takes mu before touching it.
type Server struct {
	mu      sync.Mutex
	session *app.Session
	repo    repo.Repo
	cfg     *config.Config
	log     *slog.Logger
}

// New returns an HTTP handler exposing the simulation API for the resolved
// session.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	sess, err := app.ResolveSession(context.Background(), cfg.Repo, cfg.App, cfg.SessionID, logger)
	if err != nil {
		return nil, err
	}
	s := &Server{session: sess, repo: cfg.Repo, cfg: cfg.App, log: logger}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation is a malformed request, not a rejected move.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLog(logger))
	router.Use(middleware.Recoverer)
	hcfg := huma.DefaultConfig("Flowstate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerSession(group)
	s.registerBoard(group)
	s.registerConstraints(group)
	s.registerCommitment(group)
	s.registerAdvance(group)
	s.registerMetrics(group)
	s.registerEvents(group)
	s.registerConfig(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if status >= 500 {
				logger.Error("http request", attrs...)
				return
			}
			logger.Debug("http request", attrs...)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine failures onto the envelope: player-facing
// rejections are 422, broken preconditions 409.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	code := engine.ErrorCode(err)
	var me *engine.MoveError
	var details map[string]any
	if errors.As(err, &me) {
		details = map[string]any{"item_id": me.ItemID, "from": me.From, "to": me.To}
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case engine.IsUserError(err):
		return newAPIError(http.StatusUnprocessableEntity, code, err.Error(), details)
	case engine.IsContractViolation(err):
		return newAPIError(http.StatusConflict, code, err.Error(), details)
	case errors.Is(err, domain.ErrUnknownStage),
		errors.Is(err, domain.ErrUnknownConstraintKind),
		errors.Is(err, domain.ErrUnknownCategory):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// view runs fn against the live session without persisting.
func (s *Server) view(fn func(*app.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.session)
}

// mutate runs fn and saves the session afterwards. Failed commands leave
// the engine untouched, so saving them is a no-op apart from any partial
// resolution already applied.
func (s *Server) mutate(ctx context.Context, fn func(*app.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := fn(s.session)
	if saveErr := s.session.Save(ctx); saveErr != nil {
		s.log.Error("save session", "session", s.session.ID, "err", saveErr)
		if err == nil {
			return saveErr
		}
	}
	return err
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once   sync.Once
		doc    []byte
		docErr error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, docErr = json.Marshal(oas)
		})
		if docErr != nil {
			http.Error(w, docErr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var ref *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		ref = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: ref},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Flowstate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func (s *Server) registerSession(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current day, phase, resources and commitment",
	}, func(ctx context.Context, _ *struct{}) (*output[SessionResponse], error) {
		var resp SessionResponse
		s.view(func(sess *app.Session) error {
			resp = sessionResponse(sess.ID, sess.Engine)
			return nil
		})
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-session",
		Method:      http.MethodPost,
		Path:        "/session/reset",
		Summary:     "Discard the session and its event log and start over",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body *ResetRequest
	}) (*output[SessionResponse], error) {
		chapter := ""
		if input.Body != nil {
			chapter = input.Body.Chapter
		}
		if _, ok := s.cfg.Chapters[chapter]; chapter != "" && !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown chapter", map[string]any{"chapter": chapter})
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		next, err := app.Reset(ctx, s.session, chapter, s.log)
		if err != nil {
			return nil, handleError(err)
		}
		s.session = next
		return reply(sessionResponse(next.ID, next.Engine)), nil
	})
}

func (s *Server) registerBoard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Stages, items and category gates",
	}, func(ctx context.Context, _ *struct{}) (*output[BoardResponse], error) {
		var resp BoardResponse
		s.view(func(sess *app.Session) error {
			resp = boardResponse(sess.Engine)
			return nil
		})
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/move",
		Summary:     "Move an item to an adjacent stage",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   MoveRequest
	}) (*output[TransitionResponse], error) {
		to, err := domain.ParseStage(input.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		var resp TransitionResponse
		err = s.mutate(ctx, func(sess *app.Session) error {
			var (
				tr  engine.Transition
				err error
			)
			if input.Body.From != "" {
				from, perr := domain.ParseStage(input.Body.From)
				if perr != nil {
					return perr
				}
				tr, err = sess.Engine.Move(input.ItemID, from, to)
			} else {
				tr, err = sess.Engine.MoveTo(input.ItemID, to)
			}
			if err != nil {
				return err
			}
			item, _ := sess.Engine.Item(input.ItemID)
			resp = TransitionResponse{
				Item:             itemResponse(sess.Engine, item),
				From:             string(tr.From),
				To:               string(tr.To),
				Forward:          tr.Forward,
				MaterialsDebited: tr.MaterialsDebited,
				FundsCredited:    tr.FundsCredited,
				Resources:        resourcesResponse(sess.Engine.Resources()),
			}
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-wip-limit",
		Method:      http.MethodPut,
		Path:        "/stages/{stage}/wip",
		Summary:     "Change a stage's WIP limit",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Stage string `path:"stage"`
		Body  SetWipLimitRequest
	}) (*output[StageResponse], error) {
		stage, err := domain.ParseStage(input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		var resp StageResponse
		err = s.mutate(ctx, func(sess *app.Session) error {
			if err := sess.Engine.SetWipLimit(stage, input.Body.Limit); err != nil {
				return err
			}
			st, _ := sess.Engine.Stage(stage)
			resp = StageResponse{ID: string(st.ID), WipLimit: st.WipLimit, OverLimit: st.OverLimit(), Items: []ItemResponse{}}
			for _, id := range st.Items {
				if it, ok := sess.Engine.Item(id); ok {
					resp.Items = append(resp.Items, itemResponse(sess.Engine, it))
				}
			}
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})
}

func (s *Server) registerConstraints(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "inspect-constraints",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/constraints",
		Summary:     "Outstanding constraints and readiness of an item",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*output[ConstraintsResponse], error) {
		var resp ConstraintsResponse
		err := s.view(func(sess *app.Session) error {
			kinds, class, err := sess.Engine.InspectConstraints(input.ItemID)
			if err != nil {
				return err
			}
			resp = constraintsResponse(input.ItemID, kinds, class)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-constraint",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}/constraints/{kind}",
		Summary:     "Clear one constraint from an item",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Kind   string `path:"kind"`
	}) (*output[RemoveConstraintResponse], error) {
		kind, err := domain.ParseConstraintKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		var resp RemoveConstraintResponse
		err = s.mutate(ctx, func(sess *app.Session) error {
			removed, err := sess.Engine.RemoveConstraint(input.ItemID, kind)
			if err != nil {
				return err
			}
			item, _ := sess.Engine.Item(input.ItemID)
			resp.ConstraintsResponse = constraintsResponse(input.ItemID, item.Constraints, sess.Engine.Classify(input.ItemID))
			resp.Removed = removed
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})
}

func (s *Server) registerCommitment(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "propose-commitment",
		Method:      http.MethodPost,
		Path:        "/commitment/propose",
		Summary:     "Partition candidate items into sound, risky and blocked",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body IDsRequest
	}) (*output[ProposalResponse], error) {
		var resp ProposalResponse
		err := s.view(func(sess *app.Session) error {
			p, err := sess.Engine.ProposeCommitment(input.Body.IDs)
			if err != nil {
				return err
			}
			resp = ProposalResponse{Sound: p.Sound, Risky: p.Risky, Blocked: p.Blocked}
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-commit",
		Method:      http.MethodPost,
		Path:        "/commitment/force",
		Summary:     "Override risky items into the next commitment as fragile",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body IDsRequest
	}) (*output[ForceCommitResponse], error) {
		var resp ForceCommitResponse
		err := s.mutate(ctx, func(sess *app.Session) error {
			fragile, err := sess.Engine.ForceCommitRisky(input.Body.IDs)
			if err != nil {
				return err
			}
			resp.Fragile = nonNilSlice(fragile)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit",
		Method:      http.MethodPost,
		Path:        "/commitment",
		Summary:     "Freeze the commitment for the window",
		Errors:      []int{http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body IDsRequest
	}) (*output[CommitmentResponse], error) {
		var resp *CommitmentResponse
		err := s.mutate(ctx, func(sess *app.Session) error {
			set, err := sess.Engine.Commit(input.Body.IDs)
			if err != nil {
				return err
			}
			resp = commitmentResponse(set)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(*resp), nil
	})
}

func (s *Server) registerAdvance(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "advance",
		Method:      http.MethodPost,
		Path:        "/advance",
		Summary:     "End the day and apply the next day's script",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*output[AdvanceResponse], error) {
		var resp AdvanceResponse
		err := s.mutate(ctx, func(sess *app.Session) error {
			res, applied, err := sess.Director.Advance(sess.Engine)
			if err != nil {
				return err
			}
			resp = advanceResponse(res, applied, sess.Engine)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})
}

func (s *Server) registerMetrics(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "PPC, morale and flow history",
	}, func(ctx context.Context, _ *struct{}) (*output[MetricsResponse], error) {
		var resp MetricsResponse
		s.view(func(sess *app.Session) error {
			resp = metricsResponse(sess.Engine)
			return nil
		})
		return reply(resp), nil
	})
}

func (s *Server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log of the current session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		ItemID string `query:"item_id"`
		Day    int    `query:"day"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		var sessionID string
		s.view(func(sess *app.Session) error {
			sessionID = sess.ID
			return nil
		})
		items, err := s.repo.EventsAfter(ctx, cursor, repo.EventFilters{
			SessionID: sessionID,
			Type:      input.Type,
			ItemID:    input.ItemID,
			Day:       input.Day,
			Limit:     limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func (s *Server) registerConfig(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Chapters and catalog of the loaded configuration",
	}, func(ctx context.Context, _ *struct{}) (*output[ConfigResponse], error) {
		return reply(configResponse(s.cfg)), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
