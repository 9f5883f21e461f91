package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/engine/auth"
	"jobline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	CORSOrigins []string
	Logger      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exceeded"`
	Message string         `json:"message" example:"capacity exceeded: item 1f3a allows 1 workers"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] { return &body[T]{Body: v} }

// New returns an HTTP handler exposing the jobline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation is a malformed request, not an unverifiable job
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Api-Key", "X-Actor-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	router.Use(requestLogger(log, cfg.Engine))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(buf))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, buf)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, log))
	router.Handle("/metrics", cfg.Engine.Metrics.Handler())

	hcfg := huma.DefaultConfig("Jobline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.Components.Schemas.RegisterTypeAlias(reflect.TypeOf(decimal.Decimal{}), reflect.TypeOf(""))
	api := humachi.New(router, hcfg)
	// named ApiError so the default error responses can reference it
	hcfg.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerShops(group, cfg.Engine)
	registerDirectory(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerTimers(group, cfg.Engine)
	registerConsumables(group, cfg.Engine)
	registerReview(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(log *zap.Logger, e engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			e.Metrics.RecordHTTP(r.Method, strconv.Itoa(rec.status))
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("took", time.Since(started)),
			)
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

var kindStatus = map[string]int{
	"invalid_request":        http.StatusBadRequest,
	"unauthorized":           http.StatusForbidden,
	"not_found":              http.StatusNotFound,
	"conflict":               http.StatusConflict,
	"duplicate_assignment":   http.StatusConflict,
	"capacity_exceeded":      http.StatusConflict,
	"job_locked":             http.StatusConflict,
	"invalid_state":          http.StatusConflict,
	"illegal_transition":     http.StatusConflict,
	"not_verifiable":         http.StatusUnprocessableEntity,
	"dependency_unavailable": http.StatusServiceUnavailable,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	var details map[string]any
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		details = map[string]any{"permission": fe.Permission}
	}
	return newAPIError(status, kind, err.Error(), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{path.Join(basePath, "health"): true, path.Join(basePath, "auth/dev/login"): true}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Jobline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

type shopPath struct {
	ShopID string `path:"shop_id"`
}

type jobPath struct {
	JobID string `path:"job_id"`
}

type itemPath struct {
	JobID  string `path:"job_id"`
	ItemID string `path:"item_id"`
}

func registerShops(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-shop-config",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/config",
		Summary:     "Shop rates and job card settings",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *shopPath) (*body[ShopConfigResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.WhoAmI(ctx, input.ShopID, actorID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetShopConfig(ctx, input.ShopID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(configResponse(cfg)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "shop-status",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/status",
		Summary:     "Job counts by status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *shopPath) (*body[map[string]any], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.ListJobs(ctx, repo.JobFilters{ShopID: input.ShopID, Limit: 1}, actorID); err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountJobsByStatus(ctx, input.ShopID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(map[string]any{"shop_id": input.ShopID, "job_counts": counts}), nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-employee",
		Method:        http.MethodPost,
		Path:          "/shops/{shop_id}/employees",
		Summary:       "Add or update an employee",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ShopID string          `path:"shop_id"`
		Body   EmployeeRequest `json:"body"`
	}) (*body[domain.Employee], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		emp, err := e.RegisterEmployee(ctx, domain.Employee{
			ID: input.Body.ID, ShopID: input.ShopID, Name: input.Body.Name, Specialization: input.Body.Specialization,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-machine",
		Method:        http.MethodPost,
		Path:          "/shops/{shop_id}/machines",
		Summary:       "Add or update a machine",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ShopID string         `path:"shop_id"`
		Body   MachineRequest `json:"body"`
	}) (*body[domain.Machine], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RegisterMachine(ctx, domain.Machine{
			ID: input.Body.ID, ShopID: input.ShopID, Name: input.Body.Name, Type: input.Body.Type,
			IsAvailable: boolOr(input.Body.IsAvailable, true),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-consumable",
		Method:        http.MethodPost,
		Path:          "/shops/{shop_id}/consumables",
		Summary:       "Add or update a catalog consumable",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ShopID string                 `path:"shop_id"`
		Body   ConsumableEntryRequest `json:"body"`
	}) (*body[domain.ConsumableEntry], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		price, err := parseDecimal("unit_price", input.Body.UnitPrice)
		if err != nil {
			return nil, err
		}
		c, err := e.RegisterConsumable(ctx, domain.ConsumableEntry{
			ID: input.Body.ID, ShopID: input.ShopID, Name: input.Body.Name, UnitPrice: price,
			Available: boolOr(input.Body.Available, true),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/shops/{shop_id}/jobs",
		Summary:       "Open a job card",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ShopID string           `path:"shop_id"`
		Body   CreateJobRequest `json:"body"`
	}) (*body[domain.Job], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "invalid_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateJobOptions{
			ShopID:   input.ShopID,
			Customer: input.Body.Customer.toDomain(),
			ActorID:  actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Notes != nil {
			opts.Notes = *input.Body.Notes
		}
		for _, it := range input.Body.Items {
			in, err := it.toInput()
			if err != nil {
				return nil, err
			}
			opts.Items = append(opts.Items, in)
		}
		job, err := e.CreateJob(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/jobs",
		Summary:     "List jobs, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ShopID string `path:"shop_id"`
		Status string `query:"status" enum:"waiting,pending,in_progress,completed,supervisor_approved,approved,rejected"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*body[paginatedJobs], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListJobs(ctx, repo.JobFilters{
			ShopID:          input.ShopID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJobs{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatTS(last.CreatedAt), last.ID)
			resp.Items = items[:limit]
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job with live durations and costs",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*body[engine.JobView], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.GetJobView(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/verify",
		Summary:     "Release a waiting job to the floor",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *jobPath) (*body[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.VerifyJob(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/jobs/{job_id}/items/{item_id}",
		Summary:     "Change an item's labor estimate",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID  string            `path:"job_id"`
		ItemID string            `path:"item_id"`
		Body   UpdateItemRequest `json:"body"`
	}) (*body[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.UpdateItemEstimateOptions{
			JobID:          input.JobID,
			ItemID:         input.ItemID,
			LaborCategory:  input.Body.LaborCategory,
			WorkersAllowed: input.Body.WorkersAllowed,
			ActorID:        actorID,
		}
		if input.Body.EstimatedManHours != nil {
			hours, err := parseDecimal("estimated_man_hours", *input.Body.EstimatedManHours)
			if err != nil {
				return nil, err
			}
			opts.EstimatedManHours = &hours
		}
		job, err := e.UpdateItemEstimate(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rejections",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/rejections",
		Summary:     "Rejection audit trail",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*body[[]domain.RejectionAudit], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		audits, err := e.ListRejections(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(audits)), nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-worker",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/items/{item_id}/workers",
		Summary:       "Assign a worker to an item",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID  string              `path:"job_id"`
		ItemID string              `path:"item_id"`
		Body   AssignWorkerRequest `json:"body"`
	}) (*body[domain.WorkerAssignment], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AssignWorker(ctx, input.JobID, input.ItemID, input.Body.WorkerID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-worker",
		Method:        http.MethodDelete,
		Path:          "/jobs/{job_id}/items/{item_id}/workers/{worker_id}",
		Summary:       "Remove a worker from an item",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID    string `path:"job_id"`
		ItemID   string `path:"item_id"`
		WorkerID string `path:"worker_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveWorker(ctx, input.JobID, input.ItemID, input.WorkerID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-machine",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/items/{item_id}/machines",
		Summary:       "Assign a machine to an item",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID  string               `path:"job_id"`
		ItemID string               `path:"item_id"`
		Body   AssignMachineRequest `json:"body"`
	}) (*body[domain.MachineAssignment], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AssignMachineOptions{
			JobID:     input.JobID,
			ItemID:    input.ItemID,
			MachineID: input.Body.MachineID,
			ActorID:   actorID,
		}
		if input.Body.EstimatedHours != nil {
			hours, err := parseDecimal("estimated_hours", *input.Body.EstimatedHours)
			if err != nil {
				return nil, err
			}
			opts.EstimatedHours = hours
		}
		a, err := e.AssignMachine(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-machine",
		Method:        http.MethodDelete,
		Path:          "/jobs/{job_id}/items/{item_id}/machines/{machine_id}",
		Summary:       "Remove a machine from an item",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID     string `path:"job_id"`
		ItemID    string `path:"item_id"`
		MachineID string `path:"machine_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveMachine(ctx, input.JobID, input.ItemID, input.MachineID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTimers(api huma.API, e engine.Engine) {
	ops := []struct {
		action string
		run    func(ctx context.Context, jobID, itemID, assignmentID, actorID string) (domain.Timer, error)
	}{
		{"start", e.StartTimer},
		{"pause", e.PauseTimer},
		{"stop", e.StopTimer},
	}
	for _, op := range ops {
		run := op.run
		huma.Register(api, huma.Operation{
			OperationID: op.action + "-timer",
			Method:      http.MethodPost,
			Path:        "/jobs/{job_id}/items/{item_id}/assignments/{assignment_id}/" + op.action,
			Summary:     strings.ToUpper(op.action[:1]) + op.action[1:] + " an assignment timer",
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			JobID        string `path:"job_id"`
			ItemID       string `path:"item_id"`
			AssignmentID string `path:"assignment_id"`
		}) (*body[domain.Timer], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := run(ctx, input.JobID, input.ItemID, input.AssignmentID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(t), nil
		})
	}
}

func registerConsumables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-consumable",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/items/{item_id}/consumables",
		Summary:       "Record consumable usage",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID  string               `path:"job_id"`
		ItemID string               `path:"item_id"`
		Body   AddConsumableRequest `json:"body"`
	}) (*body[domain.ConsumableUsage], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qty, err := parseDecimal("quantity_used", input.Body.Quantity)
		if err != nil {
			return nil, err
		}
		in := engine.ConsumableInput{JobID: input.JobID, ItemID: input.ItemID, Quantity: qty, ActorID: actorID}
		if input.Body.ConsumableID != nil {
			in.ConsumableID = *input.Body.ConsumableID
		}
		if input.Body.Name != nil || input.Body.UnitPrice != nil {
			manual := &engine.ManualConsumable{}
			if input.Body.Name != nil {
				manual.Name = *input.Body.Name
			}
			if input.Body.UnitPrice != nil {
				if manual.UnitPrice, err = parseDecimal("unit_price", *input.Body.UnitPrice); err != nil {
					return nil, err
				}
			}
			in.Manual = manual
		}
		u, err := e.AddConsumableUsage(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-consumable",
		Method:      http.MethodPatch,
		Path:        "/jobs/{job_id}/items/{item_id}/consumables/{consumable_id}",
		Summary:     "Change a consumable quantity",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID        string                  `path:"job_id"`
		ItemID       string                  `path:"item_id"`
		ConsumableID string                  `path:"consumable_id"`
		Body         UpdateConsumableRequest `json:"body"`
	}) (*body[domain.ConsumableUsage], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qty, err := parseDecimal("quantity_used", input.Body.Quantity)
		if err != nil {
			return nil, err
		}
		u, err := e.UpdateConsumableQuantity(ctx, input.JobID, input.ItemID, input.ConsumableID, qty, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "supervisor-approve",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/supervisor-approve",
		Summary:     "Supervisor sign-off of a completed job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *jobPath) (*body[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.SupervisorApprove(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "qa-good",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/items/{item_id}/qa/good",
		Summary:     "Mark an item as passing QA",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *itemPath) (*body[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.QAMarkGood(ctx, input.JobID, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "qa-needs-work",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/items/{item_id}/qa/needs-work",
		Summary:     "Fail an item in QA and reject the job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID  string       `path:"job_id"`
		ItemID string       `path:"item_id"`
		Body   NotesRequest `json:"body"`
	}) (*body[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.QAMarkNeedsWork(ctx, input.JobID, input.ItemID, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/reject",
		Summary:     "Reject a supervisor-approved job",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		JobID string        `path:"job_id"`
		Body  RejectRequest `json:"body"`
	}) (*body[domain.Job], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.RejectJob(ctx, input.JobID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ShopID     string `path:"shop_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"job,item,assignment,shop,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*body[paginatedEvents], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ShopID:     input.ShopID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/shops/{shop_id}/me/permissions",
		Summary:     "Current actor's roles and permissions in a shop",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *shopPath) (*body[WhoAmIResponse], error) {
		principal, _ := principalFromContext(ctx)
		who, err := e.WhoAmI(ctx, input.ShopID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(WhoAmIResponse{
			ShopID:      who.ShopID,
			ActorID:     who.ActorID,
			Roles:       nonNilSlice(who.Roles),
			Permissions: nonNilSlice(who.Permissions),
			Source:      principal.Source,
		}), nil
	})

	for _, grant := range []bool{true, false} {
		grant := grant
		verb := "revoke"
		if grant {
			verb = "grant"
		}
		huma.Register(api, huma.Operation{
			OperationID:   verb + "-role",
			Method:        http.MethodPost,
			Path:          "/shops/{shop_id}/rbac/roles/" + verb,
			Summary:       strings.ToUpper(verb[:1]) + verb[1:] + " role",
			DefaultStatus: http.StatusNoContent,
			Errors:        mutationErrors,
		}, func(ctx context.Context, input *struct {
			ShopID string            `path:"shop_id"`
			Body   RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			change := e.RevokeRole
			if grant {
				change = e.GrantRole
			}
			if err := change(ctx, input.ShopID, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
		}
		return reply(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: []string{},
			Source:      principal.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*body[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
