package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/handler"
	"goalpath/internal/planner/plannertest"
	"goalpath/internal/progression"
	"goalpath/internal/recurrence"
	"goalpath/internal/repository/memstore"
	"goalpath/internal/roadmap"
	"goalpath/internal/service"
	"goalpath/pkg/rbac"
	"goalpath/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "test-secret"

type inlineLauncher struct{ p *roadmap.Pipeline }

func (l inlineLauncher) Launch(ctx context.Context, h *roadmap.Handle) error {
	return l.p.Run(ctx, h.GoalID, h.RunID)
}

func newTestRouter(t *testing.T, checks map[string]ReadinessCheck) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	store := memstore.New().Store()
	sink := &events.Recorder{}
	pipeline := roadmap.NewPipeline(store, plannertest.New(2, 2), sink,
		roadmap.Config{StageRetries: 1, InitialBackoff: time.Millisecond, OverallTimeout: time.Minute}, log)
	engine := progression.NewEngine(store, pipeline, sink, progression.Config{ConflictRetries: 3}, log)
	svc := service.New(store, pipeline, inlineLauncher{pipeline}, engine, nil, log)
	mat := recurrence.NewMaterializer(store, sink, recurrence.Config{Concurrency: 2}, log)

	return NewRouter(Handlers{
		Goals: handler.NewGoalHandler(svc, log),
		Tasks: handler.NewTaskHandler(svc, log),
		Rules: handler.NewRuleHandler(svc, log),
		Ops:   handler.NewOpsHandler(mat, pipeline, time.UTC, log),
	}, secret, log, checks)
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := util.GenerateJWT(userID, role, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, r http.Handler, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthAndReadiness(t *testing.T) {
	r := newTestRouter(t, map[string]ReadinessCheck{
		"db": func(context.Context) error { return errors.New("connection refused") },
	})

	w := do(t, r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	w = do(t, r, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db_not_ready")
}

func TestAuthRequired(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodGet, "/api/v1/goals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/goals", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := util.GenerateJWT("u1", "", "other-secret", time.Hour)
	require.NoError(t, err)
	w = do(t, r, http.MethodGet, "/api/v1/goals", other, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGoalAndTaskFlow(t *testing.T) {
	r := newTestRouter(t, nil)
	tok := token(t, "u1", rbac.RoleUser)

	w := do(t, r, http.MethodPost, "/api/v1/goals", tok, map[string]any{
		"title":        "Run a 10k",
		"target_date":  "2026-03-01",
		"with_roadmap": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Goal struct {
			ID            string `json:"goal_id"`
			RoadmapStatus string `json:"roadmap_status"`
		} `json:"goal"`
	}
	decode(t, w, &created)
	assert.Equal(t, "ready", created.Goal.RoadmapStatus)

	w = do(t, r, http.MethodGet, "/api/v1/goals/"+created.Goal.ID+"/milestones", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ms struct {
		Milestones []struct {
			ID     string `json:"milestone_id"`
			Status string `json:"status"`
		} `json:"milestones"`
	}
	decode(t, w, &ms)
	require.Len(t, ms.Milestones, 2)
	assert.Equal(t, "active", ms.Milestones[0].Status)

	w = do(t, r, http.MethodGet, "/api/v1/goals/"+created.Goal.ID+"/milestones", token(t, "u2", ""), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/tasks?milestone_id="+ms.Milestones[0].ID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks struct {
		Tasks []struct {
			ID string `json:"task_id"`
		} `json:"tasks"`
	}
	decode(t, w, &tasks)
	require.Len(t, tasks.Tasks, 2)

	w = do(t, r, http.MethodPatch, "/api/v1/tasks/"+tasks.Tasks[0].ID, tok, map[string]string{"status": "done"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var last struct {
		Task struct {
			Status string `json:"status"`
		} `json:"task"`
		Progression struct {
			Cascaded bool `json:"cascaded"`
			Partial  bool `json:"partial"`
		} `json:"progression"`
	}
	for _, task := range tasks.Tasks {
		w = do(t, r, http.MethodPatch, "/api/v1/tasks/"+task.ID, tok, map[string]string{"status": "completed"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	decode(t, w, &last)
	assert.Equal(t, "completed", last.Task.Status)
	assert.True(t, last.Progression.Cascaded)
	assert.False(t, last.Progression.Partial)

	w = do(t, r, http.MethodPost, "/api/v1/tasks", tok, map[string]any{
		"title":        "Locked",
		"milestone_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/tasks", tok, map[string]any{"title": "Stretch", "due_date": "tomorrow"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodDelete, "/api/v1/tasks/"+tasks.Tasks[0].ID, tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecurrenceRuleRoutes(t *testing.T) {
	r := newTestRouter(t, nil)
	tok := token(t, "u1", "")

	w := do(t, r, http.MethodPost, "/api/v1/recurrence-rules", tok, map[string]any{
		"title":       "Weekly review",
		"pattern":     "weekly friday",
		"anchor_date": "2025-10-01",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Rule struct {
			ID string `json:"recurrence_rule_id"`
		} `json:"recurrence_rule"`
	}
	decode(t, w, &created)

	w = do(t, r, http.MethodPost, "/api/v1/recurrence-rules", tok, map[string]any{"title": "x", "pattern": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/recurrence-rules/"+created.Rule.ID+"/pause", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_active":false`)

	w = do(t, r, http.MethodGet, "/api/v1/recurrence-rules", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOpsRequireAdmin(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/api/v1/ops/materialize?date=2025-10-15", token(t, "u1", rbac.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/ops/materialize?date=2025-10-15", token(t, "ops", rbac.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rules_scanned":0`)

	w = do(t, r, http.MethodPost, "/api/v1/ops/milestones/missing/tasks", token(t, "ops", rbac.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
