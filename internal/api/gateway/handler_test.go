package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
	"github.com/psiphi75/SwirlVPN/internal/service"
)

type stubAdmission struct {
	err error
}

func (s *stubAdmission) CheckConnect(context.Context, uuid.UUID, string, model.ActiveSession) error {
	return s.err
}

type stubSessions struct {
	closed []int64
	finals []*repository.ByteCounters
}

func (s *stubSessions) CloseSession(_ context.Context, _ uuid.UUID, connectedUnix int64, _ string, final *repository.ByteCounters) error {
	s.closed = append(s.closed, connectedUnix)
	s.finals = append(s.finals, final)
	return nil
}

func (s *stubSessions) ReapStaleSessions(context.Context) (int, error) { return 0, nil }

type stubReconcile struct {
	evict []uuid.UUID
}

func (s *stubReconcile) ProcessReport(context.Context, model.UsageReport) (*model.EvictionList, error) {
	return &model.EvictionList{Evict: s.evict}, nil
}

func newTestRouter(admission service.AdmissionService, sessions service.SessionService, reconcile service.ReconcileService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(admission, sessions, reconcile, nil).Register(router)
	return router
}

func postJSON(router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestConnect_StatusCodeIsTheContract(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	body := map[string]any{
		"userId":            userID.String(),
		"connectionKey":     "key",
		"dateConnectedUnix": time.Now().Unix(),
		"assignedIP":        "10.8.0.6",
	}

	router := newTestRouter(&stubAdmission{}, &stubSessions{}, &stubReconcile{})
	if w := postJSON(router, "/gateway/connect", body); w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Fatalf("approve: status=%d body=%q, want bare 200", w.Code, w.Body.String())
	}

	router = newTestRouter(&stubAdmission{err: service.ErrBalanceExhausted}, &stubSessions{}, &stubReconcile{})
	if w := postJSON(router, "/gateway/connect", body); w.Code != http.StatusUnauthorized || w.Body.Len() != 0 {
		t.Fatalf("deny: status=%d body=%q, want bare 401", w.Code, w.Body.String())
	}
}

func TestConnect_MalformedRequestDenies(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&stubAdmission{}, &stubSessions{}, &stubReconcile{})
	w := postJSON(router, "/gateway/connect", map[string]any{"userId": "not-a-uuid"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestDisconnect_AlwaysAcksAndCloses(t *testing.T) {
	t.Parallel()

	sessions := &stubSessions{}
	router := newTestRouter(&stubAdmission{}, sessions, &stubReconcile{})

	w := postJSON(router, "/gateway/disconnect", map[string]any{
		"userId":            uuid.New().String(),
		"dateConnectedUnix": int64(1700000000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(sessions.closed) != 1 || sessions.closed[0] != 1700000000 {
		t.Fatalf("closed = %v, want [1700000000]", sessions.closed)
	}
}

func TestDisconnect_PassesFinalCounters(t *testing.T) {
	t.Parallel()

	sessions := &stubSessions{}
	router := newTestRouter(&stubAdmission{}, sessions, &stubReconcile{})

	w := postJSON(router, "/gateway/disconnect", map[string]any{
		"userId":            uuid.New().String(),
		"dateConnectedUnix": int64(1700000000),
		"bytesToClient":     int64(5000),
		"bytesFromClient":   int64(2500),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(sessions.finals) != 1 || sessions.finals[0] == nil {
		t.Fatal("final counters never reached the session close")
	}
	final := sessions.finals[0]
	if final.BytesToClient != 5000 || final.BytesFromClient != 2500 {
		t.Fatalf("final counters = %d/%d, want 5000/2500", final.BytesToClient, final.BytesFromClient)
	}
}

func TestStats_ReturnsEvictionList(t *testing.T) {
	t.Parallel()

	evicted := uuid.New()
	router := newTestRouter(&stubAdmission{}, &stubSessions{}, &stubReconcile{evict: []uuid.UUID{evicted}})

	w := postJSON(router, "/gateway/stats", model.UsageReport{
		ServerHostname: "gw-1",
		Sessions:       []model.SessionStat{},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var list model.EvictionList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode eviction list: %v", err)
	}
	if len(list.Evict) != 1 || list.Evict[0] != evicted {
		t.Fatalf("evict = %v, want [%s]", list.Evict, evicted)
	}
}
