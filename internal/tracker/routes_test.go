package tracker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/warelink/warelink/internal/testutil/testlog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAdminRouterStats(t *testing.T) {
	testlog.Start(t)
	svc := NewService(Config{ListenAddr: ":0"})
	t.Cleanup(svc.Engine().Close)

	if _, err := svc.Engine().Receive("PKG001", "C1", "O1", nil, "Addr"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := svc.Engine().Store("PKG001", "A1"); err != nil {
		t.Fatalf("store: %v", err)
	}

	router := svc.adminRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("stats status got %d", w.Code)
	}
	var stats struct {
		TotalCount     int            `json:"totalCount"`
		CountsByStatus map[string]int `json:"countsByStatus"`
		Connections    int            `json:"connections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCount != 1 || stats.CountsByStatus["stored"] != 1 {
		t.Fatalf("stats mismatch: %+v", stats)
	}
	if stats.Connections != 0 {
		t.Fatalf("connections got %d", stats.Connections)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/packages?status=stored", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("packages status got %d", w.Code)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/packages?status=bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status got %d", w.Code)
	}
}
