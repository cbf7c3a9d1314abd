package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/observability"
	"github.com/robot-viewer/backend/internal/session"
	"github.com/robot-viewer/backend/internal/testutil"
	"github.com/robot-viewer/backend/internal/upload"
)

const armURDF = `<?xml version="1.0"?>
<robot name="arm">
  <link name="base"/>
  <link name="arm"/>
  <joint name="j1" type="revolute">
    <parent link="base"/>
    <child link="arm"/>
    <axis xyz="0 0 1"/>
    <limit lower="-1" upper="1" effort="50"/>
  </joint>
</robot>
`

type testServer struct {
	e       *echo.Echo
	store   *testutil.MockStorage
	loads   *session.Manager
	metrics *observability.Collector
}

func newTestServer(t *testing.T, files session.FileSource) *testServer {
	t.Helper()
	store := testutil.NewMockStorage()
	if files == nil {
		files = store
	}
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	loads := session.NewManager(session.Options{Files: files, Metrics: metrics})
	deps := &Dependencies{
		Store:   store,
		Loads:   loads,
		Uploads: upload.NewManager(store, nil),
		Metrics: metrics,
		Version: "test",
	}
	e := echo.New()
	SetupMiddleware(e, deps)
	RegisterRoutes(e, NewHandlers(deps))
	return &testServer{e: e, store: store, loads: loads, metrics: metrics}
}

func (s *testServer) do(method, target string, body interface{}) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

// startLoad starts a load over HTTP and waits for it to finish.
func (s *testServer) startLoad(t *testing.T, body interface{}) models.LoadSession {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/loads", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var load models.LoadSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &load))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = s.do(http.MethodGet, "/api/loads/"+load.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &load))
		if load.Status == models.LoadStatusComplete || load.Status == models.LoadStatusError {
			return load
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("load %s did not finish", load.ID)
	return load
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}
