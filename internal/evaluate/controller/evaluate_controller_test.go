package controller_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"protoeval/internal/common/http/middleware"
	"protoeval/internal/evaluate/controller"
	"protoeval/internal/evaluate/environment"
	"protoeval/internal/evaluate/model"
	"protoeval/internal/evaluate/repository"
	"protoeval/internal/evaluate/service"
	appErr "protoeval/pkg/errors"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
	TraceID string           `json:"trace_id"`
}

func newRouter(t *testing.T) (*gin.Engine, *repository.JobStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := repository.NewJobStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	svc, err := service.NewEvaluateService(service.Config{
		Store:   store,
		Catalog: environment.NewDefaultRegistry(),
		Version: "0.1.0",
	})
	if err != nil {
		t.Fatalf("create service failed: %v", err)
	}
	ctrl := controller.NewEvaluateController(svc)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware())
	router.GET("/info", ctrl.Info)
	router.GET("/healthz", ctrl.Healthz)
	router.POST("/evaluate", ctrl.Evaluate)
	router.GET("/jobs/:id/status", ctrl.GetStatus)
	router.GET("/jobs/:id/result", ctrl.GetResult)
	return router, store
}

func do(t *testing.T, router *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response failed: %v body=%s", err, rec.Body.String())
	}
	return rec, env
}

type part struct {
	field, name, body string
}

func multipartRequest(t *testing.T, fields map[string]string, files []part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	for _, f := range files {
		fw, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("create form file failed: %v", err)
		}
		_, _ = fw.Write([]byte(f.body))
	}
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/evaluate", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestInfoEndpoint(t *testing.T) {
	router, _ := newRouter(t)
	rec, env := do(t, router, httptest.NewRequest(http.MethodGet, "/info", nil))
	if rec.Code != http.StatusOK || env.Code != appErr.Success || env.TraceID == "" {
		t.Fatalf("unexpected response %d %+v", rec.Code, env)
	}
	var info service.InfoView
	_ = json.Unmarshal(env.Data, &info)
	if info.Version != "0.1.0" || len(info.SupportedRobotVersions) != 8 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestEvaluateThenQuery(t *testing.T) {
	router, store := newRouter(t)
	req := multipartRequest(t,
		map[string]string{"robot_version": "8.7.0", "rtp": `{"volume":100}`},
		[]part{
			{field: "protocol_file", name: "protocol.py", body: "def run(protocol):\n    pass\n"},
			{field: "labware_files", name: "a.json", body: "{}"},
			{field: "labware_files", name: "b.json", body: "{}"},
		})
	rec, env := do(t, router, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, env.Message)
	}
	var out service.SubmitOutput
	_ = json.Unmarshal(env.Data, &out)
	if out.JobID == "" || len(out.LabwareFiles) != 2 || out.CSVFile != nil || string(out.RTP) != `{"volume":100}` {
		t.Fatalf("unexpected submit output %+v", out)
	}

	rec, env = do(t, router, httptest.NewRequest(http.MethodGet, "/jobs/"+out.JobID+"/status", nil))
	var status service.StatusView
	_ = json.Unmarshal(env.Data, &status)
	if rec.Code != http.StatusOK || status.Status != model.JobPending {
		t.Fatalf("unexpected status response %d %+v", rec.Code, status)
	}

	rec, env = do(t, router, httptest.NewRequest(http.MethodGet, "/jobs/"+out.JobID+"/result", nil))
	if rec.Code != http.StatusBadRequest || env.Code != appErr.JobResultNotReady {
		t.Fatalf("expected not ready, got %d %+v", rec.Code, env)
	}

	_ = store.WriteStatus(out.JobID, model.JobFailed, "Error processing job: boom")
	rec, env = do(t, router, httptest.NewRequest(http.MethodGet, "/jobs/"+out.JobID+"/result?result_type=simulation", nil))
	var result service.ResultView
	_ = json.Unmarshal(env.Data, &result)
	if rec.Code != http.StatusOK || result.Error == nil || result.ResultType != model.ResultSimulation {
		t.Fatalf("unexpected failed result %d %+v", rec.Code, result)
	}
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	router, _ := newRouter(t)

	cases := []struct {
		name   string
		req    *http.Request
		status int
		code   appErr.ErrorCode
	}{
		{
			name:   "missing version",
			req:    multipartRequest(t, nil, []part{{field: "protocol_file", name: "p.py", body: ""}}),
			status: http.StatusBadRequest,
			code:   appErr.RequiredFieldEmpty,
		},
		{
			name:   "missing protocol",
			req:    multipartRequest(t, map[string]string{"robot_version": "8.7.0"}, nil),
			status: http.StatusBadRequest,
			code:   appErr.RequiredFieldEmpty,
		},
		{
			name:   "unsupported version",
			req:    multipartRequest(t, map[string]string{"robot_version": "1.0.0"}, []part{{field: "protocol_file", name: "p.py", body: ""}}),
			status: http.StatusBadRequest,
			code:   appErr.UnsupportedVersion,
		},
		{
			name: "bad csv extension",
			req: multipartRequest(t, map[string]string{"robot_version": "next"}, []part{
				{field: "protocol_file", name: "p.py", body: ""},
				{field: "csv_file", name: "data.xls", body: ""},
			}),
			status: http.StatusBadRequest,
			code:   appErr.InvalidUpload,
		},
		{
			name:   "not multipart",
			req:    httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("{}")),
			status: http.StatusBadRequest,
			code:   appErr.InvalidParams,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := do(t, router, tc.req)
			if rec.Code != tc.status || env.Code != tc.code {
				t.Fatalf("expected %d/%d, got %d/%d (%s)", tc.status, tc.code, rec.Code, env.Code, env.Message)
			}
		})
	}
}

func TestUnknownJobAndResultType(t *testing.T) {
	router, store := newRouter(t)
	rec, env := do(t, router, httptest.NewRequest(http.MethodGet, "/jobs/nope/status", nil))
	if rec.Code != http.StatusNotFound || env.Code != appErr.JobNotFound {
		t.Fatalf("expected 404, got %d %+v", rec.Code, env)
	}

	jobID, _ := store.CreateJob()
	rec, _ = do(t, router, httptest.NewRequest(http.MethodGet, "/jobs/"+jobID+"/result?result_type=logs", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown result type, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := newRouter(t)
	rec, _ := do(t, router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}
