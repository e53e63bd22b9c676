package restexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/archlab/labrunner/client"
	"github.com/archlab/labrunner/envexec"
	"github.com/archlab/labrunner/labspec"
	"github.com/archlab/labrunner/option"
	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/submission"
	"github.com/archlab/labrunner/worker"
)

// mockWorker is a mock implementation of the worker.Worker interface
type mockWorker struct {
	// The error to send back when Submit is called
	Err error
	// The last request received
	Req *worker.Request
	worker.Worker
}

func (m *mockWorker) Submit(_ context.Context, req *worker.Request) <-chan worker.Response {
	m.Req = req
	rtCh := make(chan worker.Response, 1)
	rt := worker.Response{RequestID: req.RequestID, Error: m.Err}
	if m.Err == nil {
		files := map[string]string{labspec.Stdout: "ok", "metrics.csv": "a,b\n1,2\n"}
		rt.Result = result.New(req.Submission, files, envexec.StatusSuccess)
	}
	rtCh <- rt
	return rtCh
}

func newSubmission() *submission.Submission {
	spec := &labspec.LabSpec{
		Repo:         "https://example.com/lab.git",
		ReferenceTag: "v1",
		OutputFiles:  []string{labspec.Stdout, "metrics.csv"},
		RunCmd:       []string{"make"},
		TimeLimit:    1,
		FiguresOfMerit: []labspec.FigureOfMerit{
			{File: "metrics.csv", Field: "b", Name: "B"},
		},
	}
	return submission.New(spec, nil, nil, map[string]string{"OPT": "fast"})
}

func newRouter(t *testing.T, w worker.Worker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewJobHandle(w, true, 1<<20, zaptest.NewLogger(t)).Register(router)
	return router
}

func TestHandleRunJobForm(t *testing.T) {
	mw := &mockWorker{}
	router := newRouter(t, mw)

	payload, err := newSubmission().JSON()
	if err != nil {
		t.Fatal(err)
	}
	form := url.Values{client.PayloadField: {string(payload)}}
	req := httptest.NewRequest(http.MethodPost, client.RunJobPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	res, err := result.FromJSON(recorder.Body.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if res.Status != envexec.StatusSuccess {
		t.Errorf("status = %v", res.Status)
	}
	if f, ok := res.Figure("B"); !ok || f.Value == nil || *f.Value != 2 {
		t.Errorf("figure = %+v", f)
	}
	if !mw.Req.Options.Pristine || mw.Req.Options.AllowEscalation || !mw.Req.Options.ApplyHardware {
		t.Errorf("options = %+v", mw.Req.Options)
	}
	if mw.Req.Submission.Options["OPT"] != "fast" {
		t.Errorf("submission = %+v", mw.Req.Submission)
	}
}

func TestHandleRunJobJSON(t *testing.T) {
	router := newRouter(t, &mockWorker{})

	payload, _ := json.Marshal(newSubmission())
	req := httptest.NewRequest(http.MethodPost, client.RunJobPath, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
}

func TestHandleRunJobBadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		ct   string
		err  error
	}{
		{"no payload", "", "application/x-www-form-urlencoded", nil},
		{"bad json", "{", "application/json", nil},
		{"no spec", "{}", "application/json", nil},
		{"invalid option", "", "", &option.InvalidOptionError{Key: "OPT", Value: "turbo"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(t, &mockWorker{Err: tc.err})
			body, ct := tc.body, tc.ct
			if tc.err != nil {
				b, _ := newSubmission().JSON()
				body, ct = string(b), "application/json"
			}
			req := httptest.NewRequest(http.MethodPost, client.RunJobPath, strings.NewReader(body))
			req.Header.Set("Content-Type", ct)
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, req)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("Expected status %d, got %d", http.StatusBadRequest, recorder.Code)
			}
		})
	}
}

func TestHandleRunJobShutdown(t *testing.T) {
	router := newRouter(t, &mockWorker{Err: worker.ErrShutdown})
	b, _ := newSubmission().JSON()
	req := httptest.NewRequest(http.MethodPost, client.RunJobPath, strings.NewReader(string(b)))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status %d, got %d", http.StatusServiceUnavailable, recorder.Code)
	}
}
