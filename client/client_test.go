package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/archlab/labrunner/envexec"
	"github.com/archlab/labrunner/labspec"
	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/submission"
)

func TestClientRun(t *testing.T) {
	spec := &labspec.LabSpec{
		LabName:      "lab",
		Repo:         "https://example.com/lab.git",
		ReferenceTag: "v1",
		InputFiles:   []string{"main.c"},
		OutputFiles:  []string{labspec.Stdout, "metrics.csv"},
		RunCmd:       []string{"make"},
		TimeLimit:    10,
		FiguresOfMerit: []labspec.FigureOfMerit{
			{File: "metrics.csv", Field: "b", Name: "B"},
		},
	}
	sub := submission.New(spec, map[string]string{"main.c": "int main(){}"}, labspec.Overlay{"SEED": "1"}, map[string]string{"OPT": "fast"})

	var got *submission.Submission
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != RunJobPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if h := r.Header.Get("Authorization"); h != "Bearer secret" {
			t.Errorf("authorization = %q", h)
		}
		var err error
		got, err = submission.FromJSON([]byte(r.FormValue(PayloadField)))
		if err != nil {
			t.Errorf("payload: %v", err)
		}
		res := result.New(got, map[string]string{"metrics.csv": "a,b\n1,2\n", labspec.Stdout: "ok"}, envexec.StatusSuccess)
		json.NewEncoder(w).Encode(res)
	}))
	defer ts.Close()

	c := &Client{Host: ts.URL + "/", Token: "secret", HTTPClient: ts.Client(), Logger: zaptest.NewLogger(t)}
	res, err := c.Run(context.Background(), sub)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(got, sub) {
		t.Errorf("submission round trip:\n got %+v\nwant %+v", got, sub)
	}
	if res.Status != envexec.StatusSuccess || res.Files[labspec.Stdout] != "ok" {
		t.Errorf("result = %+v", res)
	}
	if f, ok := res.Figure("B"); !ok || f.Value == nil || *f.Value != 2 {
		t.Errorf("figure = %+v", f)
	}
}

func TestClientRunHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad option", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := &Client{Host: ts.URL}
	_, err := c.Run(context.Background(), submission.New(nil, nil, nil, nil))
	if err == nil || !strings.Contains(err.Error(), "bad option") {
		t.Fatalf("expected http error, got %v", err)
	}
}

func TestClientRunBadResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":{}}`))
	}))
	defer ts.Close()

	c := &Client{Host: ts.URL}
	if _, err := c.Run(context.Background(), submission.New(nil, nil, nil, nil)); err == nil {
		t.Fatal("expected error for a result without status")
	}
}
