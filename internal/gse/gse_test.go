package gse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/nodepilot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobClientSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/job/fast_execute_script":
			fmt.Fprint(w, `{"result":true,"code":0,"data":{"job_instance_id":900123}}`)
		case "/api/job/get_job_instance_status":
			fmt.Fprint(w, `{"result":true,"code":0,"data":{"finished":true,"success":true}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewJobClient(config.ServiceConfig{BaseURL: srv.URL, TimeoutSeconds: 5}, testLogger(), nil)
	id, err := c.FastExecuteScript(context.Background(), ScriptRequest{
		Hosts:      []HostRef{{BkHostID: 42, InnerIP: "10.0.1.5"}},
		ScriptType: "shell",
	})
	if err != nil {
		t.Fatalf("execute script: %v", err)
	}
	if id != 900123 {
		t.Fatalf("job instance id = %d", id)
	}

	st, err := c.GetJobInstanceStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !st.Finished || !st.Success {
		t.Fatalf("status = %+v", st)
	}
}

func TestAgentClientStateMaps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/gse/list_agent_state":
			fmt.Fprint(w, `{"result":true,"code":0,"data":{"42":{"alive":true,"version":"2.1.6"}}}`)
		case "/api/gse/list_proc_state":
			fmt.Fprint(w, `{"result":true,"code":0,"data":{"42":{"status":"RUNNING","version":"1.10.32","is_auto":true}}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewAgentClient(config.ServiceConfig{BaseURL: srv.URL, TimeoutSeconds: 5}, testLogger(), nil)
	hosts := []HostRef{{BkHostID: 42}}

	agents, err := c.ListAgentState(context.Background(), hosts)
	if err != nil {
		t.Fatalf("agent state: %v", err)
	}
	if st, ok := agents[42]; !ok || !st.Alive || st.Version != "2.1.6" {
		t.Fatalf("agents = %+v", agents)
	}

	procs, err := c.ListProcState(context.Background(), hosts, "processbeat")
	if err != nil {
		t.Fatalf("proc state: %v", err)
	}
	if st, ok := procs[42]; !ok || st.Status != "RUNNING" {
		t.Fatalf("procs = %+v", procs)
	}
}

func TestRegistryClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":false,"code":3800001,"message":"package not found"}`)
	}))
	defer srv.Close()

	c := NewRegistryClient(config.ServiceConfig{BaseURL: srv.URL, TimeoutSeconds: 5}, testLogger(), nil)
	_, err := c.GetPackage(context.Background(), "nosuchplugin", "linux", "x86_64")
	if err == nil {
		t.Fatal("want error for result=false")
	}
}
