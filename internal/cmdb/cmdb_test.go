package cmdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/cc/list_hosts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"result":true,"code":0,"data":{"info":[
			{"bk_host_id":42,"bk_host_innerip":"10.0.1.5","bk_cloud_id":0,"bk_biz_id":2,"os_type":"linux","cpu_arch":"x86_64"}
		]}}`)
	}))
	defer srv.Close()

	c := NewClientForTesting(srv.URL, nil)
	hosts, err := c.ListHosts(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("list hosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].BkHostID != 42 || hosts[0].InnerIP != "10.0.1.5" {
		t.Fatalf("hosts = %+v", hosts)
	}
}

func TestClientRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"result":true,"code":0,"data":["biz","set","module","host"]}`)
	}))
	defer srv.Close()

	c := NewClientForTesting(srv.URL, nil)
	order, err := c.TopoOrder(context.Background())
	if err != nil {
		t.Fatalf("topo order after retries: %v", err)
	}
	if len(order) != 4 || order[0] != "biz" || order[3] != "host" {
		t.Fatalf("order = %v", order)
	}
	if calls.Load() != 3 {
		t.Fatalf("made %d calls, want 3", calls.Load())
	}
}

func TestClientGivesUpAfterCap(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClientForTesting(srv.URL, nil)
	_, err := c.ListTopoHosts(context.Background(), TopoNode{BkObjID: "set", BkInstID: 5})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if calls.Load() != maxAttempts {
		t.Fatalf("made %d calls, want %d", calls.Load(), maxAttempts)
	}
}

func TestClientDoesNotRetryApplicationErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"result":false,"code":1199048,"message":"biz not found"}`)
	}))
	defer srv.Close()

	c := NewClientForTesting(srv.URL, nil)
	_, err := c.ListHosts(context.Background(), 999, nil)
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want a terminal application error", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("made %d calls, want 1", calls.Load())
	}
}

type countingReader struct {
	topoCalls  atomic.Int64
	hostCalls  atomic.Int64
	orderCalls atomic.Int64
}

func (r *countingReader) ListHosts(_ context.Context, bizID int64, _ []int64) ([]HostInfo, error) {
	r.hostCalls.Add(1)
	return []HostInfo{{BkHostID: 1, BizID: bizID}}, nil
}

func (r *countingReader) ListTopoHosts(_ context.Context, node TopoNode) ([]HostInfo, error) {
	r.topoCalls.Add(1)
	return []HostInfo{{BkHostID: node.BkInstID}}, nil
}

func (r *countingReader) ListServiceInstances(context.Context, TopoNode) ([]ServiceInstance, error) {
	return nil, nil
}

func (r *countingReader) TopoOrder(context.Context) ([]string, error) {
	r.orderCalls.Add(1)
	return []string{"biz", "set", "module", "host"}, nil
}

func TestCachedReaderServesWithinTTL(t *testing.T) {
	inner := &countingReader{}
	c := NewCachedReader(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.ListTopoHosts(ctx, TopoNode{BkObjID: "set", BkInstID: 5}); err != nil {
			t.Fatalf("topo hosts: %v", err)
		}
		if _, err := c.TopoOrder(ctx); err != nil {
			t.Fatalf("topo order: %v", err)
		}
	}
	if inner.topoCalls.Load() != 1 || inner.orderCalls.Load() != 1 {
		t.Fatalf("inner calls = %d,%d, want 1,1", inner.topoCalls.Load(), inner.orderCalls.Load())
	}

	// A different node misses the cache.
	if _, err := c.ListTopoHosts(ctx, TopoNode{BkObjID: "module", BkInstID: 9}); err != nil {
		t.Fatalf("second node: %v", err)
	}
	if inner.topoCalls.Load() != 2 {
		t.Fatalf("inner topo calls = %d, want 2", inner.topoCalls.Load())
	}
}

func TestCachedReaderExpiresAndInvalidates(t *testing.T) {
	inner := &countingReader{}
	c := NewCachedReader(inner, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.ListHosts(ctx, 2, nil); err != nil {
		t.Fatalf("list hosts: %v", err)
	}
	if _, err := c.ListHosts(ctx, 2, nil); err != nil {
		t.Fatalf("cached list hosts: %v", err)
	}
	if inner.hostCalls.Load() != 1 {
		t.Fatalf("inner host calls = %d, want 1", inner.hostCalls.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.ListHosts(ctx, 2, nil); err != nil {
		t.Fatalf("expired list hosts: %v", err)
	}
	if inner.hostCalls.Load() != 2 {
		t.Fatalf("inner host calls after expiry = %d, want 2", inner.hostCalls.Load())
	}

	c.Invalidate()
	if _, err := c.ListHosts(ctx, 2, nil); err != nil {
		t.Fatalf("post-invalidate list hosts: %v", err)
	}
	if inner.hostCalls.Load() != 3 {
		t.Fatalf("inner host calls after invalidate = %d, want 3", inner.hostCalls.Load())
	}

	// Narrowed lookups always pass through.
	if _, err := c.ListHosts(ctx, 2, []int64{1}); err != nil {
		t.Fatalf("narrowed list hosts: %v", err)
	}
	if inner.hostCalls.Load() != 4 {
		t.Fatalf("narrowed lookup hit the cache")
	}
}
