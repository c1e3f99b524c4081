package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestRunStopsWorkersWhileDraining(t *testing.T) {
	entered := make(chan struct{})
	released := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		// 模拟订阅任务事件的长连接，只有后台 worker 停下才会返回
		<-released
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleaned := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, srv, ln, 2*time.Second, func() {
			close(released)
			close(cleaned)
		})
	}()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/events")
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the handler")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, in-flight stream should have drained", err)
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown blocked on a stream that only cleanup can release")
	}

	select {
	case <-cleaned:
	default:
		t.Fatal("cleanup did not run")
	}
}

func TestRunWithoutCleanup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := run(ctx, &http.Server{Handler: http.NotFoundHandler()}, ln, time.Second, nil); err != nil {
		t.Fatalf("run err: %v", err)
	}
}
