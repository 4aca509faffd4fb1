package lwan

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/xtaci/lwan/httpadapter"
)

func echoPipeline() ProcessRequestFunc {
	mux := httpadapter.NewMux()
	mux.Handle("/ping", func(resp *httpadapter.Response, req *httpadapter.Request) {
		resp.Write([]byte("pong"))
	})
	return mux.ProcessRequest
}

// TestPoolServesOneRequest exercises the full stack end to end: a pool of
// two workers accepting a real TCP connection via AddClient, a client
// writing an HTTP/1.1 request over that connection, and the reply coming
// back through the worker's coroutine/reactor machinery.
func TestPoolServesOneRequest(t *testing.T) {
	pool, err := NewPool(Config{
		WorkerCount: 2,
		// Sized past any fd number this test process is likely to have
		// open, the way a real deployment sizes it to the fd ulimit.
		MaxConns:         4096,
		KeepAliveTimeout: 2 * time.Second,
		ReadBufferSize:   4096,
	}, echoPipeline())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		accepted <- pool.AddClient(conn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := <-accepted; err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	if _, err := client.Write([]byte("GET /ping HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(client)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("status line = %q", status)
	}
}

func TestPoolAddClientRejectsNonSyscallConn(t *testing.T) {
	pool, err := NewPool(Config{WorkerCount: 1, MaxConns: 16}, echoPipeline())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	c1, c2 := net.Pipe()
	defer c2.Close()
	if err := pool.AddClient(c1); err == nil {
		t.Fatal("expected an error for a net.Conn with no underlying fd")
	}
}
