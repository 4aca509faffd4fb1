package httpadapter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/xtaci/lwan/internal/connset"
)

func TestProcessRequestBasicGET(t *testing.T) {
	mux := NewMux()
	mux.Handle("/hello", func(resp *Response, req *Request) {
		resp.Header().Set("Content-Type", "text/plain")
		resp.Write([]byte("hi"))
	})

	req := "GET /hello HTTP/1.1\r\nHost: example\r\n\r\n"
	var out bytes.Buffer
	rest, keepAlive, _, err := mux.ProcessRequest(&out, []byte(req), DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %q, want empty", rest)
	}
	if !keepAlive {
		t.Fatal("HTTP/1.1 with no Connection header should keep the connection alive")
	}
	if !strings.Contains(out.String(), "200") || !strings.HasSuffix(out.String(), "hi") {
		t.Fatalf("response = %q", out.String())
	}
}

func TestProcessRequestIncomplete(t *testing.T) {
	mux := NewMux()
	_, _, _, err := mux.ProcessRequest(&bytes.Buffer{}, []byte("GET /hello HTTP/1.1\r\nHost: ex"), DateHeaders{}, 0)
	if err != ErrIncomplete {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
}

func TestProcessRequestPipelining(t *testing.T) {
	mux := NewMux()
	mux.Handle("/a", func(resp *Response, req *Request) { resp.Write([]byte("A")) })
	mux.Handle("/b", func(resp *Response, req *Request) { resp.Write([]byte("B")) })

	buf := []byte("GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n")
	var out bytes.Buffer
	rest, keepAlive, _, err := mux.ProcessRequest(&out, buf, DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if !keepAlive {
		t.Fatal("want keep-alive")
	}
	if string(rest) != "GET /b HTTP/1.1\r\n\r\n" {
		t.Fatalf("rest = %q", rest)
	}

	out.Reset()
	rest, _, _, err = mux.ProcessRequest(&out, rest, DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest after last pipelined request = %q, want empty", rest)
	}
	if !strings.HasSuffix(out.String(), "B") {
		t.Fatalf("response = %q", out.String())
	}
}

func TestProcessRequestConnectionClose(t *testing.T) {
	mux := NewMux()
	mux.Handle("/x", func(resp *Response, req *Request) {})

	buf := []byte("GET /x HTTP/1.1\r\nConnection: close\r\n\r\n")
	var out bytes.Buffer
	_, keepAlive, _, err := mux.ProcessRequest(&out, buf, DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if keepAlive {
		t.Fatal("Connection: close should not keep the connection alive")
	}
}

func TestProcessRequestHTTP10Defaults(t *testing.T) {
	mux := NewMux()
	mux.Handle("/y", func(resp *Response, req *Request) {})

	buf := []byte("GET /y HTTP/1.0\r\n\r\n")
	var out bytes.Buffer
	_, keepAlive, _, err := mux.ProcessRequest(&out, buf, DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if keepAlive {
		t.Fatal("HTTP/1.0 with no Connection header should default to close")
	}
}

func TestProcessRequestNotFound(t *testing.T) {
	mux := NewMux()
	var out bytes.Buffer
	_, _, _, err := mux.ProcessRequest(&out, []byte("GET /missing HTTP/1.1\r\n\r\n"), DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if !strings.Contains(out.String(), "404") {
		t.Fatalf("response = %q, want 404", out.String())
	}
}

func TestProcessRequestDateHeaderFromCache(t *testing.T) {
	mux := NewMux()
	mux.Handle("/z", func(resp *Response, req *Request) { resp.Write([]byte("z")) })

	buf := []byte("GET /z HTTP/1.1\r\n\r\n")
	var out bytes.Buffer
	_, _, _, err := mux.ProcessRequest(&out, buf, DateHeaders{Date: "Fri, 01 Jan 2027 00:00:00 GMT", Expires: "Fri, 01 Jan 2027 00:01:00 GMT"}, 0)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if !strings.Contains(out.String(), "Date: Fri, 01 Jan 2027 00:00:00 GMT\r\n") {
		t.Fatalf("response missing Date header from cache: %q", out.String())
	}
	if !strings.Contains(out.String(), "Expires: Fri, 01 Jan 2027 00:01:00 GMT\r\n") {
		t.Fatalf("response missing Expires header from cache: %q", out.String())
	}
}

func TestProcessRequestCORSReflectsOrigin(t *testing.T) {
	mux := NewMux()
	mux.AllowCORS(true)
	mux.Handle("/c", func(resp *Response, req *Request) { resp.Write([]byte("c")) })

	buf := []byte("GET /c HTTP/1.1\r\nOrigin: https://example.com\r\n\r\n")
	var out bytes.Buffer
	_, _, next, err := mux.ProcessRequest(&out, buf, DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if next&connset.CORSAllowed == 0 {
		t.Fatal("want connset.CORSAllowed set once CORS is enabled")
	}
	if !strings.Contains(out.String(), "Access-Control-Allow-Origin: https://example.com\r\n") {
		t.Fatalf("response missing reflected CORS header: %q", out.String())
	}
}

func TestProcessRequestProxyProtocolPreamble(t *testing.T) {
	mux := NewMux()
	mux.AllowProxyProtocol(true)
	var seenAddr string
	mux.Handle("/p", func(resp *Response, req *Request) {
		seenAddr = req.ProxySourceAddr
		resp.Write([]byte("p"))
	})

	buf := []byte("PROXY TCP4 203.0.113.5 198.51.100.7 51234 80\r\nGET /p HTTP/1.1\r\n\r\n")
	var out bytes.Buffer
	_, _, next, err := mux.ProcessRequest(&out, buf, DateHeaders{}, 0)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if next&connset.Proxied == 0 {
		t.Fatal("want connset.Proxied set after consuming a PROXY preamble")
	}
	if seenAddr != "203.0.113.5" {
		t.Fatalf("ProxySourceAddr = %q, want the preamble's source address", seenAddr)
	}

	// A second pipelined request on the same connection carries Proxied
	// forward and must not expect another preamble.
	buf2 := []byte("GET /p HTTP/1.1\r\n\r\n")
	out.Reset()
	_, _, next2, err := mux.ProcessRequest(&out, buf2, DateHeaders{}, next)
	if err != nil {
		t.Fatalf("second ProcessRequest: %v", err)
	}
	if next2&connset.Proxied == 0 {
		t.Fatal("want connset.Proxied to persist across pipelined requests")
	}
}
