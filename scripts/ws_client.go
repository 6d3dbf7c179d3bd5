// Package main tails the payhooks notification stream and sends one demo
// delivery to a local endpoint so there is something to watch.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	token := os.Getenv("ADMIN_TOKEN")
	if token == "" {
		token = "ops:admin"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/admin/events/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %s: %s", m.Type, m.Topic, string(m.Event))
		}
	}()

	// endpoint that fails once, then accepts
	calls := 0
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		log.Printf("endpoint <- %s %s (call %d)", r.Header.Get("X-Webhook-Event"), r.Header.Get("X-Webhook-UUID"), calls)
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	body, _ := json.Marshal(map[string]any{
		"event":   "demo.ping",
		"url":     target.URL,
		"payload": map[string]any{"hello": "world"},
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/deliveries", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("POST /v1/deliveries -> %d", resp.StatusCode)

	wait := 15 * time.Second
	if v := os.Getenv("WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wait = d
		}
	}
	select {
	case <-time.After(wait):
	case <-done:
	}
}
