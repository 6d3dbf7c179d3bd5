package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"payhooks/internal/events"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage is one frame of the events stream.
type wsMessage struct {
	Type  string        `json:"type"`
	Topic string        `json:"topic,omitempty"`
	Event *events.Event `json:"event,omitempty"`
}

const (
	wsPingEvery = 20 * time.Second
	wsReadWait  = 60 * time.Second
)

// EventsWSHandler streams delivery and inbound notifications. ?topics= takes a
// comma separated subset of deliveries,inbound.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	topics := []string{events.TopicDeliveries, events.TopicInbound}
	if v := r.URL.Query().Get("topics"); v != "" {
		topics = nil
		for _, t := range strings.Split(v, ",") {
			switch t = strings.TrimSpace(t); t {
			case events.TopicDeliveries, events.TopicInbound:
				topics = append(topics, t)
			default:
				writeProblem(w, http.StatusBadRequest, "Unknown topic", t, r.URL.Path)
				return
			}
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(m wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(m)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, topic := range topics {
		ch := s.Broker.Subscribe(topic)
		wg.Add(1)
		go func(topic string, ch chan events.Event) {
			defer wg.Done()
			defer s.Broker.Unsubscribe(topic, ch)
			for {
				select {
				case <-done:
					return
				case evt, ok := <-ch:
					if !ok {
						return
					}
					if err := write(wsMessage{Type: "event", Topic: topic, Event: &evt}); err != nil {
						return
					}
				}
			}
		}(topic, ch)
	}
	_ = write(wsMessage{Type: "connection_ack"})

	// keepalive
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadWait)) })
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == "ping" {
			_ = write(wsMessage{Type: "pong"})
		}
	}
	close(done)
	wg.Wait()
}
