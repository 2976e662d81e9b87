package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"audit-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are forwarded to every websocket client.
var streamTopics = []events.Topic{events.TopicDecision, events.TopicFault, events.TopicRecovered}

// streamMessage is one frame on /ws.
type streamMessage struct {
	Topic events.Topic `json:"topic"`
	Data  any          `json:"data"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan streamMessage, 100)
	done := make(chan struct{})
	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(topic events.Topic, stream <-chan any) {
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case out <- streamMessage{Topic: topic, Data: msg}:
					default:
					}
				}
			}
		}(topic, stream)
	}

	// The read side only detects the client going away.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
