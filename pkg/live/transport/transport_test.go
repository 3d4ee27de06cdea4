package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newWebsocketTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func TestConnect_Validation(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), Config{Model: "m"}); err == nil {
		t.Fatalf("expected error without URL")
	}
	_, err := Connect(context.Background(), Config{URL: "ws://127.0.0.1:1"})
	if err == nil {
		t.Fatalf("expected error without model")
	}
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%T, want *ConnectionError", err)
	}
}

func TestConnect_SendsSetupFirst(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		setupCh <- frame
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	sess, err := Connect(context.Background(), Config{
		URL:               serverURL,
		APIKey:            "test-key",
		Model:             "models/test-live",
		Voice:             "Puck",
		SystemInstruction: "be brief",
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	var gotOpened bool
	for event := range sess.Events() {
		switch ev := event.(type) {
		case OpenedEvent:
			gotOpened = true
		case ClosedEvent:
			if ev.Err != nil {
				t.Fatalf("closed with error: %v", ev.Err)
			}
		}
	}
	if !gotOpened {
		t.Fatalf("OpenedEvent never delivered")
	}

	select {
	case frame := <-setupCh:
		setup, ok := frame["setup"].(map[string]any)
		if !ok {
			t.Fatalf("first frame is not setup: %+v", frame)
		}
		if setup["model"] != "models/test-live" {
			t.Fatalf("model=%v", setup["model"])
		}
		raw, _ := json.Marshal(setup)
		if !strings.Contains(string(raw), "Puck") {
			t.Fatalf("setup missing voice: %s", raw)
		}
		if !strings.Contains(string(raw), "be brief") {
			t.Fatalf("setup missing system instruction: %s", raw)
		}
	default:
		t.Fatalf("server never received a setup frame")
	}
}

func TestSend_AudioArrivesInOrder(t *testing.T) {
	t.Parallel()

	recvCh := make(chan []string, 1)
	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}

		var payloads []string
		for len(payloads) < 3 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var frame struct {
				RealtimeInput struct {
					MediaChunks []struct {
						MimeType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"mediaChunks"`
				} `json:"realtimeInput"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			for _, chunk := range frame.RealtimeInput.MediaChunks {
				if !strings.HasPrefix(chunk.MimeType, "audio/pcm") {
					continue
				}
				payloads = append(payloads, chunk.Data)
			}
		}
		recvCh <- payloads
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	sess, err := Connect(context.Background(), Config{URL: serverURL, Model: "m"})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	want := []string{"one", "two", "three"}
	for _, payload := range want {
		if err := sess.Send(MediaAudio, []byte(payload)); err != nil {
			t.Fatalf("Send(%q) error: %v", payload, err)
		}
	}

	for range sess.Events() {
		// drain until close
	}

	select {
	case payloads := <-recvCh:
		for i, data := range payloads {
			decoded, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				t.Fatalf("chunk %d not base64: %v", i, err)
			}
			if string(decoded) != want[i] {
				t.Fatalf("chunk %d=%q, want %q", i, decoded, want[i])
			}
		}
	default:
		t.Fatalf("server did not receive all audio chunks")
	}
}

func TestReadLoop_EmitsAudioAndTurnEvents(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}),
						}},
					},
				},
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	sess, err := Connect(context.Background(), Config{URL: serverURL, Model: "m"})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	var order []string
	var audio AudioEvent
	for event := range sess.Events() {
		switch ev := event.(type) {
		case OpenedEvent:
			order = append(order, "opened")
		case AudioEvent:
			order = append(order, "audio")
			audio = ev
		case InterruptedEvent:
			order = append(order, "interrupted")
		case TurnCompleteEvent:
			order = append(order, "turn_complete")
		case ClosedEvent:
			order = append(order, "closed")
			if ev.Err != nil {
				t.Fatalf("closed with error: %v", ev.Err)
			}
		}
	}

	want := []string{"opened", "audio", "interrupted", "turn_complete", "closed"}
	if len(order) != len(want) {
		t.Fatalf("events=%v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("events=%v, want %v", order, want)
		}
	}
	if string(audio.Data) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("audio data=%v", audio.Data)
	}
	if audio.SampleRate != 24000 || audio.Channels != 1 {
		t.Fatalf("audio format=%d/%d, want 24000/1", audio.SampleRate, audio.Channels)
	}
}

func TestReadLoop_FailureSurvivesUnreadBacklog(t *testing.T) {
	t.Parallel()

	// Fill the event buffer while nothing consumes it, then drop the stream
	// abruptly. The exit reason must still arrive: the oldest buffered event
	// is evicted, never the ClosedEvent.
	const backlog = 64 // event buffer capacity
	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		for i := 0; i < backlog-1; i++ {
			_ = conn.WriteJSON(map[string]any{
				"serverContent": map[string]any{
					"modelTurn": map[string]any{
						"parts": []any{
							map[string]any{"inlineData": map[string]any{
								"mimeType": "audio/pcm;rate=24000",
								"data":     base64.StdEncoding.EncodeToString([]byte{9}),
							}},
						},
					},
				},
			})
		}
		conn.Close() // the stream just drops, no close frame
	})
	defer closeServer()

	sess, err := Connect(context.Background(), Config{URL: serverURL, Model: "m"})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	// Both loops wind down before a single event is consumed.
	sess.wg.Wait()

	var events []Event
	for event := range sess.Events() {
		events = append(events, event)
	}
	if len(events) == 0 {
		t.Fatalf("no events delivered")
	}
	closed, ok := events[len(events)-1].(ClosedEvent)
	if !ok {
		t.Fatalf("last event=%T, want ClosedEvent", events[len(events)-1])
	}
	var ce *ConnectionError
	if !errors.As(closed.Err, &ce) || ce.Op != "read" {
		t.Fatalf("closed err=%v, want read failure", closed.Err)
	}
	if _, ok := events[0].(OpenedEvent); ok {
		t.Fatalf("oldest event kept its slot instead of yielding it to the terminal event")
	}
}

func TestClose_IsIdempotentAndStopsSend(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	sess, err := Connect(context.Background(), Config{URL: serverURL, Model: "m"})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	if err := sess.Send(MediaAudio, []byte("late")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after close err=%v, want ErrSessionClosed", err)
	}

	for event := range sess.Events() {
		if ev, ok := event.(ClosedEvent); ok && ev.Err != nil {
			t.Fatalf("requested close reported error: %v", ev.Err)
		}
	}
}

func TestSend_DropsOldestAudioWhenQueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		<-release
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	sess, err := Connect(context.Background(), Config{
		URL:            serverURL,
		Model:          "m",
		AudioQueueSize: 2,
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer func() {
		close(release)
		sess.Close()
	}()

	// Far more chunks than the queue holds; none of these may block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = sess.Send(MediaAudio, []byte{byte(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Send blocked with a full audio queue")
	}
}
