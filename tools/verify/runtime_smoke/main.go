// Command runtime_smoke drives one task through a running agentq daemon:
// it creates a throwaway agent, queues a task, runs it and watches the
// lifecycle events arrive on /ws/events.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

type smoke struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:18790", "daemon base URL")
	token := flag.String("token", "", "bearer token")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	name := flag.String("agent-name", "smoke-"+uuid.NewString()[:8], "name of the throwaway agent")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	s := &smoke{base: strings.TrimRight(*addr, "/"), token: strings.TrimSpace(*token), http: http.DefaultClient}

	var health struct {
		Healthy bool   `json:"healthy"`
		Version string `json:"version"`
	}
	if err := s.call(ctx, http.MethodGet, "/healthz", nil, &health); err != nil {
		fatal("healthz", err)
	}
	if !health.Healthy {
		fatalf("daemon reports unhealthy")
	}
	fmt.Printf("CHECK health ok version=%s\n", health.Version)

	wsAddr, err := eventsURL(s.base, "agents:task-")
	if err != nil {
		fatal("events url", err)
	}
	conn, _, err := websocket.Dial(ctx, wsAddr, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.token}},
	})
	if err != nil {
		fatal("dial events", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")
	fmt.Println("CHECK events stream connected")

	var agent struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, http.MethodPost, "/api/agents", map[string]any{
		"name":           *name,
		"responsibility": "runtime smoke checks",
		"autoPoll":       false,
	}, &agent); err != nil {
		fatal("create agent", err)
	}
	defer func() {
		_ = s.call(context.Background(), http.MethodDelete, "/api/agents/"+url.PathEscape(agent.ID), nil, nil)
	}()
	fmt.Printf("CHECK agent created agent_id=%s\n", agent.ID)

	var task struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, http.MethodPost, "/api/tasks", map[string]any{
		"to":         agent.ID,
		"title":      "runtime smoke",
		"content":    "Reply with a one-line summary.",
		"maxRetries": 0,
	}, &task); err != nil {
		fatal("send task", err)
	}
	if _, err := waitForTopic(ctx, conn, task.ID, "agents:task-queued"); err != nil {
		fatal("task-queued event", err)
	}
	fmt.Printf("CHECK task queued task_id=%s\n", task.ID)

	// run-next blocks until the executor returns, so the terminal event is
	// read concurrently.
	done := make(chan error, 1)
	go func() {
		done <- s.call(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agent.ID)+"/run-next", nil, nil)
	}()
	topic, err := waitForTopic(ctx, conn, task.ID, "agents:task-done", "agents:task-failed")
	if err != nil {
		fatal("terminal task event", err)
	}
	if err := <-done; err != nil {
		fatal("run-next", err)
	}
	fmt.Printf("CHECK task finished topic=%s\n", topic)

	fmt.Println("VERDICT PASS")
}

func (s *smoke) call(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return fmt.Errorf("%s %s: HTTP %d %s", method, path, resp.StatusCode, eb.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// waitForTopic reads events until one of topics arrives for taskID.
func waitForTopic(ctx context.Context, conn *websocket.Conn, taskID string, topics ...string) (string, error) {
	for {
		var ev event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return "", err
		}
		if id, ok := eventTaskID(ev.Payload); !ok || id != taskID {
			continue
		}
		for _, t := range topics {
			if ev.Topic == t {
				return t, nil
			}
		}
	}
}

func eventTaskID(raw json.RawMessage) (string, bool) {
	var payload struct {
		Task struct {
			ID string `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Task.ID == "" {
		return "", false
	}
	return payload.Task.ID, true
}

// eventsURL turns the daemon base URL into the /ws/events endpoint.
func eventsURL(base, topic string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/events"
	u.RawQuery = url.Values{"topic": []string{topic}}.Encode()
	return u.String(), nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
