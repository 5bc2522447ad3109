// Command loadtest drives pairs of users through login, chat creation and a
// burst of websocket messages, then reports how many deliveries came back.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"realtime-chat/internal/chat"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/user"
)

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	msgs := flag.Int("msgs", 20, "messages per user")
	gap := flag.Duration("gap", 10*time.Millisecond, "pause between messages")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	run := uuid.NewString()[:8]
	log.Info("starting load test", "users", *pairs*2, "messages_each", *msgs, "run", run)

	var st stats
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			lt := &loadTest{base: *baseURL, msgs: *msgs, gap: *gap, log: log, stats: &st}
			if err := lt.runPair(fmt.Sprintf("lt_%s_%d", run, pairID)); err != nil {
				st.failed.Add(1)
				log.Warn("pair failed", "pair", pairID, "err", err)
			}
		}(i)
	}
	wg.Wait()

	log.Info("load test complete",
		"elapsed", time.Since(start),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"failed_pairs", st.failed.Load())
}

type loadTest struct {
	base  string
	msgs  int
	gap   time.Duration
	log   *slog.Logger
	stats *stats
}

func (lt *loadTest) runPair(prefix string) error {
	const pass = "password123"

	a, err := lt.authenticate(prefix+"_a", pass)
	if err != nil {
		return err
	}
	b, err := lt.authenticate(prefix+"_b", pass)
	if err != nil {
		return err
	}

	c, err := lt.accessChat(a.AccessToken, b.ID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, u := range []*user.LoginResponse{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lt.chat(u, c.ID); err != nil {
				errs <- fmt.Errorf("%s: %w", u.Username, err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// authenticate registers the user (it may already exist) and logs in.
func (lt *loadTest) authenticate(username, password string) (*user.LoginResponse, error) {
	creds := user.RegisterRequest{Username: username, Password: password}
	if resp, err := lt.post("/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := lt.post("/login", "", creds)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var res user.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode login: %w", err)
	}
	return &res, nil
}

func (lt *loadTest) accessChat(token string, otherID int) (*chat.Chat, error) {
	resp, err := lt.post("/api/chats", token, chat.AccessChatRequest{UserID: otherID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("access chat: status %d", resp.StatusCode)
	}

	var c chat.Chat
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	return &c, nil
}

// chat opens a websocket, joins the chat and sends lt.msgs messages while
// counting the receive_message events that come back.
func (lt *loadTest) chat(u *user.LoginResponse, chatID int) error {
	wsURL := strings.Replace(lt.base, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(u.AccessToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env realtime.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == realtime.EventReceiveMessage {
				lt.stats.received.Add(1)
			}
		}
	}()

	send := func(event realtime.EventName, data any) error {
		return conn.WriteJSON(map[string]any{"event": event, "data": data})
	}
	if err := send(realtime.EventSetup, realtime.Setup{UserID: realtime.ID(u.ID)}); err != nil {
		return err
	}
	if err := send(realtime.EventJoinChat, realtime.JoinChat{ChatID: realtime.ID(chatID)}); err != nil {
		return err
	}

	for i := 0; i < lt.msgs; i++ {
		msg := realtime.SendMessage{
			SenderID: realtime.ID(u.ID),
			ChatID:   realtime.ID(chatID),
			Content:  fmt.Sprintf("load test message %d from %s", i, u.Username),
			Kind:     chat.KindText,
		}
		if err := send(realtime.EventSendMessage, msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		lt.stats.sent.Add(1)
		time.Sleep(lt.gap)
	}

	// Give in-flight deliveries a moment before hanging up.
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	<-done
	lt.log.Debug("user finished", "user", u.Username, "sent", lt.msgs)
	return nil
}

func (lt *loadTest) post(path, token string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, lt.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
