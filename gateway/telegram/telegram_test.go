package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"modbot/gateway"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validToken = "123:valid"

// botAPI is a minimal Bot API: getMe, getUpdates, setMyCommands and sendMessage
type botAPI struct {
	mu       sync.Mutex
	updates  []string
	requests map[string][]map[string]string
}

func newBotAPI(t *testing.T, updates ...string) (*botAPI, *httptest.Server) {
	t.Helper()

	api := &botAPI{updates: updates, requests: make(map[string][]map[string]string)}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// /bot<token>/<method>
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	token, method := parts[0], parts[1]

	if token != validToken {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}

	_ = r.ParseForm()
	params := make(map[string]string)
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	a.mu.Lock()
	a.requests[method] = append(a.requests[method], params)
	var batch []string
	if method == "getUpdates" {
		batch = a.updates
		a.updates = nil
	}
	a.mu.Unlock()

	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Bot","username":"test_bot"}}`)
	case "getUpdates":
		if len(batch) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(batch, ","))
	case "setMyCommands":
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case "sendMessage":
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":9,"date":0,"chat":{"id":%s,"type":"group"},"text":%q}}`,
			params["chat_id"], params["text"])
	default:
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"unknown method"}`)
	}
}

func (a *botAPI) calls(method string) []map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]string(nil), a.requests[method]...)
}

type eventLog struct {
	mu     sync.Mutex
	events []gateway.Event
}

func (l *eventLog) OnEvent(_ context.Context, ev gateway.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []gateway.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]gateway.Event(nil), l.events...)
}

func testBuilder(srv *httptest.Server, token string, opts ...Option) *Builder {
	return NewBuilder(token, append([]Option{
		WithEndpoint(srv.URL + "/bot%s/%s"),
		WithHTTPClient(srv.Client()),
		WithPollTimeout(0),
		WithWorkers(1),
	}, opts...)...)
}

func commandUpdate(id int, chatID int64, text string) string {
	cmd := strings.Fields(text)[0]
	return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,"date":0,`+
		`"from":{"id":7,"is_bot":false,"first_name":"Ann","username":"ann"},`+
		`"chat":{"id":%d,"type":"group","title":"Ops"},"text":%q,`+
		`"entities":[{"offset":0,"length":%d,"type":"bot_command"}]}}`,
		id, id, chatID, text, len(cmd))
}

func TestBuildRejectsMissingToken(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder("").Build(context.Background())
	assert.ErrorIs(t, err, gateway.ErrInvalidCredential)
}

func TestBuildMapsUnauthorized(t *testing.T) {
	t.Parallel()

	_, srv := newBotAPI(t)
	b := testBuilder(srv, "999:wrong")

	_, err := b.Build(context.Background())
	require.ErrorIs(t, err, gateway.ErrInvalidCredential)

	b.SetCredential(" " + validToken + " ")
	c, err := b.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestUpdatesBecomeEvents(t *testing.T) {
	t.Parallel()

	api, srv := newBotAPI(t, commandUpdate(1, 42, "/ping a b"), commandUpdate(2, 42, "/echo@test_bot hi"))
	events := &eventLog{}

	b := testBuilder(srv, validToken)
	b.AddFeatures("message", "my_chat_member", "message")
	b.AddEventListener(events)

	c, err := b.Build(context.Background())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	require.Eventually(t, func() bool { return len(events.snapshot()) == 3 }, 5*time.Second, 10*time.Millisecond)

	got := events.snapshot()
	assert.Equal(t, gateway.EventScopeJoined, got[0].Type)
	assert.Equal(t, gateway.Scope{ID: "42", Name: "Ops"}, got[0].Scope)

	assert.Equal(t, gateway.EventCommand, got[1].Type)
	assert.Equal(t, "ping", got[1].Invocation.Command)
	assert.Equal(t, []string{"a", "b"}, got[1].Invocation.Args)
	assert.Equal(t, "ann", got[1].Invocation.User)

	assert.Equal(t, "echo", got[2].Invocation.Command, "bot suffix is stripped")
	assert.Equal(t, []string{"hi"}, got[2].Invocation.Args)

	polls := api.calls("getUpdates")
	require.NotEmpty(t, polls)
	assert.JSONEq(t, `["message","my_chat_member"]`, polls[0]["allowed_updates"])

	require.NoError(t, got[1].Invocation.Reply(context.Background(), "pong"))
	sent := api.calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0]["chat_id"])
	assert.Equal(t, "pong", sent[0]["text"])
}

func TestSetCommandsUsesChatScope(t *testing.T) {
	t.Parallel()

	api, srv := newBotAPI(t)
	c, err := testBuilder(srv, validToken).Build(context.Background())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	err = c.SetCommands(context.Background(), gateway.Scope{ID: "-100"}, []gateway.Command{
		{Name: "help", Description: "Show help"},
		{Name: "ping"},
		{Name: "Not-Valid"},
	})
	require.NoError(t, err)

	calls := api.calls("setMyCommands")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"type":"chat","chat_id":-100}`, calls[0]["scope"])

	var commands []tgbotapi.BotCommand
	require.NoError(t, json.Unmarshal([]byte(calls[0]["commands"]), &commands))
	assert.Equal(t, []tgbotapi.BotCommand{
		{Command: "help", Description: "Show help"},
		{Command: "ping", Description: "/ping"},
	}, commands)

	assert.Error(t, c.SetCommands(context.Background(), gateway.Scope{ID: "not-a-chat"}, nil))
}

func TestSend(t *testing.T) {
	t.Parallel()

	api, srv := newBotAPI(t)
	c, err := testBuilder(srv, validToken).Build(context.Background())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	require.NoError(t, c.Send(context.Background(), gateway.Scope{ID: "5"}, "hello"))
	sent := api.calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0]["text"])
}

func TestMembershipChanges(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	c := newClient(&tgbotapi.BotAPI{}, slog.New(slog.DiscardHandler))
	c.AddEventListener(events)
	ctx := context.Background()

	chat := tgbotapi.Chat{ID: 77, Type: "private", UserName: "bob"}
	member := func(status string) tgbotapi.Update {
		return tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
			Chat:          chat,
			NewChatMember: tgbotapi.ChatMember{Status: status},
		}}
	}

	c.handleUpdate(ctx, member("member"))
	c.handleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{Chat: &chat, Text: "hello"}})
	c.handleUpdate(ctx, member("kicked"))
	c.handleUpdate(ctx, member("administrator"))
	c.handleUpdate(ctx, tgbotapi.Update{})

	var types []gateway.EventType
	for _, ev := range events.snapshot() {
		types = append(types, ev.Type)
		assert.Equal(t, "77", ev.Scope.ID)
		assert.Equal(t, "bob", ev.Scope.Name)
	}
	assert.Equal(t, []gateway.EventType{
		gateway.EventScopeJoined,
		gateway.EventScopeLeft,
		gateway.EventScopeJoined,
	}, types, "plain messages in a known chat emit nothing")
}

func TestScopeNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Ops", scopeOf(&tgbotapi.Chat{ID: 1, Title: "Ops"}).Name)
	assert.Equal(t, "ann", scopeOf(&tgbotapi.Chat{ID: 1, UserName: "ann"}).Name)
	assert.Equal(t, "Ann Lee", scopeOf(&tgbotapi.Chat{ID: 1, FirstName: "Ann", LastName: "Lee"}).Name)
	assert.Equal(t, "7", userName(&tgbotapi.User{ID: 7}))
	assert.Empty(t, userName(nil))
}

func TestAllowedUpdatesKeepChatTracking(t *testing.T) {
	t.Parallel()

	api, srv := newBotAPI(t)
	b := testBuilder(srv, validToken)
	b.AddFeatures("message")

	c, err := b.Build(context.Background())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	require.Eventually(t, func() bool { return len(api.calls("getUpdates")) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `["message","my_chat_member"]`, api.calls("getUpdates")[0]["allowed_updates"])

	assert.Equal(t, []string{"message", "my_chat_member"}, allowedUpdates(nil))
	assert.Equal(t, []string{"message", "my_chat_member", "callback_query"},
		allowedUpdates([]string{"callback_query", "message"}))
}

func TestKnownChatsSurviveRestart(t *testing.T) {
	t.Parallel()

	chatFile := filepath.Join(t.TempDir(), "chats.yml")

	_, srv := newBotAPI(t, commandUpdate(1, 42, "/ping"))
	first := &eventLog{}
	b := testBuilder(srv, validToken, WithChatFile(chatFile))
	b.AddEventListener(first)

	c, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(first.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))

	data, err := os.ReadFile(chatFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id: 42")
	assert.Contains(t, string(data), "name: Ops")

	_, srv = newBotAPI(t)
	second := &eventLog{}
	b = testBuilder(srv, validToken, WithChatFile(chatFile))
	b.AddEventListener(second)

	c, err = b.Build(context.Background())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	got := second.snapshot()
	require.Len(t, got, 1, "saved chats are joined before Build returns")
	assert.Equal(t, gateway.EventScopeJoined, got[0].Type)
	assert.Equal(t, gateway.Scope{ID: "42", Name: "Ops"}, got[0].Scope)
}

func TestLeftChatsAreForgotten(t *testing.T) {
	t.Parallel()

	store := &chatStore{path: filepath.Join(t.TempDir(), "chats.yml")}
	c := newClient(&tgbotapi.BotAPI{}, slog.New(slog.DiscardHandler))
	c.store = store
	ctx := context.Background()

	chat := tgbotapi.Chat{ID: -5, Type: "group", Title: "Dev"}
	member := func(status string) tgbotapi.Update {
		return tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
			Chat:          chat,
			NewChatMember: tgbotapi.ChatMember{Status: status},
		}}
	}

	c.handleUpdate(ctx, member("member"))
	chats, err := store.load()
	require.NoError(t, err)
	assert.Equal(t, []knownChat{{ID: -5, Name: "Dev"}}, chats)

	c.handleUpdate(ctx, member("left"))
	chats, err = store.load()
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestBrokenChatFileDoesNotBlockBuild(t *testing.T) {
	t.Parallel()

	chatFile := filepath.Join(t.TempDir(), "chats.yml")
	require.NoError(t, os.WriteFile(chatFile, []byte("{not yaml"), 0o600))

	_, srv := newBotAPI(t)
	c, err := testBuilder(srv, validToken, WithChatFile(chatFile)).Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(context.Background()))
}
