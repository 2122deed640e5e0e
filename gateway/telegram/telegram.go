// Package telegram implements the gateway over the Telegram Bot API.
//
// Each chat the bot takes part in is a scope. Updates are long polled and
// handed to a fixed pool of workers; listeners run on those workers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"modbot/gateway"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the size of the update worker pool
	DefaultWorkers = 4

	// DefaultPollTimeout is the long poll timeout in seconds
	DefaultPollTimeout = 60
)

// the API client logs through a package level logger
var setLoggerOnce sync.Once

// Telegram only accepts lowercase command names of up to 32 characters
var commandName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// update types the client needs to track chats, whatever modules request
var requiredUpdates = []string{"message", "my_chat_member"}

// Builder configures a Telegram client
type Builder struct {
	mu          sync.Mutex
	token       string
	endpoint    string
	httpClient  tgbotapi.HTTPClient
	workers     int
	pollTimeout int
	debug       bool
	chatFile    string
	features    gateway.Features
	listeners   gateway.Listeners
	logger      *slog.Logger
}

// Option configures a Builder
type Option func(*Builder)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithEndpoint overrides the Bot API endpoint format ("%s" token, "%s" method)
func WithEndpoint(endpoint string) Option {
	return func(b *Builder) {
		if endpoint != "" {
			b.endpoint = endpoint
		}
	}
}

// WithHTTPClient sets the HTTP client used for API calls
func WithHTTPClient(c tgbotapi.HTTPClient) Option {
	return func(b *Builder) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithWorkers sets the number of update workers
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithPollTimeout sets the long poll timeout in seconds
func WithPollTimeout(seconds int) Option {
	return func(b *Builder) {
		if seconds >= 0 {
			b.pollTimeout = seconds
		}
	}
}

// WithDebug enables the API client's request logging
func WithDebug(debug bool) Option {
	return func(b *Builder) {
		b.debug = debug
	}
}

// WithChatFile persists known chats to path. Chats listed there are joined
// again when the client is built.
func WithChatFile(path string) Option {
	return func(b *Builder) {
		b.chatFile = path
	}
}

// NewBuilder creates a builder authenticating with token
func NewBuilder(token string, opts ...Option) *Builder {
	b := &Builder{
		token:       token,
		endpoint:    tgbotapi.APIEndpoint,
		httpClient:  &http.Client{},
		workers:     DefaultWorkers,
		pollTimeout: DefaultPollTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "telegram")
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(botLogger{b.logger})
	})
	return b
}

// AddFeatures adds Telegram update types to allowed_updates
func (b *Builder) AddFeatures(features ...string) { b.features.Add(features...) }

// Features returns the requested update types
func (b *Builder) Features() []string { return b.features.List() }

// AddEventListener registers a listener on every client built afterwards
func (b *Builder) AddEventListener(l gateway.Listener) { b.listeners.Add(l) }

// SetCredential replaces the bot token
func (b *Builder) SetCredential(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = strings.TrimSpace(token)
}

func (b *Builder) credential() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// Build authenticates and starts polling for updates
func (b *Builder) Build(ctx context.Context) (gateway.Client, error) {
	token := b.credential()
	if token == "" {
		return nil, fmt.Errorf("%w: no bot token", gateway.ErrInvalidCredential)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, b.endpoint, b.httpClient)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", gateway.ErrInvalidCredential, apiErr.Message)
		}
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = b.debug

	b.logger.Info("authorized", "account", bot.Self.UserName)

	c := newClient(bot, b.logger)
	c.listeners.Add(gateway.ListenerFunc(b.listeners.Emit))
	if b.chatFile != "" {
		c.store = &chatStore{path: b.chatFile}
		if err := c.restore(ctx); err != nil {
			b.logger.Warn("known chats not restored", "err", err)
		}
	}
	c.start(context.WithoutCancel(ctx), b.workers, b.pollTimeout, allowedUpdates(b.Features()))
	return c, nil
}

// allowedUpdates always names the update types the client depends on.
// An empty list would keep whatever a previous run set.
func allowedUpdates(features []string) []string {
	var f gateway.Features
	f.Add(requiredUpdates...)
	f.Add(features...)
	return f.List()
}

// Client is a connected Telegram bot
type Client struct {
	bot       *tgbotapi.BotAPI
	logger    *slog.Logger
	listeners gateway.Listeners

	mu    sync.Mutex
	chats map[int64]string
	store *chatStore

	cancel   context.CancelFunc
	group    errgroup.Group
	stopOnce sync.Once
}

func newClient(bot *tgbotapi.BotAPI, logger *slog.Logger) *Client {
	return &Client{
		bot:    bot,
		logger: logger,
		chats:  make(map[int64]string),
	}
}

func (c *Client) start(ctx context.Context, workers, pollTimeout int, allowed []string) {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = allowed
	updates := c.bot.GetUpdatesChan(u)

	for i := 0; i < workers; i++ {
		c.group.Go(func() error {
			for {
				select {
				case update, ok := <-updates:
					if !ok {
						return nil
					}
					c.handleUpdate(ctx, update)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	c.logger.Info("receiving updates", "workers", workers, "allowed_updates", allowed)
}

// AddEventListener registers a listener for inbound events
func (c *Client) AddEventListener(l gateway.Listener) { c.listeners.Add(l) }

// SetCommands replaces the command menu of one chat
func (c *Client) SetCommands(_ context.Context, scope gateway.Scope, commands []gateway.Command) error {
	chatID, err := chatIDOf(scope)
	if err != nil {
		return err
	}

	botCommands := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, cmd := range commands {
		if !commandName.MatchString(cmd.Name) {
			c.logger.Debug("command name not accepted by telegram", "command", cmd.Name)
			continue
		}
		description := cmd.Description
		if description == "" {
			description = "/" + cmd.Name
		}
		botCommands = append(botCommands, tgbotapi.BotCommand{Command: cmd.Name, Description: description})
	}

	cfg := tgbotapi.NewSetMyCommandsWithScope(tgbotapi.NewBotCommandScopeChat(chatID), botCommands...)
	if _, err := c.bot.Request(cfg); err != nil {
		return fmt.Errorf("failed to set commands for chat %d: %w", chatID, err)
	}
	return nil
}

// Send posts a message to a chat
func (c *Client) Send(_ context.Context, scope gateway.Scope, text string) error {
	chatID, err := chatIDOf(scope)
	if err != nil {
		return err
	}
	return c.send(chatID, text)
}

func (c *Client) send(chatID int64, text string) error {
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// Shutdown stops polling and waits for the workers to drain
func (c *Client) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.bot.StopReceivingUpdates()
		c.cancel()
	})

	done := make(chan struct{})
	go func() {
		_ = c.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram workers did not stop: %w", ctx.Err())
	}
}

func (c *Client) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.MyChatMember != nil:
		c.handleMembership(ctx, update.MyChatMember)
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	}
}

func (c *Client) handleMembership(ctx context.Context, m *tgbotapi.ChatMemberUpdated) {
	scope := scopeOf(&m.Chat)

	switch m.NewChatMember.Status {
	case "left", "kicked":
		c.mu.Lock()
		_, known := c.chats[m.Chat.ID]
		delete(c.chats, m.Chat.ID)
		c.mu.Unlock()

		if known {
			c.logger.Info("removed from chat", "chat", scope.String())
			c.persist()
		}
		c.listeners.Emit(ctx, gateway.Event{Type: gateway.EventScopeLeft, Scope: scope})
	default:
		c.remember(ctx, &m.Chat)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	c.remember(ctx, msg.Chat)

	if !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	inv := &gateway.Invocation{
		Command: msg.Command(),
		Args:    strings.Fields(msg.CommandArguments()),
		Scope:   scopeOf(msg.Chat),
		User:    userName(msg.From),
		Responder: gateway.ResponderFunc(func(_ context.Context, text string) error {
			return c.send(chatID, text)
		}),
	}
	c.listeners.Emit(ctx, gateway.Event{Type: gateway.EventCommand, Scope: inv.Scope, Invocation: inv})
}

// remember emits a join the first time a chat is seen
func (c *Client) remember(ctx context.Context, chat *tgbotapi.Chat) {
	scope := scopeOf(chat)

	c.mu.Lock()
	_, known := c.chats[chat.ID]
	c.chats[chat.ID] = scope.Name
	c.mu.Unlock()

	if known {
		return
	}
	c.logger.Info("new chat", "chat", scope.String())
	c.persist()
	c.listeners.Emit(ctx, gateway.Event{Type: gateway.EventScopeJoined, Scope: scope})
}

// restore joins the chats saved by an earlier run
func (c *Client) restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	chats, err := c.store.load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, chat := range chats {
		c.chats[chat.ID] = chat.Name
	}
	c.mu.Unlock()

	for _, chat := range chats {
		scope := gateway.Scope{ID: strconv.FormatInt(chat.ID, 10), Name: chat.Name}
		c.listeners.Emit(ctx, gateway.Event{Type: gateway.EventScopeJoined, Scope: scope})
	}
	c.logger.Info("restored known chats", "count", len(chats))
	return nil
}

func (c *Client) persist() {
	if c.store == nil {
		return
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	c.mu.Lock()
	chats := make([]knownChat, 0, len(c.chats))
	for id, name := range c.chats {
		chats = append(chats, knownChat{ID: id, Name: name})
	}
	c.mu.Unlock()

	if err := c.store.save(chats); err != nil {
		c.logger.Warn("failed to save known chats", "err", err)
	}
}

func scopeOf(chat *tgbotapi.Chat) gateway.Scope {
	name := chat.Title
	if name == "" {
		name = chat.UserName
	}
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return gateway.Scope{ID: strconv.FormatInt(chat.ID, 10), Name: name}
}

func chatIDOf(scope gateway.Scope) (int64, error) {
	id, err := strconv.ParseInt(scope.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", scope.ID, err)
	}
	return id, nil
}

func userName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

// botLogger routes the API client's own logging into slog
type botLogger struct {
	logger *slog.Logger
}

func (l botLogger) Println(v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
