package mtproto

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/metrics"
)

const (
	connectTimeout = 30 * time.Second
	closeTimeout   = 10 * time.Second
	dialogsLimit   = 100
)

// Factory открывает MTProto-подключения пользователей через gotd.
type Factory struct {
	log zerolog.Logger
}

var _ domain.ClientFactory = (*Factory)(nil)

// NewFactory создаёт фабрику клиентов.
func NewFactory(log zerolog.Logger) *Factory {
	return &Factory{log: log}
}

// Client держит подключение gotd от имени одного пользователя.
type Client struct {
	userID int64
	cred   domain.Credential
	sink   domain.MessageSink
	log    zerolog.Logger

	client *telegram.Client
	api    *tg.Client
	gaps   *updates.Manager
	peers  *peerCache

	mu       sync.Mutex
	codeHash string

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	bg     sync.WaitGroup
}

var _ domain.UserClient = (*Client)(nil)

// Open подключается к Telegram и держит соединение в фоне до Close.
func (f *Factory) Open(ctx context.Context, userID int64, cred domain.Credential, sink domain.MessageSink) (domain.UserClient, error) {
	c := &Client{
		userID: userID,
		cred:   cred,
		sink:   sink,
		log:    f.log.With().Int64("user", userID).Logger(),
		peers:  newPeerCache(),
		done:   make(chan struct{}),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
		c.handleMessage(ctx, e, update.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
		c.handleMessage(ctx, e, update.Message)
		return nil
	})

	// Менеджер обновлений упорядочивает их по pts и догружает пропуски.
	c.gaps = updates.New(updates.Config{Handler: dispatcher})
	c.client = telegram.NewClient(cred.APIID, cred.APIHash, telegram.Options{
		SessionStorage: &SessionInMemory{},
		UpdateHandler:  c.gaps,
	})
	c.api = c.client.API()

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.cancel = cancel
	ready := make(chan struct{})
	errCh := make(chan error, 1)

	start := time.Now()
	go func() {
		defer close(c.done)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Msg("mtproto: соединение завершилось с ошибкой")
		}
		errCh <- err
	}()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, nil)
		c.log.Debug().Msg("mtproto: соединение установлено")
		return c, nil
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("соединение закрыто")
		}
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, err)
		return nil, fmt.Errorf("подключение к telegram: %w", err)
	case <-timer.C:
		cancel()
		err := errors.New("таймаут подключения")
		metrics.ObserveNetworkRequest("mtproto", "connect", "telegram", start, err)
		return nil, err
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// SendCode запрашивает код подтверждения на номер пользователя.
func (c *Client) SendCode(ctx context.Context) error {
	start := time.Now()
	sent, err := c.client.Auth().SendCode(ctx, c.cred.Phone, auth.SendCodeOptions{})
	metrics.ObserveNetworkRequest("mtproto", "auth.sendCode", "telegram", start, err)
	if err != nil {
		return err
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return fmt.Errorf("неожиданный ответ на запрос кода: %T", sent)
	}
	c.mu.Lock()
	c.codeHash = code.PhoneCodeHash
	c.mu.Unlock()
	return nil
}

// SignIn входит по коду. Если включена двухфакторная защита, возвращает ErrPasswordRequired.
func (c *Client) SignIn(ctx context.Context, code string) error {
	c.mu.Lock()
	hash := c.codeHash
	c.mu.Unlock()
	if hash == "" {
		return domain.ErrLoginNotStarted
	}

	start := time.Now()
	_, err := c.client.Auth().SignIn(ctx, c.cred.Phone, code, hash)
	metrics.ObserveNetworkRequest("mtproto", "auth.signIn", "telegram", start, err)
	switch {
	case err == nil:
		c.afterLogin(ctx)
		return nil
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return domain.ErrPasswordRequired
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY", "PHONE_CODE_EXPIRED"):
		return fmt.Errorf("%w: %w", domain.ErrInvalidCode, err)
	default:
		return err
	}
}

// CheckPassword завершает вход паролем второго фактора.
func (c *Client) CheckPassword(ctx context.Context, password string) error {
	start := time.Now()
	_, err := c.client.Auth().Password(ctx, password)
	metrics.ObserveNetworkRequest("mtproto", "auth.checkPassword", "telegram", start, err)
	switch {
	case err == nil:
		c.afterLogin(ctx)
		return nil
	case errors.Is(err, auth.ErrPasswordInvalid):
		return domain.ErrInvalidPassword
	default:
		return err
	}
}

// Forward пересылает сообщение от имени пользователя.
func (c *Client) Forward(ctx context.Context, msg domain.InboundMessage, destID int64) error {
	from, err := c.resolve(ctx, msg.SourceID)
	if err != nil {
		return err
	}
	to, err := c.resolve(ctx, destID)
	if err != nil {
		return err
	}
	randomID, err := crypto.RandInt64(crand.Reader)
	if err != nil {
		return fmt.Errorf("random id: %w", err)
	}

	start := time.Now()
	_, err = c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ToPeer:   to,
		ID:       []int{msg.MessageID},
		RandomID: []int64{randomID},
	})
	metrics.ObserveNetworkRequest("mtproto", "messages.forwardMessages", metrics.ChatTarget(destID), start, err)
	if err != nil {
		return fmt.Errorf("пересылка в %d: %w", destID, err)
	}
	return nil
}

// Close разрывает соединение и ждёт завершения фоновых горутин.
func (c *Client) Close() error {
	c.cancel()
	stopped := make(chan struct{})
	go func() {
		<-c.done
		c.bg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-time.After(closeTimeout):
		return errors.New("mtproto: таймаут закрытия соединения")
	}
}

func (c *Client) handleMessage(ctx context.Context, e tg.Entities, raw tg.MessageClass) {
	c.peers.storeEntities(e)
	msg, ok := raw.(*tg.Message)
	if !ok {
		return
	}
	sourceID, ok := ChatID(msg.PeerID)
	if !ok {
		return
	}
	c.sink(ctx, domain.InboundMessage{
		Owner:     c.userID,
		SourceID:  sourceID,
		MessageID: msg.ID,
		Text:      msg.Message,
	})
}

// afterLogin заполняет кэш собеседников и запускает менеджер обновлений от имени пользователя.
func (c *Client) afterLogin(ctx context.Context) {
	if err := c.loadDialogs(ctx); err != nil {
		c.log.Warn().Err(err).Msg("mtproto: не удалось загрузить диалоги")
	}
	start := time.Now()
	self, err := c.client.Self(ctx)
	metrics.ObserveNetworkRequest("mtproto", "users.getSelf", "telegram", start, err)
	if err != nil {
		c.log.Warn().Err(err).Msg("mtproto: не удалось получить профиль, обновления без упорядочивания")
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		err := c.gaps.Run(c.runCtx, c.api, self.ID, updates.AuthOptions{Forget: true})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Msg("mtproto: менеджер обновлений остановлен")
		}
	}()
}

func (c *Client) loadDialogs(ctx context.Context) error {
	start := time.Now()
	res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogsLimit,
	})
	metrics.ObserveNetworkRequest("mtproto", "messages.getDialogs", "telegram", start, err)
	if err != nil {
		return err
	}
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		c.peers.storeUsers(d.Users)
		c.peers.storeChats(d.Chats)
	case *tg.MessagesDialogsSlice:
		c.peers.storeUsers(d.Users)
		c.peers.storeChats(d.Chats)
	}
	return nil
}

// resolve ищет собеседника в кэше и один раз перечитывает диалоги при промахе.
func (c *Client) resolve(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	peer, err := c.peers.inputPeer(chatID)
	if err == nil {
		return peer, nil
	}
	if lerr := c.loadDialogs(ctx); lerr != nil {
		return nil, fmt.Errorf("%w: %w", err, lerr)
	}
	return c.peers.inputPeer(chatID)
}
