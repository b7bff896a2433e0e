package bot

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-forward-bot/internal/adapters/repo"
	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/cache"
	"tg-forward-bot/internal/usecase/forwarding"
	"tg-forward-bot/internal/usecase/rules"
	"tg-forward-bot/internal/usecase/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, nil
}

func (s *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *fakeSender) lastText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if msg, ok := s.sent[i].(tgbotapi.MessageConfig); ok {
			return msg.Text
		}
	}
	return ""
}

func (s *fakeSender) forwards() []tgbotapi.ForwardConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tgbotapi.ForwardConfig
	for _, c := range s.sent {
		if fwd, ok := c.(tgbotapi.ForwardConfig); ok {
			out = append(out, fwd)
		}
	}
	return out
}

func (s *fakeSender) deleted() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, c := range s.sent {
		if del, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			out = append(out, del.MessageID)
		}
	}
	return out
}

type stubClient struct {
	code     string
	password string
}

func (c *stubClient) SendCode(context.Context) error { return nil }

func (c *stubClient) SignIn(_ context.Context, code string) error {
	if code != c.code {
		return domain.ErrInvalidCode
	}
	if c.password != "" {
		return domain.ErrPasswordRequired
	}
	return nil
}

func (c *stubClient) CheckPassword(_ context.Context, password string) error {
	if password != c.password {
		return domain.ErrInvalidPassword
	}
	return nil
}

func (c *stubClient) Forward(context.Context, domain.InboundMessage, int64) error { return nil }
func (c *stubClient) Close() error                                                { return nil }

type stubFactory struct {
	code     string
	password string
	badPhone string
}

func (f stubFactory) Open(_ context.Context, _ int64, cred domain.Credential, _ domain.MessageSink) (domain.UserClient, error) {
	if f.badPhone != "" && cred.Phone == f.badPhone {
		return nil, errors.New("PHONE_NUMBER_INVALID")
	}
	return &stubClient{code: f.code, password: f.password}, nil
}

type testEnv struct {
	h        *Handler
	sender   *fakeSender
	rules    *rules.Service
	sessions *session.Manager
}

func newTestEnv(t *testing.T, factory stubFactory) testEnv {
	t.Helper()
	store, err := repo.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("не удалось создать хранилище: %v", err)
	}
	rulesSvc := rules.NewService(store)
	sessions := session.NewManager(factory, zerolog.Nop())
	sender := &fakeSender{}
	dispatcher := forwarding.NewDispatcher(rulesSvc, sessions, NewRelay(sender), cache.NewMemory(), time.Minute, zerolog.Nop())
	fwd := forwarding.NewService(rulesSvc, sessions, dispatcher, zerolog.Nop())
	sessions.OnAuthenticated(fwd.Authenticated)
	return testEnv{
		h:        NewHandler(sender, rulesSvc, fwd, sessions, zerolog.Nop()),
		sender:   sender,
		rules:    rulesSvc,
		sessions: sessions,
	}
}

var messageSeq int

func privateText(userID int64, text string) tgbotapi.Update {
	messageSeq++
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: messageSeq,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}}
}

func pressed(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: userID},
		Data:    data,
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: userID, Type: "private"}},
	}}
}

func (e testEnv) send(upd tgbotapi.Update) {
	e.h.process(context.Background(), upd)
}

func TestLoginWithWrongThenRightCode(t *testing.T) {
	env := newTestEnv(t, stubFactory{code: "12345"})

	env.send(pressed(7, actionSetCredentials))
	env.send(privateText(7, "111, abc, +1555"))
	if got := env.h.form(7).state; got != stateAwaitingCode {
		t.Fatalf("ожидали ожидание кода, получили %s", got)
	}
	if env.sessions.State(7) != domain.AuthCodeSent {
		t.Fatalf("ожидали CodeSent, получили %s", env.sessions.State(7))
	}

	env.send(privateText(7, "000000"))
	if !strings.Contains(env.sender.lastText(), "Неверный код") {
		t.Fatalf("ожидали сообщение о неверном коде, получили %q", env.sender.lastText())
	}
	if got := env.h.form(7).state; got != stateAwaitingCode {
		t.Fatalf("состояние должно остаться прежним, получили %s", got)
	}

	env.send(privateText(7, "12-3 45"))
	if env.sessions.State(7) != domain.AuthAuthenticated {
		t.Fatalf("ожидали Authenticated, получили %s", env.sessions.State(7))
	}
	if got := env.h.form(7).state; got != stateMainMenu {
		t.Fatalf("ожидали главное меню, получили %s", got)
	}
	cred, _ := env.rules.Credential(context.Background(), 7)
	if cred != (domain.Credential{APIID: 111, APIHash: "abc", Phone: "+1555"}) {
		t.Fatalf("данные должны сохраниться, получили %+v", cred)
	}
}

func TestCredentialsValidation(t *testing.T) {
	env := newTestEnv(t, stubFactory{code: "1"})

	env.send(pressed(1, actionSetCredentials))
	env.send(privateText(1, "abc, hash"))
	if !strings.Contains(env.sender.lastText(), "Неверный формат") {
		t.Fatalf("ожидали сообщение о формате, получили %q", env.sender.lastText())
	}
	if got := env.h.form(1).state; got != stateAwaitingCredentials {
		t.Fatalf("состояние должно остаться прежним, получили %s", got)
	}

	env.send(privateText(1, "1, hash, +7"))
	env.send(privateText(1, "1"))
	if env.sessions.State(1) != domain.AuthAuthenticated {
		t.Fatalf("ожидали Authenticated, получили %s", env.sessions.State(1))
	}
	env.send(pressed(1, actionSetCredentials))
	env.send(privateText(1, "2, hash, +7"))
	if !strings.Contains(env.sender.lastText(), "другие данные") {
		t.Fatalf("ожидали сообщение о несовпадении, получили %q", env.sender.lastText())
	}
}

func TestCredentialsCanBeCorrectedBeforeLogin(t *testing.T) {
	env := newTestEnv(t, stubFactory{code: "1", badPhone: "+1999"})
	ctx := context.Background()

	env.send(pressed(7, actionSetCredentials))
	env.send(privateText(7, "111, abc, +1999"))
	if !strings.Contains(env.sender.lastText(), "недоступен") {
		t.Fatalf("ожидали ошибку подключения, получили %q", env.sender.lastText())
	}
	if cred, _ := env.rules.Credential(ctx, 7); !cred.IsZero() {
		t.Fatalf("данные не должны сохраняться до входа, получили %+v", cred)
	}

	env.send(privateText(7, "222, abc, +1555"))
	if env.sessions.State(7) != domain.AuthCodeSent {
		t.Fatalf("исправленные данные должны приниматься, получили %s: %q", env.sessions.State(7), env.sender.lastText())
	}
	if got := env.h.form(7).state; got != stateAwaitingCode {
		t.Fatalf("ожидали ожидание кода, получили %s", got)
	}

	// Повторная отправка других данных до ввода кода тоже допустима.
	env.send(pressed(7, actionSetCredentials))
	env.send(privateText(7, "111, abc, +1555"))
	env.send(privateText(7, "1"))
	if env.sessions.State(7) != domain.AuthAuthenticated {
		t.Fatalf("ожидали Authenticated, получили %s", env.sessions.State(7))
	}
	cred, _ := env.rules.Credential(ctx, 7)
	if cred != (domain.Credential{APIID: 111, APIHash: "abc", Phone: "+1555"}) {
		t.Fatalf("должны закрепиться данные успешного входа, получили %+v", cred)
	}
}

func TestPasswordMessageIsDeleted(t *testing.T) {
	env := newTestEnv(t, stubFactory{code: "1", password: "pw"})

	env.send(pressed(3, actionSetCredentials))
	env.send(privateText(3, "1, h, +1"))
	env.send(privateText(3, "1"))
	if got := env.h.form(3).state; got != stateAwaitingPassword {
		t.Fatalf("ожидали ожидание пароля, получили %s", got)
	}

	wrong := privateText(3, "nope")
	env.send(wrong)
	if !strings.Contains(env.sender.lastText(), "Неверный пароль") {
		t.Fatalf("ожидали сообщение о неверном пароле, получили %q", env.sender.lastText())
	}

	right := privateText(3, "pw")
	env.send(right)
	if env.sessions.State(3) != domain.AuthAuthenticated {
		t.Fatalf("ожидали Authenticated, получили %s", env.sessions.State(3))
	}
	want := []int{wrong.Message.MessageID, right.Message.MessageID}
	if !reflect.DeepEqual(env.sender.deleted(), want) {
		t.Fatalf("ожидали удаление %v, получили %v", want, env.sender.deleted())
	}
}

func TestAddRuleWithPinnedSource(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	ctx := context.Background()

	env.send(pressed(42, actionAddRule))
	env.send(privateText(42, "100, 200"))
	env.send(pressed(42, actionAddMore))
	env.send(privateText(42, "300"))

	got, _ := env.rules.Rules(ctx, 42)
	if !reflect.DeepEqual(got, domain.RuleSet{"100": {200, 300}}) {
		t.Fatalf("неожиданные правила %v", got)
	}

	env.send(pressed(42, actionAddRule))
	env.send(privateText(42, "400"))
	if !strings.Contains(env.sender.lastText(), "Неверный формат") {
		t.Fatalf("после выбора в меню источник не должен быть закреплён, получили %q", env.sender.lastText())
	}
	if got := env.h.form(42).state; got != stateAwaitingRule {
		t.Fatalf("ожидали повторный запрос правила, получили %s", got)
	}
}

func TestPinnedSourceSwitchRestartsFromMenu(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	ctx := context.Background()

	env.send(pressed(42, actionAddRule))
	env.send(privateText(42, "100, 200"))
	env.send(pressed(42, actionAddMore))
	env.send(privateText(42, "101, 300"))

	got, _ := env.rules.Rules(ctx, 42)
	if !reflect.DeepEqual(got, domain.RuleSet{"100": {200}}) {
		t.Fatalf("правило для другого источника не должно сохраняться, получили %v", got)
	}
	f := env.h.form(42)
	if f.state != stateMainMenu || f.pinnedSource != 0 {
		t.Fatalf("ожидали главное меню без источника, получили %s/%d", f.state, f.pinnedSource)
	}
	if !strings.Contains(env.sender.lastText(), "Главное меню") {
		t.Fatalf("ожидали меню, получили %q", env.sender.lastText())
	}

	env.send(pressed(42, actionAddMore))
	env.send(privateText(42, "100, 400"))
	got, _ = env.rules.Rules(ctx, 42)
	if !reflect.DeepEqual(got, domain.RuleSet{"100": {200, 400}}) {
		t.Fatalf("неожиданные правила %v", got)
	}
}

func TestRemoveRuleFlow(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	ctx := context.Background()
	_, _ = env.rules.AddDestination(ctx, 5, 100, 200)

	env.send(pressed(5, actionRemoveRule))
	if got := env.h.form(5).state; got != stateAwaitingRemovalSource {
		t.Fatalf("ожидали выбор источника, получили %s", got)
	}
	env.send(privateText(5, "999"))
	if !strings.Contains(env.sender.lastText(), "Такого правила нет") {
		t.Fatalf("ожидали сообщение об отсутствии, получили %q", env.sender.lastText())
	}
	env.send(privateText(5, "100"))
	env.send(privateText(5, "300"))
	if got := env.h.form(5).state; got != stateAwaitingRemovalDestination {
		t.Fatalf("ожидали повторный запрос получателя, получили %s", got)
	}
	env.send(privateText(5, "200"))

	rules, _ := env.rules.Rules(ctx, 5)
	if len(rules) != 0 {
		t.Fatalf("ожидали пустые правила, получили %v", rules)
	}
	if got := env.h.form(5).state; got != stateMainMenu {
		t.Fatalf("ожидали главное меню, получили %s", got)
	}
}

func TestRemoveWithoutRules(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	env.send(pressed(5, actionRemoveRule))
	if got := env.h.form(5).state; got != stateMainMenu {
		t.Fatalf("без правил удалять нечего, получили %s", got)
	}
}

func TestCancelAndExitReturnToMenu(t *testing.T) {
	env := newTestEnv(t, stubFactory{})

	env.send(pressed(1, actionAddRule))
	env.send(privateText(1, "/cancel"))
	if got := env.h.form(1).state; got != stateMainMenu {
		t.Fatalf("ожидали главное меню, получили %s", got)
	}
	if !strings.Contains(env.sender.lastText(), "Главное меню") {
		t.Fatalf("ожидали меню, получили %q", env.sender.lastText())
	}

	env.send(pressed(1, actionAddRule))
	env.send(pressed(1, actionExit))
	if got := env.h.form(1).state; got != stateMainMenu {
		t.Fatalf("ожидали главное меню после выхода, получили %s", got)
	}
}

func TestListRulesShowsStatus(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	_, _ = env.rules.AddDestination(context.Background(), 9, 100, 200)

	env.send(pressed(9, actionListRules))
	text := env.sender.lastText()
	if !strings.Contains(text, "100 → 200") || !strings.Contains(text, "не выполнен") {
		t.Fatalf("неожиданный список правил %q", text)
	}
}

func TestChannelPostIsForwardedByBot(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	_, _ = env.rules.AddDestination(context.Background(), 1, -100500, 42)

	env.send(tgbotapi.Update{ChannelPost: &tgbotapi.Message{
		MessageID: 9,
		Chat:      &tgbotapi.Chat{ID: -100500, Type: "channel"},
		Text:      "новость",
	}})

	fwds := env.sender.forwards()
	if len(fwds) != 1 {
		t.Fatalf("ожидали одну пересылку, получили %d", len(fwds))
	}
	if fwds[0].ChatID != 42 || fwds[0].FromChatID != -100500 || fwds[0].MessageID != 9 {
		t.Fatalf("неожиданная пересылка %+v", fwds[0])
	}
}

func TestHandleUpdateKeepsUserOrder(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	ctx := context.Background()

	env.h.HandleUpdate(ctx, pressed(8, actionAddRule))
	for _, dest := range []string{"100, 1", "100, 2", "100, 3"} {
		env.h.HandleUpdate(ctx, privateText(8, dest))
		env.h.HandleUpdate(ctx, pressed(8, actionAddRule))
	}
	env.h.Wait()

	got, _ := env.rules.Rules(ctx, 8)
	if !reflect.DeepEqual(got["100"], []int64{1, 2, 3}) {
		t.Fatalf("ожидали порядок [1 2 3], получили %v", got["100"])
	}
}

// recordingForwarder запоминает порядок событий пути бота. Первое событие обрабатывается дольше.
type recordingForwarder struct {
	Forwarder

	mu   sync.Mutex
	seen []int
}

func (f *recordingForwarder) Dispatch(_ context.Context, msg domain.InboundMessage) forwarding.Report {
	if msg.MessageID == 1 {
		time.Sleep(30 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, msg.MessageID)
	return forwarding.Report{}
}

func TestHandleUpdateKeepsSourceOrder(t *testing.T) {
	env := newTestEnv(t, stubFactory{})
	fwd := &recordingForwarder{}
	h := NewHandler(env.sender, env.rules, fwd, env.sessions, zerolog.Nop())
	ctx := context.Background()

	for id := 1; id <= 5; id++ {
		h.HandleUpdate(ctx, tgbotapi.Update{ChannelPost: &tgbotapi.Message{
			MessageID: id,
			Chat:      &tgbotapi.Chat{ID: -100500, Type: "channel"},
		}})
	}
	h.Wait()

	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if !reflect.DeepEqual(fwd.seen, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("посты одного канала должны обрабатываться по порядку, получили %v", fwd.seen)
	}
}
