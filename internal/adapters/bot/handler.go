package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/lanes"
	"tg-forward-bot/internal/infra/metrics"
	"tg-forward-bot/internal/usecase/forwarding"
)

// RuleBook читает правила и привязанные учётные данные.
type RuleBook interface {
	Credential(ctx context.Context, userID int64) (domain.Credential, error)
	Rules(ctx context.Context, userID int64) (domain.RuleSet, error)
	HasSource(ctx context.Context, userID, sourceID int64) (bool, error)
}

// Forwarder меняет правила вместе с подписками и принимает события пути бота.
type Forwarder interface {
	AddDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error)
	RemoveDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error)
	Dispatch(ctx context.Context, msg domain.InboundMessage) forwarding.Report
}

// Sessions выполняет вход пользователя в свой аккаунт.
type Sessions interface {
	BeginLogin(ctx context.Context, userID int64, cred domain.Credential) (domain.AuthState, error)
	SubmitCode(ctx context.Context, userID int64, code string) (domain.AuthState, error)
	SubmitPassword(ctx context.Context, userID int64, password string) (domain.AuthState, error)
	State(userID int64) domain.AuthState
}

// Handler ведёт диалог с пользователями и передаёт посты каналов диспетчеру.
type Handler struct {
	bot      Sender
	rules    RuleBook
	forward  Forwarder
	sessions Sessions
	log      zerolog.Logger

	mu    sync.Mutex
	forms map[int64]*form

	users   *lanes.Lanes[int64]
	sources *lanes.Lanes[int64]
}

// NewHandler создаёт обработчик.
func NewHandler(bot Sender, rules RuleBook, forward Forwarder, sessions Sessions, log zerolog.Logger) *Handler {
	return &Handler{
		bot:      bot,
		rules:    rules,
		forward:  forward,
		sessions: sessions,
		log:      log,
		forms:    make(map[int64]*form),
		users:    lanes.New[int64](),
		sources:  lanes.New[int64](),
	}
}

// Run читает обновления до отмены контекста и дожидается обработки принятых.
func (h *Handler) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	defer h.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			h.HandleUpdate(ctx, upd)
		}
	}
}

// Wait дожидается завершения всех запущенных обработчиков.
func (h *Handler) Wait() {
	h.users.Wait()
	h.sources.Wait()
}

// HandleUpdate ставит апдейт в очередь: диалоги по пользователю, посты по чату-источнику.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		h.users.Do(upd.CallbackQuery.From.ID, func() { h.safely(func() { h.process(ctx, upd) }) })
	case upd.Message != nil && upd.Message.Chat != nil && upd.Message.Chat.IsPrivate():
		if upd.Message.From == nil {
			return
		}
		h.users.Do(upd.Message.From.ID, func() { h.safely(func() { h.process(ctx, upd) }) })
	default:
		if post := sourcePost(upd); post != nil {
			h.sources.Do(post.Chat.ID, func() { h.safely(func() { h.process(ctx, upd) }) })
		}
	}
}

// process синхронно обрабатывает один апдейт.
func (h *Handler) process(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.Chat != nil && upd.Message.Chat.IsPrivate() && upd.Message.From != nil:
		h.handleMessage(ctx, upd.Message)
	default:
		if post := sourcePost(upd); post != nil {
			h.forward.Dispatch(ctx, domain.InboundMessage{
				SourceID:  post.Chat.ID,
				MessageID: post.MessageID,
				Text:      post.Text,
			})
		}
	}
}

func (h *Handler) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("bot: паника при обработке апдейта")
		}
	}()
	fn()
}

// sourcePost возвращает пост канала или сообщение группы, которые видит бот.
func sourcePost(upd tgbotapi.Update) *tgbotapi.Message {
	if upd.ChannelPost != nil && upd.ChannelPost.Chat != nil {
		return upd.ChannelPost
	}
	if upd.Message != nil && upd.Message.Chat != nil && (upd.Message.Chat.IsGroup() || upd.Message.Chat.IsSuperGroup()) {
		return upd.Message
	}
	return nil
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/cancel") {
		h.resetForm(userID)
		h.showMenu(chatID, userID, "")
		return
	}

	f := h.form(userID)
	state := f.state
	var err error
	switch state {
	case stateAwaitingCredentials:
		err = h.onCredentials(ctx, chatID, userID, f, text)
	case stateAwaitingCode:
		err = h.onCode(ctx, chatID, userID, f, text)
	case stateAwaitingPassword:
		h.deleteMessage(chatID, msg.MessageID)
		err = h.onPassword(ctx, chatID, userID, f, msg.Text)
	case stateAwaitingRule:
		err = h.onRule(ctx, chatID, userID, f, text)
	case stateAwaitingRemovalSource:
		err = h.onRemovalSource(ctx, chatID, userID, f, text)
	case stateAwaitingRemovalDestination:
		err = h.onRemovalDestination(ctx, chatID, userID, f, text)
	default:
		h.showMenu(chatID, userID, "Выберите действие в меню.")
	}
	h.observe(state, err)
	if err != nil {
		h.log.Debug().Err(err).Int64("user", userID).Str("state", state.String()).Msg("bot: шаг диалога отклонён")
		h.reply(chatID, userMessage(err)+"\n"+f.state.prompt(), nil)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	userID := cb.From.ID
	chatID := userID
	if cb.Message != nil && cb.Message.Chat != nil {
		chatID = cb.Message.Chat.ID
	}

	f := h.form(userID)
	switch cb.Data {
	case actionSetCredentials:
		f.pinnedSource = 0
		h.ask(chatID, f, stateAwaitingCredentials)
	case actionAddRule:
		f.pinnedSource = 0
		h.ask(chatID, f, stateAwaitingRule)
	case actionAddMore:
		if f.pinnedSource == 0 {
			h.ask(chatID, f, stateAwaitingRule)
			break
		}
		f.state = stateAwaitingRule
		h.reply(chatID, fmt.Sprintf("Источник %d. Отправьте DEST_ID ещё одного получателя.", f.pinnedSource), nil)
	case actionRemoveRule:
		f.pinnedSource = 0
		h.startRemoval(ctx, chatID, userID, f)
	case actionListRules:
		f.pinnedSource = 0
		f.state = stateMainMenu
		h.reply(chatID, h.describeRules(ctx, userID), h.mainKeyboard())
	case actionMenu:
		f.pinnedSource = 0
		f.state = stateMainMenu
		h.showMenu(chatID, userID, "")
	case actionExit:
		h.resetForm(userID)
		h.reply(chatID, "Диалог завершён. Правила и вход сохранены. /start — вернуться в меню.", nil)
	}

	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(userID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("bot: не удалось ответить на callback")
	}
}

func (h *Handler) onCredentials(ctx context.Context, chatID, userID int64, f *form, text string) error {
	cred, err := parseCredentials(text)
	if err != nil {
		return err
	}
	// Данные закрепляются только после успешного входа, до этого их можно исправить.
	bound, err := h.rules.Credential(ctx, userID)
	if err != nil {
		return err
	}
	if !bound.IsZero() && bound != cred {
		return domain.ErrCredentialMismatch
	}
	state, err := h.sessions.BeginLogin(ctx, userID, cred)
	if err != nil {
		return err
	}
	switch state {
	case domain.AuthAuthenticated:
		f.state = stateMainMenu
		h.showMenu(chatID, userID, "Вы уже вошли в аккаунт.")
	default:
		f.state = stateAwaitingCode
		h.reply(chatID, "Код отправлен в Telegram. "+f.state.prompt(), nil)
	}
	return nil
}

func (h *Handler) onCode(ctx context.Context, chatID, userID int64, f *form, text string) error {
	code, err := normalizeCode(text)
	if err != nil {
		return err
	}
	state, err := h.sessions.SubmitCode(ctx, userID, code)
	if errors.Is(err, domain.ErrLoginNotStarted) {
		f.state = stateMainMenu
		h.showMenu(chatID, userID, userMessage(err))
		return nil
	}
	if err != nil {
		return err
	}
	if state == domain.AuthTwoFactorRequired {
		h.ask(chatID, f, stateAwaitingPassword)
		return nil
	}
	f.state = stateMainMenu
	h.showMenu(chatID, userID, "Вход выполнен, пересылка от вашего имени включена.")
	return nil
}

func (h *Handler) onPassword(ctx context.Context, chatID, userID int64, f *form, password string) error {
	if strings.TrimSpace(password) == "" {
		return domain.ErrValidation
	}
	_, err := h.sessions.SubmitPassword(ctx, userID, password)
	if errors.Is(err, domain.ErrLoginNotStarted) {
		f.state = stateMainMenu
		h.showMenu(chatID, userID, userMessage(err))
		return nil
	}
	if err != nil {
		return err
	}
	f.state = stateMainMenu
	h.showMenu(chatID, userID, "Вход выполнен, пересылка от вашего имени включена.")
	return nil
}

func (h *Handler) onRule(ctx context.Context, chatID, userID int64, f *form, text string) error {
	source, dest, err := parseRule(text, f.pinnedSource)
	if err != nil {
		return err
	}
	if f.pinnedSource != 0 && source != f.pinnedSource {
		pinned := f.pinnedSource
		f.pinnedSource = 0
		f.state = stateMainMenu
		h.showMenu(chatID, userID, fmt.Sprintf("Выбран источник %d, а не %d. Правило не сохранено, начните добавление заново.", pinned, source))
		return nil
	}
	dests, err := h.forward.AddDestination(ctx, userID, source, dest)
	if err != nil {
		return err
	}
	f.state = stateMainMenu
	f.pinnedSource = source

	msg := fmt.Sprintf("Правило сохранено: %d → %s", source, joinIDs(dests))
	if h.sessions.State(userID) != domain.AuthAuthenticated {
		msg += "\nБез входа в аккаунт пересылаются только сообщения, которые видит бот."
	}
	h.reply(chatID, msg, h.afterRuleKeyboard())
	return nil
}

func (h *Handler) startRemoval(ctx context.Context, chatID, userID int64, f *form) {
	rules, err := h.rules.Rules(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("bot: не удалось загрузить правила")
		h.reply(chatID, userMessage(err), nil)
		return
	}
	if len(rules) == 0 {
		f.state = stateMainMenu
		h.reply(chatID, "Правил пока нет.", h.mainKeyboard())
		return
	}
	f.state = stateAwaitingRemovalSource
	h.reply(chatID, formatRules(rules)+"\n\n"+f.state.prompt(), nil)
}

func (h *Handler) onRemovalSource(ctx context.Context, chatID, userID int64, f *form, text string) error {
	source, err := domain.ParseChatID(text)
	if err != nil {
		return err
	}
	ok, err := h.rules.HasSource(ctx, userID, source)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	rules, err := h.rules.Rules(ctx, userID)
	if err != nil {
		return err
	}
	f.removalSource = source
	f.state = stateAwaitingRemovalDestination
	h.reply(chatID, fmt.Sprintf("Получатели %d: %s\n%s", source, joinIDs(rules.Destinations(source)), f.state.prompt()), nil)
	return nil
}

func (h *Handler) onRemovalDestination(ctx context.Context, chatID, userID int64, f *form, text string) error {
	dest, err := domain.ParseChatID(text)
	if err != nil {
		return err
	}
	remaining, err := h.forward.RemoveDestination(ctx, userID, f.removalSource, dest)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Получатель %d удалён.", dest)
	if len(remaining) == 0 {
		msg = fmt.Sprintf("Получатель %d удалён, у источника %d больше нет правил.", dest, f.removalSource)
	}
	f.state = stateMainMenu
	f.removalSource = 0
	h.showMenu(chatID, userID, msg)
	return nil
}

func (h *Handler) ask(chatID int64, f *form, state formState) {
	f.state = state
	h.reply(chatID, state.prompt(), nil)
}

func (h *Handler) showMenu(chatID, userID int64, notice string) {
	var b strings.Builder
	if notice != "" {
		b.WriteString(notice)
		b.WriteString("\n\n")
	}
	b.WriteString("Главное меню\n")
	b.WriteString("Вход в аккаунт: ")
	b.WriteString(authStatus(h.sessions.State(userID)))
	h.reply(chatID, b.String(), h.mainKeyboard())
}

func (h *Handler) describeRules(ctx context.Context, userID int64) string {
	rules, err := h.rules.Rules(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("bot: не удалось загрузить правила")
		return userMessage(err)
	}
	status := "Вход в аккаунт: " + authStatus(h.sessions.State(userID))
	if len(rules) == 0 {
		return "Правил пока нет.\n" + status
	}
	return formatRules(rules) + "\n\n" + status
}

func (h *Handler) deleteMessage(chatID int64, messageID int) {
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	metrics.ObserveNetworkRequest("telegram_bot", "delete_message", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		h.log.Warn().Err(err).Msg("bot: не удалось удалить сообщение с паролем")
	}
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	for i, part := range splitReply(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("bot: не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) observe(state formState, err error) {
	result := "ok"
	switch {
	case errors.Is(err, domain.ErrValidation):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	metrics.ObserveConversation(state.String(), result)
}

func (h *Handler) mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔑 Данные API", actionSetCredentials),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Добавить правило", actionAddRule),
			tgbotapi.NewInlineKeyboardButtonData("➖ Удалить правило", actionRemoveRule),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📋 Мои правила", actionListRules),
			tgbotapi.NewInlineKeyboardButtonData("🚪 Выход", actionExit),
		),
	)
	return &buttons
}

func (h *Handler) afterRuleKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Ещё получатель", actionAddMore),
			tgbotapi.NewInlineKeyboardButtonData("🏠 Меню", actionMenu),
		),
	)
	return &buttons
}

// userMessage выбирает текст ошибки для пользователя.
func userMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "Неверный формат."
	case errors.Is(err, domain.ErrNotFound):
		return "Такого правила нет."
	case errors.Is(err, domain.ErrCredentialMismatch):
		return "К вашему аккаунту уже привязаны другие данные API."
	case errors.Is(err, domain.ErrInvalidCode):
		return "Неверный код."
	case errors.Is(err, domain.ErrInvalidPassword):
		return "Неверный пароль."
	case errors.Is(err, domain.ErrExternalUnavailable):
		return "Telegram сейчас недоступен, попробуйте позже."
	case errors.Is(err, domain.ErrLoginNotStarted):
		return "Вход не начат. Сначала отправьте данные API."
	default:
		return "Что-то пошло не так, попробуйте позже."
	}
}

func authStatus(state domain.AuthState) string {
	switch state {
	case domain.AuthAuthenticated:
		return "выполнен"
	case domain.AuthCodeSent:
		return "ожидается код"
	case domain.AuthTwoFactorRequired:
		return "ожидается пароль"
	default:
		return "не выполнен"
	}
}

func formatRules(rules domain.RuleSet) string {
	sources := rules.Sources()
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	var b strings.Builder
	b.WriteString("Ваши правила:")
	for _, source := range sources {
		fmt.Fprintf(&b, "\n%d → %s", source, joinIDs(rules.Destinations(source)))
	}
	return b.String()
}

func joinIDs(ids []int64) string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return strings.Join(out, ", ")
}
