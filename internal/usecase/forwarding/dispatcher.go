package forwarding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/metrics"
)

const (
	pathBot  = "bot"
	pathUser = "user"
)

// RuleReader отдаёт правила пересылки для диспетчера.
type RuleReader interface {
	ListAll(ctx context.Context) (map[int64]domain.RuleSet, error)
	Rules(ctx context.Context, userID int64) (domain.RuleSet, error)
}

// SessionLookup ищет авторизованную сессию пользователя и её подписки.
type SessionLookup interface {
	GetSession(userID int64) (domain.UserClient, bool)
	Subscribed(userID, sourceID int64) bool
}

// Failure описывает неудачную пересылку одному получателю.
type Failure struct {
	UserID int64
	DestID int64
	Err    error
}

// Report описывает итог обработки одного входящего события.
type Report struct {
	EventID    string
	Targets    int
	Delivered  int
	Duplicates int
	Skipped    int
	Failures   []Failure
}

type target struct {
	userID  int64
	destID  int64
	relayer domain.Relayer
}

// Dispatcher рассылает входящие сообщения всем получателям из правил.
type Dispatcher struct {
	rules    RuleReader
	sessions SessionLookup
	bot      domain.Relayer
	guard    domain.RelayGuard
	ttl      time.Duration
	log      zerolog.Logger
}

// NewDispatcher создаёт диспетчер. bot и guard могут быть nil.
func NewDispatcher(rules RuleReader, sessions SessionLookup, bot domain.Relayer, guard domain.RelayGuard, ttl time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{rules: rules, sessions: sessions, bot: bot, guard: guard, ttl: ttl, log: log}
}

// Dispatch пересылает сообщение всем подходящим получателям параллельно.
// Ошибки отдельных получателей попадают в отчёт и не прерывают остальные пересылки.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) Report {
	path := pathUser
	if msg.FromBot() {
		path = pathBot
	}
	report := Report{EventID: uuid.NewString()}
	log := d.log.With().
		Str("event", report.EventID).
		Str("path", path).
		Int64("source", msg.SourceID).
		Int("message", msg.MessageID).
		Logger()
	metrics.IncDispatched(path)

	targets, skipped := d.resolve(ctx, msg, log)
	report.Targets = len(targets)
	report.Skipped = skipped
	if len(targets) == 0 {
		log.Debug().Msg("dispatch: получателей нет")
		return report
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			ran, err := d.relay(ctx, msg, t)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failures = append(report.Failures, Failure{UserID: t.userID, DestID: t.destID, Err: err})
				metrics.ObserveRelay(path, "error")
				log.Warn().Err(err).Int64("user", t.userID).Int64("dest", t.destID).Msg("dispatch: не удалось переслать")
			case !ran:
				report.Duplicates++
				metrics.ObserveRelay(path, "duplicate")
			default:
				report.Delivered++
				metrics.ObserveRelay(path, "success")
			}
		}(t)
	}
	wg.Wait()

	log.Info().
		Int("targets", report.Targets).
		Int("delivered", report.Delivered).
		Int("duplicates", report.Duplicates).
		Int("failed", len(report.Failures)).
		Msg("dispatch: событие обработано")
	return report
}

// resolve собирает пары (пользователь, получатель). Для пути бота учитываются все пользователи,
// для пути сессии только владелец сессии.
// В обычных группах номера сообщений у бота и у пользователя разные, ключ защиты от дублей
// не совпадёт, поэтому такие источники бот оставляет подписанной сессии.
func (d *Dispatcher) resolve(ctx context.Context, msg domain.InboundMessage, log zerolog.Logger) ([]target, int) {
	if msg.FromBot() {
		if d.bot == nil {
			return nil, 0
		}
		all, err := d.rules.ListAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("dispatch: не удалось прочитать правила")
			return nil, 0
		}
		var (
			out     []target
			skipped int
		)
		shared := domain.IsChannelID(msg.SourceID)
		for userID, rules := range all {
			dests := rules.Destinations(msg.SourceID)
			if len(dests) == 0 {
				continue
			}
			if !shared && d.sessions.Subscribed(userID, msg.SourceID) {
				skipped += len(dests)
				metrics.ObserveRelay(pathBot, "session_owned")
				continue
			}
			for _, dest := range dests {
				out = append(out, target{userID: userID, destID: dest, relayer: d.bot})
			}
		}
		return out, skipped
	}

	rules, err := d.rules.Rules(ctx, msg.Owner)
	if err != nil {
		log.Error().Err(err).Int64("user", msg.Owner).Msg("dispatch: не удалось прочитать правила пользователя")
		return nil, 0
	}
	dests := rules.Destinations(msg.SourceID)
	if len(dests) == 0 {
		return nil, 0
	}
	client, ok := d.sessions.GetSession(msg.Owner)
	if !ok {
		log.Warn().Int64("user", msg.Owner).Msg("dispatch: сессия пользователя недоступна")
		metrics.ObserveRelay(pathUser, "no_session")
		return nil, len(dests)
	}
	out := make([]target, 0, len(dests))
	for _, dest := range dests {
		out = append(out, target{userID: msg.Owner, destID: dest, relayer: client})
	}
	return out, 0
}

// relay выполняет одну пересылку под защитой от дублей. ran=false значит,
// что пересылка уже была выполнена другим путём.
func (d *Dispatcher) relay(ctx context.Context, msg domain.InboundMessage, t target) (ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic при пересылке: %v", r)
		}
	}()

	// Паника внутри fn превращается в ошибку, чтобы guard освободил ключ.
	forward := func() (ferr error) {
		ran = true
		defer func() {
			if r := recover(); r != nil {
				ferr = fmt.Errorf("panic при пересылке: %v", r)
			}
		}()
		return t.relayer.Forward(ctx, msg, t.destID)
	}
	if d.guard == nil {
		return true, forward()
	}
	err = d.guard.Once(ctx, guardKey(t.userID, msg, t.destID), d.ttl, forward)
	return ran, err
}

func guardKey(userID int64, msg domain.InboundMessage, destID int64) string {
	return fmt.Sprintf("%d:%d:%d:%d", userID, msg.SourceID, msg.MessageID, destID)
}
