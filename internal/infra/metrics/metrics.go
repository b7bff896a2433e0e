package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	RelayTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_total",
		Help: "Результаты пересылки сообщений получателям",
	}, []string{"path", "status"})

	DispatchedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatched_events_total",
		Help: "Входящие события, переданные диспетчеру",
	}, []string{"path"})

	AuthTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_transitions_total",
		Help: "Переходы состояния входа пользователей",
	}, []string{"state"})

	ConversationInputs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_inputs_total",
		Help: "Обработанные шаги диалога",
	}, []string{"state", "result"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Авторизованные сессии пользователей в памяти процесса",
	})

	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_subscriptions",
		Help: "Активные подписки (пользователь, источник)",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		RelayTotal,
		DispatchedEvents,
		AuthTransitions,
		ConversationInputs,
		ActiveSessions,
		ActiveSubscriptions,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveRelay учитывает результат одной пересылки.
func ObserveRelay(path, status string) {
	RelayTotal.WithLabelValues(path, status).Inc()
}

// IncDispatched увеличивает счётчик событий диспетчера.
func IncDispatched(path string) {
	DispatchedEvents.WithLabelValues(path).Inc()
}

// ObserveAuth учитывает переход в состояние входа.
func ObserveAuth(state string) {
	AuthTransitions.WithLabelValues(state).Inc()
}

// ObserveConversation учитывает обработку шага диалога.
func ObserveConversation(state, result string) {
	ConversationInputs.WithLabelValues(state, result).Inc()
}

// ChatTarget форматирует идентификатор чата для метки target.
func ChatTarget(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
