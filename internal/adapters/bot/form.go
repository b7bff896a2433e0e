package bot

const (
	actionSetCredentials = "set_credentials"
	actionAddRule        = "add_rule"
	actionAddMore        = "add_more"
	actionRemoveRule     = "remove_rule"
	actionListRules      = "list_rules"
	actionMenu           = "menu"
	actionExit           = "exit"
)

type formState int

const (
	stateMainMenu formState = iota
	stateAwaitingCredentials
	stateAwaitingRule
	stateAwaitingRemovalSource
	stateAwaitingRemovalDestination
	stateAwaitingCode
	stateAwaitingPassword
)

func (s formState) String() string {
	switch s {
	case stateAwaitingCredentials:
		return "awaiting_credentials"
	case stateAwaitingRule:
		return "awaiting_rule"
	case stateAwaitingRemovalSource:
		return "awaiting_removal_source"
	case stateAwaitingRemovalDestination:
		return "awaiting_removal_destination"
	case stateAwaitingCode:
		return "awaiting_code"
	case stateAwaitingPassword:
		return "awaiting_password"
	default:
		return "main_menu"
	}
}

func (s formState) prompt() string {
	switch s {
	case stateAwaitingCredentials:
		return "Отправьте данные в формате: API_ID, API_HASH, PHONE"
	case stateAwaitingRule:
		return "Отправьте правило в формате: SOURCE_ID, DEST_ID"
	case stateAwaitingRemovalSource:
		return "Отправьте SOURCE_ID источника."
	case stateAwaitingRemovalDestination:
		return "Отправьте DEST_ID получателя, которого нужно удалить."
	case stateAwaitingCode:
		return "Отправьте код из Telegram."
	case stateAwaitingPassword:
		return "Отправьте пароль двухфакторной защиты. Сообщение с паролем будет удалено."
	default:
		return "Выберите действие в меню."
	}
}

// form — состояние диалога пользователя. Меняется только в очереди этого пользователя.
type form struct {
	state         formState
	pinnedSource  int64
	removalSource int64
}

func (h *Handler) form(userID int64) *form {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.forms[userID]
	if !ok {
		f = &form{}
		h.forms[userID] = f
	}
	return f
}

func (h *Handler) resetForm(userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.forms, userID)
}
