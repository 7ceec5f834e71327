package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGDeckBot/internal/entitlement"
	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/internal/service"
	"github.com/digkill/TGDeckBot/internal/tracker"
)

const (
	buyCallbackPrefix   = "buy:"
	defaultEditInterval = 1500 * time.Millisecond
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Catalog resolves product metadata for the purchase keyboard.
type Catalog interface {
	Product(ctx context.Context, productID string) (models.Product, error)
}

type Bot struct {
	api          API
	log          *slog.Logger
	sessions     *service.SessionManager
	generation   *service.GenerationService
	catalog      Catalog
	productIDs   []string
	state        *StateManager
	editInterval time.Duration
	wg           sync.WaitGroup
}

func NewBot(api API, log *slog.Logger, sessions *service.SessionManager, generation *service.GenerationService, catalog Catalog, productIDs []string) *Bot {
	return &Bot{
		api:          api,
		log:          log,
		sessions:     sessions,
		generation:   generation,
		catalog:      catalog,
		productIDs:   productIDs,
		state:        NewStateManager(),
		editInterval: defaultEditInterval,
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			b.handleUpdate(ctx, update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	if b.state.Get(msg.Chat.ID).Mode == ModeAwaitingTopic {
		b.state.Reset(msg.Chat.ID)
		b.startGeneration(ctx, msg.Chat.ID, userIDOf(msg.From, msg.Chat.ID), msg.Text)
		return
	}
	b.sendText(msg.Chat.ID, "Отправьте /generate <тема>, чтобы создать презентацию.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := userIDOf(msg.From, chatID)

	switch msg.Command() {
	case "start":
		session, ok := b.openSession(ctx, chatID, userID)
		if !ok {
			return
		}
		name := "друг"
		if msg.From != nil && msg.From.FirstName != "" {
			name = msg.From.FirstName
		}
		text := fmt.Sprintf(
			"Привет, %s!\n\nЯ создаю презентации по теме. Одна готовая презентация стоит 1 токен, токен списывается только после успешной генерации.\n\n%s\n\nКоманды:\n/generate <тема> — создать презентацию\n/cancel — остановить генерацию\n/balance — проверить баланс\n/buy — купить токены\n/restore — восстановить покупки",
			name, balanceText(session),
		)
		b.sendText(chatID, text)
	case "balance":
		session, ok := b.openSession(ctx, chatID, userID)
		if !ok {
			return
		}
		b.sendText(chatID, balanceText(session))
	case "generate":
		topic := strings.TrimSpace(msg.CommandArguments())
		if topic == "" {
			b.state.SetMode(chatID, ModeAwaitingTopic)
			b.sendText(chatID, "Напишите тему презентации одним сообщением.")
			return
		}
		b.startGeneration(ctx, chatID, userID, topic)
	case "cancel":
		b.state.Reset(chatID)
		session, ok := b.sessions.Lookup(userID)
		if !ok || !b.generation.Cancel(session) {
			b.sendText(chatID, "Нет активной генерации.")
		}
	case "buy":
		b.sendCatalog(ctx, chatID)
	case "restore":
		b.handleRestore(ctx, chatID, userID)
	default:
		b.sendText(chatID, "Неизвестная команда. Используйте /generate <тема>.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	productID, ok := strings.CutPrefix(cb.Data, buyCallbackPrefix)
	if !ok || productID == "" {
		b.answerCallback(cb.ID, "Неизвестный выбор")
		return
	}
	b.answerCallback(cb.ID, "Оформляем покупку…")
	b.handlePurchase(ctx, cb.Message.Chat.ID, userIDOf(cb.From, cb.Message.Chat.ID), productID)
}

func (b *Bot) startGeneration(ctx context.Context, chatID int64, userID, topic string) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		b.sendText(chatID, "Тема не может быть пустой.")
		return
	}
	session, ok := b.openSession(ctx, chatID, userID)
	if !ok {
		return
	}
	if session.ActiveTask() != nil {
		b.sendText(chatID, "Презентация уже генерируется. Дождитесь результата или отправьте /cancel.")
		return
	}
	if session.Ledger.Balance().Total() < 1 {
		b.sendText(chatID, failureText(models.ReasonInsufficientBalance))
		return
	}

	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, progressText(topic, 0)))
	if err != nil {
		b.log.Error("send progress message", "err", err)
		return
	}
	reporter := newProgressReporter(b, chatID, sent.MessageID, topic)

	tr, err := b.generation.Start(ctx, session, topic, reporter.Update)
	if err != nil {
		reporter.Close()
		switch {
		case errors.Is(err, service.ErrTaskInProgress):
			b.editText(chatID, sent.MessageID, "Презентация уже генерируется. Дождитесь результата или отправьте /cancel.")
		default:
			b.editText(chatID, sent.MessageID, failureText(models.ReasonOf(err)))
		}
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(chatID, sent.MessageID, session, tr, reporter)
	}()
}

// deliver waits for the task and replaces the progress message with the outcome.
func (b *Bot) deliver(chatID int64, messageID int, session *service.Session, tr *tracker.Tracker, reporter *progressReporter) {
	res, err := tr.Wait(context.Background())
	reporter.Close()

	if err != nil || !res.Ready {
		reason := models.ReasonOf(err)
		b.log.Info("generation finished without result", "chat_id", chatID, "reason", reason, "err", err)
		b.editText(chatID, messageID, failureText(reason))
		return
	}

	b.editText(chatID, messageID, progressText(res.Task.Prompt, 100))
	b.sendText(chatID, resultText(res.Artifact, session.Ledger.Balance()))
}

func (b *Bot) sendCatalog(ctx context.Context, chatID int64) {
	if len(b.productIDs) == 0 {
		b.sendText(chatID, "Покупки сейчас недоступны.")
		return
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(b.productIDs))
	for _, id := range b.productIDs {
		product, err := b.catalog.Product(ctx, id)
		if err != nil {
			b.log.Warn("load product", "product_id", id, "err", err)
			product = models.Product{ID: id}
		}
		btn := tgbotapi.NewInlineKeyboardButtonData(productLabel(product), buyCallbackPrefix+id)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btn))
	}

	msg := tgbotapi.NewMessage(chatID, "Выберите пакет токенов:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send catalog", "err", err)
	}
}

func (b *Bot) handlePurchase(ctx context.Context, chatID int64, userID, productID string) {
	session, ok := b.openSession(ctx, chatID, userID)
	if !ok {
		return
	}

	purchased, err := session.Entitlements.Purchase(ctx, productID)
	switch {
	case err != nil && purchased && errors.Is(err, models.ErrCreditFailed):
		b.log.Error("purchase credit deferred", "user_id", userID, "product_id", productID, "err", err)
		b.sendText(chatID, "Оплата прошла, но токены пока не зачислены. Мы зачислим их автоматически, проверьте /balance чуть позже.")
	case err != nil:
		b.log.Error("purchase", "user_id", userID, "product_id", productID, "err", err)
		b.sendText(chatID, "Не удалось завершить покупку. Попробуйте позже.")
	case !purchased:
		b.sendText(chatID, "Покупка отменена.")
	default:
		b.sendText(chatID, "Покупка прошла успешно!\n\n"+balanceText(session))
	}
}

func (b *Bot) handleRestore(ctx context.Context, chatID int64, userID string) {
	session, ok := b.openSession(ctx, chatID, userID)
	if !ok {
		return
	}
	if _, _, err := b.sessions.Resume(ctx, userID); err != nil {
		b.log.Warn("restore purchases", "user_id", userID, "err", err)
		b.sendText(chatID, "Сервис покупок недоступен, показываю последние известные данные.\n\n"+balanceText(session))
		return
	}
	b.sendText(chatID, "Покупки восстановлены.\n\n"+balanceText(session))
}

func (b *Bot) openSession(ctx context.Context, chatID int64, userID string) (*service.Session, bool) {
	session, err := b.sessions.Open(ctx, userID)
	if err != nil {
		b.log.Error("open session", "user_id", userID, "err", err)
		b.sendText(chatID, "Не удалось загрузить баланс, попробуйте позже.")
		return nil, false
	}
	return session, true
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func (b *Bot) editText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.api.Send(edit); err != nil {
		b.log.Warn("edit message", "message_id", messageID, "err", err)
	}
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func userIDOf(from *tgbotapi.User, chatID int64) string {
	if from != nil {
		return strconv.FormatInt(from.ID, 10)
	}
	return strconv.FormatInt(chatID, 10)
}

func balanceText(session *service.Session) string {
	balance := session.Ledger.Balance()
	text := fmt.Sprintf("Баланс:\nБесплатные токены: %d\nПремиум токены: %d\nВсего: %d",
		balance.FreeUnits, balance.PremiumUnits, balance.Total())
	if ent := session.Entitlements.Current(); ent.IsPro {
		text += "\nПодписка: активна"
		if ent.ActiveProductID != "" {
			text += " (" + ent.ActiveProductID + ")"
		}
	}
	return text
}

func progressText(topic string, progress int) string {
	if progress >= 100 {
		return fmt.Sprintf("Презентация «%s» готова.", topic)
	}
	return fmt.Sprintf("Создаю презентацию «%s»…\nПрогресс: %d%%", topic, progress)
}

func resultText(artifact models.Artifact, balance models.TokenBalance) string {
	var sb strings.Builder
	sb.WriteString("Презентация готова!")
	if artifact.Title != "" {
		fmt.Fprintf(&sb, "\nНазвание: %s", artifact.Title)
	}
	if artifact.SlideCount > 0 {
		fmt.Fprintf(&sb, "\nСлайдов: %d", artifact.SlideCount)
	}
	if artifact.EmbedURL != "" {
		fmt.Fprintf(&sb, "\nПросмотр: %s", artifact.EmbedURL)
	}
	if artifact.DownloadURL != "" {
		fmt.Fprintf(&sb, "\nСкачать: %s", artifact.DownloadURL)
	}
	fmt.Fprintf(&sb, "\n\nОсталось токенов: %d", balance.Total())
	return sb.String()
}

// failureText is the user-facing message for a terminal task outcome.
func failureText(reason models.FailureReason) string {
	switch reason {
	case models.ReasonInsufficientBalance:
		return "Недостаточно токенов для генерации. Пополните баланс через /buy."
	case models.ReasonSettlementFailed:
		return "Презентация создана, но списать токен не удалось. Пополните баланс через /buy и попробуйте снова."
	case models.ReasonJobFailed:
		return "Сервис не смог создать презентацию. Попробуйте ещё раз."
	case models.ReasonTimedOut:
		return "Генерация заняла слишком много времени. Попробуйте ещё раз позже."
	case models.ReasonAuth:
		return "Сервис генерации временно недоступен. Попробуйте позже."
	case models.ReasonSubmission:
		return "Не удалось отправить задание на генерацию. Попробуйте позже."
	case models.ReasonCancelled:
		return "Генерация отменена."
	default:
		return "Не удалось создать презентацию, попробуйте позже."
	}
}

func productLabel(p models.Product) string {
	label := p.Title
	if label == "" {
		if units := entitlement.CreditableUnits(p); units > 0 {
			label = fmt.Sprintf("%d презентаций", units)
		} else {
			label = p.ID
		}
	}
	if p.Price != "" {
		label += " · " + p.Price
	}
	return label
}

// progressReporter edits the progress message from tracker updates without
// blocking the tracker goroutine. Only the latest progress is shown and edits
// are spaced by the bot's edit interval.
type progressReporter struct {
	bot       *Bot
	chatID    int64
	messageID int
	topic     string

	mu     sync.Mutex
	latest int

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newProgressReporter(b *Bot, chatID int64, messageID int, topic string) *progressReporter {
	r := &progressReporter{
		bot:       b,
		chatID:    chatID,
		messageID: messageID,
		topic:     topic,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *progressReporter) Update(task models.GenerationTask) {
	if task.Status.Terminal() {
		return
	}
	r.mu.Lock()
	r.latest = task.Progress
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops the reporter and waits for any edit in flight.
func (r *progressReporter) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.done
}

func (r *progressReporter) loop() {
	defer close(r.done)
	shown := 0
	for {
		select {
		case <-r.quit:
			return
		case <-r.wake:
		}

		r.mu.Lock()
		progress := r.latest
		r.mu.Unlock()
		if progress != shown {
			r.bot.editText(r.chatID, r.messageID, progressText(r.topic, progress))
			shown = progress
		}

		select {
		case <-r.quit:
			return
		case <-time.After(r.bot.editInterval):
		}
	}
}
