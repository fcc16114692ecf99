package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"taskflow/internal/clock"
	"taskflow/internal/model"
	"taskflow/internal/recurrence"
	"taskflow/internal/repository"
	"taskflow/internal/service"
)

type conversationStage int

const (
	stageNone conversationStage = iota
	stageTitle
	stageDueDate
	stageRepeat
)

const (
	cbDonePrefix          = "done:"
	cbDeletePrefix        = "delete:"
	cbConfirmDonePrefix   = "confirm-done:"
	cbConfirmDeletePrefix = "confirm-delete:"
	cbCancelPrefix        = "cancel:"
)

const (
	btnSkip          = "⏭️ Skip"
	btnCancelDialog  = "⏪ Cancel input"
	noCategory       = "No category"
	noCategoryKey    = "__no_category__"
	iconDefault      = "🟢"
	iconDue          = "⏳"
	iconOverdue      = "⚠️"
	iconRecurring    = "♻️"
	menuLabelNewTask = "➕ New task"
	menuLabelTasks   = "📋 Tasks"
	menuLabelDigest  = "🌅 Digest"
	menuLabelHelp    = "ℹ️ Help"
	dateLayout       = "2006-01-02"
	dateTimeLayout   = "2006-01-02 15:04"
)

type conversationState struct {
	stage conversationStage
	input service.TaskInput
}

// Deps are the services the bot talks to.
type Deps struct {
	Users      *repository.UserRepository
	Categories *repository.CategoryRepository
	Tasks      *service.TaskService
	Settings   *service.SettingsService
	Digests    *service.DigestService
	Clock      clock.Clock
	Location   *time.Location
	Log        zerolog.Logger
}

// Bot aggregates Telegram API with services.
type Bot struct {
	api *tgbotapi.BotAPI
	Deps

	conversations map[int64]*conversationState
	mu            sync.Mutex
}

// New authorizes token against the Bot API.
func New(token string, deps Deps) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return NewWithAPI(api, deps), nil
}

func NewWithAPI(api *tgbotapi.BotAPI, deps Deps) *Bot {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{Location: deps.Location}
	}
	deps.Log = deps.Log.With().Str("component", "bot").Logger()
	deps.Log.Info().Str("account", api.Self.UserName).Msg("bot authorized")

	return &Bot{
		api:           api,
		Deps:          deps,
		conversations: make(map[int64]*conversationState),
	}
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.Log.Info().Msg("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				b.Log.Error().Err(err).Msg("handle callback")
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				b.Log.Error().Err(err).Msg("handle message")
			}
		}
	}

	return nil
}

func (b *Bot) now() time.Time {
	return b.Clock.Now().In(b.Location)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if !msg.IsCommand() && isCancelDialogInput(msg.Text) {
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Task input cancelled.")
	}

	if !msg.IsCommand() {
		if handled, err := b.handleMenuAlias(ctx, msg); handled {
			return err
		}
	}

	if msg.IsCommand() {
		b.Log.Info().Int64("from", msg.From.ID).Str("command", msg.Command()).Msg("command received")
		return b.handleCommand(ctx, msg)
	}

	if b.hasConversation(msg.From.ID) {
		return b.handleConversation(ctx, msg)
	}

	return b.sendText(msg.Chat.ID, "I did not get that. Use /add to create a task or /help for the command list.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "tasks":
		return b.handleListTasks(ctx, msg)
	case "add", "newtask":
		return b.handleAdd(ctx, msg)
	case "done", "complete":
		return b.handleDone(ctx, msg)
	case "status":
		return b.handleStatus(ctx, msg)
	case "delete":
		return b.handleDelete(ctx, msg)
	case "share":
		return b.handleShare(ctx, msg)
	case "assign":
		return b.handleAssign(ctx, msg)
	case "categories":
		return b.handleCategories(ctx, msg)
	case "digest":
		return b.handleDigest(ctx, msg)
	case "notify":
		return b.handleNotify(ctx, msg)
	case "schedule":
		return b.handleSchedule(ctx, msg)
	case "chat":
		return b.handleChat(ctx, msg)
	case "token":
		return b.handleToken(ctx, msg)
	case "test":
		return b.handleTest(ctx, msg)
	case "cancel":
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Task input cancelled.")
	default:
		return b.sendText(msg.Chat.ID, "Unknown command. See /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if _, err := b.Settings.LinkChat(ctx, user.ID, strconv.FormatInt(msg.Chat.ID, 10)); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "there"
	}

	text := fmt.Sprintf(
		"👋 Hi, %s!\n<b>I keep your tasks and send you a daily digest.</b>\n\n"+
			"This chat is now linked for digests. Turn them on with /notify on.\n\n"+helpText,
		escape(name),
	)
	return b.sendText(msg.Chat.ID, text)
}

const helpText = "Commands:\n" +
	"• /add &lt;title; due=2025-03-14 09:00; every=weekly:1,3; until=2025-06-01; priority=high; category=Work; assignee=@bob&gt;\n" +
	"• /add without arguments asks step by step\n" +
	"• /tasks — open tasks with buttons\n" +
	"• /done &lt;id&gt; [id...] — complete tasks, recurring ones move to the next date\n" +
	"• /status &lt;id&gt; &lt;BACKLOG|TODO|IN_PROGRESS|REVIEW|DONE&gt;\n" +
	"• /delete &lt;id&gt; — delete a task you created\n" +
	"• /share &lt;id|category&gt; @username — share a task or a whole category\n" +
	"• /assign &lt;id&gt; @username|none — hand a task you created to someone\n" +
	"• /categories — your categories\n" +
	"• /digest — preview today's digest\n" +
	"• /notify on|off — daily digest\n" +
	"• /schedule [day HH:MM|on|off] — digest time per weekday\n" +
	"• /chat &lt;chat id|@channel&gt; — where digests go\n" +
	"• /token &lt;bot token|default&gt; — send digests from your own bot\n" +
	"• /test — send a test notification\n" +
	"• /cancel — cancel the current input"

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	return b.sendText(msg.Chat.ID, "ℹ️ <b>Help</b>\n"+helpText)
}

func (b *Bot) handleAdd(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		b.Log.Debug().Int64("from", msg.From.ID).Msg("start new task conversation")
		b.setConversation(msg.From.ID, &conversationState{stage: stageTitle})
		return b.sendWithReplyMarkup(msg.Chat.ID, "🆕 New task.\n<b>Step 1:</b> what is it called?", cancelKeyboard())
	}

	input, err := service.ParseTaskInput(args, b.Location)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Could not read the task: %s", escape(err.Error())))
	}
	return b.finishTaskCreation(ctx, user, input, msg.Chat.ID)
}

func (b *Bot) handleConversation(ctx context.Context, msg *tgbotapi.Message) error {
	state := b.getConversation(msg.From.ID)
	if state == nil {
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	switch state.stage {
	case stageTitle:
		if text == "" {
			return b.sendWithReplyMarkup(msg.Chat.ID, "The title cannot be empty.", cancelKeyboard())
		}
		state.input.Title = text
		state.stage = stageDueDate
		return b.sendWithReplyMarkup(msg.Chat.ID, "⏰ Due date as <code>2025-11-30</code> or <code>2025-11-30 18:00</code> (or Skip).", skipKeyboard())
	case stageDueDate:
		if isSkipInput(text) {
			return b.completeConversation(ctx, msg, state)
		}
		input, err := service.ParseTaskInput("x; due="+text, b.Location)
		if err != nil {
			return b.sendWithReplyMarkup(msg.Chat.ID, "I cannot read that date. Use <code>2025-11-30</code> or Skip.", skipKeyboard())
		}
		state.input.DueDate = input.DueDate
		state.stage = stageRepeat
		return b.sendWithReplyMarkup(msg.Chat.ID, "🔁 Repeat? <code>daily</code>, <code>weekly:1,3</code>, <code>monthly:15</code>, <code>yearly</code> (or Skip).", skipKeyboard())
	case stageRepeat:
		if !isSkipInput(text) {
			input, err := service.ParseTaskInput("x; every="+text, b.Location)
			if err != nil {
				return b.sendWithReplyMarkup(msg.Chat.ID, fmt.Sprintf("%s. Try again or Skip.", escape(err.Error())), skipKeyboard())
			}
			state.input.Recurrence = input.Recurrence
		}
		return b.completeConversation(ctx, msg, state)
	default:
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "Input reset. Start again with /add.")
	}
}

func (b *Bot) completeConversation(ctx context.Context, msg *tgbotapi.Message, state *conversationState) error {
	b.clearConversation(msg.From.ID)
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	return b.finishTaskCreation(ctx, user, state.input, msg.Chat.ID)
}

func (b *Bot) finishTaskCreation(ctx context.Context, user *model.User, input service.TaskInput, chatID int64) error {
	task, err := b.Tasks.CreateTask(ctx, user, input)
	if err != nil {
		if errors.Is(err, service.ErrUnknownUser) {
			return b.sendTextWithRemove(chatID, fmt.Sprintf("@%s has not started the bot yet, so the task cannot be assigned.", escape(input.Assignee)))
		}
		return b.sendTextWithRemove(chatID, fmt.Sprintf("Could not save the task: %s", escape(err.Error())))
	}

	b.Log.Info().Uint("task_id", task.ID).Uint("user_id", user.ID).Bool("recurring", task.IsRecurring).Msg("task created")

	var summary strings.Builder
	summary.WriteString("✅ <b>Task saved</b>\n")
	summary.WriteString(fmt.Sprintf("• <b>ID:</b> %d\n", task.ID))
	summary.WriteString(fmt.Sprintf("• <b>Title:</b> %s\n", escape(normalizeTitle(task.Title))))
	if task.DueDate != nil {
		summary.WriteString(fmt.Sprintf("• <b>Due:</b> %s\n", formatDue(*task.DueDate, b.Location)))
	}
	if task.Importance == model.ImportanceHigh {
		summary.WriteString("• <b>Priority:</b> high\n")
	}
	if task.AssigneeID != nil {
		summary.WriteString(fmt.Sprintf("• <b>Assignee:</b> @%s\n", escape(input.Assignee)))
	}
	if task.IsRecurring {
		summary.WriteString(fmt.Sprintf("• <b>Repeats:</b> %s\n", describeRecurrence(*task, b.Location)))
	}
	return b.sendTextWithRemove(chatID, strings.TrimSpace(summary.String()))
}

func (b *Bot) handleListTasks(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	return b.sendTaskList(ctx, msg.Chat.ID, user)
}

func (b *Bot) handleDone(ctx context.Context, msg *tgbotapi.Message) error {
	ids, err := parseTaskIDs(msg.CommandArguments())
	if err != nil || len(ids) == 0 {
		return b.sendText(msg.Chat.ID, "Give one or more task IDs: /done 12 13")
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	results, errs := b.Tasks.CompleteAll(ctx, user, ids, b.now())
	var reply strings.Builder
	for i, id := range ids {
		switch {
		case errors.Is(errs[i], repository.ErrNotFound):
			reply.WriteString(fmt.Sprintf("❓ #%d not found\n", id))
		case errs[i] != nil:
			reply.WriteString(fmt.Sprintf("❌ #%d: %s\n", id, escape(errs[i].Error())))
		default:
			reply.WriteString(completionLine(results[i], b.Location) + "\n")
		}
	}
	return b.sendText(msg.Chat.ID, strings.TrimSpace(reply.String()))
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 2 {
		return b.sendText(msg.Chat.ID, "Usage: /status 12 IN_PROGRESS")
	}
	taskID, err := parseTaskID(args[0], "")
	if err != nil {
		return b.sendText(msg.Chat.ID, "The task ID must be a number.")
	}
	status, ok := model.ParseStatus(strings.Join(args[1:], " "))
	if !ok {
		return b.sendText(msg.Chat.ID, "Status must be one of BACKLOG, TODO, IN_PROGRESS, REVIEW, DONE.")
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	res, err := b.Tasks.SetStatus(ctx, user, taskID, status, b.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return b.sendText(msg.Chat.ID, "Task not found.")
		}
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}
	if status == model.StatusDone {
		return b.sendText(msg.Chat.ID, completionLine(res, b.Location))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🔀 «%s» is now %s.", escape(normalizeTitle(res.Task.Title)), res.Task.Status))
}

func (b *Bot) handleDelete(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		return b.sendText(msg.Chat.ID, "Give the task ID: /delete 12")
	}
	taskID, err := parseTaskID(args, "")
	if err != nil {
		return b.sendText(msg.Chat.ID, "The task ID must be a number.")
	}
	return b.deleteTask(ctx, msg.Chat.ID, msg.From, taskID)
}

func (b *Bot) handleShare(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 2 {
		return b.sendText(msg.Chat.ID, "Usage: /share 12 @username or /share Work @username")
	}
	subject := strings.Join(args[:len(args)-1], " ")

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	target, err := b.Users.FindByUsername(ctx, strings.TrimPrefix(args[len(args)-1], "@"))
	if err != nil {
		return b.sendText(msg.Chat.ID, "That user has not started the bot yet.")
	}

	taskID, err := parseTaskID(subject, "")
	if err != nil {
		category, err := b.Tasks.ShareCategory(ctx, user, subject, target.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return b.sendText(msg.Chat.ID, "You have no category with that name.")
			}
			return b.sendText(msg.Chat.ID, fmt.Sprintf("Could not share: %s", escape(err.Error())))
		}
		return b.sendText(msg.Chat.ID, fmt.Sprintf("🤝 Category %s shared with %s.", categoryLabel(category.Name), escape(target.DisplayName())))
	}

	task, err := b.Tasks.GetTask(ctx, user, taskID)
	if err != nil {
		return b.sendText(msg.Chat.ID, "Task not found.")
	}
	if err := b.Tasks.Share(ctx, user, task.ID, target.ID); err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Could not share: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🤝 «%s» shared with %s.", escape(normalizeTitle(task.Title)), escape(target.DisplayName())))
}

func (b *Bot) handleAssign(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 {
		return b.sendText(msg.Chat.ID, "Usage: /assign 12 @username or /assign 12 none")
	}
	taskID, err := parseTaskID(args[0], "")
	if err != nil {
		return b.sendText(msg.Chat.ID, "The task ID must be a number.")
	}
	username := args[1]
	if strings.EqualFold(username, "none") || username == "-" {
		username = ""
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	task, assignee, err := b.Tasks.Assign(ctx, user, taskID, username)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return b.sendText(msg.Chat.ID, "Task not found.")
	case errors.Is(err, service.ErrNotCreator):
		return b.sendText(msg.Chat.ID, "Only the creator can assign a task.")
	case errors.Is(err, service.ErrUnknownUser):
		return b.sendText(msg.Chat.ID, "That user has not started the bot yet.")
	case err != nil:
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Could not assign: %s", escape(err.Error())))
	}
	if assignee == nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("👤 «%s» is no longer assigned.", escape(normalizeTitle(task.Title))))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("👤 «%s» assigned to %s.", escape(normalizeTitle(task.Title)), escape(assignee.DisplayName())))
}

func (b *Bot) handleCategories(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	categories, err := b.Categories.ListByUser(ctx, user.ID)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Could not load categories: %s", escape(err.Error())))
	}
	if len(categories) == 0 {
		return b.sendText(msg.Chat.ID, "No categories yet. Add one with category=Name when creating a task.")
	}
	var builder strings.Builder
	builder.WriteString("📂 <b>Categories</b>\n")
	for _, cat := range categories {
		line := categoryLabel(cat.Name)
		if cat.UserID != user.ID {
			line += " (shared)"
		}
		builder.WriteString("• " + line + "\n")
	}
	return b.sendText(msg.Chat.ID, strings.TrimSpace(builder.String()))
}

func (b *Bot) handleDigest(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	text, err := b.Digests.Render(ctx, user.ID, b.now())
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Could not build the digest: %s", escape(err.Error())))
	}
	if text == "" {
		return b.sendText(msg.Chat.ID, "🌅 Nothing due today or this week. No digest would be sent.")
	}
	return b.sendMarkdown(msg.Chat.ID, text)
}

func (b *Bot) handleNotify(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	var on bool
	switch strings.ToLower(strings.TrimSpace(msg.CommandArguments())) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		settings, err := b.Settings.Load(ctx, user.ID)
		if err != nil {
			return err
		}
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Daily digest is %s. Use /notify on or /notify off.", onOff(settings.Enabled)))
	}

	if _, err := b.Settings.SetEnabled(ctx, user.ID, on); err != nil {
		if errors.Is(err, service.ErrNoChat) {
			return b.sendText(msg.Chat.ID, "No chat linked yet. Send /start or /chat first.")
		}
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🔔 Daily digest is now %s.", onOff(on)))
}

func (b *Bot) handleSchedule(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		settings, err := b.Settings.Load(ctx, user.ID)
		if err != nil {
			return err
		}
		return b.sendText(msg.Chat.ID, formatSchedule(*settings, b.Location))
	}
	if len(args) != 2 {
		return b.sendText(msg.Chat.ID, "Usage: /schedule monday 07:30, /schedule sat off")
	}
	day, ok := model.ParseWeekday(args[0])
	if !ok {
		return b.sendText(msg.Chat.ID, "Unknown day. Use monday…sunday or mon…sun.")
	}

	var settings *model.NotificationSettings
	switch value := strings.ToLower(args[1]); value {
	case "on":
		settings, err = b.Settings.SetDay(ctx, user.ID, day, "", true)
	case "off":
		settings, err = b.Settings.SetDay(ctx, user.ID, day, "", false)
	default:
		settings, err = b.Settings.SetDay(ctx, user.ID, day, value, true)
	}
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}
	return b.sendText(msg.Chat.ID, formatSchedule(*settings, b.Location))
}

func (b *Bot) handleChat(ctx context.Context, msg *tgbotapi.Message) error {
	chatID := strings.TrimSpace(msg.CommandArguments())
	if chatID == "" {
		return b.sendText(msg.Chat.ID, "Usage: /chat -1001234567890 or /chat @my_channel")
	}
	if !strings.HasPrefix(chatID, "@") {
		if _, err := strconv.ParseInt(chatID, 10, 64); err != nil {
			return b.sendText(msg.Chat.ID, "A chat is a numeric ID or an @channel name.")
		}
	}
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if _, err := b.Settings.SetChat(ctx, user.ID, chatID); err != nil {
		return err
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("📬 Digests will go to <code>%s</code>. Check it with /test.", escape(chatID)))
}

func (b *Bot) handleToken(ctx context.Context, msg *tgbotapi.Message) error {
	token := strings.TrimSpace(msg.CommandArguments())
	if token == "" {
		return b.sendText(msg.Chat.ID, "Usage: /token 123456:ABC… or /token default")
	}
	if strings.EqualFold(token, "default") {
		token = ""
	}
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	if _, err := b.Settings.SetToken(ctx, user.ID, token); err != nil {
		return err
	}
	if token == "" {
		return b.sendText(msg.Chat.ID, "🤖 Digests will be sent by this bot.")
	}
	return b.sendText(msg.Chat.ID, "🤖 Digests will be sent by your own bot. Check it with /test.")
}

func (b *Bot) handleTest(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}
	switch err := b.Settings.SendTest(ctx, user.ID); {
	case err == nil:
		return b.sendText(msg.Chat.ID, "✅ Test notification sent.")
	case errors.Is(err, service.ErrNoChat):
		return b.sendText(msg.Chat.ID, "No chat linked yet. Send /start or /chat first.")
	case errors.Is(err, service.ErrNoToken):
		return b.sendText(msg.Chat.ID, "No bot token available. Set one with /token.")
	default:
		return b.sendText(msg.Chat.ID, fmt.Sprintf("❌ Test notification failed: %s", escape(err.Error())))
	}
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	return b.Users.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.LastName, from.UserName)
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendTextWithRemove(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) setConversation(userID int64, state *conversationState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[userID] = state
}

func (b *Bot) getConversation(userID int64) *conversationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations[userID]
}

func (b *Bot) hasConversation(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conversations[userID]
	return ok
}

func (b *Bot) clearConversation(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, userID)
}

func (b *Bot) sendTaskList(ctx context.Context, chatID int64, user *model.User) error {
	tasks, err := b.Tasks.ListActive(ctx, user)
	if err != nil {
		return b.sendText(chatID, fmt.Sprintf("Could not load tasks: %s", escape(err.Error())))
	}
	if len(tasks) == 0 {
		return b.sendText(chatID, "No open tasks. Add one with /add.")
	}

	categories, err := b.Categories.ListByUser(ctx, user.ID)
	if err != nil {
		b.Log.Warn().Err(err).Uint("user_id", user.ID).Msg("load categories for task list")
	}
	catNames := make(map[uint]string)
	for _, cat := range categories {
		catNames[cat.ID] = cat.Name
	}

	type categoryGroup struct {
		Name  string
		Tasks []model.Task
	}
	groups := make(map[string]*categoryGroup)
	order := make([]string, 0, len(tasks))
	for _, task := range tasks {
		key, display := normalizedCategory(task.CategoryID, catNames)
		group, ok := groups[key]
		if !ok {
			group = &categoryGroup{Name: display}
			groups[key] = group
			order = append(order, key)
		}
		group.Tasks = append(group.Tasks, task)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i] == noCategoryKey {
			return false
		}
		if order[j] == noCategoryKey {
			return true
		}
		return strings.Compare(groups[order[i]].Name, groups[order[j]].Name) < 0
	})

	now := b.now()
	var builder strings.Builder
	builder.WriteString("📋 <b>Open tasks</b>\n")
	builder.WriteString("Tap a button to complete a task or delete one you created.\n\n")

	var buttons [][]tgbotapi.InlineKeyboardButton
	for _, key := range order {
		section := groups[key]
		builder.WriteString(fmt.Sprintf("<b>%s</b>\n", section.Name))
		for _, task := range section.Tasks {
			builder.WriteString(formatTask(task, now))
			row := []tgbotapi.InlineKeyboardButton{
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("✅ #%d · %s", task.ID, shortTitle(task.Title, 20)), fmt.Sprintf("%s%d", cbDonePrefix, task.ID)),
			}
			if task.CreatorID == user.ID {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData("\U0001F5D1", fmt.Sprintf("%s%d", cbDeletePrefix, task.ID)))
			}
			buttons = append(buttons, row)
		}
		builder.WriteByte('\n')
	}

	msg := tgbotapi.NewMessage(chatID, strings.TrimSpace(builder.String()))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err = b.api.Send(msg)
	return err
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.Log.Warn().Err(err).Msg("callback ack")
	}

	chatID := cb.Message.Chat.ID
	data := cb.Data
	b.Log.Debug().Int64("from", cb.From.ID).Str("data", data).Msg("callback received")

	switch {
	case strings.HasPrefix(data, cbDonePrefix):
		taskID, err := parseTaskID(data, cbDonePrefix)
		if err != nil {
			return nil
		}
		return b.askConfirmation(ctx, chatID, cb.From, taskID, "Complete «%s» (#%d)?", cbConfirmDonePrefix)
	case strings.HasPrefix(data, cbDeletePrefix):
		taskID, err := parseTaskID(data, cbDeletePrefix)
		if err != nil {
			return nil
		}
		return b.askConfirmation(ctx, chatID, cb.From, taskID, "Delete «%s» (#%d)?", cbConfirmDeletePrefix)
	case strings.HasPrefix(data, cbConfirmDonePrefix):
		taskID, err := parseTaskID(data, cbConfirmDonePrefix)
		if err != nil {
			return nil
		}
		return b.completeTaskAndRefresh(ctx, chatID, cb.From, taskID)
	case strings.HasPrefix(data, cbConfirmDeletePrefix):
		taskID, err := parseTaskID(data, cbConfirmDeletePrefix)
		if err != nil {
			return nil
		}
		if err := b.deleteTask(ctx, chatID, cb.From, taskID); err != nil {
			return err
		}
		user, err := b.ensureUser(ctx, cb.From)
		if err != nil {
			return err
		}
		return b.sendTaskList(ctx, chatID, user)
	case strings.HasPrefix(data, cbCancelPrefix):
		return b.sendText(chatID, "↩️ Cancelled.")
	default:
		return nil
	}
}

func (b *Bot) askConfirmation(ctx context.Context, chatID int64, from *tgbotapi.User, taskID uint, question, confirmPrefix string) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}
	task, err := b.Tasks.GetTask(ctx, user, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return b.sendText(chatID, "Task not found.")
		}
		return err
	}
	if task.IsDone() {
		return b.sendText(chatID, "The task is already done.")
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf(question, escape(normalizeTitle(task.Title)), task.ID))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Confirm", fmt.Sprintf("%s%d", confirmPrefix, task.ID)),
		tgbotapi.NewInlineKeyboardButtonData("↩️ Cancel", fmt.Sprintf("%s%d", cbCancelPrefix, task.ID)),
	))
	_, err = b.api.Send(msg)
	return err
}

func (b *Bot) completeTaskAndRefresh(ctx context.Context, chatID int64, from *tgbotapi.User, taskID uint) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	res, err := b.Tasks.Complete(ctx, user, taskID, b.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return b.sendText(chatID, "Task not found or already deleted.")
		}
		return b.sendText(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}
	if err := b.sendText(chatID, completionLine(res, b.Location)); err != nil {
		return err
	}
	return b.sendTaskList(ctx, chatID, user)
}

func (b *Bot) deleteTask(ctx context.Context, chatID int64, from *tgbotapi.User, taskID uint) error {
	user, err := b.ensureUser(ctx, from)
	if err != nil {
		return err
	}

	task, err := b.Tasks.GetTask(ctx, user, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return b.sendText(chatID, "Task not found or already deleted.")
		}
		return b.sendText(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	if err := b.Tasks.DeleteTask(ctx, user, taskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return b.sendText(chatID, "Only the creator can delete a task.")
		}
		return b.sendText(chatID, fmt.Sprintf("Error: %s", escape(err.Error())))
	}

	b.Log.Info().Uint("task_id", task.ID).Uint("user_id", user.ID).Msg("task deleted")
	return b.sendText(chatID, fmt.Sprintf("\U0001F5D1 «%s» deleted.", escape(normalizeTitle(task.Title))))
}

func (b *Bot) handleMenuAlias(ctx context.Context, msg *tgbotapi.Message) (bool, error) {
	text := strings.TrimSpace(strings.ToLower(msg.Text))
	switch text {
	case strings.ToLower(menuLabelNewTask):
		return true, b.handleAdd(ctx, msg)
	case strings.ToLower(menuLabelTasks):
		return true, b.handleListTasks(ctx, msg)
	case strings.ToLower(menuLabelDigest):
		return true, b.handleDigest(ctx, msg)
	case strings.ToLower(menuLabelHelp):
		return true, b.handleHelp(msg)
	default:
		return false, nil
	}
}

func parseTaskID(data, prefix string) (uint, error) {
	raw := strings.TrimPrefix(data, prefix)
	value, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(value), nil
}

func parseTaskIDs(args string) ([]uint, error) {
	fields := strings.FieldsFunc(args, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	ids := make([]uint, 0, len(fields))
	for _, field := range fields {
		id, err := parseTaskID(field, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func mainMenuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelNewTask),
			tgbotapi.NewKeyboardButton(menuLabelTasks),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(menuLabelDigest),
			tgbotapi.NewKeyboardButton(menuLabelHelp),
		),
	)
	kb.ResizeKeyboard = true
	return kb
}

func cancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func skipKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnSkip),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnCancelDialog),
		),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return kb
}

func isSkipInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == "-" || value == strings.ToLower(btnSkip) || value == "skip"
}

func isCancelDialogInput(text string) bool {
	value := strings.TrimSpace(strings.ToLower(text))
	return value == strings.ToLower(btnCancelDialog) || value == "cancel"
}

func escape(s string) string {
	return html.EscapeString(s)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func completionLine(res service.CompletionResult, loc *time.Location) string {
	title := escape(normalizeTitle(res.Task.Title))
	if res.Rescheduled {
		return fmt.Sprintf("%s «%s» done, next on %s.", iconRecurring, title, formatDue(res.Next, loc))
	}
	return fmt.Sprintf("✅ «%s» done.", title)
}

func formatDue(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	if t.Hour() == 0 && t.Minute() == 0 {
		return t.Format(dateLayout)
	}
	return t.Format(dateTimeLayout)
}

func formatTask(task model.Task, now time.Time) string {
	var b strings.Builder
	icon := iconDefault
	if task.IsRecurring {
		icon = iconRecurring
	}
	if task.DueDate != nil {
		d := task.DueDate.In(now.Location())
		if now.After(d) {
			icon = iconOverdue
		} else if d.Sub(now) <= 48*time.Hour {
			icon = iconDue
		}
	}
	b.WriteString(fmt.Sprintf("%s <b>#%d</b> %s", icon, task.ID, escape(normalizeTitle(task.Title))))
	if task.Importance == model.ImportanceHigh {
		b.WriteString(" 🔥")
	}
	if task.Status != model.StatusTodo {
		b.WriteString(fmt.Sprintf(" · <i>%s</i>", task.Status))
	}
	b.WriteByte('\n')
	if task.DueDate != nil {
		d := task.DueDate.In(now.Location())
		if now.After(d) {
			b.WriteString(fmt.Sprintf("   ⏰ Due: %s · <b>overdue</b>\n", formatDue(d, now.Location())))
		} else {
			b.WriteString(fmt.Sprintf("   ⏰ Due: %s\n", formatDue(d, now.Location())))
		}
	}
	if task.IsRecurring {
		b.WriteString(fmt.Sprintf("   🔄 %s\n", describeRecurrence(task, now.Location())))
	}
	if task.Description != "" {
		b.WriteString(fmt.Sprintf("   📝 %s\n", escape(task.Description)))
	}
	return b.String()
}

func describeRecurrence(task model.Task, loc *time.Location) string {
	interval := recurrence.ParseInterval(task.RecurrenceInterval)
	var text string
	switch interval {
	case recurrence.Weekly:
		text = "weekly"
		if days, err := recurrence.ParseWeekDays(task.RecurrenceWeekDays); err == nil && len(days) > 0 {
			names := make([]string, 0, len(days))
			for _, d := range days {
				names = append(names, d.String()[:3])
			}
			text += " on " + strings.Join(names, ", ")
		}
	case recurrence.Monthly:
		text = "monthly"
		if task.RecurrenceDayOfMonth != nil {
			text += fmt.Sprintf(" on day %d", *task.RecurrenceDayOfMonth)
		}
	case recurrence.Daily, recurrence.Yearly:
		text = string(interval)
	default:
		text = escape(task.RecurrenceInterval)
	}
	if task.RecurrenceEndDate != nil {
		text += " until " + task.RecurrenceEndDate.In(loc).Format(dateLayout)
	}
	return text
}

func formatSchedule(settings model.NotificationSettings, loc *time.Location) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🗓 <b>Digest schedule</b> (%s, %s)\n", escape(loc.String()), onOff(settings.Enabled)))
	week := settings.Week()
	for i := 1; i <= 7; i++ {
		day := time.Weekday(i % 7)
		slot := week.Day(day)
		state := "off"
		if slot.Enabled {
			state = slot.Time
		}
		b.WriteString(fmt.Sprintf("• %s: %s\n", day.String()[:3], state))
	}
	if settings.TelegramChatID != "" {
		b.WriteString(fmt.Sprintf("Chat: <code>%s</code>\n", escape(settings.TelegramChatID)))
	}
	if settings.TelegramBotToken != "" {
		b.WriteString("Bot: your own token\n")
	}
	return strings.TrimSpace(b.String())
}

func shortTitle(title string, maxLen int) string {
	clean := strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
	clean = normalizeTitle(clean)
	runes := []rune(clean)
	if len(runes) <= maxLen {
		return clean
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}

func normalizedCategory(categoryID *uint, catNames map[uint]string) (string, string) {
	if categoryID == nil {
		return noCategoryKey, categoryLabel(noCategory)
	}
	if name, ok := catNames[*categoryID]; ok {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return noCategoryKey, categoryLabel(noCategory)
		}
		return strings.ToLower(trimmed), categoryLabel(trimmed)
	}
	return noCategoryKey, categoryLabel(noCategory)
}

func normalizeTitle(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	runes := []rune(value)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func categoryLabel(name string) string {
	base := strings.TrimSpace(name)
	var icon string
	switch strings.ToLower(base) {
	case "study":
		icon = "🎓"
	case "work":
		icon = "💼"
	case "shopping":
		icon = "🛒"
	case "health":
		icon = "🩺"
	case "personal":
		icon = "🧩"
	case strings.ToLower(noCategory):
		icon = "📁"
	default:
		icon = "🏷️"
	}
	return fmt.Sprintf("%s %s", icon, escape(normalizeTitle(base)))
}
