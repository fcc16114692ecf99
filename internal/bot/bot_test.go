package bot

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"taskflow/internal/clock"
	"taskflow/internal/model"
	"taskflow/internal/repository"
	"taskflow/internal/service"
)

type fakeTelegram struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTelegram) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Taskflow","username":"taskflow_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			f.mu.Lock()
			f.texts = append(f.texts, r.Form.Get("text"))
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}
}

func (f *fakeTelegram) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, _, chatID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, chatID)
	return nil
}

type botFixture struct {
	bot      *Bot
	tg       *fakeTelegram
	tasks    *repository.TaskRepository
	settings *repository.SettingsRepository
	notifier *recordingNotifier
	db       *gorm.DB
	logs     *bytes.Buffer
}

var testZone = time.FixedZone("MSK", 3*60*60)

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	tg := &fakeTelegram{}
	srv := httptest.NewServer(tg.handler())
	t.Cleanup(srv.Close)

	api, err := tgbotapi.NewBotAPIWithClient("test-token", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.NewDB(fmt.Sprintf("file:bot_%s?mode=memory&cache=shared", name), zerolog.Nop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	users := repository.NewUserRepository(db)
	categories := repository.NewCategoryRepository(db)
	tasks := repository.NewTaskRepository(db)
	settings := repository.NewSettingsRepository(db)
	n := &recordingNotifier{}
	logs := &bytes.Buffer{}

	b := NewWithAPI(api, Deps{
		Users:      users,
		Categories: categories,
		Tasks:      service.NewTaskService(tasks, categories, users, zerolog.Nop(), nil),
		Settings:   service.NewSettingsService(settings, n, "default-token", time.Second, zerolog.Nop()),
		Digests:    service.NewDigestService(tasks, 0),
		Clock:      clock.NewManual(time.Date(2025, 3, 10, 11, 0, 0, 0, testZone)),
		Location:   testZone,
		Log:        zerolog.New(logs),
	})
	return &botFixture{bot: b, tg: tg, tasks: tasks, settings: settings, notifier: n, db: db, logs: logs}
}

func (f *botFixture) send(t *testing.T, userID int64, username, text string) string {
	t.Helper()
	msg := &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: userID, Type: "private"},
		From: &tgbotapi.User{ID: userID, FirstName: "Ann", UserName: username},
	}
	if strings.HasPrefix(text, "/") {
		command, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(command)}}
	}
	require.NoError(t, f.bot.handleMessage(context.Background(), msg))
	return f.tg.last()
}

func TestBot_AddAndComplete(t *testing.T) {
	f := newBotFixture(t)

	reply := f.send(t, 42, "ann", "/add Standup; due=2025-03-10 10:00; every=weekly:1,3; priority=high")
	assert.Contains(t, reply, "Task saved")
	assert.Contains(t, reply, "weekly on Mon, Wed")

	reply = f.send(t, 42, "ann", "/tasks")
	assert.Contains(t, reply, "#1")
	assert.Contains(t, reply, "Standup")

	reply = f.send(t, 42, "ann", "/done 1 99")
	assert.Contains(t, reply, "next on 2025-03-12 10:00")
	assert.Contains(t, reply, "#99 not found")

	reply = f.send(t, 42, "ann", "/add ; due=2025-03-10")
	assert.Contains(t, reply, "Could not read the task")
}

func TestBot_Conversation(t *testing.T) {
	f := newBotFixture(t)

	assert.Contains(t, f.send(t, 42, "ann", "/add"), "Step 1")
	assert.Contains(t, f.send(t, 42, "ann", "buy milk"), "Due date")
	assert.Contains(t, f.send(t, 42, "ann", "someday"), "cannot read that date")
	assert.Contains(t, f.send(t, 42, "ann", "2025-03-11"), "Repeat?")
	reply := f.send(t, 42, "ann", "skip")
	assert.Contains(t, reply, "Task saved")
	assert.Contains(t, reply, "Buy milk")
	assert.NotContains(t, reply, "Repeats")

	assert.Contains(t, f.send(t, 42, "ann", "hello"), "I did not get that")
}

func TestBot_StatusAndShare(t *testing.T) {
	f := newBotFixture(t)
	f.send(t, 7, "bob", "/start")
	f.send(t, 42, "ann", "/add Report; category=Work")

	assert.Contains(t, f.send(t, 42, "ann", "/status 1 in progress"), "IN_PROGRESS")
	assert.Contains(t, f.send(t, 42, "ann", "/status 1 later"), "Status must be one of")

	assert.Contains(t, f.send(t, 7, "bob", "/tasks"), "No open tasks")
	assert.Contains(t, f.send(t, 42, "ann", "/share Work @bob"), "shared with @bob")
	assert.Contains(t, f.send(t, 7, "bob", "/tasks"), "Report")
	assert.Contains(t, f.send(t, 7, "bob", "/categories"), "(shared)")
	assert.Contains(t, f.send(t, 7, "bob", "/delete 1"), "Only the creator")

	assert.Contains(t, f.send(t, 42, "ann", "/status 1 done"), "done.")
}

func TestBot_Assign(t *testing.T) {
	f := newBotFixture(t)
	f.send(t, 7, "bob", "/start")

	assert.Contains(t, f.send(t, 42, "ann", "/add Cake; assignee=@carol"), "@carol has not started the bot")

	reply := f.send(t, 42, "ann", "/add Plan trip; due=2025-03-10 18:00; assignee=@bob")
	assert.Contains(t, reply, "Task saved")
	assert.Contains(t, reply, "Assignee:</b> @bob")

	assert.Contains(t, f.send(t, 7, "bob", "/tasks"), "Plan trip")
	assert.Contains(t, f.send(t, 7, "bob", "/digest"), "• Plan trip")
	assert.Contains(t, f.send(t, 7, "bob", "/assign 1 @ann"), "Only the creator")

	assert.Contains(t, f.send(t, 42, "ann", "/assign 1 @ghost"), "has not started the bot")
	assert.Contains(t, f.send(t, 42, "ann", "/assign 1 none"), "no longer assigned")
	assert.Contains(t, f.send(t, 7, "bob", "/tasks"), "No open tasks")

	assert.Contains(t, f.send(t, 42, "ann", "/assign 1 @bob"), "assigned to @bob")
	assert.Contains(t, f.send(t, 7, "bob", "/tasks"), "Plan trip")
	assert.Contains(t, f.send(t, 42, "ann", "/assign 99 @bob"), "Task not found")
}

func TestBot_TaskListSurvivesCategoryError(t *testing.T) {
	f := newBotFixture(t)
	f.send(t, 42, "ann", "/add Renew passport")

	require.NoError(t, f.db.Exec("DROP TABLE categories").Error)

	reply := f.send(t, 42, "ann", "/tasks")
	assert.Contains(t, reply, "Renew passport")
	assert.Contains(t, reply, noCategory)
	assert.Contains(t, f.logs.String(), "load categories for task list")
}

func TestBot_Settings(t *testing.T) {
	f := newBotFixture(t)

	assert.Contains(t, f.send(t, 42, "ann", "/notify on"), "No chat linked")
	f.send(t, 42, "ann", "/start")
	assert.Contains(t, f.send(t, 42, "ann", "/notify on"), "now on")

	reply := f.send(t, 42, "ann", "/schedule mon 7:30")
	assert.Contains(t, reply, "Mon: 07:30")
	reply = f.send(t, 42, "ann", "/schedule sunday off")
	assert.Contains(t, reply, "Sun: off")
	assert.Contains(t, f.send(t, 42, "ann", "/schedule funday 7:30"), "Unknown day")

	stored, err := f.settings.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Equal(t, "42", stored.TelegramChatID)
	assert.Equal(t, model.DaySlot{Time: "07:30", Enabled: true}, stored.Week().Day(time.Monday))

	assert.Contains(t, f.send(t, 42, "ann", "/token own:token"), "your own bot")
	assert.Contains(t, f.send(t, 42, "ann", "/test"), "Test notification sent")
	assert.Equal(t, []string{"42"}, f.notifier.sent)

	assert.Contains(t, f.send(t, 42, "ann", "/chat @team"), "@team")
	assert.Contains(t, f.send(t, 42, "ann", "/chat team"), "numeric ID")
}

func TestBot_DigestPreview(t *testing.T) {
	f := newBotFixture(t)

	assert.Contains(t, f.send(t, 42, "ann", "/digest"), "Nothing due")
	f.send(t, 42, "ann", "/add Pay_rent; due=2025-03-10 18:00")
	reply := f.send(t, 42, "ann", "/digest")
	assert.Equal(t, "🌅 *Daily Digest*\n\n🚨 *Due Today:*\n• Pay\\_rent", reply)
}

func TestParseTaskIDs(t *testing.T) {
	ids, err := parseTaskIDs("3, #4 5")
	require.NoError(t, err)
	assert.Equal(t, []uint{3, 4, 5}, ids)

	_, err = parseTaskIDs("3 x")
	assert.Error(t, err)
}
