package bot

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plot-stats/internal/config"
	"plot-stats/internal/database"
	"plot-stats/internal/kafka"
	"plot-stats/internal/status"
)

type Cooldown interface {
	CanScanURL(ctx context.Context, url string, cooldown time.Duration) bool
}

type Publisher interface {
	PublishScanRequested(ctx context.Context, event kafka.ScanRequestedEvent) error
	PublishScheduleChanged(ctx context.Context, event kafka.ScheduleChangedEvent) error
}

// Bot is the operator console: it queues scans, edits schedules and relays
// scan outcomes to the admin chat.
type Bot struct {
	kafka.BaseHandler

	api       *tgbotapi.BotAPI
	db        *database.DB
	cooldown  Cooldown
	publisher Publisher
	reporter  *status.Reporter

	adminChatID   int64
	adhocCooldown time.Duration
}

func NewBot(cfg config.BotConfig, db *database.DB, cooldown Cooldown, publisher Publisher, reporter *status.Reporter) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}

	api.Debug = false

	log.Printf("Bot is authorized as: @%s", api.Self.UserName)

	return &Bot{
		api:           api,
		db:            db,
		cooldown:      cooldown,
		publisher:     publisher,
		reporter:      reporter,
		adminChatID:   cfg.AdminChatID,
		adhocCooldown: cfg.AdhocCooldown,
	}, nil
}

func (b *Bot) Start(ctx context.Context) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60

	updates := b.api.GetUpdatesChan(updateConfig)

	log.Println("Bot is started! Waiting for message...")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			log.Println("Bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	log.Printf("Message from: @%s (chat %d) - %s", message.From.UserName, message.Chat.ID, message.Text)

	if !message.IsCommand() {
		b.sendMessage(message.Chat.ID, "💬 I only understand commands. Try /help")
		return
	}

	reply := b.handleCommand(ctx, message.Chat.ID, message.Command(), message.CommandArguments())
	b.sendMessage(message.Chat.ID, reply)
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, command, args string) string {
	if command != "start" && command != "help" && !b.authorized(chatID) {
		return "⛔ This bot only takes orders from its operator."
	}

	switch command {
	case "start":
		return startText
	case "help":
		return helpText
	case "scan":
		return b.handleScan(ctx, chatID, strings.Fields(args))
	case "searches":
		return b.handleSearches(ctx)
	case "schedule":
		return b.handleSchedule(ctx, strings.Fields(args))
	case "unschedule":
		return b.handleUnschedule(ctx, strings.Fields(args))
	default:
		return "❓ Unknown command: " + command + "\n\nUse /help to see what I can do."
	}
}

func (b *Bot) authorized(chatID int64) bool {
	return b.adminChatID == 0 || chatID == b.adminChatID
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	if err != nil {
		log.Printf("Error sending message: %v", err)
	}
}

const startText = `👋 Hi! I track asking prices of saved property searches.

📝 Commands:
/help - show all commands
/searches - saved searches and their health

Let's go! 🚀`

const helpText = `📚 Available commands:

🔍 Scans:
/scan <url> - scan a search results page now
/scan <url> <day> <hour> <minute> - scan now and every week at that time

📋 Searches:
/searches - list saved searches with their last status
/schedule <id> <day> <hour> <minute> - set the weekly scan of a search
/unschedule <id> - stop the weekly scan of a search

💡 Days follow cron: 0 is Sunday, 6 is Saturday. Times are UTC.`

func (b *Bot) handleScan(ctx context.Context, chatID int64, args []string) string {
	if len(args) != 1 && len(args) != 4 {
		return "📝 Usage: /scan <url> [<day> <hour> <minute>]"
	}

	target := args[0]
	if err := validateURL(target); err != nil {
		return "❌ " + err.Error()
	}

	var schedule *database.ScheduleSpec
	if len(args) == 4 {
		spec, err := parseSchedule(args[1:])
		if err != nil {
			return "❌ " + err.Error()
		}
		schedule = spec
	}

	if !b.cooldown.CanScanURL(ctx, target, b.adhocCooldown) {
		return "⏰ This search was scanned a moment ago. Wait a bit before the next request."
	}

	event := kafka.ScanRequestedEvent{URL: target, Schedule: schedule, ChatID: chatID}
	if err := b.publisher.PublishScanRequested(ctx, event); err != nil {
		log.Printf("Error publishing scan request: %v", err)
		return "❌ Could not queue the scan. Try later."
	}

	text := "🔍 Scan queued. I will report when it finishes."
	if schedule != nil {
		text += "\n⏰ Weekly: " + describeSchedule(schedule)
	}
	return text
}

func (b *Bot) handleSearches(ctx context.Context) string {
	searches, err := b.db.GetSearches(ctx)
	if err != nil {
		log.Printf("Error getting searches: %v", err)
		return "❌ Could not load searches"
	}
	if len(searches) == 0 {
		return "📝 No saved searches yet. Start one with /scan <url>"
	}

	statuses, err := b.reporter.LastStatuses(ctx)
	if err != nil {
		log.Printf("Error getting statuses: %v", err)
		return "❌ Could not load search statuses"
	}
	states := make(map[uint]status.State, len(statuses))
	for _, s := range statuses {
		states[s.SearchID] = s.State
	}

	text := fmt.Sprintf("📋 Saved searches (%d):\n\n", len(searches))
	for _, search := range searches {
		text += fmt.Sprintf("%s #%d %s", stateIcon(states[search.ID]), search.ID, search.Location)
		if search.Category != nil {
			text += " · " + search.Category.Name
		}
		text += "\n"
		if raw, err := database.DecodeURL(search.URL); err == nil {
			text += "   🔗 " + raw + "\n"
		}
		if search.Schedule != nil {
			text += "   ⏰ " + describeSchedule(search.Schedule) + "\n"
		}
		text += "\n"
	}
	text += "🟢 success | 🔴 failed | ⚪ unknown"
	return text
}

func (b *Bot) handleSchedule(ctx context.Context, args []string) string {
	if len(args) != 4 {
		return "📝 Usage: /schedule <id> <day> <hour> <minute>"
	}

	search, errText := b.lookupSearch(ctx, args[0])
	if search == nil {
		return errText
	}
	schedule, err := parseSchedule(args[1:])
	if err != nil {
		return "❌ " + err.Error()
	}

	if err := b.changeSchedule(ctx, search, schedule); err != nil {
		return "❌ Could not update the schedule"
	}
	return fmt.Sprintf("✅ Search #%d will be scanned %s", search.ID, describeSchedule(schedule))
}

func (b *Bot) handleUnschedule(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "📝 Usage: /unschedule <id>"
	}

	search, errText := b.lookupSearch(ctx, args[0])
	if search == nil {
		return errText
	}
	if search.Schedule == nil {
		return fmt.Sprintf("ℹ️ Search #%d has no schedule", search.ID)
	}

	if err := b.changeSchedule(ctx, search, nil); err != nil {
		return "❌ Could not remove the schedule"
	}
	return fmt.Sprintf("✅ Weekly scan of search #%d removed", search.ID)
}

func (b *Bot) lookupSearch(ctx context.Context, arg string) (*database.Search, string) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, "❌ Search id must be a number"
	}
	search, err := b.db.GetSearchByID(ctx, uint(id))
	if err != nil {
		log.Printf("Error getting search %d: %v", id, err)
		return nil, "❌ Could not load the search"
	}
	if search == nil {
		return nil, fmt.Sprintf("❌ Search #%d not found", id)
	}
	return search, ""
}

func (b *Bot) changeSchedule(ctx context.Context, search *database.Search, schedule *database.ScheduleSpec) error {
	raw, err := database.DecodeURL(search.URL)
	if err != nil {
		log.Printf("Error decoding url of search %d: %v", search.ID, err)
		return err
	}
	if err := b.db.UpdateSearchSchedule(ctx, search.ID, schedule); err != nil {
		log.Printf("Error updating schedule of search %d: %v", search.ID, err)
		return err
	}

	event := kafka.ScheduleChangedEvent{SearchID: search.ID, URL: raw, Schedule: schedule}
	if err := b.publisher.PublishScheduleChanged(ctx, event); err != nil {
		log.Printf("Error publishing schedule change: %v", err)
		return err
	}
	return nil
}

func (b *Bot) HandleScanCompleted(_ context.Context, event kafka.ScanCompletedEvent) error {
	if b.adminChatID == 0 {
		return nil
	}
	b.sendMessage(b.adminChatID, formatCompleted(event))
	return nil
}

func (b *Bot) HandleScanFailed(_ context.Context, event kafka.ScanFailedEvent) error {
	if b.adminChatID == 0 {
		return nil
	}
	b.sendMessage(b.adminChatID, formatFailed(event))
	return nil
}

func formatCompleted(event kafka.ScanCompletedEvent) string {
	icon := "✅"
	if event.Partial {
		icon = "⚠️"
	}
	text := fmt.Sprintf("%s Search #%d scanned: %d prices from %d/%d pages",
		icon, event.SearchID, event.Prices, event.Pages, event.TotalPages)
	if event.Partial {
		text += "\nThe scan stopped early, stored pages are kept."
	}
	return text
}

func formatFailed(event kafka.ScanFailedEvent) string {
	target := event.URL
	if event.SearchID != nil {
		target = fmt.Sprintf("search #%d", *event.SearchID)
	}
	return fmt.Sprintf("🔴 Scan of %s failed with status %d", target, event.StatusCode)
}

func stateIcon(state status.State) string {
	switch state {
	case status.StateSuccess:
		return "🟢"
	case status.StateFailed:
		return "🔴"
	default:
		return "⚪"
	}
}

var weekdays = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

func describeSchedule(s *database.ScheduleSpec) string {
	return fmt.Sprintf("every %s at %02d:%02d UTC", weekdays[s.DayOfWeek], s.Hour, s.Minute)
}

func parseSchedule(args []string) (*database.ScheduleSpec, error) {
	values := make([]int, len(args))
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("schedule values must be numbers, got %q", arg)
		}
		values[i] = v
	}

	spec := &database.ScheduleSpec{DayOfWeek: values[0], Hour: values[1], Minute: values[2]}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("not a valid search url: %s", raw)
	}
	return nil
}
