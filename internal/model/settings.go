package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NotificationSettings configures the daily Telegram digest of one user.
type NotificationSettings struct {
	ID     uint `gorm:"primaryKey"`
	UserID uint `gorm:"uniqueIndex"`
	User   User `gorm:"foreignKey:UserID"`

	Enabled          bool `gorm:"index;default:false"`
	TelegramChatID   string
	TelegramBotToken string

	MondayTime       string
	MondayEnabled    bool
	TuesdayTime      string
	TuesdayEnabled   bool
	WednesdayTime    string
	WednesdayEnabled bool
	ThursdayTime     string
	ThursdayEnabled  bool
	FridayTime       string
	FridayEnabled    bool
	SaturdayTime     string
	SaturdayEnabled  bool
	SundayTime       string
	SundayEnabled    bool

	LastSentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DaySlot is the send time of one weekday.
type DaySlot struct {
	Time    string // "HH:MM", 24h
	Enabled bool
}

// WeekSchedule is indexed by time.Weekday (Sunday = 0).
type WeekSchedule [7]DaySlot

// Day returns the slot for d.
func (w WeekSchedule) Day(d time.Weekday) DaySlot {
	return w[d]
}

// Week maps the per-day columns onto an explicit weekday table.
func (s NotificationSettings) Week() WeekSchedule {
	var w WeekSchedule
	w[time.Sunday] = DaySlot{Time: s.SundayTime, Enabled: s.SundayEnabled}
	w[time.Monday] = DaySlot{Time: s.MondayTime, Enabled: s.MondayEnabled}
	w[time.Tuesday] = DaySlot{Time: s.TuesdayTime, Enabled: s.TuesdayEnabled}
	w[time.Wednesday] = DaySlot{Time: s.WednesdayTime, Enabled: s.WednesdayEnabled}
	w[time.Thursday] = DaySlot{Time: s.ThursdayTime, Enabled: s.ThursdayEnabled}
	w[time.Friday] = DaySlot{Time: s.FridayTime, Enabled: s.FridayEnabled}
	w[time.Saturday] = DaySlot{Time: s.SaturdayTime, Enabled: s.SaturdayEnabled}
	return w
}

// SetDay writes one weekday slot back into its columns.
func (s *NotificationSettings) SetDay(d time.Weekday, slot DaySlot) {
	switch d {
	case time.Sunday:
		s.SundayTime, s.SundayEnabled = slot.Time, slot.Enabled
	case time.Monday:
		s.MondayTime, s.MondayEnabled = slot.Time, slot.Enabled
	case time.Tuesday:
		s.TuesdayTime, s.TuesdayEnabled = slot.Time, slot.Enabled
	case time.Wednesday:
		s.WednesdayTime, s.WednesdayEnabled = slot.Time, slot.Enabled
	case time.Thursday:
		s.ThursdayTime, s.ThursdayEnabled = slot.Time, slot.Enabled
	case time.Friday:
		s.FridayTime, s.FridayEnabled = slot.Time, slot.Enabled
	case time.Saturday:
		s.SaturdayTime, s.SaturdayEnabled = slot.Time, slot.Enabled
	}
}

// DefaultSettings returns the settings created on first save: 08:00 on
// weekdays, 09:00 on weekends, every day switched on.
func DefaultSettings(userID uint) NotificationSettings {
	s := NotificationSettings{UserID: userID}
	for d := time.Sunday; d <= time.Saturday; d++ {
		slot := DaySlot{Time: "08:00", Enabled: true}
		if d == time.Saturday || d == time.Sunday {
			slot.Time = "09:00"
		}
		s.SetDay(d, slot)
	}
	return s
}

// ParseClock validates a 24h "HH:MM" string and returns it zero-padded.
func ParseClock(raw string) (string, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time %q, expected HH:MM", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 || len(parts[1]) != 2 {
		return "", fmt.Errorf("invalid minute in %q", raw)
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}

// ParseWeekday accepts English day names and their three-letter forms.
func ParseWeekday(raw string) (time.Weekday, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if len(value) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if value == name || value == name[:3] {
			return d, true
		}
	}
	return 0, false
}
