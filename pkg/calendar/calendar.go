// 文件: pkg/calendar/calendar.go
// 交易日历 - 开盘时段、交易日、日期归属
//
// 所有时间都换算到市场时区 (默认 America/New_York) 再判断，
// 日结、月结的调度时间也以该时区为准

package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout 交易日格式
const DateLayout = "2006-01-02"

var (
	ErrInvalidClock   = errors.New("invalid clock, want HH:MM")
	ErrInvalidWeekday = errors.New("invalid weekday")
)

// =============================================================================
// Clock - 一天中的时刻
// =============================================================================

// Clock 时:分
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock 解析 "16:30"
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustClock 解析失败直接 panic (仅用于常量)
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

// =============================================================================
// Calendar
// =============================================================================

// Config 日历配置
type Config struct {
	Timezone string   `yaml:"timezone"`
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Weekdays []string `yaml:"weekdays"` // Mon..Sun
	Holidays []string `yaml:"holidays"` // 2006-01-02
}

// DefaultConfig 美股常规时段
func DefaultConfig() Config {
	return Config{
		Timezone: "America/New_York",
		Open:     "09:30",
		Close:    "16:00",
		Weekdays: []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
	}
}

// Calendar 交易日历
type Calendar struct {
	loc      *time.Location
	open     Clock
	close    Clock
	weekdays map[time.Weekday]bool
	holidays map[string]bool
}

// New 创建交易日历
func New(cfg Config) (*Calendar, error) {
	def := DefaultConfig()
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.Open == "" {
		cfg.Open = def.Open
	}
	if cfg.Close == "" {
		cfg.Close = def.Close
	}
	if len(cfg.Weekdays) == 0 {
		cfg.Weekdays = def.Weekdays
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}
	open, err := ParseClock(cfg.Open)
	if err != nil {
		return nil, err
	}
	closeAt, err := ParseClock(cfg.Close)
	if err != nil {
		return nil, err
	}
	if closeAt.minutes() <= open.minutes() {
		return nil, fmt.Errorf("market close %s must be after open %s", closeAt, open)
	}

	c := &Calendar{
		loc:      loc,
		open:     open,
		close:    closeAt,
		weekdays: make(map[time.Weekday]bool, len(cfg.Weekdays)),
		holidays: make(map[string]bool, len(cfg.Holidays)),
	}
	for _, d := range cfg.Weekdays {
		wd, err := parseWeekday(d)
		if err != nil {
			return nil, err
		}
		c.weekdays[wd] = true
	}
	for _, h := range cfg.Holidays {
		if _, err := time.ParseInLocation(DateLayout, h, loc); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		c.holidays[h] = true
	}
	return c, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, s)
}

// Location 市场时区
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// TradingDate 时间点所属的交易日 (市场时区日期)
func (c *Calendar) TradingDate(t time.Time) string {
	return t.In(c.loc).Format(DateLayout)
}

// ParseDate 解析市场时区日期
func (c *Calendar) ParseDate(date string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, date, c.loc)
}

// IsTradingDay 是否交易日 (工作日且非假日)
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	if !c.weekdays[local.Weekday()] {
		return false
	}
	return !c.holidays[local.Format(DateLayout)]
}

// IsOpen 当前是否处于开盘时段 [open, close)
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	m := local.Hour()*60 + local.Minute()
	return m >= c.open.minutes() && m < c.close.minutes()
}

// At 某交易日某时刻的绝对时间
func (c *Calendar) At(date string, clock Clock) (time.Time, error) {
	d, err := c.ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), clock.Hour, clock.Minute, 0, 0, c.loc), nil
}

// CloseTime 某交易日收盘时间
func (c *Calendar) CloseTime(date string) (time.Time, error) {
	return c.At(date, c.close)
}

// TradingDaysInMonth 当月日历交易日数 (用于月结缺口检测)
func (c *Calendar) TradingDaysInMonth(year int, month time.Month) int {
	n := 0
	d := time.Date(year, month, 1, 12, 0, 0, 0, c.loc)
	for d.Month() == month {
		if c.IsTradingDay(d) {
			n++
		}
		d = d.AddDate(0, 0, 1)
	}
	return n
}

// PreviousMonth 上一个自然月
func PreviousMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}

// MonthBounds 当月首日和末日 (含)
func MonthBounds(year int, month time.Month) (first, last string) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return start.Format(DateLayout), end.Format(DateLayout)
}

// ParseEventTime 解析事件里的 timestamp 字段
// 支持 RFC3339 字符串、Unix 秒或毫秒数字；缺省返回零值
func ParseEventTime(raw []byte) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == `""` {
		return time.Time{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		s = strings.Trim(s, `"`)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad event timestamp %q", s)
	}
	// 13 位以上按毫秒
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
