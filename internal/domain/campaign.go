package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Campaign объединяет контакты, последовательность и настройки безопасности.
type Campaign struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`

	Status      CampaignStatus `json:"status"`
	PauseReason string         `json:"pause_reason,omitempty"`

	// Sequence читается один раз за проход планировщика.
	Sequence SequenceConfig `json:"sequence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SequenceConfig задаёт ритм рассылки кампании.
type SequenceConfig struct {
	// TotalSteps: число писем в последовательности.
	TotalSteps int `json:"total_steps"`

	// IntervalDays: минимальный интервал между письмами.
	IntervalDays int `json:"interval_days"`

	// AllowedWeekdays: дни недели, в которые можно отправлять (0 = воскресенье).
	// Пустой список означает все дни.
	AllowedWeekdays []time.Weekday `json:"allowed_weekdays"`

	// SendHour: час отправки в часовом поясе кампании.
	SendHour int `json:"send_hour"`

	// Timezone: IANA имя, по умолчанию UTC.
	Timezone string `json:"timezone,omitempty"`

	// PreferredIdentityID: аккаунт, который выбирается в первую очередь.
	PreferredIdentityID *uuid.UUID `json:"preferred_identity_id,omitempty"`

	// Pitch передаётся генератору контента.
	Pitch string `json:"pitch,omitempty"`

	// FallbackSubject и FallbackBody: liquid-шаблоны на случай отказа генератора.
	FallbackSubject string `json:"fallback_subject,omitempty"`
	FallbackBody    string `json:"fallback_body,omitempty"`

	Safety SafetyThresholds `json:"safety"`
}

// SafetyThresholds ограничивает объём и качество рассылки.
type SafetyThresholds struct {
	MaxSendsPerHour     int     `json:"max_sends_per_hour"`
	MaxSendsPerDay      int     `json:"max_sends_per_day"`
	MaxBounceRatePct    float64 `json:"max_bounce_rate_pct"`
	MaxComplaintRatePct float64 `json:"max_complaint_rate_pct"`
	MinQualityScore     float64 `json:"min_quality_score"`
}

// Location возвращает часовой пояс кампании.
func (c SequenceConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate проверяет конфигурацию последовательности.
func (c SequenceConfig) Validate() error {
	if c.TotalSteps <= 0 {
		return fmt.Errorf("total_steps must be positive, got %d", c.TotalSteps)
	}
	if c.IntervalDays < 0 {
		return fmt.Errorf("interval_days must not be negative, got %d", c.IntervalDays)
	}
	if c.SendHour < 0 || c.SendHour > 23 {
		return fmt.Errorf("send_hour must be in [0, 23], got %d", c.SendHour)
	}
	for _, d := range c.AllowedWeekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	if c.Safety.MaxSendsPerHour <= 0 {
		return fmt.Errorf("max_sends_per_hour must be positive")
	}
	return nil
}

// ParseWeekday разбирает "mon", "Tuesday", "3" и т.п.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] || s == fmt.Sprint(int(d)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// CampaignStats: агрегированная аналитика кампании.
type CampaignStats struct {
	CampaignID uuid.UUID      `json:"campaign_id"`
	Status     CampaignStatus `json:"status"`

	ContactsByStatus map[ContactStatus]int `json:"contacts_by_status"`
	JobsByStatus     map[JobStatus]int     `json:"jobs_by_status"`

	Sent       int `json:"sent"`
	Delivered  int `json:"delivered"`
	Bounced    int `json:"bounced"`
	Complained int `json:"complained"`
	Replies    int `json:"replies"`
	Handoffs   int `json:"handoffs"`
}

// WindowStats: счётчики отправок за окно времени.
type WindowStats struct {
	Sent       int
	Bounced    int
	Complained int
}

// BounceRatePct возвращает долю bounce в процентах.
func (w WindowStats) BounceRatePct() float64 {
	if w.Sent == 0 {
		return 0
	}
	return float64(w.Bounced) * 100 / float64(w.Sent)
}

// ComplaintRatePct возвращает долю жалоб в процентах.
func (w WindowStats) ComplaintRatePct() float64 {
	if w.Sent == 0 {
		return 0
	}
	return float64(w.Complained) * 100 / float64(w.Sent)
}
