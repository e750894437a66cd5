package domain

import (
	"time"

	"github.com/google/uuid"
)

// Пороги деградации аккаунта по числу ошибок подряд.
const (
	ErrorStreakForError     = 3
	ErrorStreakForSuspended = 5
	MaxHealthScore          = 100
)

// Identity описывает отправляющий аккаунт.
//
// HealthScore и Status выводятся из ConsecutiveErrors и исходов отправок.
// Счётчики обновляются атомарно в БД, а не read-modify-write.
type Identity struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`

	// Provider: ses, smtp или sendgrid.
	Provider string `json:"provider"`

	Status      IdentityStatus `json:"status"`
	HealthScore int            `json:"health_score"`

	DailySent  int `json:"daily_sent"`
	DailyLimit int `json:"daily_limit"`

	// CounterDay: день (UTC), к которому относится DailySent.
	CounterDay time.Time `json:"counter_day"`

	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`

	TotalSent   int64 `json:"total_sent"`
	TotalFailed int64 `json:"total_failed"`

	Credential Credential `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credential: данные для авторизации у транспорта.
type Credential struct {
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret,omitempty"`

	// OAuth2 токены (SMTP XOAUTH2/OAUTHBEARER).
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`

	// SMTP: адрес сервера отправки (587 STARTTLS, 465 TLS).
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// DKIM для SMTP: PEM ключ и селектор домена отправителя.
	DKIMSelector   string `json:"dkim_selector,omitempty"`
	DKIMPrivateKey string `json:"dkim_private_key,omitempty"`
}

// IsOAuth возвращает true, если аккаунт авторизуется токеном.
func (c Credential) IsOAuth() bool {
	return c.RefreshToken != "" || c.AccessToken != ""
}

// Day обрезает время до начала дня UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RemainingQuota возвращает остаток дневной квоты на день now.
// Счётчик за прошедший день считается сброшенным.
func (i *Identity) RemainingQuota(now time.Time) int {
	sent := i.DailySent
	if i.CounterDay.Before(Day(now)) {
		sent = 0
	}
	remaining := i.DailyLimit - sent
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HealthAfterFailure вычисляет health score после очередной ошибки.
// errors: число ошибок подряд с учётом текущей.
func HealthAfterFailure(health, errors int) int {
	penalty := errors * 5
	if penalty > 20 {
		penalty = 20
	}
	health -= penalty
	if health < 0 {
		return 0
	}
	return health
}

// HealthAfterSuccess вычисляет health score после успешной отправки.
func HealthAfterSuccess(health int) int {
	health += 2
	if health > MaxHealthScore {
		return MaxHealthScore
	}
	return health
}

// StatusAfterFailure вычисляет статус после очередной ошибки.
// Статусы, выставленные вручную (paused, disconnected), не меняются.
func StatusAfterFailure(current IdentityStatus, errors int) IdentityStatus {
	if current != IdentityStatusActive && current != IdentityStatusError {
		return current
	}
	switch {
	case errors >= ErrorStreakForSuspended:
		return IdentityStatusSuspended
	case errors >= ErrorStreakForError:
		return IdentityStatusError
	default:
		return current
	}
}

// IdentityUsage: статистика использования аккаунта.
type IdentityUsage struct {
	IdentityID        uuid.UUID      `json:"identity_id"`
	Email             string         `json:"email"`
	Provider          string         `json:"provider"`
	Status            IdentityStatus `json:"status"`
	HealthScore       int            `json:"health_score"`
	DailySent         int            `json:"daily_sent"`
	DailyLimit        int            `json:"daily_limit"`
	RemainingQuota    int            `json:"remaining_quota"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	TotalSent         int64          `json:"total_sent"`
	TotalFailed       int64          `json:"total_failed"`
	LastError         string         `json:"last_error,omitempty"`
}
