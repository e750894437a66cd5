package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// CampaignResponse — кампания из API.
type CampaignResponse struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	PauseReason string `json:"pause_reason,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

// CampaignStats — аналитика кампании.
type CampaignStats struct {
	CampaignID       string         `json:"campaign_id"`
	Status           string         `json:"status"`
	ContactsByStatus map[string]int `json:"contacts_by_status"`
	JobsByStatus     map[string]int `json:"jobs_by_status"`
	Sent             int            `json:"sent"`
	Delivered        int            `json:"delivered"`
	Bounced          int            `json:"bounced"`
	Complained       int            `json:"complained"`
	Replies          int            `json:"replies"`
	Handoffs         int            `json:"handoffs"`
}

// PassResult — итог прохода планировщика.
type PassResult struct {
	Campaigns int `json:"campaigns"`
	Scheduled int `json:"scheduled"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Paused    int `json:"paused"`
	Errors    int `json:"errors"`
}

// DrainResult — итог прогона очереди.
type DrainResult struct {
	Processed int            `json:"processed"`
	Outcomes  map[string]int `json:"outcomes"`
}

// IdentityUsage — статистика аккаунта.
type IdentityUsage struct {
	IdentityID        string `json:"identity_id"`
	Email             string `json:"email"`
	Provider          string `json:"provider"`
	Status            string `json:"status"`
	HealthScore       int    `json:"health_score"`
	DailySent         int    `json:"daily_sent"`
	DailyLimit        int    `json:"daily_limit"`
	RemainingQuota    int    `json:"remaining_quota"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	TotalSent         int64  `json:"total_sent"`
	TotalFailed       int64  `json:"total_failed"`
	LastError         string `json:"last_error,omitempty"`
}

// IdentityResponse — аккаунт из API.
type IdentityResponse struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenant_id"`
	Email             string `json:"email"`
	Provider          string `json:"provider"`
	Status            string `json:"status"`
	HealthScore       int    `json:"health_score"`
	DailySent         int    `json:"daily_sent"`
	DailyLimit        int    `json:"daily_limit"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
}

// ContactResponse — контакт из API.
type ContactResponse struct {
	ID                 string `json:"id"`
	CampaignID         string `json:"campaign_id"`
	Email              string `json:"email"`
	Status             string `json:"status"`
	SequencePosition   int    `json:"sequence_position"`
	NextEligibleSendAt string `json:"next_eligible_send_at,omitempty"`
}

// ConversationResponse — диалог из API.
type ConversationResponse struct {
	ID              string `json:"id"`
	CampaignID      string `json:"campaign_id"`
	ContactID       string `json:"contact_id"`
	Stage           string `json:"stage"`
	Status          string `json:"status"`
	LastIntent      string `json:"last_intent,omitempty"`
	RequiresHandoff bool   `json:"requires_handoff"`
	TotalResponses  int    `json:"total_responses"`
	ResponseAction  string `json:"response_action"`
	LastReplyAt     string `json:"last_reply_at,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Outbound API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// прогон очереди может занять время
			Timeout: 5 * time.Minute,
		},
	}
}

// --- Campaigns ---

// StartCampaign запускает кампанию.
func (c *Client) StartCampaign(id string) (*CampaignResponse, error) {
	var campaign CampaignResponse
	err := c.post("/api/v1/campaigns/"+url.PathEscape(id)+"/start", nil, &campaign)
	return &campaign, err
}

// PauseCampaign ставит кампанию на паузу.
func (c *Client) PauseCampaign(id, reason string) (*CampaignResponse, error) {
	var campaign CampaignResponse
	body := map[string]string{"reason": reason}
	err := c.post("/api/v1/campaigns/"+url.PathEscape(id)+"/pause", body, &campaign)
	return &campaign, err
}

// ResumeCampaign снимает кампанию с паузы.
func (c *Client) ResumeCampaign(id string) (*CampaignResponse, error) {
	var campaign CampaignResponse
	err := c.post("/api/v1/campaigns/"+url.PathEscape(id)+"/resume", nil, &campaign)
	return &campaign, err
}

// CampaignStatus возвращает аналитику кампании.
func (c *Client) CampaignStatus(id string) (*CampaignStats, error) {
	var stats CampaignStats
	err := c.get("/api/v1/campaigns/"+url.PathEscape(id)+"/status", &stats)
	return &stats, err
}

// --- Operations ---

// RunScheduler выполняет проход планировщика.
func (c *Client) RunScheduler() (*PassResult, error) {
	var res PassResult
	err := c.post("/api/v1/scheduler/run", nil, &res)
	return &res, err
}

// DrainQueue обрабатывает готовые задачи.
func (c *Client) DrainQueue() (*DrainResult, error) {
	var res DrainResult
	err := c.post("/api/v1/queue/drain", nil, &res)
	return &res, err
}

// --- Identities ---

// ListIdentities возвращает аккаунты tenant.
func (c *Client) ListIdentities(tenantID string) ([]IdentityUsage, error) {
	params := url.Values{}
	params.Set("tenant_id", tenantID)

	var usage []IdentityUsage
	err := c.list("/api/v1/identities", params, &usage)
	return usage, err
}

// GetIdentity возвращает аккаунт по ID.
func (c *Client) GetIdentity(id string) (*IdentityResponse, error) {
	var ident IdentityResponse
	err := c.get("/api/v1/identities/"+url.PathEscape(id), &ident)
	return &ident, err
}

// PauseIdentity ставит аккаунт на паузу.
func (c *Client) PauseIdentity(id string) (*IdentityResponse, error) {
	var ident IdentityResponse
	err := c.post("/api/v1/identities/"+url.PathEscape(id)+"/pause", nil, &ident)
	return &ident, err
}

// ResumeIdentity возвращает аккаунт в работу.
func (c *Client) ResumeIdentity(id string) (*IdentityResponse, error) {
	var ident IdentityResponse
	err := c.post("/api/v1/identities/"+url.PathEscape(id)+"/resume", nil, &ident)
	return &ident, err
}

// --- Contacts & conversations ---

// ResumeContact возобновляет рассылку контакту.
func (c *Client) ResumeContact(id string) (*ContactResponse, error) {
	var contact ContactResponse
	err := c.post("/api/v1/contacts/"+url.PathEscape(id)+"/resume", nil, &contact)
	return &contact, err
}

// ListConversations возвращает диалоги кампании.
func (c *Client) ListConversations(campaignID string, handoffOnly bool) ([]ConversationResponse, error) {
	params := url.Values{}
	params.Set("campaign_id", campaignID)
	if handoffOnly {
		params.Set("handoff", "true")
	}

	var convs []ConversationResponse
	err := c.list("/api/v1/conversations", params, &convs)
	return convs, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
