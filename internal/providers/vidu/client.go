// Package vidu is the HTTP client for the remote image-to-video service.
// Each method performs a single attempt; retries, pacing and credential
// lookup belong to the gateway.
package vidu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/infra"
)

const (
	pathSendAuthCode = "/iam/v1/users/send-auth-code"
	pathLogin        = "/iam/v1/users/login"
	pathLogout       = "/iam/v1/users/logout"
	pathMe           = "/iam/v1/users/me"
	pathUploads      = "/tools/v1/files/uploads"
	pathTasks        = "/vidu/v1/tasks"
	pathTaskState    = "/vidu/v1/tasks/state"
	pathHistory      = "/vidu/v1/tasks/history/me"

	// DefaultRefreshPath exchanges a refresh token for a new session.
	DefaultRefreshPath = "/iam/v1/users/refresh"

	authCookie = "JWT"
	taskType   = "character2video"
)

// ErrMalformedResponse is returned when a 2xx body cannot be understood.
// It is fatal: repeating the call yields the same body.
var ErrMalformedResponse = fmt.Errorf("vidu: malformed response: %w", domain.ErrFatal)

// StatusError is a non-2xx response.
type StatusError struct {
	Op      string
	Status  int
	Code    string
	Message string
	wait    time.Duration
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("vidu: %s: status %d: %s (%s)", e.Op, e.Status, msg, e.Code)
	}
	return fmt.Sprintf("vidu: %s: status %d: %s", e.Op, e.Status, msg)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Status }

// RetryAfter returns the server's Retry-After hint, zero when absent.
func (e *StatusError) RetryAfter() time.Duration { return e.wait }

// Options configures the client.
type Options struct {
	BaseURL     string
	APIBaseURL  string
	UserAgent   string
	RefreshPath string
	DeviceID    string
	HTTPClient  *http.Client
	Logger      *infra.Logger
	// HistoryPageSize and HistoryMaxPages bound result lookups.
	HistoryPageSize int
	HistoryMaxPages int
}

// Client talks to the remote service.
type Client struct {
	baseURL     string
	apiBaseURL  string
	userAgent   string
	refreshPath string
	deviceID    string
	pageSize    int
	maxPages    int
	httpClient  *http.Client
	logger      *infra.Logger
}

// NewClient constructs a client with defaults for anything unset.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.vidu.cn"
	}
	apiBaseURL := strings.TrimRight(opts.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = "https://service.vidu.cn"
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "autoGenVideo/1.0"
	}
	refreshPath := opts.RefreshPath
	if refreshPath == "" {
		refreshPath = DefaultRefreshPath
	}
	pageSize := opts.HistoryPageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	maxPages := opts.HistoryMaxPages
	if maxPages <= 0 {
		maxPages = 5
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		baseURL:     baseURL,
		apiBaseURL:  apiBaseURL,
		userAgent:   userAgent,
		refreshPath: refreshPath,
		deviceID:    opts.DeviceID,
		pageSize:    pageSize,
		maxPages:    maxPages,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// Session is the result of a login or refresh.
type Session struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
}

type sendCodeRequest struct {
	Channel  string `json:"channel"`
	Receiver string `json:"receiver"`
	Purpose  string `json:"purpose"`
	Locale   string `json:"locale"`
}

// SendAuthCode asks the service to send a login code by SMS.
func (c *Client) SendAuthCode(ctx context.Context, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return errors.New("vidu: phone is required")
	}
	body := sendCodeRequest{Channel: "sms", Receiver: phone, Purpose: "login", Locale: "en"}
	return c.do(ctx, "send_code", http.MethodPost, c.apiBaseURL+pathSendAuthCode, "", body, nil)
}

type loginRequest struct {
	IDType              string `json:"id_type"`
	Identity            string `json:"identity"`
	AuthType            string `json:"auth_type"`
	Credential          string `json:"credential"`
	DeviceID            string `json:"device_id"`
	InviteCode          string `json:"invite_code"`
	ReceiveMarketingMsg bool   `json:"receive_marketing_msg"`
}

type sessionResponse struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refresh_token"`
	ExpireTime   json.RawMessage `json:"expire_time"`
	User         struct {
		ID json.Number `json:"id"`
	} `json:"user"`
}

// Login exchanges a phone number and SMS code for a session.
func (c *Client) Login(ctx context.Context, phone, code string) (*Session, error) {
	phone, code = strings.TrimSpace(phone), strings.TrimSpace(code)
	if phone == "" || code == "" {
		return nil, errors.New("vidu: phone and code are required")
	}
	req := loginRequest{
		IDType:     "phone",
		Identity:   phone,
		AuthType:   "authcode",
		Credential: code,
		DeviceID:   c.deviceID,
	}
	var resp sessionResponse
	if err := c.do(ctx, "authenticate", http.MethodPost, c.apiBaseURL+pathLogin, "", req, &resp); err != nil {
		return nil, err
	}
	return resp.session()
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh trades a refresh token for a new session. The refresh token is
// kept by the caller when the response omits one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("vidu: refresh token is required")
	}
	var resp sessionResponse
	if err := c.do(ctx, "refresh", http.MethodPost, c.apiBaseURL+c.refreshPath, "", refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, err
	}
	return resp.session()
}

func (r sessionResponse) session() (*Session, error) {
	token := strings.TrimSpace(r.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: session without token", ErrMalformedResponse)
	}
	return &Session{
		Token:        token,
		RefreshToken: strings.TrimSpace(r.RefreshToken),
		ExpiresAt:    parseExpireTime(r.ExpireTime),
		UserID:       r.User.ID.String(),
	}, nil
}

// parseExpireTime accepts RFC 3339 strings and unix seconds.
func parseExpireTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return time.Unix(int64(n), 0).UTC()
	}
	return time.Time{}
}

// Logout ends the remote session.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, "logout", http.MethodPost, c.apiBaseURL+pathLogout, token, struct{}{}, nil)
}

// User is the authenticated account profile.
type User struct {
	ID       json.Number `json:"id"`
	Nickname string      `json:"nickname"`
	Phone    string      `json:"phone"`
}

// Me returns the profile behind token.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	var u User
	if err := c.do(ctx, "me", http.MethodGet, c.apiBaseURL+pathMe, token, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UploadRequest is a preprocessed image ready to send.
type UploadRequest struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// Upload is a finished upload.
type Upload struct {
	ID  string
	URI string
}

// Reference is the form task payloads use to point at the upload.
func (u Upload) Reference() string {
	return "ssupload:?id=" + u.ID
}

type uploadMetaRequest struct {
	Metadata map[string]string `json:"metadata"`
	Scene    string            `json:"scene"`
}

type uploadMetaResponse struct {
	ID     string `json:"id"`
	PutURL string `json:"put_url"`
}

type uploadFinishRequest struct {
	ETag string `json:"etag"`
	ID   string `json:"id"`
}

type uploadFinishResponse struct {
	URI string `json:"uri"`
}

// UploadImage runs the three-step upload: register metadata, PUT the bytes
// to the presigned URL, then confirm.
func (c *Client) UploadImage(ctx context.Context, token string, req UploadRequest) (*Upload, error) {
	if len(req.Data) == 0 {
		return nil, errors.New("vidu: image data is required")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, errors.New("vidu: image dimensions are required")
	}
	width, height := strconv.Itoa(req.Width), strconv.Itoa(req.Height)

	var meta uploadMetaResponse
	metaReq := uploadMetaRequest{
		Metadata: map[string]string{"image-height": height, "image-width": width},
		Scene:    "vidu",
	}
	if err := c.do(ctx, "upload_meta", http.MethodPost, c.apiBaseURL+pathUploads, token, metaReq, &meta); err != nil {
		return nil, err
	}
	if meta.ID == "" || meta.PutURL == "" {
		return nil, fmt.Errorf("%w: upload without id or put_url", ErrMalformedResponse)
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, meta.PutURL, bytes.NewReader(req.Data))
	if err != nil {
		return nil, fmt.Errorf("vidu: build upload request: %w", err)
	}
	mime := req.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	putReq.Header.Set("Content-Type", mime)
	putReq.Header.Set("User-Agent", c.userAgent)
	putReq.Header.Set("X-Amz-Meta-Image-Height", height)
	putReq.Header.Set("X-Amz-Meta-Image-Width", width)
	putResp, err := c.httpClient.Do(putReq)
	if err != nil {
		return nil, fmt.Errorf("vidu: upload_put: %w", err)
	}
	raw, _ := io.ReadAll(io.LimitReader(putResp.Body, 4096))
	putResp.Body.Close()
	if putResp.StatusCode >= 300 {
		return nil, newStatusError("upload_put", putResp, raw)
	}
	etag := strings.Trim(putResp.Header.Get("ETag"), `"`)

	var fin uploadFinishResponse
	finPath := c.apiBaseURL + pathUploads + "/" + url.PathEscape(meta.ID) + "/finish"
	if err := c.do(ctx, "upload_finish", http.MethodPut, finPath, token, uploadFinishRequest{ETag: etag, ID: meta.ID}, &fin); err != nil {
		return nil, err
	}
	if fin.URI == "" {
		return nil, fmt.Errorf("%w: finish without uri", ErrMalformedResponse)
	}
	c.logger.Debug().Str("upload_id", meta.ID).Msg("vidu: image uploaded")
	return &Upload{ID: meta.ID, URI: fin.URI}, nil
}

// TaskRequest describes one generation job.
type TaskRequest struct {
	UploadRef string
	Prompt    string
	Width     int
	Height    int
	Settings  jsoncfg.TaskSettings
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type region struct {
	TopLeft     point `json:"top_left"`
	BottomRight point `json:"bottom_right"`
}

type taskPrompt struct {
	Type           string   `json:"type"`
	Content        string   `json:"content"`
	SrcImgs        []string `json:"src_imgs,omitempty"`
	SelectedRegion *region  `json:"selected_region,omitempty"`
	Name           string   `json:"name,omitempty"`
}

type taskInput struct {
	Prompts    []taskPrompt `json:"prompts"`
	EditorMode string       `json:"editor_mode"`
	Enhance    bool         `json:"enhance"`
}

type taskSettings struct {
	jsoncfg.TaskSettings
	UseTrial bool `json:"use_trial"`
}

type taskPayload struct {
	Input    taskInput    `json:"input"`
	Type     string       `json:"type"`
	Settings taskSettings `json:"settings"`
}

type taskCreated struct {
	ID json.Number `json:"id"`
}

// SubmitTask creates the remote job and returns its id.
func (c *Client) SubmitTask(ctx context.Context, token string, req TaskRequest) (string, error) {
	if req.UploadRef == "" {
		return "", errors.New("vidu: upload reference is required")
	}
	payload := buildTaskPayload(req)
	var created taskCreated
	if err := c.do(ctx, "submit_job", http.MethodPost, c.apiBaseURL+pathTasks, token, payload, &created); err != nil {
		return "", err
	}
	id := created.ID.String()
	if id == "" {
		return "", fmt.Errorf("%w: task without id", ErrMalformedResponse)
	}
	return id, nil
}

func buildTaskPayload(req TaskRequest) taskPayload {
	const imageName = "图1"
	return taskPayload{
		Input: taskInput{
			Prompts: []taskPrompt{
				{Type: "text", Content: "[@" + imageName + "]" + req.Prompt},
				{
					Type:    "image",
					Content: req.UploadRef,
					SrcImgs: []string{req.UploadRef},
					SelectedRegion: &region{
						BottomRight: point{X: req.Width, Y: req.Height},
					},
					Name: imageName,
				},
			},
			EditorMode: "normal",
			Enhance:    true,
		},
		Type:     taskType,
		Settings: taskSettings{TaskSettings: req.Settings},
	}
}

// RemoteState is the service's job state folded into three outcomes.
type RemoteState string

const (
	RemoteRunning RemoteState = "running"
	RemoteSuccess RemoteState = "success"
	RemoteFailure RemoteState = "failure"
)

// MapState folds a raw remote state. Unknown states count as running.
func MapState(raw string) RemoteState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "completed":
		return RemoteSuccess
	case "failed", "error", "cancelled", "canceled":
		return RemoteFailure
	default:
		return RemoteRunning
	}
}

// TaskStatus is one poll result.
type TaskStatus struct {
	State             RemoteState
	RawState          string
	EstimatedTimeLeft int
	ErrCode           string
}

type taskStateResponse struct {
	State             string `json:"state"`
	EstimatedTimeLeft int    `json:"estimated_time_left"`
	ErrCode           string `json:"err_code"`
}

// TaskState polls the remote job.
func (c *Client) TaskState(ctx context.Context, token, taskID string) (*TaskStatus, error) {
	if taskID == "" {
		return nil, errors.New("vidu: task id is required")
	}
	endpoint := c.apiBaseURL + pathTaskState + "?" + url.Values{"id": {taskID}}.Encode()
	var resp taskStateResponse
	if err := c.do(ctx, "poll_status", http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, err
	}
	if resp.State == "" {
		return nil, fmt.Errorf("%w: state missing", ErrMalformedResponse)
	}
	return &TaskStatus{
		State:             MapState(resp.State),
		RawState:          resp.State,
		EstimatedTimeLeft: resp.EstimatedTimeLeft,
		ErrCode:           resp.ErrCode,
	}, nil
}

type historyResponse struct {
	Tasks []struct {
		ID        json.Number `json:"id"`
		State     string      `json:"state"`
		Creations []struct {
			URI         string `json:"uri"`
			DownloadURI string `json:"download_uri"`
			NomarkURI   string `json:"nomark_uri"`
		} `json:"creations"`
	} `json:"tasks"`
	Total int `json:"total"`
}

// historyTypes are the task types the history endpoint is asked for.
var historyTypes = []string{"img2video", "character2video", "text2video", "upscale", "extend", "headtailimg2video", "controlnet", "material2video"}

// TaskResult finds the downloadable video of a finished task by scanning
// the account history. The watermark-free link is preferred.
func (c *Client) TaskResult(ctx context.Context, token, taskID string) (string, error) {
	if taskID == "" {
		return "", errors.New("vidu: task id is required")
	}
	seen := 0
	for page := 0; page < c.maxPages; page++ {
		q := url.Values{
			"pager.page":   {strconv.Itoa(page)},
			"pager.pagesz": {strconv.Itoa(c.pageSize)},
			"scenes":       {""},
			"types":        historyTypes,
		}
		var resp historyResponse
		if err := c.do(ctx, "task_result", http.MethodGet, c.apiBaseURL+pathHistory+"?"+q.Encode(), token, nil, &resp); err != nil {
			return "", err
		}
		for _, task := range resp.Tasks {
			if task.ID.String() != taskID {
				continue
			}
			for _, cr := range task.Creations {
				for _, u := range []string{cr.NomarkURI, cr.DownloadURI, cr.URI} {
					if u = strings.TrimSpace(u); u != "" {
						return u, nil
					}
				}
			}
			return "", fmt.Errorf("%w: task %s has no downloadable creation", ErrMalformedResponse, taskID)
		}
		seen += len(resp.Tasks)
		if len(resp.Tasks) < c.pageSize || (resp.Total > 0 && seen >= resp.Total) {
			break
		}
	}
	return "", fmt.Errorf("vidu: task %s not found in history: %w", taskID, domain.ErrRetryable)
}

type errorResponse struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// do sends body as JSON and decodes a 2xx response into out when non-nil.
func (c *Client) do(ctx context.Context, op, method, endpoint, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vidu: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("vidu: %s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("X-Platform", "web")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: authCookie, Value: token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vidu: %s: http request: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("vidu: %s: read response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return newStatusError(op, resp, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}

func newStatusError(op string, resp *http.Response, raw []byte) *StatusError {
	se := &StatusError{Op: op, Status: resp.StatusCode, wait: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil {
		se.Code = detail.Code
		if se.Code == "" {
			se.Code = detail.Reason
		}
		se.Message = detail.Message
	}
	if se.Message == "" {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		se.Message = msg
	}
	return se
}

// parseRetryAfter accepts delta-seconds and HTTP dates.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
