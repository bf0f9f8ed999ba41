// Package nubapp speaks the session-cookie web API of the nubapp/resasports
// family of gym platforms. The API is undocumented; the request shapes here
// mirror what the web booking page itself sends, browser headers included.
package nubapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/wodsched/internal/schedule"
)

const (
	pathCookieChecker = "/web/cookieChecker.php"
	pathCheckUser     = "/web/ajax/users/checkUser.php"
	pathCalendar      = "/web/ajax/activities/getActivitiesCalendar.php"
	pathBook          = "/web/ajax/bookings/bookBookings.php"
	pathCategories    = "/web/ajax/activities/getCategoriesActivities.php"

	browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:147.0) Gecko/20100101 Firefox/147.0"

	maxBodyBytes = 4 << 20
)

// Config configures a Client. ApplicationID and CategoryActivityID identify
// the gym and the class category; both come from the config file (or from
// `wodsched discover`).
type Config struct {
	BaseURL            string
	ApplicationID      string
	CategoryActivityID string
	Location           *time.Location

	// RequestsPerSecond caps outbound calls across all sessions. Zero means
	// the default of 2 rps with small bursts.
	RequestsPerSecond float64
	Timeout           time.Duration
	Logger            *slog.Logger
}

// Client produces per-user Sessions against one gym. Sessions share the
// Client's transport and rate limit; each owns its own cookie jar.
type Client struct {
	base    *url.URL
	appID   string
	catID   string
	loc     *time.Location
	limiter *rate.Limiter
	timeout time.Duration
	tr      http.RoundTripper
	log     *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("application id is required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    base,
		appID:   cfg.ApplicationID,
		catID:   cfg.CategoryActivityID,
		loc:     loc,
		limiter: rate.NewLimiter(rate.Limit(rps), 4),
		timeout: timeout,
		tr:      http.DefaultTransport,
		log:     logger.With("component", "nubapp"),
	}, nil
}

// Slot is one bookable class occurrence from the calendar feed. Start and End
// are gym-local. Capacity is zero when the feed omits occupancy.
type Slot struct {
	ID         string
	Start      time.Time
	End        time.Time
	Activity   string
	CategoryID string
	Inscribed  int
	Capacity   int
}

func (s Slot) String() string {
	name := s.Activity
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s %s (id %s)", s.Start.Format("2006-01-02 15:04:05"), name, s.ID)
}

// Category is an activity category the gym offers.
type Category struct {
	ID   string
	Name string
}

// Session is an authenticated browsing session for one user. It is owned
// exclusively: an internal mutex serializes calls, and it is never shared
// across users. Auth failures invalidate it; callers reopen via Client.Open,
// the session itself never re-authenticates.
type Session struct {
	c     *Client
	hc    *http.Client
	login string

	mu        sync.Mutex
	userID    string
	accountID string // application id bound to the account, from the login response
	authFails int
	dead      bool
}

// Open bootstraps a fresh session: cookieChecker to obtain the PHP session
// cookie, then checkUser to authenticate. Empty credentials fail before any
// network traffic.
func (c *Client) Open(ctx context.Context, login, password string) (*Session, error) {
	if strings.TrimSpace(login) == "" || password == "" {
		return nil, fmt.Errorf("login and password are required")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(c.base, []*http.Cookie{{Name: "applicationId", Value: c.appID, Path: "/"}})

	s := &Session{
		c:     c,
		hc:    &http.Client{Jar: jar, Timeout: c.timeout, Transport: c.tr},
		login: login,
	}

	q := url.Values{}
	q.Set("id_application", c.appID)
	q.Set("isIframe", "false")
	if _, err := s.do(ctx, http.MethodGet, pathCookieChecker, q, nil); err != nil {
		return nil, fmt.Errorf("session bootstrap: %w", err)
	}

	form := url.Values{}
	form.Set("username", login)
	form.Set("password", password)
	body, err := s.do(ctx, http.MethodPost, pathCheckUser, nil, form)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", login, err)
	}

	var resp struct {
		Success *flexBool `json:"success"`
		Message string    `json:"message"`
		Error   string    `json:"error"`
		User    *wireUser `json:"user"`
		Data    *struct {
			User *wireUser `json:"user"`
		} `json:"data"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("login %s: %w", login, err)
	}
	user := resp.User
	if user == nil && resp.Data != nil {
		user = resp.Data.User
	}
	if (resp.Success != nil && !bool(*resp.Success)) || user == nil || user.ID.str() == "" {
		msg := resp.Message
		if msg == "" {
			msg = resp.Error
		}
		if msg == "" {
			msg = "login rejected"
		}
		return nil, &AuthError{Status: http.StatusOK, Msg: msg}
	}

	s.userID = user.ID.str()
	s.accountID = user.AppID.str()
	if s.accountID == "" {
		s.accountID = c.appID
	}
	c.log.Debug("session opened", "login", login, "id_user", s.userID, "id_application", s.accountID)
	return s, nil
}

func (s *Session) Login() string { return s.login }

// UserID is the platform's id_user for the authenticated account.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ApplicationID is the application id bound to the account, which can differ
// from the configured one when a login belongs to another branch.
func (s *Session) ApplicationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// Alive reports whether the session may still be used. Two consecutive auth
// rejections kill it for good.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// Slots fetches the calendar between from and to (gym-local) for the
// configured category. Results are never cached; every call hits the
// platform.
func (s *Session) Slots(ctx context.Context, from, to time.Time) ([]Slot, error) {
	if s.c.catID == "" {
		return nil, fmt.Errorf("category activity id is not configured, run the discover command to find it")
	}
	q := url.Values{}
	q.Set("id_category_activity", s.c.catID)
	q.Set("offset", strconv.Itoa(schedule.OffsetMinutes(from.In(s.c.loc))))
	q.Set("start", strconv.FormatInt(from.Unix(), 10))
	q.Set("end", strconv.FormatInt(to.Unix(), 10))
	q.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))

	body, err := s.call(ctx, http.MethodGet, pathCalendar, q, nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeSlotsPayload(body)
	if err != nil {
		s.noteDecode(err)
		return nil, fmt.Errorf("calendar: %w", err)
	}

	out := make([]Slot, 0, len(wire))
	for _, w := range wire {
		slot, err := w.toSlot(s.c.loc)
		if err != nil {
			s.c.log.Debug("skipping malformed calendar row", "login", s.login, "err", err)
			continue
		}
		out = append(out, slot)
	}
	return out, nil
}

// Book reserves a slot by its calendar id. A clean refusal comes back as a
// CapacityError; auth expiry as an AuthError.
func (s *Session) Book(ctx context.Context, slotID string) error {
	form := url.Values{}
	form.Set("items[activities][0][id_activity_calendar]", slotID)
	form.Set("unit_price", "0")
	form.Set("n_guests", "0")
	form.Set("id_resource", "false")
	form.Set("discount_code", "false")
	form.Set("form", "")
	form.Set("formIntoNotes", "")

	body, err := s.call(ctx, http.MethodPost, pathBook, nil, form)
	if err != nil {
		return err
	}

	var resp struct {
		Success *flexBool `json:"success"`
		Message string    `json:"message"`
		Error   string    `json:"error"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		s.noteDecode(err)
		return fmt.Errorf("book slot %s: %w", slotID, err)
	}
	if resp.Success != nil && bool(*resp.Success) {
		return nil
	}
	msg := resp.Message
	if msg == "" {
		msg = resp.Error
	}
	return &CapacityError{SlotID: slotID, Msg: msg}
}

// Categories lists the gym's activity categories, for operators hunting the
// right category_activity_id.
func (s *Session) Categories(ctx context.Context) ([]Category, error) {
	body, err := s.call(ctx, http.MethodGet, pathCategories, nil, nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeCategoriesPayload(body)
	if err != nil {
		s.noteDecode(err)
		return nil, fmt.Errorf("categories: %w", err)
	}
	out := make([]Category, 0, len(wire))
	for _, w := range wire {
		id := w.ID.str()
		if id == "" {
			id = w.Alt.str()
		}
		name := w.Name
		if name == "" {
			name = w.Title
		}
		if id == "" && name == "" {
			continue
		}
		out = append(out, Category{ID: id, Name: strings.TrimSpace(name)})
	}
	return out, nil
}

// call is the guarded entry point for authenticated operations: it applies
// the exclusive-ownership mutex, refuses dead sessions, and keeps the
// consecutive-auth-failure count.
func (s *Session) call(ctx context.Context, method, path string, query, form url.Values) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, ErrSessionDead
	}
	body, err := s.do(ctx, method, path, query, form)
	s.note(err)
	return body, err
}

// note updates the auth-failure streak. Success clears it; a second
// consecutive auth rejection kills the session. Transient errors leave the
// streak untouched since they prove nothing about the cookie.
func (s *Session) note(err error) {
	switch {
	case err == nil:
		s.authFails = 0
	case IsAuth(err):
		s.authFails++
		if s.authFails >= 2 {
			s.dead = true
			s.c.log.Warn("session invalidated after consecutive auth failures", "login", s.login)
		}
	}
}

// noteDecode records auth failures detected after call released the lock,
// such as the login-page-instead-of-JSON case.
func (s *Session) noteDecode(err error) {
	if !IsAuth(err) {
		return
	}
	s.mu.Lock()
	s.note(err)
	s.mu.Unlock()
}

// do performs one HTTP round trip with the browser-identifying header set the
// platform expects. It never logs credentials or cookie values.
func (s *Session) do(ctx context.Context, method, path string, query, form url.Values) ([]byte, error) {
	if err := s.c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := s.c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", s.c.base.Scheme+"://"+s.c.base.Host)
	req.Header.Set("Referer", s.c.base.JoinPath("/").String())
	req.Header.Set("Cache-Control", "no-cache")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, err)
	}
	s.c.log.Debug("platform call", "method", method, "path", path, "status", res.StatusCode, "bytes", len(body))

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Status: res.StatusCode, Msg: snippet(body)}
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("%s: server error (status=%d)", path, res.StatusCode)
	case res.StatusCode >= 400:
		return nil, fmt.Errorf("%s: rejected (status=%d): %s", path, res.StatusCode, snippet(body))
	}
	return body, nil
}

// decodeJSON unmarshals an API payload. The platform answers expired sessions
// with its HTML login page and a 200, so markup where JSON belongs is an auth
// failure, not a parse bug.
func decodeJSON(b []byte, v any) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "<") {
		return &AuthError{Status: http.StatusOK, Msg: "received login page instead of JSON (session expired)"}
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 140 {
		s = s[:140] + "..."
	}
	return s
}

type wireUser struct {
	ID    flexID `json:"id_user"`
	AppID flexID `json:"id_application"`
}

type wireSlot struct {
	Start      string  `json:"start"`
	End        string  `json:"end"`
	ID         flexID  `json:"id_activity_calendar"`
	Activity   string  `json:"name_activity"`
	Name       string  `json:"name"`
	CategoryID flexID  `json:"id_category_activity"`
	Inscribed  flexInt `json:"n_inscribed"`
	Capacity   flexInt `json:"n_capacity"`
}

func (w wireSlot) toSlot(loc *time.Location) (Slot, error) {
	if w.ID.str() == "" {
		return Slot{}, fmt.Errorf("row without id_activity_calendar")
	}
	start, err := parseLocalTime(w.Start, loc)
	if err != nil {
		return Slot{}, fmt.Errorf("slot %s: %w", w.ID.str(), err)
	}
	end, err := parseLocalTime(w.End, loc)
	if err != nil {
		end = start
	}
	activity := strings.TrimSpace(w.Activity)
	if activity == "" {
		activity = strings.TrimSpace(w.Name)
	}
	return Slot{
		ID:         w.ID.str(),
		Start:      start,
		End:        end,
		Activity:   activity,
		CategoryID: w.CategoryID.str(),
		Inscribed:  int(w.Inscribed),
		Capacity:   int(w.Capacity),
	}, nil
}

func parseLocalTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// decodeSlotsPayload tolerates the envelope variants the calendar feed is
// known to produce: a bare array, {"activities_calendar": [...]}, or a
// "data" wrapper around either (sometimes keyed by date).
func decodeSlotsPayload(b []byte) ([]wireSlot, error) {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "<") {
		return nil, &AuthError{Status: http.StatusOK, Msg: "received login page instead of JSON (session expired)"}
	}
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var out []wireSlot
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if raw, ok := envelope["success"]; ok {
		var success flexBool
		if err := json.Unmarshal(raw, &success); err == nil && !bool(success) {
			var msg string
			if m, ok := envelope["message"]; ok {
				_ = json.Unmarshal(m, &msg)
			}
			return nil, fmt.Errorf("calendar fetch refused: %s", msg)
		}
	}
	if raw, ok := envelope["data"]; ok {
		return decodeSlotsPayload(raw)
	}
	if raw, ok := envelope["activities_calendar"]; ok {
		var out []wireSlot
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}
	// Date-keyed map: take any value that holds an array.
	for _, raw := range envelope {
		if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
			var out []wireSlot
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
		}
	}
	return nil, nil
}

type wireCategory struct {
	ID    flexID `json:"id_category_activity"`
	Alt   flexID `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

func decodeCategoriesPayload(b []byte) ([]wireCategory, error) {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "<") {
		return nil, &AuthError{Status: http.StatusOK, Msg: "received login page instead of JSON (session expired)"}
	}
	if strings.HasPrefix(trimmed, "[") {
		var out []wireCategory
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}
	var envelope struct {
		Data       json.RawMessage `json:"data"`
		Categories json.RawMessage `json:"categories"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for _, raw := range []json.RawMessage{envelope.Data, envelope.Categories} {
		if len(raw) > 0 {
			return decodeCategoriesPayload(raw)
		}
	}
	return nil, nil
}

// flexID reads a JSON string or number as a string; the platform emits ids
// both ways depending on the endpoint.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) str() string { return string(f) }

// flexInt reads a JSON number or numeric string as an int.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// flexBool reads true/false, 0/1, and their quoted forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*f = true
	case "false", "0", "null", "":
		*f = false
	default:
		return fmt.Errorf("not a boolean: %s", s)
	}
	return nil
}
