package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kbassist-backend/models"
	"kbassist-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnswerer struct {
	result service.QueryResult
	query  string
	prior  []models.Turn
	calls  int
}

func (f *fakeAnswerer) Answer(_ context.Context, query string, prior []models.Turn) service.QueryResult {
	f.calls++
	f.query = query
	f.prior = prior
	return f.result
}

type memorySessions struct {
	turns   map[string][]models.Turn
	loadErr error
}

func newMemorySessions() *memorySessions {
	return &memorySessions{turns: map[string][]models.Turn{}}
}

func (m *memorySessions) Load(_ context.Context, id string) ([]models.Turn, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]models.Turn(nil), m.turns[id]...), nil
}

func (m *memorySessions) Append(_ context.Context, id string, turns ...models.Turn) error {
	m.turns[id] = append(m.turns[id], turns...)
	return nil
}

func (m *memorySessions) Clear(_ context.Context, id string) error {
	delete(m.turns, id)
	return nil
}

func setupRouter(h *QueryHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func doRequest(r http.Handler, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie set", SessionCookie)
	return nil
}

func TestQuery_Success(t *testing.T) {
	answerer := &fakeAnswerer{result: service.QueryResult{
		Response: "Use aws_s3_bucket.\n\nSources:\n- S3",
		Sources:  []string{"S3"},
	}}
	sessions := newMemorySessions()
	r := setupRouter(NewQueryHandler(answerer, sessions, nil))

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"How do I create a bucket?"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body models.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Use aws_s3_bucket.\n\nSources:\n- S3", body.Response)
	assert.Equal(t, []string{"S3"}, body.Sources)

	cookie := sessionCookie(t, w)
	assert.True(t, cookie.HttpOnly)
	_, err := uuid.Parse(cookie.Value)
	require.NoError(t, err)

	assert.Equal(t, []models.Turn{
		models.UserTurn("How do I create a bucket?"),
		models.AssistantTurn("Use aws_s3_bucket.\n\nSources:\n- S3"),
	}, sessions.turns[cookie.Value])
}

func TestQuery_TrimsQuery(t *testing.T) {
	answerer := &fakeAnswerer{result: service.QueryResult{Response: "answer", Sources: []string{}}}
	sessions := newMemorySessions()
	r := setupRouter(NewQueryHandler(answerer, sessions, nil))

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"  \n How do I create a bucket?\t "}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "How do I create a bucket?", answerer.query)
	cookie := sessionCookie(t, w)
	assert.Equal(t, models.UserTurn("How do I create a bucket?"), sessions.turns[cookie.Value][0])
}

func TestQuery_UsesStoredHistory(t *testing.T) {
	answerer := &fakeAnswerer{result: service.QueryResult{Response: "second", Sources: []string{}}}
	sessions := newMemorySessions()
	id := uuid.New().String()
	sessions.turns[id] = []models.Turn{models.UserTurn("first q"), models.AssistantTurn("first a")}
	r := setupRouter(NewQueryHandler(answerer, sessions, nil))

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"next"}`, &http.Cookie{Name: SessionCookie, Value: id})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "next", answerer.query)
	assert.Equal(t, []models.Turn{models.UserTurn("first q"), models.AssistantTurn("first a")}, answerer.prior)
	assert.Len(t, sessions.turns[id], 4)
	assert.Empty(t, w.Result().Cookies())
}

func TestQuery_FailureLeavesHistoryUntouched(t *testing.T) {
	answerer := &fakeAnswerer{result: service.QueryResult{
		Response: service.MissingIndexMessage,
		Sources:  []string{},
		Failure:  service.FailureIndexUnavailable,
	}}
	sessions := newMemorySessions()
	id := uuid.New().String()
	r := setupRouter(NewQueryHandler(answerer, sessions, nil))

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"q"}`, &http.Cookie{Name: SessionCookie, Value: id})
	require.Equal(t, http.StatusOK, w.Code)

	var body models.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, service.MissingIndexMessage, body.Response)
	assert.Empty(t, body.Sources)
	assert.Empty(t, sessions.turns[id])
}

func TestQuery_NilSourcesEncodedAsEmptyList(t *testing.T) {
	answerer := &fakeAnswerer{result: service.QueryResult{Response: "ok"}}
	r := setupRouter(NewQueryHandler(answerer, newMemorySessions(), nil))

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"q"}`, nil)
	assert.JSONEq(t, `{"response":"ok","sources":[]}`, w.Body.String())
}

func TestQuery_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty query", `{"query":""}`},
		{"whitespace query", `{"query":"   \n"}`},
		{"missing query", `{}`},
		{"malformed json", `{"query":`},
		{"wrong type", `{"query":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answerer := &fakeAnswerer{}
			r := setupRouter(NewQueryHandler(answerer, newMemorySessions(), nil))

			w := doRequest(r, http.MethodPost, "/api/query", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"error":"Invalid input"}`, w.Body.String())
			assert.Zero(t, answerer.calls)
		})
	}
}

func TestQuery_HistoryLoadErrorStillAnswers(t *testing.T) {
	answerer := &fakeAnswerer{result: service.QueryResult{Response: "ok", Sources: []string{}}}
	sessions := newMemorySessions()
	sessions.loadErr = errors.New("database is locked")
	r := setupRouter(NewQueryHandler(answerer, sessions, nil))

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"q"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, answerer.prior)
}

func TestQuery_InvalidCookieGetsNewSession(t *testing.T) {
	answerer := &fakeAnswerer{result: service.QueryResult{Response: "ok"}}
	r := setupRouter(NewQueryHandler(answerer, newMemorySessions(), nil))

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"q"}`, &http.Cookie{Name: SessionCookie, Value: "../etc"})
	cookie := sessionCookie(t, w)
	assert.NotEqual(t, "../etc", cookie.Value)
}

func TestNewConversation(t *testing.T) {
	sessions := newMemorySessions()
	id := uuid.New().String()
	sessions.turns[id] = []models.Turn{models.UserTurn("q"), models.AssistantTurn("a")}
	r := setupRouter(NewQueryHandler(&fakeAnswerer{}, sessions, nil))

	w := doRequest(r, http.MethodPost, "/new_conversation", "", &http.Cookie{Name: SessionCookie, Value: id})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"New conversation started"}`, w.Body.String())
	assert.NotContains(t, sessions.turns, id)
}

func TestHealth(t *testing.T) {
	r := setupRouter(NewQueryHandler(&fakeAnswerer{}, newMemorySessions(), nil))

	w := doRequest(r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSecureCookie(t *testing.T) {
	h := NewQueryHandler(&fakeAnswerer{result: service.QueryResult{Response: "ok"}}, newMemorySessions(), nil)
	h.SetSecureCookie(true)
	r := setupRouter(h)

	w := doRequest(r, http.MethodPost, "/api/query", `{"query":"q"}`, nil)
	assert.True(t, sessionCookie(t, w).Secure)
}
