package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch token endpoint
// and the Helix users/streams endpoints. Point the Helix client at
// HelixURL() and the token manager at TokenURL().
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	calls    map[string]int
	requests []*http.Request
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		m.requests = append(m.requests, r.Clone(r.Context()))
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the Helix base URL served by the mock.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the client-credentials endpoint served by the mock.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// Calls reports how many requests hit path.
func (m *MockTwitchServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// LastRequest returns the most recent request for path, or nil.
func (m *MockTwitchServer) LastRequest(path string) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].URL.Path == path {
			return m.requests[i]
		}
	}
	return nil
}

func (m *MockTwitchServer) set(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint. An empty userID
// answers with an empty data array.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.set("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		if userID != "" {
			data = append(data, map[string]string{"id": userID, "login": login})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	if streams == nil {
		streams = []map[string]interface{}{}
	}
	m.set("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": streams})
	})
}

// MockLive answers /helix/streams with one live stream when live is true and
// an empty list otherwise.
func (m *MockTwitchServer) MockLive(userID string, live bool) {
	var streams []map[string]interface{}
	if live {
		streams = []map[string]interface{}{{"id": "1", "user_id": userID, "type": "live"}}
	}
	m.MockStreamsResponse(streams)
}

// MockError answers path with a Helix-shaped error body.
func (m *MockTwitchServer) MockError(path string, status int, message string) {
	m.set(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]interface{}{
			"error":   http.StatusText(status),
			"status":  status,
			"message": message,
		})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.set("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}
