package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func capture(t *testing.T, trustHeader bool, req *http.Request) (userID, sessionID string, rec *httptest.ResponseRecorder) {
	t.Helper()
	rec = httptest.NewRecorder()
	h := Middleware(trustHeader, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))
	h.ServeHTTP(rec, req)
	return userID, sessionID, rec
}

func TestMiddlewareIssuesAnonCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	userID, sessionID, rec := capture(t, false, req)

	if !isValidAnonID(userID) {
		t.Fatalf("user id = %q, want anon id", userID)
	}
	if sessionID != DefaultSessionIDValue {
		t.Fatalf("session id = %q, want default", sessionID)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != userID {
		t.Fatalf("cookies = %+v", cookies)
	}
}

func TestMiddlewareReusesCookie(t *testing.T) {
	id := "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/api/chat?session_id=tab-7", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})

	userID, sessionID, _ := capture(t, false, req)
	if userID != id {
		t.Fatalf("user id = %q, want %q", userID, id)
	}
	if sessionID != "tab-7" {
		t.Fatalf("session id = %q, want tab-7", sessionID)
	}
}

func TestMiddlewareUserHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "customer-42")
	req.Header.Set(SessionHeaderName, "s-1")

	userID, sessionID, _ := capture(t, true, req)
	if userID != "customer-42" || sessionID != "s-1" {
		t.Fatalf("identity = %q/%q", userID, sessionID)
	}

	userID, _, _ = capture(t, false, req)
	if userID == "customer-42" {
		t.Fatal("untrusted user header was accepted")
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := map[string]string{
		"":                 DefaultSessionIDValue,
		"  ":               DefaultSessionIDValue,
		"abc-123":          "abc-123",
		"../../etc/passwd": DefaultSessionIDValue,
		"with space":       DefaultSessionIDValue,
	}
	for in, want := range tests {
		if got := SanitizeSessionID(in); got != want {
			t.Fatalf("SanitizeSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}
