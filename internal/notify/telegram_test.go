package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTelegram struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTelegram) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 1, "is_bot": true, "first_name": "healer", "username": "healer_bot"},
		})
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		chatID := r.Form.Get("chat_id")
		f.mu.Lock()
		f.sent = append(f.sent, chatID+":"+r.Form.Get("text"))
		f.mu.Unlock()
		switch chatID {
		case "200":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
		case "300":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 403, "description": "Forbidden: bot was blocked by the user"})
		case "400":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: message text is empty"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"message_id": 7, "date": 0, "chat": map[string]any{"id": 100, "type": "private"}},
			})
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestMessenger(t *testing.T) (*TelegramMessenger, *fakeTelegram) {
	t.Helper()
	fake := &fakeTelegram{}
	srv := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(srv.Close)

	bot, err := NewTelegramBot("123:abc", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)
	return NewTelegramMessenger(bot), fake
}

func TestTelegramMessenger_Send(t *testing.T) {
	m, fake := newTestMessenger(t)

	require.NoError(t, m.Send(context.Background(), "100", "New pull request"))
	assert.Equal(t, []string{"100:New pull request"}, fake.sent)
}

func TestTelegramMessenger_GoneRecipients(t *testing.T) {
	m, _ := newTestMessenger(t)

	assert.ErrorIs(t, m.Send(context.Background(), "200", "x"), ErrRecipientNotFound)
	assert.ErrorIs(t, m.Send(context.Background(), "300", "x"), ErrRecipientNotFound)
	assert.ErrorIs(t, m.Send(context.Background(), "not-a-number", "x"), ErrRecipientNotFound)
}

func TestTelegramMessenger_OtherErrorsAreNotGone(t *testing.T) {
	m, _ := newTestMessenger(t)

	err := m.Send(context.Background(), "400", "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRecipientNotFound)
	assert.Contains(t, err.Error(), "400")
}

func TestTelegramMessenger_CanceledContext(t *testing.T) {
	m, fake := newTestMessenger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Send(ctx, "100", "x"), context.Canceled)
	assert.Empty(t, fake.sent)
}

func TestNewTelegramBot_RequiresToken(t *testing.T) {
	_, err := NewTelegramBot("", "", nil)
	assert.Error(t, err)
}
