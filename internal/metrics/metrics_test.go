package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}

func TestSetStateMarksOnlyActive(t *testing.T) {
	SetState("beta", []string{"alpha", "beta"})

	body := scrape(t)
	require.Contains(t, body, `notifygw_session_state{state="alpha"} 0`)
	require.Contains(t, body, `notifygw_session_state{state="beta"} 1`)
	require.Contains(t, body, `notifygw_session_transitions_total{to="beta"}`)
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	require.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)

	timer.ObserveDurationVec(APIRequestDuration, "timer_test")
	require.Contains(t, scrape(t), `notifygw_api_request_duration_seconds_count{route="timer_test"} 1`)
}

func TestHandlerServesExposition(t *testing.T) {
	QueueDepth.Set(3)
	require.Contains(t, scrape(t), "notifygw_queue_depth 3")
}
