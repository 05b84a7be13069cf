package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookServer(t *testing.T, status int) (*httptest.Server, func() []Payload) {
	t.Helper()
	var mu sync.Mutex
	var got []Payload

	r := mux.NewRouter()
	r.HandleFunc("/hook", func(w http.ResponseWriter, req *http.Request) {
		var p Payload
		if err := json.NewDecoder(req.Body).Decode(&p); err == nil {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}
		w.WriteHeader(status)
	}).Methods(http.MethodPost).Headers("Content-Type", "application/json")

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, func() []Payload {
		mu.Lock()
		defer mu.Unlock()
		return append([]Payload(nil), got...)
	}
}

func TestWebhookNotifier(t *testing.T) {
	srv, received := webhookServer(t, http.StatusNoContent)
	n := NewWebhookNotifier(srv.URL+"/hook", time.Second)
	n.now = func() time.Time { return time.UnixMilli(1_600_000_000_000) }
	ctx := context.Background()

	require.NoError(t, n.PossibleExposure(ctx))
	require.NoError(t, n.PermissionRequired(ctx, errors.New("consent")))

	assert.Equal(t, []Payload{
		{Event: EventPossibleExposure, Timestamp: 1_600_000_000_000},
		{Event: EventPermissionRequired, Detail: "consent", Timestamp: 1_600_000_000_000},
	}, received())
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv, _ := webhookServer(t, http.StatusBadGateway)
	n := NewWebhookNotifier(srv.URL+"/hook", time.Second)
	assert.Error(t, n.PossibleExposure(context.Background()))
}

type failing struct{}

func (failing) PossibleExposure(context.Context) error           { return errors.New("down") }
func (failing) PermissionRequired(context.Context, error) error { return errors.New("down") }

func TestMultiNotifiesEveryone(t *testing.T) {
	rec := &Recorder{}
	m := Multi{failing{}, rec, NewLogNotifier()}

	err := m.PossibleExposure(context.Background())
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, rec.Exposures(), "a failing notifier does not block the others")

	require.Error(t, m.PermissionRequired(context.Background(), nil))
	assert.Equal(t, 1, rec.Permissions())
}

func TestEmptyMulti(t *testing.T) {
	assert.NoError(t, Multi(nil).PossibleExposure(context.Background()))
}
