package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sciffer/labrange/internal/config"
)

type failingSink struct{}

func (failingSink) Send(context.Context, Notification) error { return errors.New("unreachable") }

type captureSink struct{ got []Notification }

func (c *captureSink) Send(_ context.Context, n Notification) error {
	c.got = append(c.got, n)
	return nil
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var received Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, srv.Client()).Send(context.Background(), Notification{
		Level:    LevelCritical,
		Title:    "Budget exceeded",
		Message:  "grace period started",
		Metadata: map[string]interface{}{"month_cost": 101.5},
	})
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, received.Level)
	assert.Equal(t, "Budget exceeded", received.Title)
	assert.Equal(t, 101.5, received.Metadata["month_cost"])
}

func TestWebhookSinkReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, srv.Client()).Send(context.Background(), Notification{Title: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestDispatcherSwallowsSinkFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	capture := &captureSink{}
	d := NewDispatcher([]string{"ops"}, zap.New(core), failingSink{}, capture)

	d.Send(context.Background(), LevelWarning, "Daily budget", "daily limit reached", nil)

	require.Len(t, capture.got, 1)
	assert.Equal(t, []string{"ops"}, capture.got[0].Channels)
	assert.Equal(t, 1, logs.FilterMessage("failed to deliver notification").Len())
}

func TestLogSinkLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Send(context.Background(), Notification{Level: LevelCritical, Message: "a"}))
	require.NoError(t, sink.Send(context.Background(), Notification{Level: LevelWarning, Message: "b"}))
	require.NoError(t, sink.Send(context.Background(), Notification{Level: LevelInfo, Message: "c"}))

	all := logs.All()
	require.Len(t, all, 3)
	assert.Equal(t, zapcore.ErrorLevel, all[0].Level)
	assert.Equal(t, zapcore.WarnLevel, all[1].Level)
	assert.Equal(t, zapcore.InfoLevel, all[2].Level)
}

func TestFromConfig(t *testing.T) {
	d := FromConfig(config.NotifyConfig{}, zap.NewNop())
	assert.Len(t, d.sinks, 1)

	d = FromConfig(config.NotifyConfig{WebhookURL: "http://hooks.local/budget"}, zap.NewNop())
	assert.Len(t, d.sinks, 2)
}
