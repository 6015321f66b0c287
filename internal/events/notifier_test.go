package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/reviewd/internal/config"
)

func TestNewNotifierDisabled(t *testing.T) {
	n, err := NewNotifier(&config.EventsConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.IsType(t, NoopNotifier{}, n)

	n, err = NewNotifier(nil, nil)
	require.NoError(t, err)
	assert.IsType(t, NoopNotifier{}, n)

	// Safe to use without a broker.
	n.Publish(TaskEvent{Type: EventQueued, TaskID: "t1"})
	n.Close()
}

func TestNewNotifierBadURL(t *testing.T) {
	_, err := NewNotifier(&config.EventsConfig{Enabled: true, NATSURL: "nats://127.0.0.1:1", Subject: "x"}, nil)
	assert.Error(t, err)
}
