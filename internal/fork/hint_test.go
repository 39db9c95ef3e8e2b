package fork

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forked/internal/lineage"
	"forked/internal/rewind"
	"forked/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "forked.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestEngine(t *testing.T, channels map[string]bool) (*Engine, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	runs := lineage.New(2, nil)
	rewinder := rewind.NewEngine(st, nil, nil)
	return NewEngine(st, runs, rewinder, nil, channels, nil, nil), st
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		address string
		want    *Hint
	}{
		{"telegram:group:-100:topic:42", &Hint{Channel: "telegram", To: "-100", ThreadID: "42"}},
		{"telegram:group:-100", &Hint{Channel: "telegram", To: "-100"}},
		{"Telegram:Direct:12345", &Hint{Channel: "telegram", To: "12345"}},
		{"discord:channel:guild:123", &Hint{Channel: "discord", To: "guild:123"}},
		{"telegram:direct", nil},
		{"telegram:group:", nil},
		{":group:1", nil},
		{"", nil},
	}
	for _, tc := range cases {
		t.Run(tc.address, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseAddress(tc.address))
		})
	}
}

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "telegram", sessionChannel("agent:main:telegram:42"))
	assert.Equal(t, "discord", sessionChannel("agent:main:Discord"))
	assert.Empty(t, sessionChannel("agent:main"))
	assert.Empty(t, sessionChannel("something-else"))
	assert.Empty(t, sessionChannel(""))
}

func lifecycleEvent(runID string, seq int64, body string) store.Event {
	return store.Event{
		RunID:  runID,
		Seq:    seq,
		Stream: "lifecycle",
		TS:     seq,
		Data:   []byte(body),
	}
}

func TestDeriveHintFromModifiedPayload(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	hint := engine.deriveHint(map[string]any{
		"type": "message_received",
		"from": "telegram:group:-100:topic:42",
	}, nil, "")

	require.NotNil(t, hint)
	assert.Equal(t, &Hint{Channel: "telegram", To: "-100", ThreadID: "42"}, hint)
}

func TestDeriveHintFromHistoryPrefersInbound(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	history := []store.Event{
		lifecycleEvent("run1", 0, `{"type":"message_sent","to":"telegram:direct:999"}`),
		lifecycleEvent("run1", 1, `{"type":"message_received","from":"telegram:direct:111"}`),
		lifecycleEvent("run1", 2, `{"type":"message_received","from":"telegram:direct:222","synthetic":true}`),
	}

	hint := engine.deriveHint(map[string]any{}, history, "agent:main:telegram:42")

	require.NotNil(t, hint)
	assert.Equal(t, "111", hint.To, "newest non-synthetic inbound wins")
}

func TestDeriveHintFallsBackToOutbound(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	history := []store.Event{
		lifecycleEvent("run1", 0, `{"type":"message_sent","to":"telegram:direct:999"}`),
	}

	hint := engine.deriveHint(map[string]any{}, history, "agent:main:telegram:42")

	require.NotNil(t, hint)
	assert.Equal(t, "999", hint.To)
}

func TestDeriveHintChannelMismatchSkipped(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	history := []store.Event{
		lifecycleEvent("run1", 0, `{"type":"message_received","from":"discord:direct:111"}`),
	}

	hint := engine.deriveHint(map[string]any{}, history, "agent:main:telegram:42")
	assert.Nil(t, hint, "session expects telegram, discord candidate rejected")
}

func TestDeriveHintEmptySessionChannelMatchesAnything(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	history := []store.Event{
		lifecycleEvent("run1", 0, `{"type":"message_received","from":"discord:direct:111"}`),
	}

	hint := engine.deriveHint(map[string]any{}, history, "")
	require.NotNil(t, hint)
	assert.Equal(t, "discord", hint.Channel)
}

func TestDeriveHintConfiguredChannelGate(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]bool{"discord": true})

	modified := map[string]any{
		"type": "message_received",
		"from": "telegram:group:-100",
	}

	assert.Nil(t, engine.deriveHint(modified, nil, ""), "telegram not configured")

	permissive, _ := newTestEngine(t, map[string]bool{})
	assert.NotNil(t, permissive.deriveHint(modified, nil, ""), "empty configured set accepts anything")
}

func TestDeriveHintSessionWideFallback(t *testing.T) {
	engine, st := newTestEngine(t, nil)

	sessionKey := "agent:main:telegram:42"
	event := store.Event{
		RunID:      "older-run",
		SessionKey: sessionKey,
		Seq:        0,
		Stream:     "lifecycle",
		TS:         1,
		Data:       []byte(`{"type":"message_received","from":"telegram:group:-100:topic:7"}`),
	}
	_, err := st.InsertEvent(&event)
	require.NoError(t, err)

	hint := engine.deriveHint(map[string]any{}, nil, sessionKey)
	require.NotNil(t, hint)
	assert.Equal(t, &Hint{Channel: "telegram", To: "-100", ThreadID: "7"}, hint)
}

func TestDeriveHintSessionWidePicksNewest(t *testing.T) {
	engine, st := newTestEngine(t, nil)

	sessionKey := "agent:main:telegram:42"
	for i := 0; i < 3; i++ {
		event := store.Event{
			RunID:      "r",
			SessionKey: sessionKey,
			Seq:        int64(i),
			Stream:     "lifecycle",
			TS:         int64(i),
			Data:       []byte(fmt.Sprintf(`{"type":"message_received","from":"telegram:direct:%d"}`, i)),
		}
		_, err := st.InsertEvent(&event)
		require.NoError(t, err)
	}

	hint := engine.deriveHint(map[string]any{}, nil, sessionKey)
	require.NotNil(t, hint)
	assert.Equal(t, "2", hint.To)
}

func TestDeriveHintNothingFound(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	assert.Nil(t, engine.deriveHint(map[string]any{}, nil, "agent:main:telegram:42"))
}
