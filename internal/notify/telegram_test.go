package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want Command
		ok   bool
	}{
		{"/pause", CmdPause, true},
		{"/resume", CmdResume, true},
		{"/status", CmdStatus, true},
		{"/status@dstrader_bot", CmdStatus, true},
		{"  /pause  ", CmdPause, true},
		{"/stop", "", false},
		{"pause", "", false},
		{"", "", false},
		{"hello there", "", false},
	}
	for _, tc := range cases {
		got, ok := parseCommand(tc.text)
		assert.Equal(t, tc.ok, ok, "text %q", tc.text)
		assert.Equal(t, tc.want, got, "text %q", tc.text)
	}
}

func TestNilNotifierIsInert(t *testing.T) {
	t.Parallel()
	var n *Telegram

	// Must not panic or block.
	n.Send(context.Background(), "hi")
	n.Sendf(context.Background(), "x %d", 1)
	n.Listen(context.Background(), make(chan Command))
}

func TestNewTelegramRequiresToken(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewTelegram(Config{}))
	assert.NotNil(t, NewTelegram(Config{Token: "abc", ChatID: "1"}))
}
