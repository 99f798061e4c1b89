package remote

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/term"
)

func TestParseHostFrame(t *testing.T) {
	code := 2
	sig := "TERM"

	tests := []struct {
		name    string
		raw     string
		want    term.Event
		wantErr bool
	}{
		{"connected", `{"type":"connected"}`, term.Connected{}, false},
		{"data", `{"type":"data","data":"hi"}`, term.Data{Bytes: []byte("hi")}, false},
		{"data with multibyte", `{"type":"data","data":"日本"}`, term.Data{Bytes: []byte("日本")}, false},
		{"exit with code", `{"type":"exit","exitCode":2}`, term.Exit{ExitCode: &code}, false},
		{"exit with signal", `{"type":"exit","signal":"TERM"}`, term.Exit{Signal: &sig}, false},
		{"exit bare", `{"type":"exit"}`, term.Exit{}, false},
		{"unknown type", `{"type":"telemetry","data":"x"}`, nil, true},
		{"missing type", `{"data":"x"}`, nil, true},
		{"not json", `no`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseHostFrame([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestParseClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ClientFrame
		wantErr bool
	}{
		{"input", `{"type":"input","data":"ls\n"}`, ClientFrame{Type: TypeInput, Data: "ls\n"}, false},
		{"resize", `{"type":"resize","cols":120,"rows":40}`, ClientFrame{Type: TypeResize, Cols: 120, Rows: 40}, false},
		{"resize zero cols", `{"type":"resize","cols":0,"rows":40}`, ClientFrame{}, true},
		{"resize negative rows", `{"type":"resize","cols":80,"rows":-1}`, ClientFrame{}, true},
		{"unknown type", `{"type":"connected"}`, ClientFrame{}, true},
		{"missing type", `{"data":"x"}`, ClientFrame{}, true},
		{"not json", `{`, ClientFrame{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseClientFrame([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}

func TestHostFrameBuildersRoundTrip(t *testing.T) {
	raw, err := json.Marshal(DataFrame([]byte("out € bytes")))
	require.NoError(t, err)
	ev, err := ParseHostFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, term.Data{Bytes: []byte("out € bytes")}, ev)

	code := 130
	raw, err = json.Marshal(ExitFrame(term.Exit{ExitCode: &code}))
	require.NoError(t, err)
	ev, err = ParseHostFrame(raw)
	require.NoError(t, err)
	exit, ok := ev.(term.Exit)
	require.True(t, ok)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 130, *exit.ExitCode)
	assert.Nil(t, exit.Signal)
}
