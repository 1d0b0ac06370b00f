package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: "d: 30s", want: 30 * time.Second},
		{name: "composite", input: "d: 1h30m", want: 90 * time.Minute},
		{name: "bare integer is seconds", input: "d: 60", want: time.Minute},
		{name: "empty", input: `d: ""`, want: 0},
		{name: "invalid", input: "d: soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.D.Duration())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"250ms"`)))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d)

	b, err := Duration(5 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(b))
}

func TestDuration_OrDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, Duration(0).OrDefault(time.Second))
	assert.Equal(t, time.Second, Duration(-1).OrDefault(time.Second))
	assert.Equal(t, time.Minute, Duration(time.Minute).OrDefault(time.Second))
}
