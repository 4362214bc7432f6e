package stt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SelectsProviderByName(t *testing.T) {
	creds := Credentials{
		AssemblyAIKey:   "aai",
		CartesiaKey:     "cart",
		GoogleProjectID: "proj",
	}
	for _, name := range Names() {
		p, err := New(name, creds)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
	}

	p, err := New("  AssemblyAI ", creds)
	require.NoError(t, err)
	assert.Equal(t, ProviderAssemblyAI, p.Name())
}

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr error
	}{
		{name: ProviderAssemblyAI, creds: Credentials{}, wantErr: ErrMissingCredentials},
		{name: ProviderCartesia, creds: Credentials{}, wantErr: ErrMissingCredentials},
		{name: ProviderGoogleCloud, creds: Credentials{}, wantErr: ErrMissingCredentials},
		{name: ProviderGoogleCloud, creds: Credentials{GoogleKeyFile: "/etc/key.json"}},
		{name: ProviderGoogleCloud, creds: Credentials{GoogleProjectID: "p"}},
		{name: "whisper-local", creds: Credentials{}, wantErr: ErrUnknownProvider},
	}
	for _, tc := range tests {
		err := ValidateCredentials(tc.name, tc.creds)
		if tc.wantErr == nil {
			assert.NoError(t, err, tc.name)
			continue
		}
		assert.ErrorIs(t, err, tc.wantErr, tc.name)
	}
}

func TestSegmentShift(t *testing.T) {
	seg := Segment{
		AudioStartMS: 100,
		AudioEndMS:   300,
		Words:        []Word{{Text: "a", StartMS: 100, EndMS: 200}, {Text: "b", StartMS: 200, EndMS: 300}},
	}
	shifted := seg.Shift(1000)
	assert.Equal(t, int64(1100), shifted.AudioStartMS)
	assert.Equal(t, int64(1300), shifted.Words[1].EndMS)
	assert.Equal(t, int64(100), seg.Words[0].StartMS, "original words must not be mutated")
}
