package blueprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storyBP(t *testing.T) *Blueprint {
	t.Helper()
	bp, err := Parse([]byte(storyBlueprint))
	require.NoError(t, err)
	return bp
}

func TestParseInputsCanonicalization(t *testing.T) {
	bp := storyBP(t)
	inputs, err := ParseInputs(bp, []byte(`
VoiceId: Wise_Woman
NumOfSegments: 3
Duration: 30.5
AudioProducer.VoiceId: Old_Man
`), ".")
	require.NoError(t, err)

	assert.Equal(t, "Wise_Woman", inputs.Values["Input:VoiceId"])
	assert.Equal(t, 3, inputs.Values["Input:NumOfSegments"])
	assert.Equal(t, 30.5, inputs.Values["Input:Duration"])
	assert.Equal(t, "Old_Man", inputs.Values["Input:AudioProducer.VoiceId"])

	// Declared default applied for the absent boolean.
	assert.Equal(t, false, inputs.Values["Input:WantMusic"])
}

func TestParseInputsErrors(t *testing.T) {
	bp := storyBP(t)

	tests := []struct {
		name string
		doc  string
		kind ParserErrorKind
	}{
		{"unknown input", "Nope: 1\nVoiceId: x\nNumOfSegments: 1", UnknownInput},
		{"unknown producer scope", "Ghost.key: 1\nVoiceId: x\nNumOfSegments: 1", UnknownInput},
		{"missing required", "NumOfSegments: 3", MissingRequiredInput},
		{"wrong integer type", "VoiceId: x\nNumOfSegments: lots", InvalidInputFile},
		{"fractional integer", "VoiceId: x\nNumOfSegments: 2.5", InvalidInputFile},
		{"override without file ref", "VoiceId: x\nNumOfSegments: 1\nAudioProducer.AudioFile[0]: inline-text", InvalidArtifactOverride},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInputs(bp, []byte(tc.doc), ".")
			require.Error(t, err)
			var pe *ParserError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.kind, pe.Kind)
		})
	}
}

func TestParseInputsDuplicateKey(t *testing.T) {
	bp := storyBP(t)
	_, err := ParseInputs(bp, []byte("VoiceId: a\nNumOfSegments: 1\nVoiceId: b"), ".")
	require.Error(t, err)
	var pe *ParserError
	if assert.ErrorAs(t, err, &pe) {
		assert.Equal(t, DuplicateInputKey, pe.Kind)
	}
}

func TestParseInputsOverrideMissingFile(t *testing.T) {
	bp := storyBP(t)
	_, err := ParseInputs(bp, []byte(`
VoiceId: x
NumOfSegments: 1
AudioProducer.AudioFile[0]: file:./does-not-exist.mp3
`), t.TempDir())
	require.Error(t, err)
	var pe *ParserError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, InvalidArtifactOverride, pe.Kind)
}

func TestParseInputsOverrideMimeDetection(t *testing.T) {
	bp := storyBP(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp3"), []byte("audio"), 0o644))

	inputs, err := ParseInputs(bp, []byte(`
VoiceId: x
NumOfSegments: 1
AudioProducer.AudioFile[0]: file:./clip.mp3
`), dir)
	require.NoError(t, err)
	require.Len(t, inputs.Overrides, 1)
	assert.Equal(t, "audio/mpeg", inputs.Overrides[0].MimeType)
	assert.Equal(t, "Artifact:AudioProducer.AudioFile[0]", inputs.Overrides[0].ArtifactID)
}

func TestSelectVariantErrors(t *testing.T) {
	mf, err := ParseModels([]byte(`
producers:
  AudioProducer:
    options:
      - provider: openai
        model: tts-1
      - provider: replicate
        model: xtts-v2
  EmptyProducer:
    options: []
`))
	require.NoError(t, err)

	_, err = mf.SelectVariant("AudioProducer", "", "")
	var pe *ParserError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, AmbiguousModelSelection, pe.Kind)

	_, err = mf.SelectVariant("EmptyProducer", "", "")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, NoProducerOptions, pe.Kind)

	_, err = mf.SelectVariant("Unknown", "", "")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, NoProducerOptions, pe.Kind)

	selection, err := mf.SelectVariant("AudioProducer", "openai/tts-1", "")
	require.NoError(t, err)
	assert.Equal(t, "tts-1", selection.Model)
}

func TestValidateModelsAgainstBlueprint(t *testing.T) {
	bp := storyBP(t)
	mf, err := ParseModels([]byte(`
producers:
  GhostProducer:
    options:
      - provider: openai
        model: gpt-4o
`))
	require.NoError(t, err)

	err = mf.Validate(bp)
	require.Error(t, err)
	var pe *ParserError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, UnknownProducerInModels, pe.Kind)
}

func TestSelectVariantEnvironmentNarrowing(t *testing.T) {
	mf, err := ParseModels([]byte(`
producers:
  VideoProducer:
    options:
      - provider: fal-ai
        model: veo-3
        environment: live
      - provider: mock
        model: stub
        environment: simulated
`))
	require.NoError(t, err)

	selection, err := mf.SelectVariant("VideoProducer", "", "live")
	require.NoError(t, err)
	assert.Equal(t, "fal-ai", selection.Provider)

	selection, err = mf.SelectVariant("VideoProducer", "", "simulated")
	require.NoError(t, err)
	assert.Equal(t, "mock", selection.Provider)
}
