package hashing

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/pkg/models"
)

func TestHashPayloadKeyOrderInsensitive(t *testing.T) {
	a := map[string]any{"voice": "Wise_Woman", "speed": 1.0, "tags": []any{"a", "b"}}
	b := map[string]any{"tags": []any{"a", "b"}, "speed": 1.0, "voice": "Wise_Woman"}

	pa, err := HashPayload(a)
	require.NoError(t, err)
	pb, err := HashPayload(b)
	require.NoError(t, err)

	assert.Equal(t, pa.Hash, pb.Hash)
	assert.Equal(t, pa.Canonical, pb.Canonical)
}

func TestHashPayloadArrayOrderSensitive(t *testing.T) {
	pa, err := HashPayload([]any{"a", "b"})
	require.NoError(t, err)
	pb, err := HashPayload([]any{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, pa.Hash, pb.Hash)
}

func TestHashPayloadNumberNormalization(t *testing.T) {
	// 2, 2.0, int64(2) and float32(2) must all canonicalize identically.
	base, err := HashPayload(map[string]any{"n": 2})
	require.NoError(t, err)

	for _, v := range []any{2.0, int64(2), float32(2)} {
		p, err := HashPayload(map[string]any{"n": v})
		require.NoError(t, err)
		assert.Equal(t, base.Hash, p.Hash, "value %v", v)
	}

	frac, err := HashPayload(map[string]any{"n": 2.5})
	require.NoError(t, err)
	assert.NotEqual(t, base.Hash, frac.Hash)
}

func TestHashPayloadStructsMatchMaps(t *testing.T) {
	type voice struct {
		Name  string  `json:"name"`
		Speed float64 `json:"speed"`
	}
	ps, err := HashPayload(voice{Name: "Old_Man", Speed: 1.25})
	require.NoError(t, err)
	pm, err := HashPayload(map[string]any{"speed": 1.25, "name": "Old_Man"})
	require.NoError(t, err)
	assert.Equal(t, pm.Hash, ps.Hash)
}

func TestHashDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("hash equals hash of deep clone", prop.ForAll(
		func(m map[string]string, nums []int) bool {
			value := map[string]any{"strings": m, "nums": nums}
			var numsClone []int
			if nums != nil {
				numsClone = append(make([]int, 0, len(nums)), nums...)
			}
			clone := map[string]any{"nums": numsClone, "strings": func() map[string]string {
				c := make(map[string]string, len(m))
				for k, v := range m {
					c[k] = v
				}
				return c
			}()}
			p1, err1 := HashPayload(value)
			p2, err2 := HashPayload(clone)
			return err1 == nil && err2 == nil && p1.Hash == p2.Hash
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}

func TestHashInputContentsOrderAndContent(t *testing.T) {
	resolve := func(id string) string { return "digest-of-" + id }

	h1 := HashInputContents([]string{"Input:A", "Artifact:P.Out[0]"}, resolve)
	h2 := HashInputContents([]string{"Input:A", "Artifact:P.Out[0]"}, resolve)
	assert.Equal(t, h1, h2)

	reordered := HashInputContents([]string{"Artifact:P.Out[0]", "Input:A"}, resolve)
	assert.NotEqual(t, h1, reordered, "consumes order is significant")

	changed := HashInputContents([]string{"Input:A", "Artifact:P.Out[0]"}, func(id string) string {
		if id == "Input:A" {
			return "other"
		}
		return resolve(id)
	})
	assert.NotEqual(t, h1, changed)
}

func TestManifestDigestResolver(t *testing.T) {
	m := models.NewManifest("rev-0003", time.Now())
	m.Inputs["Input:VoiceId"] = models.ManifestInput{Hash: "h", PayloadDigest: "voice-digest"}
	m.Artefacts["Artifact:P.Img[0]"] = models.ManifestArtefact{
		Status: models.ArtefactSucceeded,
		Blob:   &models.BlobInfo{Hash: "blob-digest"},
	}

	resolve := ManifestDigestResolver(m)

	assert.Equal(t, "voice-digest", resolve("Input:VoiceId"))
	assert.Equal(t, "blob-digest", resolve("Artifact:P.Img[0]"))

	// Unmaterialized ids fall back to the hash of the id string.
	assert.Equal(t, HashBytes([]byte("Input:Missing")), resolve("Input:Missing"))
	assert.Equal(t, HashBytes([]byte("Artifact:P.Img[9]")), resolve("Artifact:P.Img[9]"))

	// Nil manifest always falls back.
	nilResolve := ManifestDigestResolver(nil)
	assert.Equal(t, HashBytes([]byte("Input:VoiceId")), nilResolve("Input:VoiceId"))
}
