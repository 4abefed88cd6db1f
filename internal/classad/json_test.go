package classad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/adstash/internal/models"
)

func TestUnmarshalJSON(t *testing.T) {
	data := []byte(`{"Owner":"bob","ClusterId":7,"RemoteWallClockTime":12.5,"Rank":null,` +
		`"Requirements":"/Expr(Memory > 1024)/","OnExitRemove":true,"Args":["a","b"]}`)

	ad, err := UnmarshalJSON(data)
	require.NoError(t, err)

	names := []string{}
	for _, a := range ad.Attributes() {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"Owner", "ClusterId", "RemoteWallClockTime", "Rank", "Requirements", "OnExitRemove", "Args"}, names)

	v, _ := ad.Get("ClusterId")
	assert.Equal(t, models.KindInteger, v.Kind)
	v, _ = ad.Get("RemoteWallClockTime")
	assert.Equal(t, models.KindReal, v.Kind)
	v, _ = ad.Get("Rank")
	assert.True(t, v.IsUndefined())
	v, _ = ad.Get("Requirements")
	assert.Equal(t, models.ExpressionValue("Memory > 1024"), v)
	v, _ = ad.Get("Args")
	assert.Equal(t, models.KindExpression, v.Kind)
}

func TestUnmarshalJSON_Invalid(t *testing.T) {
	_, err := UnmarshalJSON([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = UnmarshalJSON([]byte(`{}`))
	assert.ErrorIs(t, err, ErrEmptyRecord)

	_, err = UnmarshalJSON([]byte(`{"A":`))
	assert.Error(t, err)
}

func TestUnmarshalJSON_MatchesLongFormat(t *testing.T) {
	ad, err := Parse("A = 1\nB = \"x\"\nC = D + 1\nE = false\nF = 0.25\n")
	require.NoError(t, err)

	fromJSON, err := UnmarshalJSON([]byte(`{"A":1,"B":"x","C":"/Expr(D + 1)/","E":false,"F":0.25}`))
	require.NoError(t, err)
	assert.Equal(t, ad.Attributes(), fromJSON.Attributes())
}
