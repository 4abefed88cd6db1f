package classad

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/adstash/internal/models"
)

func TestRecordIterator_YieldsUnparsedRecords(t *testing.T) {
	input := "A = 1\n*** banner\nB = \"x\"\n*** banner\n"
	it := NewRecordIterator("history", io.NopCloser(strings.NewReader(input)))
	defer it.Close()

	var texts []string
	for it.Next() {
		raw := it.Value()
		assert.Equal(t, "history", raw.Origin)
		assert.Nil(t, raw.Ad)
		texts = append(texts, raw.Text)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"A = 1\n", "B = \"x\"\n"}, texts)
}

func TestResolve_CachesResultAndError(t *testing.T) {
	good := &models.RawAd{Text: "ClusterId = 5\n"}
	ad, err := Resolve(good)
	require.NoError(t, err)
	require.NotNil(t, good.Ad)
	v, _ := ad.Get("ClusterId")
	assert.Equal(t, int64(5), v.Int)

	bad := &models.RawAd{Text: "not an assignment\n"}
	_, err = Resolve(bad)
	require.Error(t, err)
	assert.Equal(t, err, bad.Err)
	_, again := Resolve(bad)
	assert.Equal(t, err, again)
}

func TestSliceIterator(t *testing.T) {
	it := NewSliceIterator([]*models.RawAd{{Text: "A = 1"}, {Text: "A = 2"}})
	count := 0
	for it.Next() {
		count++
	}
	assert.Equal(t, 2, count)
	assert.Nil(t, it.Value())
	assert.NoError(t, it.Err())
}
