package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitialVersionNeverRepeats(t *testing.T) {
	v1 := initialVersion()
	time.Sleep(time.Millisecond)
	v2 := initialVersion()

	require.NotZero(t, v1)
	require.Greater(t, v2, v1, "later incarnations must seed strictly newer versions")
}

func TestLookupPath(t *testing.T) {
	doc := map[string]any{
		"name": "Laptop",
		"specs": map[string]any{
			"color": "black",
			"dimensions": map[string]any{
				"width": 31.5,
			},
		},
	}

	val, ok := lookupPath(doc, "name")
	require.True(t, ok)
	require.Equal(t, "Laptop", val)

	val, ok = lookupPath(doc, "specs.color")
	require.True(t, ok)
	require.Equal(t, "black", val)

	val, ok = lookupPath(doc, "specs.dimensions.width")
	require.True(t, ok)
	require.Equal(t, 31.5, val)

	_, ok = lookupPath(doc, "specs.missing")
	require.False(t, ok)

	_, ok = lookupPath(doc, "name.nested")
	require.False(t, ok, "scalars have no nested fields")
}

func TestMatchValue(t *testing.T) {
	require.True(t, matchValue("electronics", "electronics"))
	require.True(t, matchValue(float64(42), 42), "decoded JSON numbers must match int filters")
	require.True(t, matchValue(float64(999.99), 999.99))
	require.False(t, matchValue("42", 43))
}

func TestCompareValues(t *testing.T) {
	require.Negative(t, compareValues(float64(1), float64(2)))
	require.Positive(t, compareValues(float64(10), float64(2)), "numbers order numerically, not lexically")
	require.Zero(t, compareValues("a", "a"))
	require.Negative(t, compareValues("a", "b"))
}

func TestParseSortField(t *testing.T) {
	path, desc := parseSortField("-price")
	require.Equal(t, "price", path)
	require.True(t, desc)

	path, desc = parseSortField("+name")
	require.Equal(t, "name", path)
	require.False(t, desc)

	path, desc = parseSortField("name")
	require.Equal(t, "name", path)
	require.False(t, desc)
}

func TestTranslateCtxErr(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := translateCtxErr(ctx, ctx.Err())
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)

	err = translateCtxErr(context.Background(), context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrUnavailable)

	other := errors.New("boom")
	require.Equal(t, other, translateCtxErr(context.Background(), other))
}

func TestPGTextArrayPath(t *testing.T) {
	path, err := pgTextArrayPath("specs.color")
	require.NoError(t, err)
	require.Equal(t, "{specs,color}", path)

	_, err = pgTextArrayPath("name'; --")
	require.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `100\%`, escapeLike("100%"))
	require.Equal(t, `a\_b`, escapeLike("a_b"))
}

func TestN1QLPath(t *testing.T) {
	path, err := n1qlPath("specs.color")
	require.NoError(t, err)
	require.Equal(t, "`specs`.`color`", path)

	_, err = n1qlPath("na`me")
	require.Error(t, err)

	_, err = n1qlPath("specs..color")
	require.Error(t, err)
}

func TestDocTypeOf(t *testing.T) {
	docType, err := docTypeOf([]byte(`{"documentType":"product","name":"Laptop"}`))
	require.NoError(t, err)
	require.Equal(t, "product", docType)

	docType, err = docTypeOf([]byte(`{"name":"Laptop"}`))
	require.NoError(t, err)
	require.Empty(t, docType)

	_, err = docTypeOf([]byte(`{`))
	require.Error(t, err)
}

func TestOutcomeOf(t *testing.T) {
	require.Equal(t, "ok", outcomeOf(nil))
	require.Equal(t, "not_found", outcomeOf(ErrNotFound))
	require.Equal(t, "version_conflict", outcomeOf(ErrVersionConflict))
	require.Equal(t, "unavailable", outcomeOf(ErrUnavailable))
	require.Equal(t, "error", outcomeOf(errors.New("boom")))
}
