package saga

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reservation struct {
	ID    string `json:"id"`
	Items int    `json:"items"`
}

func TestContextSetGet(t *testing.T) {
	sc := NewContext()
	require.NoError(t, sc.Set("reservation", reservation{ID: "r-1", Items: 3}))
	require.NoError(t, sc.Set("amount", 42.5))

	var r reservation
	require.NoError(t, sc.Get("reservation", &r))
	assert.Equal(t, reservation{ID: "r-1", Items: 3}, r)

	amount, err := Lookup[float64](sc, "amount")
	require.NoError(t, err)
	assert.Equal(t, 42.5, amount)

	assert.True(t, sc.Has("amount"))
	assert.Equal(t, []string{"amount", "reservation"}, sc.Keys())
	assert.Equal(t, 2, sc.Len())

	_, err = Lookup[string](sc, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestContextCloneIsIndependent(t *testing.T) {
	sc := NewContext()
	require.NoError(t, sc.Set("a", 1))

	clone := sc.Clone()
	require.NoError(t, clone.Set("b", 2))
	require.NoError(t, clone.Set("a", 10))

	assert.False(t, sc.Has("b"))
	a, err := Lookup[int](sc, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a)
}

func TestContextViewIsReadOnly(t *testing.T) {
	sc := NewContext()
	require.NoError(t, sc.Set("a", 1))

	view := sc.View()
	assert.True(t, view.ReadOnly())
	assert.ErrorIs(t, view.Set("b", 2), ErrContextReadOnly)

	a, err := Lookup[int](view, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a)
}

func TestContextJSONRoundTrip(t *testing.T) {
	sc, err := ContextFrom(map[string]any{"order_id": "o-1", "qty": 2})
	require.NoError(t, err)

	raw, err := json.Marshal(sc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"o-1","qty":2}`, string(raw))

	decoded, err := decodeContext(raw)
	require.NoError(t, err)
	assert.Equal(t, sc.Map(), decoded.Map())

	empty, err := decodeContext(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}

func TestContextSetRejectsUnencodableValue(t *testing.T) {
	err := NewContext().Set("ch", make(chan int))
	assert.Error(t, err)
}
