package predicate

import (
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	y2001 = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	y2002 = time.Date(2002, 1, 1, 0, 0, 0, 0, time.UTC)
	y2003 = time.Date(2003, 1, 1, 0, 0, 0, 0, time.UTC)
)

var fields = spec.Fields{
	{Name: "symbol", Type: spec.Nominal},
	{Name: "date", Type: spec.Temporal, TimeUnit: "year"},
	{Name: "price", Type: spec.Quantitative},
}

func rows() []data.Row {
	return []data.Row{
		{"symbol": "AAPL", "date": y2001, "price": 10.0},
		{"symbol": "AAPL", "date": y2002, "price": 20.0},
		{"symbol": "MSFT", "date": y2001, "price": 30.0},
		{"symbol": "MSFT", "date": y2003, "price": 40.0},
		{"symbol": "IBM", "date": y2002, "price": nil},
	}
}

func TestMatchesAgreesWithFilter(t *testing.T) {
	preds := []Predicate{
		nil,
		And{},
		Equal("symbol", "AAPL"),
		Equal("date", y2001),
		Equal("date", float64(y2002.UnixMilli())),
		Range("price", 10.0, 30.0, false),
		Range("price", 10.0, 30.0, true),
		Range("date", y2001, y2003, false),
		LT("price", 20.0),
		LTE("price", 20.0),
		GT("price", 20.0),
		GTE("price", 20.0),
		OneOf("symbol", "IBM", "MSFT"),
		Valid("price"),
		And{Equal("symbol", "MSFT"), GT("price", 35.0)},
		Or{Equal("symbol", "IBM"), LT("price", 15.0)},
		Not{P: Equal("symbol", "AAPL")},
	}
	all := rows()
	for _, p := range preds {
		filtered := Filter(all, p)
		var want []data.Row
		for _, r := range all {
			if Matches(r, p) {
				want = append(want, r)
			}
		}
		assert.Equal(t, len(want), len(filtered), Key(p))
		for i := range want {
			assert.Equal(t, want[i], filtered[i])
		}
	}
}

func TestMatchesSemantics(t *testing.T) {
	all := rows()
	count := func(p Predicate) int { return len(Filter(all, p)) }

	assert.Equal(t, 5, count(nil))
	assert.Equal(t, 0, count(And{}))
	assert.Equal(t, 2, count(Equal("symbol", "AAPL")))
	assert.Equal(t, 2, count(Equal("date", y2001)))
	assert.Equal(t, 2, count(Range("price", 10.0, 30.0, false)))
	assert.Equal(t, 3, count(Range("price", 10.0, 30.0, true)))
	assert.Equal(t, 4, count(Range("date", y2001, y2003, false)))
	assert.Equal(t, 4, count(Valid("price")))
	assert.Equal(t, 3, count(OneOf("symbol", "IBM", "MSFT")))
	assert.Equal(t, 3, count(Equal("symbol", []any{"IBM", "AAPL"})))
	assert.Equal(t, 1, count(And{Equal("symbol", "MSFT"), GT("price", 35.0)}))
	assert.Equal(t, 2, count(Or{Equal("symbol", "IBM"), LT("price", 15.0)}))
	assert.Equal(t, 3, count(Not{P: Equal("symbol", "AAPL")}))
	assert.Equal(t, 0, count(LT("symbol", 3.0)))
}

func TestFieldsOf(t *testing.T) {
	p := And{Equal("symbol", "A"), Or{GT("price", 1.0), Not{P: Equal("symbol", "B")}}, Valid("date")}
	assert.Equal(t, []string{"date", "price", "symbol"}, FieldsOf(p))
	assert.Empty(t, FieldsOf(nil))
	assert.Empty(t, FieldsOf(And{}))
}

func TestStoreRoundTrip(t *testing.T) {
	preds := []Predicate{
		And{},
		Equal("symbol", "AAPL"),
		Equal("symbol", []any{"AAPL", "MSFT"}),
		And{Equal("symbol", "AAPL"), Range("date", y2001, y2002, false)},
		And{Range("price", 1.0, 2.0, true), LT("price", 5.0), LTE("price", 6.0), GT("price", 0.0), GTE("price", 0.5)},
		OneOf("symbol", "A", "B"),
		Valid("price"),
	}
	for _, p := range preds {
		store, err := ToStore(p)
		require.NoError(t, err, Key(p))
		back, err := FromStore(store)
		require.NoError(t, err, Key(p))
		again, err := ToStore(back)
		require.NoError(t, err, Key(p))
		assert.Equal(t, store, again, Key(p))
	}
}

func TestToStoreEncoding(t *testing.T) {
	store, err := ToStore(And{Equal("symbol", "AAPL"), Range("date", y2001, y2002, false), Range("price", 1.0, 2.0, true)})
	require.NoError(t, err)
	require.Len(t, store, 1)
	assert.Equal(t, []StoreField{
		{Field: "symbol", Type: TypeEnum},
		{Field: "date", Type: TypeRangeRE},
		{Field: "price", Type: TypeRangeInc},
	}, store[0].Fields)
	assert.Equal(t, []any{"AAPL", []any{float64(y2001.UnixMilli()), float64(y2002.UnixMilli())}, []any{1.0, 2.0}}, store[0].Values)

	empty, err := ToStore(And{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	none, err := ToStore(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestToStoreRejectsDisjunction(t *testing.T) {
	_, err := ToStore(Or{Equal("a", 1.0), Equal("a", 2.0)})
	require.ErrorIs(t, err, ErrUnsupportedPredicate)

	_, err = ToStore(And{Equal("a", 1.0), Not{P: Equal("b", 2.0)}})
	require.ErrorIs(t, err, ErrUnsupportedPredicate)
}

func TestFromStore(t *testing.T) {
	p, err := FromStore(Store{})
	require.NoError(t, err)
	assert.True(t, IsEmptySelection(p))

	p, err = FromStore(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = FromStore(Store{{Fields: []StoreField{{Field: "price", Type: TypeRangeRE}}, Values: []any{[]any{1, 2}}}})
	require.NoError(t, err)
	assert.Equal(t, Range("price", 1.0, 2.0, false), p)

	p, err = FromStore(Store{
		{Fields: []StoreField{{Field: "symbol", Type: TypeEnum}}, Values: []any{"A"}},
		{Fields: []StoreField{{Field: "symbol", Type: TypeEnum}}, Values: []any{"B"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Or{Equal("symbol", "A"), Equal("symbol", "B")}, p)

	_, err = FromStore(Store{{Fields: []StoreField{{Field: "price", Type: TypeRangeExc}}, Values: []any{[]any{1, 2}}}})
	require.True(t, errors.Is(err, ErrUnsupportedPredicate))

	_, err = FromStore(Store{{Fields: []StoreField{{Field: "price", Type: TypeEnum}}}})
	require.Error(t, err)
}

func TestDescribe(t *testing.T) {
	p := And{
		Equal("symbol", "AAPL"),
		Equal("date", y2002),
		Range("price", 10.0, 20.5, false),
		LT("price", 3.0),
		Not{P: GTE("price", 1.25)},
	}
	assert.Equal(t,
		"AAPL and 2002 and price between 10 and 20.50 and price less than 3 and not price greater than or equal to 1.25",
		Describe(p, fields))
	assert.Equal(t, "AAPL or MSFT", Describe(Or{Equal("symbol", "AAPL"), Equal("symbol", "MSFT")}, fields))
	assert.Equal(t, "price less than or equal to 4", Describe(LTE("price", 4.0), fields))
	assert.Equal(t, "price greater than 4", Describe(GT("price", 4.0), fields))
}

func TestJSONRoundTrip(t *testing.T) {
	p := And{
		Equal("symbol", "AAPL"),
		Range("price", 1.0, 2.0, true),
		Or{LT("price", 5.0), Not{P: Valid("price")}},
		OneOf("symbol", "A", "B"),
	}
	raw, err := Marshal(p)
	require.NoError(t, err)
	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, Key(p), Key(back))

	raw, err = Marshal(nil)
	require.NoError(t, err)
	back, err = Parse(raw)
	require.NoError(t, err)
	assert.Nil(t, back)

	_, err = Parse([]byte(`{"field":"a"}`))
	require.ErrorIs(t, err, ErrUnsupportedPredicate)
}

func TestParseVegaLiteForm(t *testing.T) {
	p, err := Parse([]byte(`{"and":[{"field":"date","range":["2001-01-01","2002-01-01"]},{"field":"symbol","equal":"AAPL"}]}`))
	require.NoError(t, err)
	p = Coerce(p, fields)
	assert.Len(t, Filter(rows(), p), 1)
}

func TestKeyIgnoresConjunctOrder(t *testing.T) {
	a := And{Equal("symbol", "A"), Equal("date", y2001)}
	b := And{Equal("date", float64(y2001.UnixMilli())), Equal("symbol", "A")}
	assert.Equal(t, Key(a), Key(b))
	assert.NotEqual(t, Key(a), Key(And{Equal("symbol", "B"), Equal("date", y2001)}))
	assert.NotEqual(t, Key(nil), Key(And{}))
	assert.NotEqual(t, Key(Range("p", 1.0, 2.0, true)), Key(Range("p", 1.0, 2.0, false)))
}

func TestKeyFlattensConjunctions(t *testing.T) {
	r := Range("year", 2000.0, 2005.0, false)
	assert.Equal(t, Key(r), Key(And{r}))
	assert.Equal(t, Key(r), Key(And{And{r}}))

	flat := And{Equal("symbol", "A"), r}
	assert.Equal(t, Key(flat), Key(And{And{r}, Equal("symbol", "A")}))
	assert.NotEqual(t, Key(r), Key(And{r, And{}}))
}

func TestMapFieldsAndValidate(t *testing.T) {
	p := And{Equal("date_year", y2001), Equal("symbol", "A")}
	require.Error(t, Validate(p, fields))

	renamed := MapFields(p, func(name string) string {
		if name == "date_year" {
			return "date"
		}
		return name
	})
	require.NoError(t, Validate(renamed, fields))
	assert.Equal(t, "date_year", p[0].(*Field).Field)
}

func TestConjoin(t *testing.T) {
	assert.Nil(t, Conjoin(nil, nil))
	eq := Equal("a", 1.0)
	assert.Equal(t, eq, Conjoin(nil, eq))
	assert.Equal(t, And{eq, eq}, Conjoin(eq, nil, eq))
}
