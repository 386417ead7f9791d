package amd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_MessageShape(t *testing.T) {
	raw := []byte(`{"ppmdmsg":{"@status":"ok","token":"abc","patientlist":{"patient":{"@id":"pat1","@name":"DOE,JANE"}}}}`)

	r, err := Decode("LOOKUPPATIENT", raw)
	require.NoError(t, err)
	assert.Equal(t, ShapeMessage, r.Shape)
	assert.False(t, r.Failed())
	assert.Equal(t, "abc", r.Token())

	patients := r.Body.Get("patientlist").List("patient")
	require.Len(t, patients, 1)
	assert.Equal(t, "pat1", patients[0].Str("@id"))
}

func TestDecode_MessageShapeError(t *testing.T) {
	raw := []byte(`{"ppmdmsg":{"@status":"error","@errormessage":"Invalid office key"}}`)

	r, err := Decode("LOGIN", raw)
	require.NoError(t, err)
	assert.True(t, r.Failed())
	assert.Equal(t, "Invalid office key", r.ErrMessage)
}

func TestDecode_ResultsShape(t *testing.T) {
	raw := []byte(`{"PPMDResults":{"Results":{"usercontext":{"@webserver":"https://pm.example.com","#text":"tok-123"}}}}`)

	r, err := Decode("LOGIN", raw)
	require.NoError(t, err)
	assert.Equal(t, ShapeResults, r.Shape)
	assert.Equal(t, "https://pm.example.com", r.UserContext().Str("@webserver"))
	assert.Equal(t, "tok-123", r.Token())
}

func TestDecode_ResultsShapeFault(t *testing.T) {
	raw := []byte(`{"PPMDResults":{"Error":{"Fault":{"detail":{"description":"Bad credentials"}}}}}`)

	r, err := Decode("LOGIN", raw)
	require.NoError(t, err)
	assert.True(t, r.Failed())
	assert.Equal(t, "Bad credentials", r.ErrMessage)
}

func TestDecode_MissingEnvelope(t *testing.T) {
	for _, raw := range []string{`{"foo":1}`, `not json`, `{"PPMDResults":{}}`} {
		_, err := Decode("X", []byte(raw))
		require.Error(t, err, raw)
		ae, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindStructural, ae.Kind)
	}
}

func TestDoc_ListAcceptsObjectOrArray(t *testing.T) {
	d := Doc{
		"one":  map[string]any{"@id": "1"},
		"many": []any{map[string]any{"@id": "1"}, map[string]any{"@id": "2"}},
	}
	assert.Len(t, d.List("one"), 1)
	assert.Len(t, d.List("many"), 2)
	assert.Nil(t, d.List("none"))
}

func TestDoc_Accessors(t *testing.T) {
	d := Doc{"@amount": "$1,250.50", "@count": float64(3), "@active": "Y", "@empty": ""}
	assert.InDelta(t, 1250.50, d.Float("@amount"), 0.001)
	assert.Equal(t, 3, d.Int("@count"))
	assert.Equal(t, "3", d.Str("@count"))
	assert.True(t, d.Bool("@active"))
	assert.Equal(t, "fallback", Doc{"@a": "", "@b": "fallback"}.Str("@a", "@b"))

	var nilDoc Doc
	assert.Equal(t, "", nilDoc.Get("x").Str("y"))
}

func TestNewMessage(t *testing.T) {
	at := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	msg := NewMessage("addpatient", "api", at, map[string]any{"@lastname": "DOE"})

	inner, ok := msg["ppmdmsg"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "addpatient", inner["@action"])
	assert.Equal(t, "api", inner["@class"])
	assert.Equal(t, "03/05/2024 02:07:09 PM", inner["@msgtime"])
	assert.Equal(t, "DOE", inner["@lastname"])
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"01/15/2024", "2024-01-15", "20240115", "1/15/2024"} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.True(t, SameDay(want, got), s)
	}
	_, err := ParseDate("15.01.2024")
	assert.Error(t, err)
}
