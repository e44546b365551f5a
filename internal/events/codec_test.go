package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Montimage/maip-sub000/internal/model"
)

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	ev := model.Event{
		Kind:      model.EventPredictionApplied,
		SessionID: "s1",
		Time:      at,
		Attrs: map[string]any{
			"predictionId": "p1",
			"applied":      true,
			"normalCount":  int64(7),
			"files":        []string{"a.csv"},
			"state":        model.SlicePredictionComplete,
		},
	}
	data, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.Equal(t, "s1", got.SessionID)
	assert.True(t, at.Equal(got.Time))
	assert.Equal(t, "p1", got.Attrs["predictionId"])
	assert.Equal(t, true, got.Attrs["applied"])
	assert.Equal(t, 7.0, got.Attrs["normalCount"])
	assert.Equal(t, []any{"a.csv"}, got.Attrs["files"])
	assert.Equal(t, "PredictionComplete", got.Attrs["state"])
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x01})
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "maip.session.s1.slice.state", Subject("maip.session", "s1", model.EventSliceState))
	assert.Equal(t, "maip.session.>", SubjectFilter("maip.session", ""))
	assert.Equal(t, "maip.session.s1.>", SubjectFilter("maip.session", "s1"))
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(model.Event) error { return f.err }

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	var got []model.Event
	ok := publisherFunc(func(ev model.Event) error { got = append(got, ev); return nil })

	err := Fanout{failingPublisher{boom}, ok}.Publish(model.Event{Kind: "k"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 1, "later publishers still receive the event")
}

type publisherFunc func(model.Event) error

func (f publisherFunc) Publish(ev model.Event) error { return f(ev) }
