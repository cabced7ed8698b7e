package testutils

import (
	"fmt"
	"testing"

	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter_Defaults(t *testing.T) {
	opts := NewTextAsserter(t).Options()
	assert.True(t, opts.TrimSpace)
	assert.True(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.EnableColors)
}

func TestTextAsserter_Normalization(t *testing.T) {
	rt := &recordingT{}
	ta := NewTextAsserter(rt)

	assert.True(t, ta.Assert("  a  \nb\t\n\n", "a\nb"))
	assert.Empty(t, rt.errors)

	assert.False(t, ta.Assert("a\n\nb", "a\nb"))
	require.Len(t, rt.errors, 1)

	ta = NewTextAsserter(rt, WithIgnoreEmptyLines(true))
	assert.True(t, ta.Assert("a\n\nb", "a\nb"))
}

func TestTextAsserter_DiffShowsChangedLine(t *testing.T) {
	d := NewTextAsserter(t).Diff("name: two\n", "name: one\n")
	assert.Contains(t, d, "-name: one")
	assert.Contains(t, d, "+name: two")
}

func TestJSONAsserter(t *testing.T) {
	t.Run("extra keys ignored by default", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewJSONAsserter(rt).Assert(`{"name":"x","extra":1}`, `{"name":"x"}`)
		assert.True(t, ok)
		assert.Empty(t, rt.errors)
	})

	t.Run("extra keys reported when strict", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewJSONAsserter(rt, WithIgnoreExtraKeys(false)).Assert(`{"name":"x","extra":1}`, `{"name":"x"}`)
		assert.False(t, ok)
		assert.Len(t, rt.errors, 1)
	})

	t.Run("presence placeholder", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewJSONAsserter(rt).Assert(`{"rssi":-40,"name":"n"}`, `{"rssi":"<<PRESENCE>>","name":"n"}`)
		assert.True(t, ok)
	})

	t.Run("root arrays", func(t *testing.T) {
		rt := &recordingT{}
		assert.True(t, NewJSONAsserter(rt).Assert(`[1,2]`, `[1,2]`))
		assert.False(t, NewJSONAsserter(rt).Assert(`[1,3]`, `[1,2]`))
	})

	t.Run("value mismatch", func(t *testing.T) {
		d := NewJSONAsserter(t).Diff(`{"name":"a"}`, `{"name":"b"}`)
		assert.NotEmpty(t, d)
	})
}

func TestAdvertisementBuilder(t *testing.T) {
	ev := NewAdvertisementBuilder().
		WithName("M5UiFlow").
		WithAddress("11:22:33:44:55:66").
		WithServices("180D").
		WithRSSI(-61).
		Build()

	assert.Equal(t, radio.MustParseAddr("11:22:33:44:55:66"), ev.Addr)
	assert.Equal(t, radio.AdvInd, ev.AdvType)
	assert.Equal(t, int8(-61), ev.RSSI)
	assert.Equal(t, "M5UiFlow", adv.DecodeName(ev.AdvData))
	require.Len(t, adv.DecodeServices(ev.AdvData), 1)

	fromJSON := NewAdvertisementBuilder().
		FromJSON(`{"name":%q,"advType":%d}`, "Beacon", radio.AdvNonconnInd).
		Build()
	assert.Equal(t, radio.AdvNonconnInd, fromJSON.AdvType)
	assert.Equal(t, "Beacon", adv.DecodeName(fromJSON.AdvData))
}
