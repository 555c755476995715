package sink_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulekit/pkg/sink"
	"rulekit/pkg/sink/sinktest"
)

func TestDispatchRoutesByKind(t *testing.T) {
	t.Parallel()

	rec := &sinktest.Recorder{}
	ctx := context.Background()
	require.NoError(t, sink.Dispatch(ctx, rec, sink.KindCommand, "Light", "ON"))
	require.NoError(t, sink.Dispatch(ctx, rec, sink.KindUpdate, "Light", "OFF"))

	assert.Equal(t, []sinktest.Delivery{
		{Kind: sink.KindCommand, Target: "Light", Value: "ON"},
		{Kind: sink.KindUpdate, Target: "Light", Value: "OFF"},
	}, rec.Deliveries())

	err := sink.Dispatch(ctx, rec, sink.Kind(9), "Light", "X")
	require.ErrorIs(t, err, sink.ErrUnknownKind)
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want sink.Kind
		ok   bool
	}{
		{"", sink.KindCommand, true},
		{"command", sink.KindCommand, true},
		{"update", sink.KindUpdate, true},
		{"state", sink.KindUpdate, true},
		{"toggle", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := sink.ParseKind(tc.in)
			if !tc.ok {
				require.ErrorIs(t, err, sink.ErrUnknownKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
