package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FramesIn.WithLabelValues("MESSAGE_SEND").Inc()
	m.FramesIn.WithLabelValues("MESSAGE_SEND").Inc()
	m.Connections.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesIn.WithLabelValues("MESSAGE_SEND")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))

	fams, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, fams)

	assert.Panics(t, func() { New(reg) }, "double registration")
	assert.NotPanics(t, func() { Nop(); Nop() })
}
