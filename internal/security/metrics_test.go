package security

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("CHAT_ENV", "staging")

	labels, err := ParseMetricsLabels("service=chat-service,env=${CHAT_ENV}")
	require.NoError(t, err)
	require.Equal(t, prometheus.Labels{"service": "chat-service", "env": "staging"}, labels)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)

	_, err = ParseMetricsLabels("novalue")
	require.Error(t, err)

	_, err = ParseMetricsLabels("1bad=x")
	require.Error(t, err)
}
