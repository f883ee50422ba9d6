package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nota-av/fmp4stream/internal/config"
)

func TestParsePortsSplitsTriple(t *testing.T) {
	p, err := config.ParsePorts("4555,4556,4557")
	require.NoError(t, err)
	require.Equal(t, config.Ports{HTTP: 4555, HTTPS: 4556, RTSP: 4557}, p)
}

func TestParsePortsRejectsWrongArity(t *testing.T) {
	_, err := config.ParsePorts("4555,4556")
	require.Error(t, err)
}

func TestParsePortsRejectsNonNumeric(t *testing.T) {
	_, err := config.ParsePorts("4555,x,4557")
	require.Error(t, err)
}

func TestSegmentDurationConvertsSecondsToDuration(t *testing.T) {
	c := &config.Config{Segment: 6.0}
	require.Equal(t, 6*time.Second, c.SegmentDuration())
}
