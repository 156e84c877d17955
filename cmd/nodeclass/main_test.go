package main

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/stretchr/testify/assert"
)

func TestDefaultContextEnablesDropout(t *testing.T) {
	ctx := createDefaultContext()
	assert.Equal(t, 0.5, context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0))
}

func TestParseIntList(t *testing.T) {
	assert.Equal(t, []int{0}, parseIntList("devices", "0"))
	assert.Equal(t, []int{0, 1, 3}, parseIntList("devices", "0, 1,3"))
	assert.Equal(t, []int{10, 10, 10}, parseIntList("fanout", "10,10,10"))
}

func TestDevicesAvailable(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	assert.True(t, devicesAvailable(backend, []int{0}))
	assert.False(t, devicesAvailable(backend, []int{-1}))
	assert.False(t, devicesAvailable(backend, []int{int(backend.NumDevices())}))
}
