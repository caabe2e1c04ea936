package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSConfig(t *testing.T) {
	c := corsConfig([]string{"*"})
	assert.True(t, c.AllowAllOrigins)
	assert.NoError(t, c.Validate())

	c = corsConfig(nil)
	assert.True(t, c.AllowAllOrigins)

	c = corsConfig([]string{"https://maps.example.org"})
	assert.False(t, c.AllowAllOrigins)
	assert.Equal(t, []string{"https://maps.example.org"}, c.AllowOrigins)
	assert.NoError(t, c.Validate())
}
