package main

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumeCountsEventsByType(t *testing.T) {
	stream := strings.Join([]string{
		"event: exchanges_list",
		`data: {"type":"exchanges_list","data":["binance"]}`,
		"",
		": ping",
		"",
		"event: balance_update",
		"data: {}",
		"",
		"event: balance_update",
		"data: {}",
		"",
		"data: untyped",
		"",
	}, "\n")

	c := newCounter()
	err := consume(strings.NewReader(stream), c)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(4), c.total.Load())
	assert.Equal(t, "balance_update=2 exchanges_list=1 message=1", c.String())
}
