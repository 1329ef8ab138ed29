package goroutineid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	t.Parallel()
	id := Get()
	assert.Positive(t, id)
	assert.Equal(t, id, Get())

	other := make(chan int64)
	go func() { other <- Get() }()
	assert.NotEqual(t, id, <-other)
}

func TestParse(t *testing.T) {
	for stack, want := range map[string]int64{
		"goroutine 1 [running]:\nmain.main()": 1,
		"goroutine 12345 [chan receive]:":     12345,
		"goroutine 7":                         7,
		"goroutine x":                         0,
		"short":                               0,
		"not a goroutine 5 [running]:":        0,
	} {
		assert.Equal(t, want, parse([]byte(stack)), stack)
	}

	header := []byte("goroutine 42 [running]:")
	assert.Zero(t, testing.AllocsPerRun(100, func() { parse(header) }))
}
