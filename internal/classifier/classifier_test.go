package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSimpleTitler(t *testing.T) {
	titler := NewSimpleTitler(4, 0)
	ctx := context.Background()

	assert.Equal(t, "Plan my trip to", titler.Title(ctx, "plan my trip to Lisbon next week!"))
	assert.Equal(t, "Travel ideas", titler.Title(ctx, "#travel ideas?"))
	assert.Equal(t, "", titler.Title(ctx, "   "))
}

func TestSimpleTitler_Truncates(t *testing.T) {
	titler := NewSimpleTitler(10, 8)
	assert.Equal(t, "Somethin…", titler.Title(context.Background(), "something rather long"))
}

type fakeCompleter struct {
	out string
	err error
}

func (f fakeCompleter) Complete(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	return f.out, f.err
}

func TestGPTTitler(t *testing.T) {
	ctx := context.Background()

	titler := NewGPTTitler(fakeCompleter{out: ` "Lisbon trip planning." `}, "gpt-4o-mini", 16, zap.NewNop())
	assert.Equal(t, "Lisbon trip planning", titler.Title(ctx, "plan my trip"))

	titler = NewGPTTitler(fakeCompleter{err: errors.New("down")}, "gpt-4o-mini", 16, zap.NewNop())
	assert.Equal(t, "Plan my trip", titler.Title(ctx, "plan my trip"))

	titler = NewGPTTitler(fakeCompleter{out: "  "}, "gpt-4o-mini", 16, zap.NewNop())
	assert.Equal(t, "Hello", titler.Title(ctx, "hello"))
}
