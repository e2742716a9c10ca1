package consts

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"exhausted", ErrPoolExhausted, KindCapacity},
		{"wrapped timeout", fmt.Errorf("pool 3: %w", ErrCheckoutTimeout), KindCapacity},
		{"closed", ErrPoolClosed, KindCapacity},
		{"unknown pool", fmt.Errorf("get pool 9999: %w", ErrUnknownPool), KindConfiguration},
		{"not found", ErrAssignmentNotFound, KindConfiguration},
		{"storage", fmt.Errorf("load: %w: %w", ErrStorage, context.DeadlineExceeded), KindTransient},
		{"create", ErrCreateFailed, KindTransient},
		{"schema", ErrSchemaSwitchFailed, KindTransient},
		{"other", context.Canceled, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsControlPool(t *testing.T) {
	assert.True(t, IsControlPool(ControlWritePoolID))
	assert.True(t, IsControlPool(ControlReadPoolID))
	assert.False(t, IsControlPool(0))
	assert.False(t, IsControlPool(7))
}
