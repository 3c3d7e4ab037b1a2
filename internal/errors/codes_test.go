package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestGridError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *GridError
		want codes.Code
	}{
		{"write skew", WriteSkewConflict([]string{"a"}), codes.Aborted},
		{"stale topology", StaleTopology(1, 2), codes.FailedPrecondition},
		{"degraded", SegmentDegraded(7), codes.Unavailable},
		{"unreachable", PeerUnreachable("n1", nil), codes.Unavailable},
		{"no owner", NoOwnerAvailable("k", 3), codes.Unavailable},
		{"not found", KeyNotFound("k"), codes.NotFound},
		{"timeout", Timeout("pull", nil), codes.DeadlineExceeded},
		{"internal", InternalError("boom", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestGridError_WrappedCodeLookup(t *testing.T) {
	err := fmt.Errorf("prepare failed: %w", WriteSkewConflict([]string{"y", "x"}))

	assert.Equal(t, ErrCodeWriteSkewConflict, GetCode(err))
	assert.True(t, IsCode(err, ErrCodeWriteSkewConflict))
	assert.True(t, stderrors.Is(err, ErrWriteSkewConflict))
	assert.False(t, stderrors.Is(err, ErrStaleTopology))
	assert.Equal(t, []string{"x", "y"}, ConflictKeys(err))
	assert.Contains(t, err.Error(), "[x, y]")
}

func TestGridError_Retryable(t *testing.T) {
	assert.True(t, IsRetryable(PeerUnreachable("n2", stderrors.New("dial"))))
	assert.True(t, IsRetryable(StaleTopology(3, 4)))
	assert.False(t, IsRetryable(WriteSkewConflict(nil)))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
}
