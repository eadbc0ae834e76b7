package outbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	testcases := []struct {
		name          string
		err           error
		wantRetryable bool
		wantPermanent bool
	}{
		{name: "connection", err: fmt.Errorf("dial: %w", ErrConnection), wantRetryable: true},
		{name: "not connected", err: ErrNotConnected, wantRetryable: true},
		{name: "rejected", err: fmt.Errorf("nack: %w", ErrPublishRejected), wantRetryable: true},
		{name: "serialization", err: fmt.Errorf("encode: %w", ErrSerialization), wantPermanent: true},
		{name: "unknown", err: errors.New("boom")},
		{name: "nil", err: nil},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantRetryable, IsRetryable(tc.err))
			assert.Equal(t, tc.wantPermanent, IsPermanent(tc.err))
		})
	}
}
