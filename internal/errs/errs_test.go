package errs

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ReturnsKind(t *testing.T) {
	err := New(KindAuth, "bad credentials")
	assert.Equal(t, KindAuth, KindOf(err))
}

func TestKindOf_UnknownForForeignError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(stderrors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	inner := New(KindSizeLimit, "response too large")
	outer := fmt.Errorf("executing query: %w", inner)
	assert.Equal(t, KindSizeLimit, KindOf(outer))
	assert.True(t, IsKind(outer, KindSizeLimit))
	assert.False(t, IsKind(outer, KindRemote))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(KindTransport, "posting query", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "posting query")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithStatus_AttachesStatus(t *testing.T) {
	err := Newf(KindRemote, "API returned status %d", 502).WithStatus(502)

	var e *Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, 502, e.Status)
}

func TestKind_StringNames(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindAuth, "auth"},
		{KindQueryRejected, "query_rejected"},
		{KindTransport, "transport"},
		{KindRemote, "remote"},
		{KindSizeLimit, "size_limit"},
		{KindResolution, "resolution"},
		{KindUnknown, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestKinds_AreDistinct(t *testing.T) {
	kinds := []Kind{KindAuth, KindQueryRejected, KindTransport, KindRemote, KindSizeLimit, KindResolution}
	for i := 0; i < len(kinds); i++ {
		for j := i + 1; j < len(kinds); j++ {
			assert.NotEqual(t, kinds[i], kinds[j])
		}
	}
}
