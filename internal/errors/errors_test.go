package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, ErrConflictExhausted.StatusCode())
	assert.Equal(t, http.StatusForbidden, ErrPermissionDenied.StatusCode())
	assert.Equal(t, http.StatusInternalServerError, ErrorCode("UNKNOWN").StatusCode())
}

func TestNewStoreErrorClassifiesCodes(t *testing.T) {
	se := NewStoreError("read", "groups/g1", ErrStorePermission)
	assert.Equal(t, ErrPermissionDenied, se.Code)
	assert.True(t, stderrors.Is(se, ErrStorePermission))

	se = NewStoreError("subscribe", "groups/g1", fmt.Errorf("dial tcp: %w", ErrStoreNetwork))
	assert.Equal(t, ErrNetwork, se.Code)

	se = NewStoreError("write", "x", stderrors.New("boom"))
	assert.Equal(t, ErrInternal, se.Code)
	assert.Contains(t, se.Error(), `write "x"`)
}

func TestNewStoreErrorKeepsExisting(t *testing.T) {
	inner := NewStoreError("read", "a", ErrStoreNetwork)
	outer := NewStoreError("subscribe", "b", fmt.Errorf("wrapped: %w", inner))
	assert.Same(t, inner, outer)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ErrConflictExhausted, CodeOf(fmt.Errorf("apply: %w", ErrRetriesExhausted)))
	assert.Equal(t, ErrNetwork, CodeOf(NewStoreError("read", "a", ErrStoreNetwork)))
	assert.Equal(t, ErrInternal, CodeOf(stderrors.New("plain")))
}

func TestFromError(t *testing.T) {
	api := FromError(NewStoreError("read", "a", ErrStoreNetwork))
	assert.Equal(t, ErrStore, api.Code)
	assert.Equal(t, http.StatusBadGateway, api.Status)

	api = FromError(NewStoreError("read", "a", ErrStorePermission))
	assert.Equal(t, ErrPermissionDenied, api.Code)

	original := ValidationError("accepted", "must be a boolean")
	assert.Same(t, original, FromError(fmt.Errorf("bind: %w", original)))
}
